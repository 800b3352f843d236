package event

import (
	"sync"
	"testing"
	"time"
)

func TestUserEventLifecycle(t *testing.T) {
	tab := NewTable()
	e := tab.NewUserEvent()
	if tab.HasTriggered(e) {
		t.Fatal("fresh user event reports triggered")
	}
	tab.Trigger(e)
	if !tab.HasTriggered(e) {
		t.Fatal("event not triggered after Trigger")
	}
}

func TestNoEventAlwaysTriggered(t *testing.T) {
	tab := NewTable()
	if !tab.HasTriggered(NoEvent) {
		t.Fatal("NoEvent must always be triggered")
	}
	// Wait on NoEvent must not block.
	tab.Wait(NoEvent)
}

// TestMergeCollapses checks the empty and single-survivor fast paths.
func TestMergeCollapses(t *testing.T) {
	tab := NewTable()
	if got := tab.Merge(); got != NoEvent {
		t.Errorf("Merge() = %d, want NoEvent", got)
	}
	done := tab.NewUserEvent()
	tab.Trigger(done)
	if got := tab.Merge(NoEvent, done); got != NoEvent {
		t.Errorf("merge of triggered inputs = %d, want NoEvent", got)
	}
	live := tab.NewUserEvent()
	if got := tab.Merge(NoEvent, done, live); got != live {
		t.Errorf("merge with one live input = %d, want %d", got, live)
	}
	if got := tab.Merge(live, live); got != live {
		t.Errorf("merge of duplicated input = %d, want %d", got, live)
	}
}

// TestMergeWaitsForAll verifies a merged event fires only after every
// input fires.
func TestMergeWaitsForAll(t *testing.T) {
	tab := NewTable()
	a := tab.NewUserEvent()
	b := tab.NewUserEvent()
	m := tab.Merge(a, b)
	if m == a || m == b || m == NoEvent {
		t.Fatalf("merge of two live events should make a fresh event, got %d", m)
	}
	tab.Trigger(a)
	if tab.HasTriggered(m) {
		t.Fatal("merged event triggered with one input outstanding")
	}
	tab.Trigger(b)
	if !tab.HasTriggered(m) {
		t.Fatal("merged event not triggered after all inputs")
	}
}

func TestOnTrigger(t *testing.T) {
	tab := NewTable()
	e := tab.NewUserEvent()
	fired := make(chan struct{})
	tab.OnTrigger(e, func() { close(fired) })
	select {
	case <-fired:
		t.Fatal("callback ran before trigger")
	default:
	}
	tab.Trigger(e)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not run after trigger")
	}

	// Registering on a completed event runs synchronously.
	ran := false
	tab.OnTrigger(e, func() { ran = true })
	if !ran {
		t.Fatal("callback on completed event did not run synchronously")
	}
}

// TestConcurrentWaiters makes sure Wait from many goroutines releases on
// a single trigger.
func TestConcurrentWaiters(t *testing.T) {
	tab := NewTable()
	e := tab.NewUserEvent()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tab.Wait(e)
		}()
	}
	tab.Trigger(e)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters did not release after trigger")
	}
}
