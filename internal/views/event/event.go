// Package event implements the completion-event service the view engine
// synchronizes on.
//
// An Event is an opaque handle to an asynchronous completion: the termination
// of a task, copy, fill or reduction. Handles are valid on every address
// space of a cluster, so all simulated nodes share one Table. The engine
// never blocks on events during dependence analysis; it only merges them
// into wait handles that callers integrate into their own continuations.
// Blocking waits are reserved for the infrequent remote round trips.
//
// The Table is the in-process implementation of the runtime's event
// collaborator. It supports user events (created untriggered, triggered
// explicitly), merged events (trigger when all inputs trigger), triggered
// tests, blocking waits and completion callbacks.
package event

import "sync"

// Event is a cluster-global completion handle. The zero value NoEvent
// represents "no completion to wait for" and is always triggered.
type Event uint64

// NoEvent is the absent event. Merging an empty set yields NoEvent.
const NoEvent Event = 0

type state struct {
	done      chan struct{}
	triggered bool
	// pending counts untriggered inputs for merged events. User events
	// keep it at zero and trigger explicitly.
	pending int
	// waiters run (outside the table lock) when the event triggers.
	waiters []func()
}

// Table allocates and tracks events for one cluster.
//
// All methods are safe for concurrent use from any node's goroutines.
type Table struct {
	mu     sync.Mutex
	nextID Event
	events map[Event]*state
}

// NewTable creates an empty event table.
func NewTable() *Table {
	return &Table{nextID: 1, events: make(map[Event]*state)}
}

// NewUserEvent allocates an untriggered event that will be triggered
// explicitly by the caller.
func (t *Table) NewUserEvent() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked()
}

func (t *Table) allocLocked() Event {
	e := t.nextID
	t.nextID++
	t.events[e] = &state{done: make(chan struct{})}
	return e
}

// Trigger fires a user event. Triggering NoEvent or an already-triggered
// event is a fatal invariant violation: it means two completions raced to
// own one handle.
func (t *Table) Trigger(e Event) {
	t.mu.Lock()
	s, ok := t.events[e]
	if !ok || s.triggered {
		t.mu.Unlock()
		panic("event: trigger of unknown or already-triggered event")
	}
	waiters := t.fireLocked(s)
	t.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}

// fireLocked marks s triggered and returns the callbacks to run after the
// lock is released.
func (t *Table) fireLocked(s *state) []func() {
	s.triggered = true
	close(s.done)
	waiters := s.waiters
	s.waiters = nil
	return waiters
}

// HasTriggered reports whether e has completed. NoEvent is always complete.
func (t *Table) HasTriggered(e Event) bool {
	if e == NoEvent {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.events[e]
	return !ok || s.triggered
}

// Wait blocks the calling goroutine until e triggers.
func (t *Table) Wait(e Event) {
	if e == NoEvent {
		return
	}
	t.mu.Lock()
	s, ok := t.events[e]
	t.mu.Unlock()
	if !ok {
		return
	}
	<-s.done
}

// OnTrigger arranges for fn to run once e has triggered. If e is already
// complete, fn runs synchronously before OnTrigger returns.
func (t *Table) OnTrigger(e Event, fn func()) {
	if e == NoEvent {
		fn()
		return
	}
	t.mu.Lock()
	s, ok := t.events[e]
	if !ok || s.triggered {
		t.mu.Unlock()
		fn()
		return
	}
	s.waiters = append(s.waiters, fn)
	t.mu.Unlock()
}

// Merge combines a set of events into a single handle that triggers once
// every input has triggered.
//
// Already-triggered inputs and NoEvent entries are dropped first. An empty
// remainder merges to NoEvent and a single survivor is returned unchanged,
// so merging never allocates for the two common cases.
func (t *Table) Merge(events ...Event) Event {
	t.mu.Lock()
	live := make([]*state, 0, len(events))
	var lone Event
	for _, e := range events {
		if e == NoEvent {
			continue
		}
		s, ok := t.events[e]
		if !ok || s.triggered {
			continue
		}
		// The same event may appear twice in the input set.
		dup := false
		for _, prev := range live {
			if prev == s {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		live = append(live, s)
		lone = e
	}
	if len(live) == 0 {
		t.mu.Unlock()
		return NoEvent
	}
	if len(live) == 1 {
		t.mu.Unlock()
		return lone
	}
	merged := t.allocLocked()
	ms := t.events[merged]
	ms.pending = len(live)
	for _, s := range live {
		s.waiters = append(s.waiters, func() { t.arriveMerged(merged) })
	}
	t.mu.Unlock()
	return merged
}

// MergeSet merges the keys of an event set. Convenience wrapper used by
// callers holding wait-sets as maps.
func (t *Table) MergeSet(events map[Event]struct{}) Event {
	list := make([]Event, 0, len(events))
	for e := range events {
		list = append(list, e)
	}
	return t.Merge(list...)
}

func (t *Table) arriveMerged(merged Event) {
	t.mu.Lock()
	s, ok := t.events[merged]
	if !ok || s.triggered {
		t.mu.Unlock()
		return
	}
	s.pending--
	if s.pending > 0 {
		t.mu.Unlock()
		return
	}
	waiters := t.fireLocked(s)
	t.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}
