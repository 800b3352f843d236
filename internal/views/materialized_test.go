package views

import (
	"testing"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// A reader on an empty view waits on nothing; a writer after it waits on
// exactly the reader's completion.
func TestAddUserReadThenWrite(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()

	e1 := tab.NewUserEvent()
	if got := v.AddUser(readUsage(), e1, fm(0), nil); got != event.NoEvent {
		t.Errorf("first reader wait = %v, want none", got)
	}

	e2 := tab.NewUserEvent()
	wait := v.AddUser(writeUsage(), e2, fm(0), nil)
	if wait == event.NoEvent {
		t.Fatal("writer after reader has empty wait-set")
	}
	if tab.HasTriggered(wait) {
		t.Fatal("wait event fired before the reader finished")
	}
	tab.Trigger(e1)
	if !tab.HasTriggered(wait) {
		t.Error("wait event still pending after the reader finished")
	}
}

func TestAddUserDependencePairs(t *testing.T) {
	cases := []struct {
		name        string
		first, next usage.Usage
		wantWait    bool
	}{
		{"read read", readUsage(), readUsage(), false},
		{"read write", readUsage(), writeUsage(), true},
		{"write read", writeUsage(), readUsage(), true},
		{"write write", writeUsage(), writeUsage(), true},
		{"reduce same op", reduceUsage(7), reduceUsage(7), false},
		{"reduce different op", reduceUsage(7), reduceUsage(8), true},
		{"atomic pair", usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Atomic},
			usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Atomic}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt, _, v := singleNodeSetup()
			tab := rt.Events()
			e1 := tab.NewUserEvent()
			v.AddUser(tc.first, e1, fm(3), nil)
			wait := v.AddUser(tc.next, tab.NewUserEvent(), fm(3), nil)
			if got := wait != event.NoEvent; got != tc.wantWait {
				t.Errorf("wait present = %v, want %v", got, tc.wantWait)
			}
		})
	}
}

// Field masks bound the analysis: accesses on disjoint fields never wait
// on each other.
func TestAddUserDisjointFields(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()
	v.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil)
	if wait := v.AddUser(writeUsage(), tab.NewUserEvent(), fm(1), nil); wait != event.NoEvent {
		t.Errorf("writer on disjoint field waits on %v", wait)
	}
}

// Writers through disjoint children must not wait on each other at the
// parent, but both must wait on a pre-existing base-level writer there.
func TestDisjointChildrenThroughParent(t *testing.T) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	root.addChild(2, 0, 0, 50)
	root.addChild(3, 1, 50, 100)
	rt := newFakeRuntime(0, tab, tree)
	mgr := &fakeManager{id: 900}
	rt.addManager(mgr)
	p := NewMaterializedView(rt, rt.NewDistributedID(), 0, root, mgr, nil)
	rt.RegisterView(p)

	base := tab.NewUserEvent()
	p.AddUser(writeUsage(), base, fm(0), nil)

	c1 := p.GetMaterializedSubview(0)
	c2 := p.GetMaterializedSubview(1)

	w1 := c1.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil)
	if w1 == event.NoEvent {
		t.Fatal("child writer ignored the base-level writer")
	}
	if tab.HasTriggered(w1) {
		t.Fatal("child wait fired early")
	}
	tab.Trigger(base)
	if !tab.HasTriggered(w1) {
		t.Error("child wait not satisfied by the base writer finishing")
	}

	// The second child's only conflict was the (now finished) base
	// writer; the sibling through a provably disjoint child is not one.
	w2 := c2.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil)
	if w2 != event.NoEvent && !tab.HasTriggered(w2) {
		t.Errorf("disjoint-child writer blocked on its sibling: %v", w2)
	}
}

func TestSameChildNeverConflictsAtParent(t *testing.T) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	root.addChild(2, 0, 0, 50)
	rt := newFakeRuntime(0, tab, tree)
	mgr := &fakeManager{id: 900}
	rt.addManager(mgr)
	p := NewMaterializedView(rt, rt.NewDistributedID(), 0, root, mgr, nil)
	rt.RegisterView(p)
	c := p.GetMaterializedSubview(0)

	e1 := tab.NewUserEvent()
	w1 := c.AddUser(writeUsage(), e1, fm(0), nil)
	if w1 != event.NoEvent {
		t.Fatalf("first child writer waits on %v", w1)
	}
	// The second writer through the same child conflicts at the child
	// level, where the dependence really lives, not at the parent.
	w2 := c.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil)
	if w2 == event.NoEvent {
		t.Fatal("same-child writers missed their conflict at the child level")
	}
	tab.Trigger(e1)
	if !tab.HasTriggered(w2) {
		t.Error("child-level wait not satisfied")
	}
}

func TestFindCopyPreconditions(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()

	r := tab.NewUserEvent()
	w := tab.NewUserEvent()
	v.AddUser(readUsage(), r, fm(0), nil)
	v.AddUser(writeUsage(), w, fm(1), nil)

	// A reading copy ignores the reader but waits on the writer.
	cp := make(map[event.Event]fieldmask.Mask)
	v.FindCopyPreconditions(0, true, fm(0, 1), nil, cp)
	if _, ok := cp[r]; ok {
		t.Error("reading copy waits on a prior reader")
	}
	if _, ok := cp[w]; !ok {
		t.Error("reading copy missed the prior writer")
	}
	if m := cp[w]; m != fm(1) {
		t.Errorf("writer precondition mask = %v, want %v", m, fm(1))
	}

	// A writing copy waits on both.
	cp = make(map[event.Event]fieldmask.Mask)
	v.FindCopyPreconditions(0, false, fm(0, 1), nil, cp)
	if _, ok := cp[r]; !ok {
		t.Error("writing copy missed the prior reader")
	}
	if _, ok := cp[w]; !ok {
		t.Error("writing copy missed the prior writer")
	}
}

func TestHasWARDependence(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()
	v.AddUser(readUsage(), tab.NewUserEvent(), fm(2), nil)

	if !v.HasWARDependence(writeUsage(), fm(2)) {
		t.Error("writer over a tracked reader reports no hazard")
	}
	if v.HasWARDependence(writeUsage(), fm(3)) {
		t.Error("hazard reported outside the reader's fields")
	}
	if v.HasWARDependence(readUsage(), fm(2)) {
		t.Error("read-only usage can never raise a write-after-read hazard")
	}
	if v.HasWARDependence(reduceUsage(7), fm(2)) {
		t.Error("reduce usage can never raise a write-after-read hazard")
	}
}

func TestCollectUsersOnTrigger(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()
	e1 := tab.NewUserEvent()
	v.AddUser(writeUsage(), e1, fm(0), nil)

	set := make(map[event.Event]struct{})
	v.AccumulateEvents(set)
	if _, ok := set[e1]; !ok {
		t.Fatal("registered event not tracked")
	}

	// Deferred collection erases the event once it fires.
	tab.Trigger(e1)
	set = make(map[event.Event]struct{})
	v.AccumulateEvents(set)
	if _, ok := set[e1]; ok {
		t.Error("completed event still tracked after deferred collection")
	}
	if wait := v.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil); wait != event.NoEvent &&
		!tab.HasTriggered(wait) {
		t.Errorf("writer still waits on collected event: %v", wait)
	}
}

func TestInstanceReadyEventInWaitSet(t *testing.T) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	rt := newFakeRuntime(0, tab, tree)
	ready := tab.NewUserEvent()
	mgr := &fakeManager{id: 900, ready: ready}
	rt.addManager(mgr)
	v := NewMaterializedView(rt, rt.NewDistributedID(), 0, root, mgr, nil)
	rt.RegisterView(v)

	wait := v.AddUser(readUsage(), tab.NewUserEvent(), fm(0), nil)
	if wait == event.NoEvent || tab.HasTriggered(wait) {
		t.Fatal("user did not wait for the instance ready event")
	}
	tab.Trigger(ready)
	if !tab.HasTriggered(wait) {
		t.Error("wait not satisfied by instance readiness")
	}
}

func TestSubviewMemoized(t *testing.T) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	root.addChild(2, 0, 0, 50)
	rt := newFakeRuntime(0, tab, tree)
	mgr := &fakeManager{id: 900}
	rt.addManager(mgr)
	p := NewMaterializedView(rt, rt.NewDistributedID(), 0, root, mgr, nil)
	rt.RegisterView(p)

	c1 := p.GetMaterializedSubview(0)
	c2 := p.GetMaterializedSubview(0)
	if c1 != c2 {
		t.Error("subview lookup not memoized")
	}
	if c1.Parent() != p {
		t.Error("subview parent link broken")
	}
	if c1.Manager() != mgr {
		t.Error("subview does not reach the root's manager")
	}
	if got := rt.FindView(c1.ID()); got != LogicalView(c1) {
		t.Error("subview not registered with the runtime")
	}
}

// An access with no completion event of its own still observes every
// dependence; only its registration is skipped.
func TestAddUserWithoutTermStillWaits(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()

	w := tab.NewUserEvent()
	v.AddUser(writeUsage(), w, fm(0), nil)

	wait := v.AddUser(readUsage(), event.NoEvent, fm(0), nil)
	if wait == event.NoEvent {
		t.Fatal("untracked reader missed the writer")
	}
	if tab.HasTriggered(wait) {
		t.Fatal("wait event fired before the writer finished")
	}
	tab.Trigger(w)
	if !tab.HasTriggered(wait) {
		t.Error("wait event still pending after the writer finished")
	}

	set := make(map[event.Event]struct{})
	v.AccumulateEvents(set)
	if _, ok := set[event.NoEvent]; ok {
		t.Error("untracked access left a ledger entry behind")
	}
}

// Atomic accesses lease per-field reservations as part of registration:
// two atomic writers interleave without waiting, and both hold the same
// reservations in the same field order.
func TestAddUserAtomicLeasesReservations(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()
	atomicWrite := usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Atomic}

	e1 := tab.NewUserEvent()
	if got := v.AddUser(atomicWrite, e1, fm(2, 5), nil); got != event.NoEvent {
		t.Errorf("first atomic writer wait = %v, want none", got)
	}
	e2 := tab.NewUserEvent()
	if got := v.AddUser(atomicWrite, e2, fm(2, 5), nil); got != event.NoEvent {
		t.Errorf("second atomic writer wait = %v, want none", got)
	}

	r1 := v.AtomicReservations(e1)
	r2 := v.AtomicReservations(e2)
	if len(r1) != 2 || len(r2) != 2 {
		t.Fatalf("got %d and %d reservations, want 2 each", len(r1), len(r2))
	}
	for i := range r1 {
		if r1[i] != r2[i] {
			t.Errorf("reservation %d differs between holders: %d vs %d", i, r1[i], r2[i])
		}
	}
	want := v.FindAtomicReservations(fm(2, 5), true)
	if r1[0] != want[0] || r1[1] != want[1] {
		t.Error("leased reservations do not match the per-field table")
	}

	tab.Trigger(e1)
	if v.AtomicReservations(e1) != nil {
		t.Error("completed access still holds reservations")
	}
}

// A completion event whose bucket was demoted to the previous generation
// is still outstanding; registering another user under it must not
// schedule collection a second time.
func TestCollectScheduledOncePerEvent(t *testing.T) {
	rt, _, v := singleNodeSetup()
	tab := rt.Events()

	e := tab.NewUserEvent()
	v.AddUser(readUsage(), e, fm(0), nil)
	// A dominating writer demotes the reader's bucket.
	v.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil)
	v.AddUser(readUsage(), e, fm(1), nil)

	if got := rt.deferred[e]; got != 1 {
		t.Errorf("collection scheduled %d times for one event, want 1", got)
	}
}

func TestFindAtomicReservationsOwner(t *testing.T) {
	rt, _, v := singleNodeSetup()
	_ = rt

	r1 := v.FindAtomicReservations(fm(0, 2), true)
	if len(r1) != 2 {
		t.Fatalf("got %d reservations, want 2", len(r1))
	}
	if r1[0] == r1[1] {
		t.Error("distinct fields share a reservation")
	}
	// Repeat lookups reuse the cached leases.
	r2 := v.FindAtomicReservations(fm(2, 0), false)
	if r2[0] != r1[0] || r2[1] != r1[1] {
		t.Errorf("reservations not cached: %v then %v", r1, r2)
	}
}
