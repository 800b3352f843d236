package views

import (
	"testing"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
)

// twoSpaceSetup builds a pair of linked address spaces sharing one region
// tree, with an owner-side materialized view registered in space 0.
func twoSpaceSetup(t *testing.T) (*fakeRuntime, *fakeRuntime, *fakeTree, *MaterializedView) {
	t.Helper()
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	root.addChild(2, 0, 0, 50)
	root.addChild(3, 1, 50, 100)

	rtA := newFakeRuntime(0, tab, tree)
	rtB := newFakeRuntime(1, tab, tree)
	link(rtA, rtB)

	mgr := &fakeManager{id: 900}
	rtA.addManager(mgr)
	rtB.addManager(mgr)

	v := NewMaterializedView(rtA, rtA.NewDistributedID(), 0, root, mgr, nil)
	rtA.RegisterView(v)
	return rtA, rtB, tree, v
}

func TestSendToCreatesReplica(t *testing.T) {
	_, rtB, _, v := twoSpaceSetup(t)

	v.SendTo(1)
	remote := rtB.FindView(v.ID())
	if remote == nil {
		t.Fatal("no replica after full-state send")
	}
	replica := remote.AsMaterialized()
	if replica.Owner() != 0 || replica.IsOwner() {
		t.Error("replica believes it is the owner")
	}
	if replica.Node() != v.Node() {
		t.Error("replica bound to the wrong region")
	}

	// Sending again is a no-op on both sides.
	v.SendTo(1)
	if rtB.FindView(v.ID()) != remote {
		t.Error("repeated send rebuilt the replica")
	}
}

// Duplicate delivery of the same full-state message must not clobber an
// existing replica.
func TestFullStateDeliveryIdempotent(t *testing.T) {
	rtA, rtB, _, v := twoSpaceSetup(t)

	v.SendTo(1)
	first := rtB.FindView(v.ID())

	var payload []byte
	for _, m := range rtA.sent {
		if m.kind == MsgMaterializedView {
			payload = m.payload
		}
	}
	if payload == nil {
		t.Fatal("full-state message not captured")
	}
	Dispatch(rtB, 0, MsgMaterializedView, payload)
	if rtB.FindView(v.ID()) != first {
		t.Error("duplicate delivery replaced the replica")
	}
}

// State registered before the send travels with it: a writer recorded on
// the owner constrains users added through the replica.
func TestSendToCarriesUsers(t *testing.T) {
	rtA, rtB, _, v := twoSpaceSetup(t)
	tab := rtA.Events()

	w := tab.NewUserEvent()
	v.AddUser(writeUsage(), w, fm(0), nil)

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsMaterialized()

	wait := replica.AddUser(readUsage(), tab.NewUserEvent(), fm(0), nil)
	if wait == event.NoEvent {
		t.Fatal("replica reader ignored the owner's writer")
	}
	tab.Trigger(w)
	if !tab.HasTriggered(wait) {
		t.Error("replica reader blocked on something else")
	}
}

// Users added through a replica flow back to the owner, so owner-side
// users wait on them.
func TestRemoteUserUpdateReachesOwner(t *testing.T) {
	_, rtB, _, v := twoSpaceSetup(t)
	tab := rtB.Events()

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsMaterialized()

	r := tab.NewUserEvent()
	replica.AddUser(readUsage(), r, fm(0), nil)

	wait := v.AddUser(writeUsage(), tab.NewUserEvent(), fm(0), nil)
	if wait == event.NoEvent {
		t.Fatal("owner writer ignored the replica's reader")
	}
	tab.Trigger(r)
	if !tab.HasTriggered(wait) {
		t.Error("owner writer blocked on something else")
	}
}

// The symmetric direction: a user registered on the owner after a replica
// exists must propagate out, so a replica-side access waits on it.
func TestOwnerUserUpdateReachesReplica(t *testing.T) {
	rtA, rtB, _, v := twoSpaceSetup(t)
	tab := rtA.Events()

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsMaterialized()

	w := tab.NewUserEvent()
	v.AddUser(writeUsage(), w, fm(0), nil)

	wait := replica.AddUser(readUsage(), tab.NewUserEvent(), fm(0), nil)
	if wait == event.NoEvent {
		t.Fatal("replica reader ignored the owner's writer")
	}
	tab.Trigger(w)
	if !tab.HasTriggered(wait) {
		t.Error("replica reader blocked on something else")
	}
}

// A replica asking for a subview gets the owner-allocated child, and both
// spaces agree on its identity.
func TestRemoteSubviewRequest(t *testing.T) {
	rtA, rtB, _, v := twoSpaceSetup(t)

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsMaterialized()

	child := replica.GetMaterializedSubview(0)
	if child == nil {
		t.Fatal("no child from the remote request")
	}
	if child.Owner() != 0 {
		t.Errorf("child owner = %d, want the parent's owner", child.Owner())
	}
	ownerChild := rtA.FindView(child.ID())
	if ownerChild == nil {
		t.Fatal("owner never materialized the child")
	}
	if ownerChild.AsMaterialized() != v.GetMaterializedSubview(0) {
		t.Error("owner and replica disagree on the child's identity")
	}
	// Asking again answers locally.
	if replica.GetMaterializedSubview(0) != child {
		t.Error("remote subview lookup not memoized")
	}
}

// Atomic reservations resolved through a replica are the owner's.
func TestRemoteAtomicReservations(t *testing.T) {
	_, rtB, _, v := twoSpaceSetup(t)

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsMaterialized()

	remote := replica.FindAtomicReservations(fm(0, 1), true)
	local := v.FindAtomicReservations(fm(0, 1), true)
	if len(remote) != 2 || len(local) != 2 {
		t.Fatalf("got %d remote and %d local reservations, want 2 each", len(remote), len(local))
	}
	for i := range remote {
		if remote[i] != local[i] {
			t.Errorf("reservation %d differs: remote %d, local %d", i, remote[i], local[i])
		}
	}
}

// A replica's references count against the owner's lifetime. When the
// last reference anywhere drops, the owner collects the view.
func TestRemoteRefsGateCollection(t *testing.T) {
	rtA, rtB, _, v := twoSpaceSetup(t)

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsMaterialized()

	replica.AddGCRef()
	if rtA.FindView(v.ID()) == nil {
		t.Fatal("owner collected a view with a live remote reference")
	}
	replica.RemoveGCRef()
	if rtA.FindView(v.ID()) != nil {
		t.Error("owner kept a view with no references anywhere")
	}
}

// Reduction replicas carry both ledgers.
func TestReductionSendTo(t *testing.T) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	rtA := newFakeRuntime(0, tab, tree)
	rtB := newFakeRuntime(1, tab, tree)
	link(rtA, rtB)

	mgr := &fakeRedManager{fakeManager: fakeManager{id: 901}, redop: 7}
	rtA.addManager(mgr)
	rtB.addManager(mgr)

	v := NewReductionView(rtA, rtA.NewDistributedID(), 0, root, mgr)
	rtA.RegisterView(v)

	red := tab.NewUserEvent()
	v.AddUser(reduceUsage(7), red, fm(0), nil)

	v.SendTo(1)
	replica := rtB.FindView(v.ID()).AsReduction()

	wait := replica.AddUser(readUsage(), tab.NewUserEvent(), fm(0), nil)
	if wait == event.NoEvent {
		t.Fatal("replica reader ignored the shipped reduction")
	}
	tab.Trigger(red)
	if !tab.HasTriggered(wait) {
		t.Error("replica reader blocked on something else")
	}
}

// Fill replicas carry the value.
func TestFillSendTo(t *testing.T) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	rtA := newFakeRuntime(0, tab, tree)
	rtB := newFakeRuntime(1, tab, tree)
	link(rtA, rtB)

	v := NewFillView(rtA, rtA.NewDistributedID(), 0, root, []byte{1, 2, 3})
	rtA.RegisterView(v)
	v.SendTo(1)

	remote := rtB.FindView(v.ID())
	if remote == nil {
		t.Fatal("no fill replica")
	}
	got := remote.AsFill().Value()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("replica value = %v, want [1 2 3]", got)
	}
}

// Composite replicas resolve their constituents, shipping any the target
// does not know yet.
func TestCompositeSendTo(t *testing.T) {
	rtA, rtB, _, src := twoSpaceSetup(t)

	redMgr := &fakeRedManager{fakeManager: fakeManager{id: 901}, redop: 7}
	rtA.addManager(redMgr)
	rtB.addManager(redMgr)
	rv := NewReductionView(rtA, rtA.NewDistributedID(), 0, src.Node(), redMgr)
	rtA.RegisterView(rv)

	cst := &CaptureState{
		DirtyMask:      fm(0),
		ReductionMask:  fm(2),
		ValidViews:     map[LogicalView]fieldmask.Mask{src: fm(0)},
		ReductionViews: map[*ReductionView]fieldmask.Mask{rv: fm(2)},
		Children: map[Color]*CaptureState{
			0: {
				DirtyMask:  fm(1),
				ValidViews: map[LogicalView]fieldmask.Mask{src: fm(1)},
			},
		},
	}
	cv := CaptureCompositeView(rtA, rtA.NewDistributedID(), 0, src.Node(), nil,
		cst, fm(0, 1, 2), &CompositeCloser{})
	rtA.RegisterView(cv)

	cv.SendTo(1)
	remote := rtB.FindView(cv.ID())
	if remote == nil {
		t.Fatal("no composite replica")
	}
	rc := remote.AsComposite()
	if rc.ValidMask() != cv.ValidMask() {
		t.Errorf("replica valid mask = %v, want %v", rc.ValidMask(), cv.ValidMask())
	}
	// The constituents came along.
	if rtB.FindView(src.ID()) == nil || rtB.FindView(rv.ID()) == nil {
		t.Error("constituents not shipped with the composite")
	}

	// The tree survives the round trip node by node.
	var compare func(want, got *CompositeNode)
	compare = func(want, got *CompositeNode) {
		if got.node.ID() != want.node.ID() {
			t.Fatalf("unpacked node %d, want %d", got.node.ID(), want.node.ID())
		}
		if got.dirtyMask != want.dirtyMask {
			t.Errorf("node %d dirty mask = %v, want %v",
				want.node.ID(), got.dirtyMask, want.dirtyMask)
		}
		if got.reductionMask != want.reductionMask {
			t.Errorf("node %d reduction mask = %v, want %v",
				want.node.ID(), got.reductionMask, want.reductionMask)
		}
		if len(got.validViews) != len(want.validViews) ||
			len(got.reductionViews) != len(want.reductionViews) {
			t.Errorf("node %d has %d/%d views, want %d/%d",
				want.node.ID(), len(got.validViews), len(got.reductionViews),
				len(want.validViews), len(want.reductionViews))
		}
		if len(got.children) != len(want.children) {
			t.Fatalf("node %d has %d children, want %d",
				want.node.ID(), len(got.children), len(want.children))
		}
		for wc, wm := range want.children {
			matched := false
			for gc, gm := range got.children {
				if gc.node.ID() != wc.node.ID() {
					continue
				}
				matched = true
				if gm != wm {
					t.Errorf("child %d mask = %v, want %v", wc.node.ID(), gm, wm)
				}
				compare(wc, gc)
			}
			if !matched {
				t.Errorf("child %d missing after the round trip", wc.node.ID())
			}
		}
	}
	compare(cv.root, rc.root)
}
