package views

import (
	"bytes"
	"testing"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
)

// Fields with distinct precondition events get distinct fills, each
// ordered only after its own precondition.
func TestFillSplitsByPrecondition(t *testing.T) {
	rt, tree, dst := singleNodeSetup()
	tab := rt.Events()

	w0 := tab.NewUserEvent()
	w1 := tab.NewUserEvent()
	dst.AddCopyUser(0, w0, fm(0), false)
	dst.AddCopyUser(0, w1, fm(1), false)

	fill := NewFillView(rt, rt.NewDistributedID(), 0, dst.Node(), []byte{0xab})
	rt.RegisterView(fill)

	post := make(map[event.Event]fieldmask.Mask)
	fill.IssueDeferredCopies(&CopyContext{}, dst, fm(0, 1), nil, post)

	ops := tree.issued()
	if len(ops) != 2 {
		t.Fatalf("issued %d fills, want 2", len(ops))
	}
	for _, op := range ops {
		if !op.fill {
			t.Fatal("copy issued where a fill was expected")
		}
		if !bytes.Equal(op.value, []byte{0xab}) {
			t.Errorf("fill value = %x, want ab", op.value)
		}
		if len(op.dst) != 1 {
			t.Fatalf("fill covers %d fields, want 1", len(op.dst))
		}
		var want event.Event
		switch op.dst[0].Field {
		case 0:
			want = w0
		case 1:
			want = w1
		default:
			t.Fatalf("fill for unexpected field %d", op.dst[0].Field)
		}
		if tab.HasTriggered(op.pre) {
			t.Error("fill not ordered after the prior writer")
		}
		tab.Trigger(want)
		if !tab.HasTriggered(op.pre) {
			t.Error("fill waits on the wrong writer")
		}
	}
	if len(post) != 2 {
		t.Errorf("got %d postconditions, want 2", len(post))
	}
}

// A fill with no outstanding work issues exactly one fill over the whole
// mask with no precondition.
func TestFillNoPreconditions(t *testing.T) {
	rt, tree, dst := singleNodeSetup()

	fill := NewFillView(rt, rt.NewDistributedID(), 0, dst.Node(), []byte{1, 2, 3, 4})
	rt.RegisterView(fill)

	post := make(map[event.Event]fieldmask.Mask)
	fill.IssueDeferredCopies(&CopyContext{}, dst, fm(0, 1, 2), nil, post)

	ops := tree.issued()
	if len(ops) != 1 {
		t.Fatalf("issued %d fills, want 1", len(ops))
	}
	if ops[0].pre != event.NoEvent {
		t.Errorf("fill precondition = %v, want none", ops[0].pre)
	}
	if len(ops[0].dst) != 3 {
		t.Errorf("fill covers %d fields, want 3", len(ops[0].dst))
	}

	// The destination now tracks the fill as a writing copy.
	set := make(map[event.Event]struct{})
	dst.AccumulateEvents(set)
	if _, ok := set[ops[0].done]; !ok {
		t.Error("destination does not track the fill")
	}
}

func TestFillSimplifyIsIdentity(t *testing.T) {
	rt, _, dst := singleNodeSetup()
	fill := NewFillView(rt, rt.NewDistributedID(), 0, dst.Node(), []byte{9})
	rt.RegisterView(fill)

	got, changed := fill.Simplify(&CompositeCloser{}, fm(0))
	if changed || got != LogicalView(fill) {
		t.Error("fill simplified to something else")
	}
}
