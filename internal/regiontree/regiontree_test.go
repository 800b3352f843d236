package regiontree

import (
	"testing"

	"github.com/kolkov/regionviews/internal/views"
	"github.com/kolkov/regionviews/internal/views/event"
)

func TestStructuralQueries(t *testing.T) {
	tab := event.NewTable()
	tree := New(tab)
	root := tree.NewRoot(1, 0, 100)
	left := root.AddChild(2, 0, 0, 50)
	right := root.AddChild(3, 1, 50, 100)
	wide := root.AddChild(4, 2, 25, 75)

	if !root.AreChildrenDisjoint(0, 1) {
		t.Error("non-overlapping children reported as aliased")
	}
	if root.AreChildrenDisjoint(0, 2) {
		t.Error("overlapping children reported as disjoint")
	}
	if root.AreAllChildrenDisjoint() {
		t.Error("partition with an overlapping child reported as disjoint")
	}
	if !root.Dominates(left) || left.Dominates(root) {
		t.Error("domination does not follow interval containment")
	}
	if !wide.IntersectsWith(right) || left.IntersectsWith(right) {
		t.Error("intersection does not follow interval overlap")
	}
	if tree.Lookup(3) != right {
		t.Error("child not reachable by id")
	}
	if root.Child(1) != views.RegionTreeNode(right) {
		t.Error("child lookup by color broken")
	}
}

func TestAutoCompleteCopies(t *testing.T) {
	tab := event.NewTable()
	tree := New(tab, AutoComplete())
	root := tree.NewRoot(1, 0, 10)

	pre := tab.NewUserEvent()
	done := root.IssueCopy(nil, nil, pre, 0, false)
	if tab.HasTriggered(done) {
		t.Fatal("copy completed before its precondition")
	}
	tab.Trigger(pre)
	if !tab.HasTriggered(done) {
		t.Error("auto-complete did not fire the completion")
	}

	ops := tree.Ops()
	if len(ops) != 1 || ops[0].Fill {
		t.Fatalf("recorded ops = %+v, want one copy", ops)
	}
}

func TestInvalidChildSpanPanics(t *testing.T) {
	tab := event.NewTable()
	tree := New(tab)
	root := tree.NewRoot(1, 0, 10)
	defer func() {
		if recover() == nil {
			t.Error("child escaping the parent span accepted")
		}
	}()
	root.AddChild(2, 0, 5, 20)
}
