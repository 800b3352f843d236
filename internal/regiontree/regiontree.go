// Package regiontree provides the index-space geometry the view layer
// analyses against: a tree of 1-D interval regions partitioned into
// colored children, with structural queries (domination, intersection,
// child disjointness) and a copy engine that turns copy and fill
// requests into completion events.
//
// The tree is deliberately one-dimensional. The coherence analysis only
// ever asks set-algebra questions about regions, so intervals are enough
// to express every aliasing relationship the view layer distinguishes,
// while staying cheap to test against.
package regiontree

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kolkov/regionviews/internal/views"
	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// CopyOp records one copy or fill handed to the engine, for inspection
// by tools replaying scenarios.
type CopyOp struct {
	Fill  bool
	Node  uint64
	Dst   []views.FieldOffset
	Src   []views.FieldOffset
	Value []byte
	Pre   event.Event
	Redop usage.RedopID
	Fold  bool
	Done  event.Event
}

// Tree owns the nodes and the copy engine. All nodes of one tree share
// the same event table; issued operations complete when their returned
// event is triggered by whoever simulates the data movement, or
// immediately when the engine runs in auto-complete mode.
type Tree struct {
	tab  *event.Table
	log  zerolog.Logger
	auto bool

	mu    sync.Mutex
	nodes map[uint64]*Node
	ops   []CopyOp
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger attaches a logger; copies and fills are traced at debug
// level.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Tree) { t.log = log }
}

// AutoComplete makes issued copies and fills trigger their completion
// event as soon as their precondition fires, simulating instantaneous
// data movement.
func AutoComplete() Option {
	return func(t *Tree) { t.auto = true }
}

// New creates an empty tree over the given event table.
func New(tab *event.Table, opts ...Option) *Tree {
	t := &Tree{
		tab:   tab,
		log:   zerolog.Nop(),
		nodes: make(map[uint64]*Node),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewRoot adds a top-level region spanning [lo, hi).
func (t *Tree) NewRoot(id uint64, lo, hi int64) *Node {
	if hi <= lo {
		panic(fmt.Sprintf("regiontree: empty root span [%d, %d)", lo, hi))
	}
	n := &Node{tree: t, id: id, color: -1, lo: lo, hi: hi,
		children: make(map[views.Color]*Node)}
	t.mu.Lock()
	if _, dup := t.nodes[id]; dup {
		t.mu.Unlock()
		panic(fmt.Sprintf("regiontree: duplicate node id %d", id))
	}
	t.nodes[id] = n
	t.mu.Unlock()
	return n
}

// Lookup resolves a node by id, or nil.
func (t *Tree) Lookup(id uint64) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[id]
}

// Node resolves a node by id as the view layer's region interface.
func (t *Tree) Node(id uint64) views.RegionTreeNode {
	n := t.Lookup(id)
	if n == nil {
		return nil
	}
	return n
}

// Ops returns a snapshot of every copy and fill issued so far.
func (t *Tree) Ops() []CopyOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CopyOp, len(t.ops))
	copy(out, t.ops)
	return out
}

func (t *Tree) record(op CopyOp) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
	if t.auto {
		t.tab.OnTrigger(op.Pre, func() { t.tab.Trigger(op.Done) })
	}
}

// Node is one region of the tree. It implements views.RegionTreeNode.
type Node struct {
	tree   *Tree
	id     uint64
	color  views.Color
	parent *Node
	lo, hi int64

	mu       sync.Mutex
	children map[views.Color]*Node
}

// AddChild partitions off the subinterval [lo, hi) under the given
// color. The child must lie inside the parent's span.
func (n *Node) AddChild(id uint64, c views.Color, lo, hi int64) *Node {
	if lo < n.lo || hi > n.hi || hi <= lo {
		panic(fmt.Sprintf("regiontree: child span [%d, %d) outside parent [%d, %d)",
			lo, hi, n.lo, n.hi))
	}
	child := &Node{tree: n.tree, id: id, color: c, parent: n, lo: lo, hi: hi,
		children: make(map[views.Color]*Node)}
	n.mu.Lock()
	if _, dup := n.children[c]; dup {
		n.mu.Unlock()
		panic(fmt.Sprintf("regiontree: duplicate child color %d under node %d", c, n.id))
	}
	n.children[c] = child
	n.mu.Unlock()

	n.tree.mu.Lock()
	n.tree.nodes[id] = child
	n.tree.mu.Unlock()
	return child
}

func (n *Node) ID() uint64         { return n.id }
func (n *Node) Color() views.Color { return n.color }

// Span returns the node's interval.
func (n *Node) Span() (lo, hi int64) { return n.lo, n.hi }

func (n *Node) Parent() views.RegionTreeNode {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) Child(c views.Color) views.RegionTreeNode {
	n.mu.Lock()
	child := n.children[c]
	n.mu.Unlock()
	if child == nil {
		panic(fmt.Sprintf("regiontree: node %d has no child of color %d", n.id, c))
	}
	return child
}

func (n *Node) AreChildrenDisjoint(a, b views.Color) bool {
	n.mu.Lock()
	ca, cb := n.children[a], n.children[b]
	n.mu.Unlock()
	if ca == nil || cb == nil {
		return false
	}
	return ca.hi <= cb.lo || cb.hi <= ca.lo
}

func (n *Node) AreAllChildrenDisjoint() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	kids := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		kids = append(kids, c)
	}
	for i, a := range kids {
		for _, b := range kids[i+1:] {
			if a.lo < b.hi && b.lo < a.hi {
				return false
			}
		}
	}
	return true
}

func (n *Node) Dominates(other views.RegionTreeNode) bool {
	o, ok := other.(*Node)
	if !ok {
		return false
	}
	return n.lo <= o.lo && o.hi <= n.hi
}

func (n *Node) IntersectsWith(other views.RegionTreeNode) bool {
	o, ok := other.(*Node)
	if !ok {
		return false
	}
	return n.lo < o.hi && o.lo < n.hi
}

// IssueCopy hands a gathered copy to the engine and returns its
// completion event.
func (n *Node) IssueCopy(dst, src []views.FieldOffset, pre event.Event,
	redop usage.RedopID, fold bool) event.Event {
	done := n.tree.tab.NewUserEvent()
	n.tree.log.Debug().
		Uint64("node", n.id).
		Int("fields", len(dst)).
		Uint32("redop", uint32(redop)).
		Bool("fold", fold).
		Msg("copy issued")
	n.tree.record(CopyOp{Node: n.id, Dst: dst, Src: src, Pre: pre,
		Redop: redop, Fold: fold, Done: done})
	return done
}

// IssueFill hands a fill to the engine and returns its completion event.
func (n *Node) IssueFill(dst []views.FieldOffset, value []byte, pre event.Event) event.Event {
	done := n.tree.tab.NewUserEvent()
	n.tree.log.Debug().
		Uint64("node", n.id).
		Int("fields", len(dst)).
		Msg("fill issued")
	n.tree.record(CopyOp{Fill: true, Node: n.id, Dst: dst, Value: value,
		Pre: pre, Done: done})
	return done
}
