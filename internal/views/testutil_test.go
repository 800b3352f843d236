package views

import (
	"sync"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/usage"
	"github.com/rs/zerolog"
)

// fakeTree is a miniature region tree for tests: nodes carry integer
// spans so domination and intersection are interval checks, and issued
// copies/fills are recorded for inspection.
type fakeTree struct {
	tab *event.Table

	mu    sync.Mutex
	nodes map[uint64]*fakeNode
	ops   []issuedOp
}

type issuedOp struct {
	fill  bool
	dst   []FieldOffset
	src   []FieldOffset
	value []byte
	pre   event.Event
	redop usage.RedopID
	fold  bool
	done  event.Event
}

type fakeNode struct {
	tree     *fakeTree
	id       uint64
	color    Color
	parent   *fakeNode
	children map[Color]*fakeNode
	disjoint bool
	lo, hi   int
}

func newFakeTree(tab *event.Table) *fakeTree {
	return &fakeTree{tab: tab, nodes: make(map[uint64]*fakeNode)}
}

func (t *fakeTree) root(id uint64, lo, hi int) *fakeNode {
	n := &fakeNode{tree: t, id: id, color: NoColor, children: make(map[Color]*fakeNode),
		disjoint: true, lo: lo, hi: hi}
	t.nodes[id] = n
	return n
}

func (n *fakeNode) addChild(id uint64, c Color, lo, hi int) *fakeNode {
	child := &fakeNode{tree: n.tree, id: id, color: c, parent: n,
		children: make(map[Color]*fakeNode), disjoint: true, lo: lo, hi: hi}
	n.children[c] = child
	n.tree.nodes[id] = child
	return child
}

func (n *fakeNode) ID() uint64            { return n.id }
func (n *fakeNode) Color() Color          { return n.color }
func (n *fakeNode) Parent() RegionTreeNode {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *fakeNode) Child(c Color) RegionTreeNode {
	child, ok := n.children[c]
	if !ok {
		panic("fake tree: unknown child color")
	}
	return child
}

func (n *fakeNode) AreChildrenDisjoint(a, b Color) bool {
	ca, cb := n.children[a], n.children[b]
	if ca == nil || cb == nil {
		return false
	}
	return ca.hi <= cb.lo || cb.hi <= ca.lo
}

func (n *fakeNode) AreAllChildrenDisjoint() bool { return n.disjoint }

func (n *fakeNode) Dominates(other RegionTreeNode) bool {
	o := other.(*fakeNode)
	return n.lo <= o.lo && o.hi <= n.hi
}

func (n *fakeNode) IntersectsWith(other RegionTreeNode) bool {
	o := other.(*fakeNode)
	return n.lo < o.hi && o.lo < n.hi
}

func (n *fakeNode) IssueCopy(dst, src []FieldOffset, pre event.Event,
	redop usage.RedopID, fold bool) event.Event {
	done := n.tree.tab.NewUserEvent()
	n.tree.mu.Lock()
	n.tree.ops = append(n.tree.ops, issuedOp{
		dst: dst, src: src, pre: pre, redop: redop, fold: fold, done: done,
	})
	n.tree.mu.Unlock()
	return done
}

func (n *fakeNode) IssueFill(dst []FieldOffset, value []byte, pre event.Event) event.Event {
	done := n.tree.tab.NewUserEvent()
	n.tree.mu.Lock()
	n.tree.ops = append(n.tree.ops, issuedOp{
		fill: true, dst: dst, value: value, pre: pre, done: done,
	})
	n.tree.mu.Unlock()
	return done
}

func (t *fakeTree) issued() []issuedOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]issuedOp, len(t.ops))
	copy(out, t.ops)
	return out
}

// fakeManager is an instance manager handing out offsets equal to the
// field index.
type fakeManager struct {
	id    DistributedID
	ready event.Event
}

func (m *fakeManager) ID() DistributedID   { return m.id }
func (m *fakeManager) UseEvent() event.Event { return m.ready }

func (m *fakeManager) ComputeCopyOffsets(mask fieldmask.Mask) []FieldOffset {
	fields := mask.Fields()
	out := make([]FieldOffset, len(fields))
	for i, f := range fields {
		out[i] = FieldOffset{Inst: m.id, Field: f, Offset: uint64(f) * 8}
	}
	return out
}

// fakeRedManager adds the reduction capabilities.
type fakeRedManager struct {
	fakeManager
	redop    usage.RedopID
	foldable bool
}

func (m *fakeRedManager) Redop() usage.RedopID { return m.redop }
func (m *fakeRedManager) IsFoldable() bool     { return m.foldable }

func (m *fakeRedManager) FindFieldOffsets(mask fieldmask.Mask) []FieldOffset {
	return m.ComputeCopyOffsets(mask)
}

type sentMsg struct {
	target  AddressSpaceID
	kind    MessageKind
	payload []byte
}

// fakeRuntime implements Runtime for one simulated address space. Linking
// two runtimes through link() makes Send deliver synchronously to the
// peer's Dispatch, enough to exercise the wire protocol end to end.
type fakeRuntime struct {
	space AddressSpaceID
	tab   *event.Table
	log   zerolog.Logger

	mu       sync.Mutex
	nextDID  uint64
	nextRes  uint64
	reg      map[DistributedID]LogicalView
	managers map[DistributedID]InstanceManager
	nodes    map[uint64]RegionTreeNode
	peers    map[AddressSpaceID]*fakeRuntime
	sent     []sentMsg
	waiters  map[[16]byte]chan []byte
	deferred map[event.Event]int
}

func newFakeRuntime(space AddressSpaceID, tab *event.Table, tree *fakeTree) *fakeRuntime {
	rt := &fakeRuntime{
		space:    space,
		tab:      tab,
		log:      zerolog.Nop(),
		nextDID:  uint64(space)<<32 + 1,
		reg:      make(map[DistributedID]LogicalView),
		managers: make(map[DistributedID]InstanceManager),
		nodes:    make(map[uint64]RegionTreeNode),
		peers:    make(map[AddressSpaceID]*fakeRuntime),
		waiters:  make(map[[16]byte]chan []byte),
		deferred: make(map[event.Event]int),
	}
	for id, n := range tree.nodes {
		rt.nodes[id] = n
	}
	return rt
}

func link(a, b *fakeRuntime) {
	a.peers[b.space] = b
	b.peers[a.space] = a
}

func (rt *fakeRuntime) addManager(m InstanceManager) {
	rt.mu.Lock()
	rt.managers[m.ID()] = m
	rt.mu.Unlock()
}

func (rt *fakeRuntime) LocalSpace() AddressSpaceID { return rt.space }
func (rt *fakeRuntime) Events() *event.Table       { return rt.tab }
func (rt *fakeRuntime) Logger() *zerolog.Logger    { return &rt.log }

func (rt *fakeRuntime) NewDistributedID() DistributedID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.nextDID
	rt.nextDID++
	return DistributedID(id)
}

func (rt *fakeRuntime) FreeDistributedID(DistributedID) {}

func (rt *fakeRuntime) RegisterView(v LogicalView) {
	rt.mu.Lock()
	rt.reg[v.ID()] = v
	rt.mu.Unlock()
}

func (rt *fakeRuntime) UnregisterView(id DistributedID) {
	rt.mu.Lock()
	delete(rt.reg, id)
	rt.mu.Unlock()
}

func (rt *fakeRuntime) FindView(id DistributedID) LogicalView {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.reg[id]
}

func (rt *fakeRuntime) FindOrRequestView(id DistributedID) (LogicalView, event.Event) {
	if v := rt.FindView(id); v != nil {
		return v, event.NoEvent
	}
	// The owner space is in the id's high bits.
	owner := AddressSpaceID(id >> 32)
	if peer, ok := rt.peers[owner]; ok {
		peer.dispatch(rt.space, MsgViewRequest, PackViewRequest(id, rt.space))
	}
	return rt.FindView(id), event.NoEvent
}

func (rt *fakeRuntime) FindManager(id DistributedID) InstanceManager {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.managers[id]
}

func (rt *fakeRuntime) RegionNode(id uint64) RegionTreeNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.nodes[id]
}

func (rt *fakeRuntime) NewReservation() ReservationID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextRes++
	return ReservationID(rt.nextRes)
}

func (rt *fakeRuntime) Send(target AddressSpaceID, kind MessageKind, payload []byte) {
	rt.mu.Lock()
	rt.sent = append(rt.sent, sentMsg{target: target, kind: kind, payload: payload})
	peer := rt.peers[target]
	rt.mu.Unlock()
	if peer != nil {
		peer.dispatch(rt.space, kind, payload)
	}
}

func (rt *fakeRuntime) dispatch(src AddressSpaceID, kind MessageKind, payload []byte) {
	Dispatch(rt, src, kind, payload)
}

func (rt *fakeRuntime) RegisterWaiter(token [16]byte) <-chan []byte {
	ch := make(chan []byte, 1)
	rt.mu.Lock()
	rt.waiters[token] = ch
	rt.mu.Unlock()
	return ch
}

func (rt *fakeRuntime) CompleteWaiter(token [16]byte, payload []byte) {
	rt.mu.Lock()
	ch := rt.waiters[token]
	delete(rt.waiters, token)
	rt.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
}

func (rt *fakeRuntime) DeferCollect(v InstanceView, term event.Event) {
	rt.mu.Lock()
	rt.deferred[term]++
	rt.mu.Unlock()
	rt.tab.OnTrigger(term, func() { v.CollectUsers(term) })
}

// Shorthands used across the view tests.

func fm(fields ...fieldmask.FieldID) fieldmask.Mask { return fieldmask.Of(fields...) }

func readUsage() usage.Usage {
	return usage.Usage{Privilege: usage.ReadOnly, Coherence: usage.Exclusive}
}

func writeUsage() usage.Usage {
	return usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Exclusive}
}

func reduceUsage(op usage.RedopID) usage.Usage {
	return usage.Usage{Privilege: usage.Reduce, Coherence: usage.Exclusive, Redop: op}
}

// singleNodeSetup builds one root region with a materialized view over it.
func singleNodeSetup() (*fakeRuntime, *fakeTree, *MaterializedView) {
	tab := event.NewTable()
	tree := newFakeTree(tab)
	root := tree.root(1, 0, 100)
	rt := newFakeRuntime(0, tab, tree)
	mgr := &fakeManager{id: 900}
	rt.addManager(mgr)
	v := NewMaterializedView(rt, rt.NewDistributedID(), 0, root, mgr, nil)
	rt.RegisterView(v)
	return rt, tree, v
}
