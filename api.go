package regionviews

import (
	"fmt"
	"sync/atomic"

	"github.com/kolkov/regionviews/internal/cluster"
	"github.com/kolkov/regionviews/internal/regiontree"
	"github.com/kolkov/regionviews/internal/views"
	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// Options configures an Engine.
type Options struct {
	// Spaces is the number of simulated address spaces. Zero means one.
	Spaces int

	// LogLevel enables structured tracing when set to a zerolog level
	// name ("debug", "info", ...).
	LogLevel string
}

// Engine is the top-level handle: one region forest, one event table,
// and a set of address spaces sharing them.
type Engine struct {
	cluster *cluster.Cluster
	tree    *regiontree.Tree
	tab     *event.Table
	nextMgr atomic.Uint64
}

// Open starts an engine.
func Open(opts Options) (*Engine, error) {
	cfg := cluster.DefaultConfig()
	if opts.Spaces > 0 {
		cfg.Nodes = opts.Spaces
	}
	cfg.LogLevel = opts.LogLevel

	tab := event.NewTable()
	tree := regiontree.New(tab, regiontree.AutoComplete())
	c, err := cluster.New(cfg, tab, tree)
	if err != nil {
		return nil, err
	}
	e := &Engine{cluster: c, tree: tree, tab: tab}
	e.nextMgr.Store(1 << 48)
	return e, nil
}

// Close shuts the engine down. The engine must be idle.
func (e *Engine) Close() {
	e.cluster.Shutdown()
}

// Region is a node of the region tree.
type Region struct {
	engine *Engine
	node   *regiontree.Node
}

// AddRegion adds a top-level region spanning [lo, hi).
func (e *Engine) AddRegion(id uint64, lo, hi int64) Region {
	return Region{engine: e, node: e.tree.NewRoot(id, lo, hi)}
}

// AddChild partitions off [lo, hi) as the child with the given color.
// Children whose intervals do not overlap are provably disjoint, and
// accesses through them never wait on each other.
func (r Region) AddChild(id uint64, color int32, lo, hi int64) Region {
	return Region{engine: r.engine, node: r.node.AddChild(id, views.Color(color), lo, hi)}
}

// ID returns the region's identifier.
func (r Region) ID() uint64 { return r.node.ID() }

// Instance is a physical copy of a region, with the view tracking its
// users. All registration methods are safe for concurrent use.
type Instance struct {
	engine *Engine
	name   string
	view   views.InstanceView
}

// Name returns the label the instance was created with.
func (inst *Instance) Name() string { return inst.name }

// NewInstance creates an instance of the region owned by the given
// address space, and the materialized view over it.
func (e *Engine) NewInstance(name string, r Region, space uint32) *Instance {
	mgr := &engineManager{id: views.DistributedID(e.nextMgr.Add(1))}
	e.registerManager(mgr)
	node := e.cluster.Node(views.AddressSpaceID(space))
	v := views.NewMaterializedView(node, node.NewDistributedID(),
		views.AddressSpaceID(space), r.node, mgr, nil)
	node.RegisterView(v)
	return &Instance{engine: e, name: name, view: v}
}

// NewReductionInstance creates a reduction buffer applying the given
// operator, and the reduction view over it.
func (e *Engine) NewReductionInstance(name string, r Region, space uint32, redop uint32) *Instance {
	if redop == 0 {
		panic("regionviews: reduction instance needs a nonzero operator")
	}
	mgr := &engineManager{id: views.DistributedID(e.nextMgr.Add(1)),
		redop: usage.RedopID(redop), foldable: true}
	e.registerManager(mgr)
	node := e.cluster.Node(views.AddressSpaceID(space))
	v := views.NewReductionView(node, node.NewDistributedID(),
		views.AddressSpaceID(space), r.node, mgr)
	node.RegisterView(v)
	return &Instance{engine: e, name: name, view: v}
}

// engineManager describes an instance to the analysis. Layout is
// synthetic: field offsets only need to be stable and distinct.
type engineManager struct {
	id       views.DistributedID
	redop    usage.RedopID
	foldable bool
}

func (m *engineManager) ID() views.DistributedID { return m.id }
func (m *engineManager) UseEvent() event.Event   { return event.NoEvent }

func (m *engineManager) ComputeCopyOffsets(mask fieldmask.Mask) []views.FieldOffset {
	fields := mask.Fields()
	out := make([]views.FieldOffset, len(fields))
	for i, f := range fields {
		out[i] = views.FieldOffset{Inst: m.id, Field: f, Offset: uint64(f) * 8}
	}
	return out
}

func (m *engineManager) Redop() usage.RedopID { return m.redop }
func (m *engineManager) IsFoldable() bool     { return m.foldable }

func (m *engineManager) FindFieldOffsets(mask fieldmask.Mask) []views.FieldOffset {
	return m.ComputeCopyOffsets(mask)
}

func (e *Engine) registerManager(mgr views.InstanceManager) {
	for i := 0; i < e.cluster.Size(); i++ {
		e.cluster.Node(views.AddressSpaceID(i)).RegisterManager(mgr)
	}
}

// Access is one registered use of an instance. Its completion event is
// under the caller's control: the access stays outstanding, constraining
// later conflicting accesses, until Complete is called.
type Access struct {
	engine *Engine
	term   event.Event
	wait   event.Event
}

// Blocked reports whether the access still has unfinished predecessors.
func (a Access) Blocked() bool {
	return a.wait != event.NoEvent && !a.engine.tab.HasTriggered(a.wait)
}

// Ready reports whether every predecessor has finished.
func (a Access) Ready() bool { return !a.Blocked() }

// Complete marks the access finished, releasing its successors.
func (a Access) Complete() {
	a.engine.tab.Trigger(a.term)
}

// Read registers a read-only access over the given fields.
func (inst *Instance) Read(fields ...uint32) Access {
	return inst.register(usage.Usage{Privilege: usage.ReadOnly, Coherence: usage.Exclusive}, fields)
}

// Write registers a read-write access over the given fields.
func (inst *Instance) Write(fields ...uint32) Access {
	return inst.register(usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Exclusive}, fields)
}

// Reduce registers a reduction with the given operator. Reductions with
// the same operator interleave freely.
func (inst *Instance) Reduce(redop uint32, fields ...uint32) Access {
	return inst.register(usage.Usage{Privilege: usage.Reduce, Coherence: usage.Exclusive,
		Redop: usage.RedopID(redop)}, fields)
}

// Subview narrows a materialized instance to one child region. Accesses
// registered through different disjoint children never wait on each
// other, while still waiting on whole-region accesses.
func (inst *Instance) Subview(color int32) *Instance {
	mv, ok := inst.view.(*views.MaterializedView)
	if !ok {
		panic("regionviews: reduction instances have no subviews")
	}
	return &Instance{
		engine: inst.engine,
		name:   fmt.Sprintf("%s[%d]", inst.name, color),
		view:   mv.GetMaterializedSubview(views.Color(color)),
	}
}

func (inst *Instance) register(use usage.Usage, fields []uint32) Access {
	if len(fields) == 0 {
		panic(fmt.Sprintf("regionviews: access on %s names no fields", inst.name))
	}
	ids := make([]fieldmask.FieldID, len(fields))
	for i, f := range fields {
		ids[i] = fieldmask.FieldID(f)
	}
	term := inst.engine.tab.NewUserEvent()
	wait := inst.view.AddUser(use, term, fieldmask.Of(ids...), nil)
	return Access{engine: inst.engine, term: term, wait: wait}
}
