// Package views implements the coherence and dependence-tracking layer for
// physical data views in a distributed region runtime.
//
// A view is a handle onto (some representation of) the physical data for a
// region-tree node. Materialized views wrap one concrete instance,
// reduction views wrap an instance of pending reduction updates, and the
// deferred views (composite, fill) describe data that does not exist in one
// place yet and is produced on demand by issuing copies. All of them answer
// the same two questions for an operation with a usage descriptor and a
// field mask: what completion events must you wait on, and how do you
// record yourself so later operations wait on you.
//
// Views are distributed objects. Each has exactly one owning address space;
// other spaces hold cached proxies that stay consistent through the wire
// messages in wire.go. The region tree, the instance managers, and the
// runtime transport are collaborators consumed through the interfaces in
// this file.
package views

import (
	"fmt"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/ledger"
	"github.com/kolkov/regionviews/internal/views/usage"
	"github.com/rs/zerolog"
)

// DistributedID names a distributed object across the whole cluster.
type DistributedID uint64

// AddressSpaceID names one node of the cluster.
type AddressSpaceID uint32

// ReservationID names an atomic-access reservation leased by an owner node.
type ReservationID uint64

// Color tags a child of a region-tree node; NoColor marks a base usage
// registered at the node itself.
type Color = ledger.Color

// NoColor is re-exported for callers that never touch the ledger directly.
const NoColor = ledger.NoColor

// ViewKind discriminates the closed set of concrete view types.
type ViewKind uint8

const (
	MaterializedKind ViewKind = iota + 1
	ReductionKind
	CompositeKind
	FillKind
)

func (k ViewKind) String() string {
	switch k {
	case MaterializedKind:
		return "materialized"
	case ReductionKind:
		return "reduction"
	case CompositeKind:
		return "composite"
	case FillKind:
		return "fill"
	}
	return "unknown"
}

// LogicalView is the capability set shared by every view kind.
type LogicalView interface {
	ID() DistributedID
	Owner() AddressSpaceID
	Kind() ViewKind
	Node() RegionTreeNode

	// AsMaterialized and friends narrow the view. They abort on a kind
	// mismatch: a wrong-kind cast means a broken invariant upstream.
	AsMaterialized() *MaterializedView
	AsReduction() *ReductionView
	AsComposite() *CompositeView
	AsFill() *FillView

	// Subview returns the view for one child of this view's node,
	// creating it on demand. Deferred views are whole-tree handles and
	// return themselves.
	Subview(c Color) LogicalView

	// SendTo makes the view visible on another address space, packing
	// full state on first send. Idempotent per target.
	SendTo(target AddressSpaceID)

	AddGCRef()
	RemoveGCRef()
	AddValidRef()
	RemoveValidRef()
	AddResourceRef()
	RemoveResourceRef()

	// applyRemoteRefDelta is the owner-side reducer for mirrored
	// reference transitions; being unexported it also seals the view
	// hierarchy to this package's four concrete kinds.
	applyRemoteRefDelta(k refKind, delta int64)
}

// InstanceView is a view with real epoch user tracking: materialized and
// reduction views.
type InstanceView interface {
	LogicalView

	// AddUser performs the dependence analysis for a new access and
	// registers it, returning the merged event the access must wait on.
	AddUser(u usage.Usage, term event.Event, m fieldmask.Mask, vi *VersionInfo) event.Event

	// AddCopyUser registers a completed-copy obligation without
	// analysis output; redop 0 means a plain copy.
	AddCopyUser(redop usage.RedopID, term event.Event, m fieldmask.Mask, reading bool)

	// FindCopyPreconditions accumulates, per event, the fields a
	// prospective copy with the given direction must wait for.
	FindCopyPreconditions(redop usage.RedopID, reading bool, m fieldmask.Mask,
		vi *VersionInfo, pre map[event.Event]fieldmask.Mask)

	// CollectUsers erases every trace of a completed event; scheduled
	// through Runtime.DeferCollect when the event was first seen.
	CollectUsers(term event.Event)

	// AccumulateEvents adds every tracked completion event to set.
	AccumulateEvents(set map[event.Event]struct{})
}

// DeferredView is a view whose data is produced on demand: composite and
// fill views.
type DeferredView interface {
	LogicalView

	// IssueDeferredCopies materializes this view's data for mask into
	// dst, merging pre into each issued operation's preconditions and
	// recording every issued completion in post.
	IssueDeferredCopies(ctx *CopyContext, dst *MaterializedView, m fieldmask.Mask,
		pre, post map[event.Event]fieldmask.Mask)

	// IssueDeferredCopiesAcross is the cross-field-mapping variant. It
	// reports false when this view kind cannot express the mapping.
	IssueDeferredCopiesAcross(ctx *CopyContext, dst *MaterializedView,
		srcFields, dstFields []fieldmask.FieldID, pre event.Event,
		post map[event.Event]fieldmask.Mask) bool

	// Simplify rebuilds the view restricted to the closer's capture
	// masks, reporting whether anything changed; unchanged views are
	// returned as-is so callers can reuse them.
	Simplify(closer *CompositeCloser, m fieldmask.Mask) (LogicalView, bool)
}

// CopyContext carries per-operation state through copy issuance.
type CopyContext struct {
	Versions *VersionInfo
}

// FieldOffset locates one field inside a physical instance, as computed by
// the owning manager. Inst lets offsets from different instances share one
// grouped copy request.
type FieldOffset struct {
	Inst   DistributedID
	Field  fieldmask.FieldID
	Offset uint64
}

// RegionTreeNode is the view layer's window onto the region tree: structure
// and disjointness queries plus raw data movement. Implementations live
// outside this package.
type RegionTreeNode interface {
	ID() uint64
	Color() Color
	Parent() RegionTreeNode
	Child(c Color) RegionTreeNode
	AreChildrenDisjoint(a, b Color) bool
	AreAllChildrenDisjoint() bool
	Dominates(other RegionTreeNode) bool
	IntersectsWith(other RegionTreeNode) bool

	// IssueCopy moves src into dst field-by-field once precondition
	// fires; redop non-zero makes it a reduction (folding when fold).
	IssueCopy(dst, src []FieldOffset, precondition event.Event,
		redop usage.RedopID, fold bool) event.Event

	// IssueFill writes value across the dst fields once precondition
	// fires.
	IssueFill(dst []FieldOffset, value []byte, precondition event.Event) event.Event
}

// InstanceManager abstracts one physical memory allocation.
type InstanceManager interface {
	ID() DistributedID
	// UseEvent fires when the instance itself is ready to be used.
	UseEvent() event.Event
	ComputeCopyOffsets(m fieldmask.Mask) []FieldOffset
}

// ReductionManager abstracts an instance holding pending reductions.
type ReductionManager interface {
	InstanceManager
	Redop() usage.RedopID
	// IsFoldable reports whether pending updates can be folded into
	// another reduction instance rather than applied to real data.
	IsFoldable() bool
	FindFieldOffsets(m fieldmask.Mask) []FieldOffset
}

// Runtime is the distributed-object runtime the views hang off: identity,
// registry, transport, and deferred collection. One per address space.
type Runtime interface {
	LocalSpace() AddressSpaceID
	Events() *event.Table
	Logger() *zerolog.Logger

	NewDistributedID() DistributedID
	FreeDistributedID(id DistributedID)

	RegisterView(v LogicalView)
	UnregisterView(id DistributedID)
	// FindView returns the locally known view or nil.
	FindView(id DistributedID) LogicalView
	// FindOrRequestView returns the view and an event that fires once
	// it is locally valid, requesting it from the owner when unknown.
	FindOrRequestView(id DistributedID) (LogicalView, event.Event)
	FindManager(id DistributedID) InstanceManager
	RegionNode(id uint64) RegionTreeNode

	NewReservation() ReservationID

	Send(target AddressSpaceID, kind MessageKind, payload []byte)

	// RegisterWaiter parks a request token; the matching response is
	// delivered through CompleteWaiter by the message handlers.
	RegisterWaiter(token [16]byte) <-chan []byte
	CompleteWaiter(token [16]byte, payload []byte)

	// DeferCollect arranges for v.CollectUsers(term) once term fires.
	DeferCollect(v InstanceView, term event.Event)
}

// fatalf aborts on a broken internal invariant. These never surface as
// errors: a bad cast or mismatched operator means corrupted runtime state.
func fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf("views: "+format, args...))
}
