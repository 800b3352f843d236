package views

import (
	"sync"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
)

// CompositeCloser restricts what a composite capture keeps: per region
// node, the fields worth capturing. Nodes absent from the map capture
// everything requested. The same closer drives Simplify, so re-simplifying
// with the closer that built a view is a no-op.
type CompositeCloser struct {
	CaptureMasks map[uint64]fieldmask.Mask
}

func (c *CompositeCloser) captureMask(n RegionTreeNode, m fieldmask.Mask) fieldmask.Mask {
	if c == nil || c.CaptureMasks == nil {
		return m
	}
	allowed, ok := c.CaptureMasks[n.ID()]
	if !ok {
		return m
	}
	return m.And(allowed)
}

// CaptureState is the snapshot of one region node's live physical state
// handed to composite capture: which fields are dirty here, which hold
// pending reductions, and which views currently hold valid data.
type CaptureState struct {
	DirtyMask      fieldmask.Mask
	ReductionMask  fieldmask.Mask
	ValidViews     map[LogicalView]fieldmask.Mask
	ReductionViews map[*ReductionView]fieldmask.Mask
	Children       map[Color]*CaptureState
}

// CompositeNode is one node of a composite view's tree, mirroring the
// region tree's shape. It aggregates the views that held valid data for
// its node at capture time. The tree is built during capture and
// simplification and is read-only afterward; copy issuance walks it
// without locks.
type CompositeNode struct {
	node   RegionTreeNode
	parent *CompositeNode

	dirtyMask      fieldmask.Mask
	reductionMask  fieldmask.Mask
	validViews     map[LogicalView]fieldmask.Mask
	reductionViews map[*ReductionView]fieldmask.Mask
	children       map[*CompositeNode]fieldmask.Mask
}

func newCompositeNode(node RegionTreeNode, parent *CompositeNode) *CompositeNode {
	return &CompositeNode{
		node:           node,
		parent:         parent,
		validViews:     make(map[LogicalView]fieldmask.Mask),
		reductionViews: make(map[*ReductionView]fieldmask.Mask),
		children:       make(map[*CompositeNode]fieldmask.Mask),
	}
}

// capture builds the node from a state snapshot restricted to m, recursing
// into children and simplifying any nested deferred views down to their
// minimal field-correct equivalents so nesting depth cannot grow
// unboundedly. Returns the node and the mask of fields it contributes, or
// nil when nothing survives the closer's filter.
func captureCompositeNode(node RegionTreeNode, parent *CompositeNode,
	st *CaptureState, m fieldmask.Mask, closer *CompositeCloser) (*CompositeNode, fieldmask.Mask) {

	capMask := closer.captureMask(node, m)
	if capMask.Empty() {
		return nil, fieldmask.Mask{}
	}
	cn := newCompositeNode(node, parent)
	cn.dirtyMask = st.DirtyMask.And(capMask)
	cn.reductionMask = st.ReductionMask.And(capMask)

	contributed := cn.dirtyMask.Or(cn.reductionMask)
	for v, vm := range st.ValidViews {
		ov := vm.And(capMask)
		if ov.Empty() {
			continue
		}
		if dv, ok := v.(DeferredView); ok {
			simplified, _ := dv.Simplify(closer, ov)
			v = simplified
		}
		cur := cn.validViews[v]
		cur.OrWith(ov)
		cn.validViews[v] = cur
		contributed.OrWith(ov)
	}
	for rv, rm := range st.ReductionViews {
		ov := rm.And(capMask)
		if ov.Empty() {
			continue
		}
		cur := cn.reductionViews[rv]
		cur.OrWith(ov)
		cn.reductionViews[rv] = cur
		contributed.OrWith(ov)
	}
	for color, cst := range st.Children {
		child, childMask := captureCompositeNode(node.Child(color), cn, cst, capMask, closer)
		if child != nil && !childMask.Empty() {
			cn.children[child] = childMask
			contributed.OrWith(childMask)
		}
	}
	return cn, contributed
}

// simplify rebuilds a pruned copy of the subtree restricted to the
// closer's fields, reporting whether anything changed so callers can keep
// the original when the pass is a no-op.
func (n *CompositeNode) simplify(closer *CompositeCloser, m fieldmask.Mask,
	parent *CompositeNode) (*CompositeNode, bool) {

	capMask := closer.captureMask(n.node, m)
	changed := capMask != m
	if capMask.Empty() {
		return nil, true
	}
	cn := newCompositeNode(n.node, parent)
	cn.dirtyMask = n.dirtyMask.And(capMask)
	cn.reductionMask = n.reductionMask.And(capMask)
	changed = changed || cn.dirtyMask != n.dirtyMask || cn.reductionMask != n.reductionMask

	for v, vm := range n.validViews {
		ov := vm.And(capMask)
		if ov.Empty() {
			if !vm.Empty() {
				changed = true
			}
			continue
		}
		if ov != vm {
			changed = true
		}
		if dv, ok := v.(DeferredView); ok {
			sv, ch := dv.Simplify(closer, ov)
			changed = changed || ch
			v = sv
		}
		cur := cn.validViews[v]
		cur.OrWith(ov)
		cn.validViews[v] = cur
	}
	for rv, rm := range n.reductionViews {
		ov := rm.And(capMask)
		if ov.Empty() {
			changed = true
			continue
		}
		if ov != rm {
			changed = true
		}
		cn.reductionViews[rv] = ov
	}
	for child, cm := range n.children {
		ov := cm.And(capMask)
		if ov.Empty() {
			changed = true
			continue
		}
		sc, ch := child.simplify(closer, ov, cn)
		changed = changed || ch || ov != cm
		if sc != nil {
			cn.children[sc] = ov
		}
	}
	return cn, changed
}

// findNextRoot picks the unique child worth descending to when issuing
// copies toward target: this node must contribute no data of its own for
// the fields, exactly one child must dominate the target's region with
// full field coverage, and no other child may even intersect it. Partial
// overlap is a domination failure, answered here rather than recursively.
func (n *CompositeNode) findNextRoot(target RegionTreeNode, m fieldmask.Mask) *CompositeNode {
	if n.dirtyMask.Overlaps(m) || n.reductionMask.Overlaps(m) {
		return nil
	}
	var dom *CompositeNode
	for child, cm := range n.children {
		if !cm.Overlaps(m) {
			continue
		}
		if child.node.Dominates(target) {
			if dom != nil || !cm.Contains(m) {
				return nil
			}
			dom = child
		} else if child.node.IntersectsWith(target) {
			return nil
		}
	}
	return dom
}

// findValidViews collects copy sources for the needed fields from this
// node, pulling through ancestors for any fields with no source here.
// Real instance views and still-deferred views come back separately
// because they issue copies through different contracts.
func (n *CompositeNode) findValidViews(need fieldmask.Mask,
	instances map[*MaterializedView]fieldmask.Mask,
	deferred map[DeferredView]fieldmask.Mask) {

	var covered fieldmask.Mask
	for v, vm := range n.validViews {
		ov := vm.And(need)
		if ov.Empty() {
			continue
		}
		covered.OrWith(ov)
		switch cv := v.(type) {
		case *MaterializedView:
			cur := instances[cv]
			cur.OrWith(ov)
			instances[cv] = cur
		case DeferredView:
			cur := deferred[cv]
			cur.OrWith(ov)
			deferred[cv] = cur
		default:
			fatalf("composite node holds unexpected view kind %v", v.Kind())
		}
	}
	if missing := need.Sub(covered); !missing.Empty() && n.parent != nil {
		n.parent.findValidViews(missing, instances, deferred)
	}
}

// issueUpdateCopies issues the plain copies that make dst valid for m:
// fields with data at this node come from its (or its ancestors') valid
// views, the rest recurse into the children controlling them. Children see
// preconditions augmented with the copies already issued above them, so
// deeper (newer) data lands after the base data it refines.
func (n *CompositeNode) issueUpdateCopies(ctx *CopyContext, rt Runtime,
	dst *MaterializedView, m fieldmask.Mask,
	pre, post map[event.Event]fieldmask.Mask) {

	var childCovered fieldmask.Mask
	for _, cm := range n.children {
		childCovered.OrWith(cm.And(m))
	}
	local := m.Sub(childCovered).Or(n.dirtyMask.And(m))
	if !local.Empty() {
		instances := make(map[*MaterializedView]fieldmask.Mask)
		deferred := make(map[DeferredView]fieldmask.Mask)
		n.findValidViews(local, instances, deferred)
		if len(instances) > 0 {
			issueGroupedCopies(ctx, rt, n.node, dst, pre, instances, post)
		}
		for dv, dm := range deferred {
			dv.IssueDeferredCopies(ctx, dst, dm, pre, post)
		}
	}
	for child, cm := range n.children {
		ov := cm.And(m).Sub(n.dirtyMask)
		if ov.Empty() {
			continue
		}
		augmented := make(map[event.Event]fieldmask.Mask, len(pre)+len(post))
		for ev, em := range pre {
			augmented[ev] = em
		}
		for ev, em := range post {
			cur := augmented[ev]
			cur.OrWith(em)
			augmented[ev] = cur
		}
		child.issueUpdateCopies(ctx, rt, dst, ov, augmented, post)
	}
}

// issueUpdateReductions applies every pending reduction in the subtree for
// m atop the copies already collected in pre.
func (n *CompositeNode) issueUpdateReductions(ctx *CopyContext,
	dst *MaterializedView, m fieldmask.Mask,
	pre, post map[event.Event]fieldmask.Mask) {

	for rv, rm := range n.reductionViews {
		if ov := rm.And(m); !ov.Empty() {
			rv.PerformDeferredReduction(ctx, dst, ov, pre, post)
		}
	}
	for child, cm := range n.children {
		if ov := cm.And(m); !ov.Empty() {
			child.issueUpdateReductions(ctx, dst, ov, pre, post)
		}
	}
}

// forEachView visits every constituent view in the subtree once.
func (n *CompositeNode) forEachView(seen map[DistributedID]struct{}, fn func(LogicalView)) {
	for v := range n.validViews {
		if _, ok := seen[v.ID()]; !ok {
			seen[v.ID()] = struct{}{}
			fn(v)
		}
	}
	for rv := range n.reductionViews {
		if _, ok := seen[rv.ID()]; !ok {
			seen[rv.ID()] = struct{}{}
			fn(rv)
		}
	}
	for child := range n.children {
		child.forEachView(seen, fn)
	}
}

// issueGroupedCopies issues the copies from a set of instance sources into
// dst, grouped so that field ranges sharing one merged precondition event
// go out as a single copy request even across different source instances.
func issueGroupedCopies(ctx *CopyContext, rt Runtime, node RegionTreeNode,
	dst *MaterializedView, pre map[event.Event]fieldmask.Mask,
	sources map[*MaterializedView]fieldmask.Mask,
	post map[event.Event]fieldmask.Mask) {

	type group struct {
		mask   fieldmask.Mask
		srcOff []FieldOffset
		dstOff []FieldOffset
		srcs   map[*MaterializedView]fieldmask.Mask
	}
	groups := make(map[event.Event]*group)

	for src, sm := range sources {
		all := make(map[event.Event]fieldmask.Mask)
		for ev, em := range pre {
			if ov := em.And(sm); !ov.Empty() {
				all[ev] = ov
			}
		}
		dst.FindCopyPreconditions(0, false, sm, ctx.Versions, all)
		src.FindCopyPreconditions(0, true, sm, ctx.Versions, all)

		for _, set := range ComputeEventSets(sm, all) {
			if set.Mask.Empty() {
				continue
			}
			preEv := rt.Events().MergeSet(set.Events)
			g := groups[preEv]
			if g == nil {
				g = &group{srcs: make(map[*MaterializedView]fieldmask.Mask)}
				groups[preEv] = g
			}
			g.mask.OrWith(set.Mask)
			g.srcOff = append(g.srcOff, src.Manager().ComputeCopyOffsets(set.Mask)...)
			g.dstOff = append(g.dstOff, dst.Manager().ComputeCopyOffsets(set.Mask)...)
			cur := g.srcs[src]
			cur.OrWith(set.Mask)
			g.srcs[src] = cur
		}
	}

	for preEv, g := range groups {
		done := node.IssueCopy(g.dstOff, g.srcOff, preEv, 0, false)
		if done == event.NoEvent {
			continue
		}
		dst.AddCopyUser(0, done, g.mask, false)
		for src, sm := range g.srcs {
			src.AddCopyUser(0, done, sm, true)
		}
		cur := post[done]
		cur.OrWith(g.mask)
		post[done] = cur
	}
}

// CompositeView represents a region's data as an aggregate of other views'
// contributions, organized in a tree mirroring the region tree. It is
// materialized only when copied from.
type CompositeView struct {
	collectable
	versions  *VersionInfo
	root      *CompositeNode
	validMask fieldmask.Mask

	sendMu       sync.Mutex
	remoteSpaces map[AddressSpaceID]struct{}
}

// NewCompositeView wraps an already-built tree.
func NewCompositeView(rt Runtime, did DistributedID, owner AddressSpaceID,
	node RegionTreeNode, versions *VersionInfo, root *CompositeNode,
	validMask fieldmask.Mask) *CompositeView {
	v := &CompositeView{
		versions:     versions,
		root:         root,
		validMask:    validMask,
		remoteSpaces: make(map[AddressSpaceID]struct{}),
	}
	v.initCollectable(rt, did, owner, CompositeKind, node, v)
	return v
}

// CaptureCompositeView snapshots live physical state into a new composite
// view rooted at node, restricted to m and the closer's filters.
func CaptureCompositeView(rt Runtime, did DistributedID, owner AddressSpaceID,
	node RegionTreeNode, versions *VersionInfo, st *CaptureState,
	m fieldmask.Mask, closer *CompositeCloser) *CompositeView {

	root, contributed := captureCompositeNode(node, nil, st, m, closer)
	if root == nil {
		root = newCompositeNode(node, nil)
	}
	return NewCompositeView(rt, did, owner, node, versions, root, contributed)
}

func (v *CompositeView) AsMaterialized() *MaterializedView {
	fatalf("view %d is composite, not materialized", v.did)
	return nil
}
func (v *CompositeView) AsReduction() *ReductionView {
	fatalf("view %d is composite, not reduction", v.did)
	return nil
}
func (v *CompositeView) AsComposite() *CompositeView { return v }
func (v *CompositeView) AsFill() *FillView {
	fatalf("view %d is composite, not fill", v.did)
	return nil
}

// ValidMask returns the fields the composite can produce.
func (v *CompositeView) ValidMask() fieldmask.Mask { return v.validMask }

// Root exposes the tree for serialization and tests.
func (v *CompositeView) Root() *CompositeNode { return v.root }

// Subview implements LogicalView; the tree covers every subregion.
func (v *CompositeView) Subview(Color) LogicalView { return v }

// The composite pins its constituents: they must stay alive and valid as
// long as somebody may still copy from the composite.

func (v *CompositeView) notifyActive() {
	v.root.forEachView(make(map[DistributedID]struct{}), func(c LogicalView) { c.AddGCRef() })
}

func (v *CompositeView) notifyInactive() {
	v.root.forEachView(make(map[DistributedID]struct{}), func(c LogicalView) { c.RemoveGCRef() })
}

func (v *CompositeView) notifyValid() {
	v.root.forEachView(make(map[DistributedID]struct{}), func(c LogicalView) { c.AddValidRef() })
}

func (v *CompositeView) notifyInvalid() {
	v.root.forEachView(make(map[DistributedID]struct{}), func(c LogicalView) { c.RemoveValidRef() })
}

// Simplify implements DeferredView, rebuilding the tree under the closer's
// filters. An unchanged tree returns the view itself; otherwise a fresh
// view wrapping the pruned tree is registered, sharing the version
// snapshot since simplification never changes what versions were captured.
func (v *CompositeView) Simplify(closer *CompositeCloser, m fieldmask.Mask) (LogicalView, bool) {
	newRoot, changed := v.root.simplify(closer, m, nil)
	if !changed {
		return v, false
	}
	if newRoot == nil {
		newRoot = newCompositeNode(v.node, nil)
	}
	nv := NewCompositeView(v.rt, v.rt.NewDistributedID(), v.rt.LocalSpace(),
		v.node, v.versions, newRoot, m.And(v.validMask))
	v.rt.RegisterView(nv)
	return nv, true
}

// IssueDeferredCopies produces the copies, fills, and reductions that make
// dst valid for m. Descent first skips down to the deepest unambiguous
// node for dst's region, then plain copies go out, then every reduction in
// the subtree lands atop them, and finally the accumulated postconditions
// are deduplicated per field-mask partition.
func (v *CompositeView) IssueDeferredCopies(ctx *CopyContext, dst *MaterializedView,
	m fieldmask.Mask, pre, post map[event.Event]fieldmask.Mask) {

	if !v.validMask.Contains(m) {
		fatalf("composite view %d asked for fields %v outside its valid set %v",
			v.did, m.String(), v.validMask.String())
	}
	n := v.root
	for {
		next := n.findNextRoot(dst.Node(), m)
		if next == nil {
			break
		}
		n = next
	}

	copyPost := make(map[event.Event]fieldmask.Mask)
	n.issueUpdateCopies(ctx, v.rt, dst, m, pre, copyPost)

	redPre := make(map[event.Event]fieldmask.Mask, len(pre)+len(copyPost))
	for ev, em := range pre {
		redPre[ev] = em
	}
	for ev, em := range copyPost {
		cur := redPre[ev]
		cur.OrWith(em)
		redPre[ev] = cur
	}
	redPost := make(map[event.Event]fieldmask.Mask)
	n.issueUpdateReductions(ctx, dst, m, redPre, redPost)

	combined := copyPost
	for ev, em := range redPost {
		cur := combined[ev]
		cur.OrWith(em)
		combined[ev] = cur
	}
	for ev, em := range MergePostconditions(v.rt.Events(), combined) {
		cur := post[ev]
		cur.OrWith(em)
		post[ev] = cur
	}
}

// IssueDeferredCopiesAcross supports only the identity field mapping: a
// composite's sources are tied to their own field indices, so remapped
// copies out of one cannot be expressed in a single traversal. Callers
// needing a remap first materialize through IssueDeferredCopies and then
// copy across instances with a CopyAcrossHelper translating the offsets.
func (v *CompositeView) IssueDeferredCopiesAcross(ctx *CopyContext, dst *MaterializedView,
	srcFields, dstFields []fieldmask.FieldID, pre event.Event,
	post map[event.Event]fieldmask.Mask) bool {

	if !PerfectMapping(srcFields, dstFields) {
		return false
	}
	m := fieldmask.Of(srcFields...)
	preMap := make(map[event.Event]fieldmask.Mask)
	if pre != event.NoEvent {
		preMap[pre] = m
	}
	v.IssueDeferredCopies(ctx, dst, m, preMap, post)
	return true
}

// MakeLocal resolves every constituent view on this address space, waiting
// until all are valid, so a traversal never blocks mid-copy on a remote
// fetch.
func (v *CompositeView) MakeLocal() {
	var waits []event.Event
	v.root.forEachView(make(map[DistributedID]struct{}), func(c LogicalView) {
		if _, ready := v.rt.FindOrRequestView(c.ID()); ready != event.NoEvent {
			waits = append(waits, ready)
		}
	})
	v.rt.Events().Wait(v.rt.Events().Merge(waits...))
}

// SendTo ships the packed tree to target once, sending every constituent
// view first so the receiver can resolve the tree's references.
func (v *CompositeView) SendTo(target AddressSpaceID) {
	if !v.IsOwner() {
		fatalf("send of view %d from non-owner space", v.did)
	}
	if target == v.rt.LocalSpace() {
		return
	}
	v.sendMu.Lock()
	if _, ok := v.remoteSpaces[target]; ok {
		v.sendMu.Unlock()
		return
	}
	v.remoteSpaces[target] = struct{}{}
	v.sendMu.Unlock()

	v.root.forEachView(make(map[DistributedID]struct{}), func(c LogicalView) {
		if c.Owner() == v.rt.LocalSpace() {
			c.SendTo(target)
		}
	})
	v.log.Debug().Uint32("target", uint32(target)).Msg("sending view")
	v.rt.Send(target, MsgCompositeView, packCompositeView(v))
}
