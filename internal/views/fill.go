package views

import (
	"sync"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
)

// FillView represents a region whose value is everywhere one constant. It
// tracks no users of its own: a constant has no accumulated state, so no
// access through it can ever race with another. Its whole job is issuing
// fill commands when a real instance needs the value.
type FillView struct {
	collectable
	value []byte

	sendMu       sync.Mutex
	remoteSpaces map[AddressSpaceID]struct{}
}

// NewFillView builds a fill view broadcasting value.
func NewFillView(rt Runtime, did DistributedID, owner AddressSpaceID,
	node RegionTreeNode, value []byte) *FillView {
	v := &FillView{
		value:        value,
		remoteSpaces: make(map[AddressSpaceID]struct{}),
	}
	v.initCollectable(rt, did, owner, FillKind, node, v)
	return v
}

func (v *FillView) AsMaterialized() *MaterializedView {
	fatalf("view %d is fill, not materialized", v.did)
	return nil
}
func (v *FillView) AsReduction() *ReductionView {
	fatalf("view %d is fill, not reduction", v.did)
	return nil
}
func (v *FillView) AsComposite() *CompositeView {
	fatalf("view %d is fill, not composite", v.did)
	return nil
}
func (v *FillView) AsFill() *FillView { return v }

// Value returns the constant byte pattern.
func (v *FillView) Value() []byte { return v.value }

// Subview implements LogicalView; the constant covers every subregion.
func (v *FillView) Subview(Color) LogicalView { return v }

func (v *FillView) notifyActive()   {}
func (v *FillView) notifyInactive() {}
func (v *FillView) notifyValid()    {}
func (v *FillView) notifyInvalid()  {}

// IssueDeferredCopies writes the constant into dst for the masked fields.
// Preconditions are grouped into the minimal event sets per field-mask
// partition and one fill is issued per set.
func (v *FillView) IssueDeferredCopies(ctx *CopyContext, dst *MaterializedView,
	m fieldmask.Mask, pre, post map[event.Event]fieldmask.Mask) {

	all := make(map[event.Event]fieldmask.Mask, len(pre))
	for ev, em := range pre {
		if ov := em.And(m); !ov.Empty() {
			all[ev] = ov
		}
	}
	dst.FindCopyPreconditions(0, false, m, ctx.Versions, all)

	for _, set := range ComputeEventSets(m, all) {
		if set.Mask.Empty() {
			continue
		}
		preEv := v.rt.Events().MergeSet(set.Events)
		offsets := dst.Manager().ComputeCopyOffsets(set.Mask)
		done := v.node.IssueFill(offsets, v.value, preEv)
		if done == event.NoEvent {
			continue
		}
		dst.AddCopyUser(0, done, set.Mask, false)
		cur := post[done]
		cur.OrWith(set.Mask)
		post[done] = cur
	}
}

// IssueDeferredCopiesAcross fills destination fields directly; a constant
// needs no source-side translation, so every mapping is expressible.
func (v *FillView) IssueDeferredCopiesAcross(ctx *CopyContext, dst *MaterializedView,
	_, dstFields []fieldmask.FieldID, pre event.Event,
	post map[event.Event]fieldmask.Mask) bool {

	dstMask := fieldmask.Of(dstFields...)
	all := make(map[event.Event]fieldmask.Mask)
	if pre != event.NoEvent {
		all[pre] = dstMask
	}
	dst.FindCopyPreconditions(0, false, dstMask, ctx.Versions, all)

	for _, set := range ComputeEventSets(dstMask, all) {
		if set.Mask.Empty() {
			continue
		}
		preEv := v.rt.Events().MergeSet(set.Events)
		done := v.node.IssueFill(dst.Manager().ComputeCopyOffsets(set.Mask), v.value, preEv)
		if done == event.NoEvent {
			continue
		}
		dst.AddCopyUser(0, done, set.Mask, false)
		cur := post[done]
		cur.OrWith(set.Mask)
		post[done] = cur
	}
	return true
}

// Simplify implements DeferredView; a constant is already minimal.
func (v *FillView) Simplify(*CompositeCloser, fieldmask.Mask) (LogicalView, bool) {
	return v, false
}

// SendTo ships the constant to target once.
func (v *FillView) SendTo(target AddressSpaceID) {
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
	v.log.Debug().Uint32("target", uint32(target)).Msg("sending view")
	v.rt.Send(target, MsgFillView, packFillView(v))
}
