package views

import (
	"sync"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/ledger"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// ReductionView wraps an instance of pending, not-yet-applied reduction
// updates. All reductions into one view share the operator fixed by its
// manager at construction. Tracking is split across two ledgers because
// the conflict rules are asymmetric: reductions with the shared operator
// commute with each other but must wait on every prior reader, while a
// reader must wait on every pending reduction. Neither side has the
// domination machinery of a materialized view; each scan sees everything.
type ReductionView struct {
	collectable
	manager ReductionManager

	mu             sync.RWMutex
	reductionUsers *ledger.Ledger // pending applies
	readingUsers   *ledger.Ledger // consumers
	outstandingGC  map[event.Event]struct{}

	sendMu       sync.Mutex
	remoteSpaces map[AddressSpaceID]struct{}
}

// NewReductionView builds a reduction view over manager's instance.
func NewReductionView(rt Runtime, did DistributedID, owner AddressSpaceID,
	node RegionTreeNode, manager ReductionManager) *ReductionView {
	v := &ReductionView{
		manager:        manager,
		reductionUsers: ledger.New(),
		readingUsers:   ledger.New(),
		outstandingGC:  make(map[event.Event]struct{}),
		remoteSpaces:   make(map[AddressSpaceID]struct{}),
	}
	v.initCollectable(rt, did, owner, ReductionKind, node, v)
	return v
}

func (v *ReductionView) AsMaterialized() *MaterializedView {
	fatalf("view %d is reduction, not materialized", v.did)
	return nil
}
func (v *ReductionView) AsReduction() *ReductionView { return v }
func (v *ReductionView) AsComposite() *CompositeView {
	fatalf("view %d is reduction, not composite", v.did)
	return nil
}
func (v *ReductionView) AsFill() *FillView {
	fatalf("view %d is reduction, not fill", v.did)
	return nil
}

// Manager returns the reduction instance manager.
func (v *ReductionView) Manager() ReductionManager { return v.manager }

// Redop returns the operator every reduction into this view must use.
func (v *ReductionView) Redop() usage.RedopID { return v.manager.Redop() }

// Subview implements LogicalView; reduction views scope a whole node, so
// children resolve to the view itself.
func (v *ReductionView) Subview(Color) LogicalView { return v }

func (v *ReductionView) notifyActive()   {}
func (v *ReductionView) notifyInactive() {}
func (v *ReductionView) notifyValid()    {}
func (v *ReductionView) notifyInvalid()  {}

func (v *ReductionView) checkRedop(redop usage.RedopID) {
	if redop != v.manager.Redop() {
		fatalf("reduction view %d built for op %d got op %d", v.did, v.manager.Redop(), redop)
	}
}

// AddUser registers a reducer or a reader. A reducer waits on all prior
// readers; a reader waits on all pending reductions.
func (v *ReductionView) AddUser(use usage.Usage, term event.Event,
	m fieldmask.Mask, _ *VersionInfo) event.Event {

	pre := make(map[event.Event]struct{})
	v.mu.Lock()
	if use.IsReduce() {
		v.checkRedop(use.Redop)
		v.readingUsers.ScanOverlapping(m, func(ev event.Event, _ fieldmask.Mask) {
			pre[ev] = struct{}{}
		})
		v.registerLocked(v.reductionUsers, ledger.NewUser(use, NoColor), term, m)
	} else {
		if !use.IsReadOnly() {
			fatalf("reduction view %d got non-reduce writer", v.did)
		}
		v.reductionUsers.ScanOverlapping(m, func(ev event.Event, _ fieldmask.Mask) {
			pre[ev] = struct{}{}
		})
		v.registerLocked(v.readingUsers, ledger.NewUser(use, NoColor), term, m)
	}
	fresh := false
	if term != event.NoEvent {
		if _, ok := v.outstandingGC[term]; !ok {
			v.outstandingGC[term] = struct{}{}
			fresh = true
		}
	}
	v.mu.Unlock()

	if fresh {
		v.rt.DeferCollect(v, term)
	}
	if !v.IsOwner() {
		v.rt.Send(v.owner, MsgReductionUpdate,
			packReductionUserUpdate(v.did, use, term, m))
	}
	delete(pre, term)
	evs := make([]event.Event, 0, len(pre)+1)
	for ev := range pre {
		evs = append(evs, ev)
	}
	if ue := v.manager.UseEvent(); ue != event.NoEvent {
		evs = append(evs, ue)
	}
	return v.rt.Events().Merge(evs...)
}

func (v *ReductionView) registerLocked(l *ledger.Ledger, u *ledger.PhysicalUser,
	term event.Event, m fieldmask.Mask) {
	if term == event.NoEvent {
		return
	}
	l.AddCurrent(u, term, m)
}

// AddCopyUser registers an issued copy against the appropriate ledger:
// reading copies apply the pending reductions elsewhere, non-reading
// copies fold more reductions in.
func (v *ReductionView) AddCopyUser(redop usage.RedopID, term event.Event,
	m fieldmask.Mask, reading bool) {
	var use usage.Usage
	v.mu.Lock()
	if reading {
		use = usage.Usage{Privilege: usage.ReadOnly, Coherence: usage.Exclusive}
		v.registerLocked(v.readingUsers, ledger.NewUser(use, NoColor), term, m)
	} else {
		v.checkRedop(redop)
		use = usage.Usage{Privilege: usage.Reduce, Coherence: usage.Exclusive, Redop: redop}
		v.registerLocked(v.reductionUsers, ledger.NewUser(use, NoColor), term, m)
	}
	fresh := false
	if term != event.NoEvent {
		if _, ok := v.outstandingGC[term]; !ok {
			v.outstandingGC[term] = struct{}{}
			fresh = true
		}
	}
	v.mu.Unlock()
	if fresh {
		v.rt.DeferCollect(v, term)
	}
	if !v.IsOwner() {
		v.rt.Send(v.owner, MsgReductionUpdate,
			packReductionUserUpdate(v.did, use, term, m))
	}
}

// FindCopyPreconditions implements InstanceView: a reading copy waits on
// the pending reductions it will apply; an incoming reduction copy waits
// on the readers of the old contents.
func (v *ReductionView) FindCopyPreconditions(redop usage.RedopID, reading bool,
	m fieldmask.Mask, _ *VersionInfo, pre map[event.Event]fieldmask.Mask) {

	v.mu.RLock()
	if reading {
		v.reductionUsers.ScanOverlapping(m, func(ev event.Event, overlap fieldmask.Mask) {
			cur := pre[ev]
			cur.OrWith(overlap)
			pre[ev] = cur
		})
	} else {
		v.checkRedop(redop)
		v.readingUsers.ScanOverlapping(m, func(ev event.Event, overlap fieldmask.Mask) {
			cur := pre[ev]
			cur.OrWith(overlap)
			pre[ev] = cur
		})
	}
	v.mu.RUnlock()
	if ue := v.manager.UseEvent(); ue != event.NoEvent {
		cur := pre[ue]
		cur.OrWith(m)
		pre[ue] = cur
	}
}

// CollectUsers erases a completed event from both ledgers.
func (v *ReductionView) CollectUsers(term event.Event) {
	v.mu.Lock()
	v.reductionUsers.FilterEvent(term)
	v.readingUsers.FilterEvent(term)
	delete(v.outstandingGC, term)
	v.mu.Unlock()
}

// AccumulateEvents adds every tracked completion event to set.
func (v *ReductionView) AccumulateEvents(set map[event.Event]struct{}) {
	add := func(ev event.Event, _ *ledger.EventUsers) { set[ev] = struct{}{} }
	v.mu.RLock()
	v.reductionUsers.RangeCurrent(add)
	v.reductionUsers.RangePrevious(add)
	v.readingUsers.RangeCurrent(add)
	v.readingUsers.RangePrevious(add)
	v.mu.RUnlock()
}

// PerformReduction applies (or folds) this view's pending reductions into
// target for the masked fields, waiting on both sides' preconditions.
// Folding is possible only into another reduction instance with a
// foldable operator; applying into real data always uses the apply path.
func (v *ReductionView) PerformReduction(target InstanceView, m fieldmask.Mask,
	ctx *CopyContext) event.Event {

	redop := v.manager.Redop()
	pre := make(map[event.Event]fieldmask.Mask)
	target.FindCopyPreconditions(redop, false, m, ctx.Versions, pre)
	v.FindCopyPreconditions(redop, true, m, ctx.Versions, pre)

	fold := false
	var dstOff []FieldOffset
	if rv, ok := target.(*ReductionView); ok {
		fold = v.manager.IsFoldable()
		dstOff = rv.manager.FindFieldOffsets(m)
	} else {
		dstOff = target.AsMaterialized().Manager().ComputeCopyOffsets(m)
	}
	srcOff := v.manager.FindFieldOffsets(m)

	evs := make([]event.Event, 0, len(pre))
	for ev := range pre {
		evs = append(evs, ev)
	}
	done := v.node.IssueCopy(dstOff, srcOff, v.rt.Events().Merge(evs...), redop, fold)
	if done != event.NoEvent {
		target.AddCopyUser(redop, done, m, false)
		v.AddCopyUser(0, done, m, true)
	}
	return done
}

// PerformDeferredReduction is the composite-traversal variant: the caller
// supplies accumulated preconditions (copies already in flight below the
// reduction) and collects the completion into post.
func (v *ReductionView) PerformDeferredReduction(ctx *CopyContext, target *MaterializedView,
	m fieldmask.Mask, pre, post map[event.Event]fieldmask.Mask) {

	redop := v.manager.Redop()
	all := make(map[event.Event]fieldmask.Mask, len(pre))
	for ev, em := range pre {
		if ov := em.And(m); !ov.Empty() {
			all[ev] = ov
		}
	}
	target.FindCopyPreconditions(redop, false, m, ctx.Versions, all)
	v.FindCopyPreconditions(redop, true, m, ctx.Versions, all)

	evs := make([]event.Event, 0, len(all))
	for ev := range all {
		evs = append(evs, ev)
	}
	srcOff := v.manager.FindFieldOffsets(m)
	dstOff := target.Manager().ComputeCopyOffsets(m)
	done := v.node.IssueCopy(dstOff, srcOff, v.rt.Events().Merge(evs...), redop, false)
	if done == event.NoEvent {
		return
	}
	target.AddCopyUser(redop, done, m, false)
	v.AddCopyUser(0, done, m, true)
	cur := post[done]
	cur.OrWith(m)
	post[done] = cur
}

// PerformDeferredAcrossReduction reduces into a different field layout:
// source fields map positionally onto destination fields through an
// explicit translation helper.
func (v *ReductionView) PerformDeferredAcrossReduction(ctx *CopyContext,
	target *MaterializedView, srcFields, dstFields []fieldmask.FieldID,
	pre event.Event, post map[event.Event]fieldmask.Mask) {

	helper := NewCopyAcrossHelper(srcFields, dstFields)
	srcMask := fieldmask.Of(srcFields...)
	dstMask := fieldmask.Of(dstFields...)
	redop := v.manager.Redop()

	all := make(map[event.Event]fieldmask.Mask)
	if pre != event.NoEvent {
		all[pre] = dstMask
	}
	target.FindCopyPreconditions(redop, false, dstMask, ctx.Versions, all)
	v.FindCopyPreconditions(redop, true, srcMask, ctx.Versions, all)

	evs := make([]event.Event, 0, len(all))
	for ev := range all {
		evs = append(evs, ev)
	}
	srcOff := v.manager.FindFieldOffsets(srcMask)
	dstOff := helper.RemapOffsets(target.Manager().ComputeCopyOffsets(dstMask))
	done := v.node.IssueCopy(dstOff, srcOff, v.rt.Events().Merge(evs...), redop, false)
	if done == event.NoEvent {
		return
	}
	target.AddCopyUser(redop, done, dstMask, false)
	v.AddCopyUser(0, done, srcMask, true)
	cur := post[done]
	cur.OrWith(dstMask)
	post[done] = cur
}

// SendTo makes the view visible on target, shipping both ledgers once.
func (v *ReductionView) SendTo(target AddressSpaceID) {
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

	v.mu.RLock()
	payload := packReductionView(v)
	v.mu.RUnlock()
	v.log.Debug().Uint32("target", uint32(target)).Msg("sending view")
	v.rt.Send(target, MsgReductionView, payload)
}

// processUserUpdate installs one remotely registered user.
func (v *ReductionView) processUserUpdate(use usage.Usage, term event.Event, m fieldmask.Mask) {
	v.mu.Lock()
	if use.IsReduce() {
		v.registerLocked(v.reductionUsers, ledger.NewUser(use, NoColor), term, m)
	} else {
		v.registerLocked(v.readingUsers, ledger.NewUser(use, NoColor), term, m)
	}
	fresh := false
	if term != event.NoEvent {
		if _, ok := v.outstandingGC[term]; !ok {
			v.outstandingGC[term] = struct{}{}
			fresh = true
		}
	}
	v.mu.Unlock()
	if fresh {
		v.rt.DeferCollect(v, term)
	}
}
