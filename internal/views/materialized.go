package views

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/ledger"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// MaterializedView is the concrete handle onto one physical instance for
// (a subregion of) a region-tree node. The root view of a tree wraps the
// instance manager; child views share the same storage but scope coherence
// to their subregion, holding a pointer to their parent instead of the
// manager. Dependence analysis for a child runs first up the ancestor
// chain tagged with the child's color, so ancestors can prove disjoint
// children never conflict, and then locally.
type MaterializedView struct {
	collectable
	manager InstanceManager // root only; children reach it via parent
	parent  *MaterializedView

	mu            sync.RWMutex // guards users + outstandingGC
	users         *ledger.Ledger
	outstandingGC map[event.Event]struct{}

	childMu  sync.Mutex
	children map[Color]*MaterializedView

	atomicMu     sync.Mutex
	reservations map[fieldmask.FieldID]ReservationID
	held         map[event.Event][]ReservationID

	sendMu       sync.Mutex
	remoteSpaces map[AddressSpaceID]struct{}
}

// NewMaterializedView builds a view without registering it; the caller
// registers the winner when lazy construction races. Exactly one of
// manager (root) and parent (child) must be set.
func NewMaterializedView(rt Runtime, did DistributedID, owner AddressSpaceID,
	node RegionTreeNode, manager InstanceManager, parent *MaterializedView) *MaterializedView {
	if (manager == nil) == (parent == nil) {
		fatalf("materialized view %d needs exactly one of manager and parent", did)
	}
	v := &MaterializedView{
		manager:       manager,
		parent:        parent,
		users:         ledger.New(),
		outstandingGC: make(map[event.Event]struct{}),
		children:      make(map[Color]*MaterializedView),
		reservations:  make(map[fieldmask.FieldID]ReservationID),
		held:          make(map[event.Event][]ReservationID),
		remoteSpaces:  make(map[AddressSpaceID]struct{}),
	}
	v.initCollectable(rt, did, owner, MaterializedKind, node, v)
	return v
}

func (v *MaterializedView) AsMaterialized() *MaterializedView { return v }
func (v *MaterializedView) AsReduction() *ReductionView {
	fatalf("view %d is materialized, not reduction", v.did)
	return nil
}
func (v *MaterializedView) AsComposite() *CompositeView {
	fatalf("view %d is materialized, not composite", v.did)
	return nil
}
func (v *MaterializedView) AsFill() *FillView {
	fatalf("view %d is materialized, not fill", v.did)
	return nil
}

// Manager returns the instance manager, walking to the root.
func (v *MaterializedView) Manager() InstanceManager {
	if v.parent != nil {
		return v.parent.Manager()
	}
	return v.manager
}

// Parent returns the parent view, nil at the root.
func (v *MaterializedView) Parent() *MaterializedView { return v.parent }

func (v *MaterializedView) root() *MaterializedView {
	r := v
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Active/valid references chain to the parent so a tree stays alive while
// any of its subviews is in use.

func (v *MaterializedView) notifyActive() {
	if v.parent != nil {
		v.parent.AddGCRef()
	}
}

func (v *MaterializedView) notifyInactive() {
	if v.parent != nil {
		v.parent.RemoveGCRef()
	}
}

func (v *MaterializedView) notifyValid() {
	if v.parent != nil {
		v.parent.AddValidRef()
	}
}

func (v *MaterializedView) notifyInvalid() {
	if v.parent != nil {
		v.parent.RemoveValidRef()
	}
}

// copyUsage is the implied usage descriptor of a copy operation.
func copyUsage(redop usage.RedopID, reading bool) usage.Usage {
	switch {
	case redop != 0:
		return usage.Usage{Privilege: usage.Reduce, Coherence: usage.Exclusive, Redop: redop}
	case reading:
		return usage.Usage{Privilege: usage.ReadOnly, Coherence: usage.Exclusive}
	default:
		return usage.Usage{Privilege: usage.ReadWrite, Coherence: usage.Exclusive}
	}
}

// userClassifier builds the per-user dependence decision for an access
// arriving with the given usage and child tag. Same-child and provably
// disjoint-children pairs are never dependences: the same child already
// resolved them at its own level, and disjoint children cannot alias.
func (v *MaterializedView) userClassifier(use usage.Usage, child Color) ledger.Classifier {
	return func(prev *ledger.PhysicalUser, overlap fieldmask.Mask) bool {
		if child.Valid() && prev.Child == child {
			return false
		}
		if child.Valid() && prev.Child.Valid() &&
			v.node.AreChildrenDisjoint(child, prev.Child) {
			return false
		}
		return usage.CheckDependence(prev.Usage, use).IsWait()
	}
}

// copyClassifier extends userClassifier with the copy-specific rules:
// reading copies never conflict with prior readers, reductions with the
// same operator commute, and a writing copy can skip a prior reader whose
// version snapshot proves the data has not changed underneath it.
func (v *MaterializedView) copyClassifier(redop usage.RedopID, reading bool,
	vi *VersionInfo, child Color) ledger.Classifier {
	use := copyUsage(redop, reading)
	return func(prev *ledger.PhysicalUser, overlap fieldmask.Mask) bool {
		if child.Valid() && prev.Child == child {
			return false
		}
		if child.Valid() && prev.Child.Valid() &&
			v.node.AreChildrenDisjoint(child, prev.Child) {
			return false
		}
		if reading && prev.Usage.IsReadOnly() {
			return false
		}
		if redop != 0 && prev.Usage.IsReduce() && prev.Usage.Redop == redop {
			return false
		}
		if !reading && vi.SameVersions(v.node, overlap, prev.Versions) {
			return false
		}
		return usage.CheckDependence(prev.Usage, use).IsWait()
	}
}

// AddUser runs the full dependence analysis for a new access: up the
// ancestor chain with this view's color, then locally with no child tag,
// registering the access in the local ledger. The returned event merges
// every found precondition with the instance's own ready event.
func (v *MaterializedView) AddUser(use usage.Usage, term event.Event,
	m fieldmask.Mask, vi *VersionInfo) event.Event {

	if use.Coherence == usage.Atomic && term != event.NoEvent {
		res := v.FindAtomicReservations(m, use.IsWrite())
		v.atomicMu.Lock()
		v.held[term] = res
		v.atomicMu.Unlock()
	}

	pre := make(ledger.EventSet)
	if v.parent != nil && !vi.IsUpperBound(v.node) {
		v.parent.addUserAbove(pre, use, term, v.node.Color(), m, vi)
	}
	if v.addLocalUser(pre, use, term, NoColor, m, vi) {
		v.rt.DeferCollect(v, term)
	}
	v.SendViewUpdates(use, term, NoColor, m)

	evs := make([]event.Event, 0, len(pre)+1)
	for ev := range pre {
		evs = append(evs, ev)
	}
	if ue := v.Manager().UseEvent(); ue != event.NoEvent {
		evs = append(evs, ue)
	}
	return v.rt.Events().Merge(evs...)
}

// addUserAbove performs one ancestor level of the analysis, seen as coming
// from the child named by child.
func (v *MaterializedView) addUserAbove(pre ledger.EventSet, use usage.Usage,
	term event.Event, child Color, m fieldmask.Mask, vi *VersionInfo) {
	if v.parent != nil && !vi.IsUpperBound(v.node) {
		v.parent.addUserAbove(pre, use, term, v.node.Color(), m, vi)
	}
	if v.addLocalUser(pre, use, term, child, m, vi) {
		v.rt.DeferCollect(v, term)
	}
}

// addLocalUser runs the two-generation analysis and registration under the
// exclusive lock. Returns true when term's bucket is new and the caller
// must schedule deferred collection (outside the lock: collection for an
// already-fired event would re-enter it).
func (v *MaterializedView) addLocalUser(pre ledger.EventSet, use usage.Usage,
	term event.Event, child Color, m fieldmask.Mask, vi *VersionInfo) bool {
	ht := v.rt.Events().HasTriggered
	classify := v.userClassifier(use, child)

	v.mu.Lock()
	defer v.mu.Unlock()

	observed, nonDominated, dead := v.users.ScanCurrent(term, m, ht, classify, pre)
	dominated := observed.And(m.Sub(nonDominated))
	filterPrev, dead2 := v.users.ScanPrevious(term, m.Sub(dominated), dominated, ht, classify, pre)

	v.users.FilterDead(dead)
	v.users.FilterDead(dead2)
	if !dominated.Empty() {
		v.users.FilterCurrent(dominated, ht)
	}
	if len(filterPrev) > 0 {
		v.users.FilterPrevious(filterPrev)
	}

	// An access with no completion event still observes every
	// dependence above; there is just no event to hang the user on,
	// so registration is skipped.
	if term == event.NoEvent {
		return false
	}
	var u *ledger.PhysicalUser
	if use.IsReadOnly() {
		u = ledger.NewVersionedUser(use, child, vi.Versions(v.node))
	} else {
		u = ledger.NewUser(use, child)
	}
	_, seen := v.outstandingGC[term]
	v.users.AddCurrent(u, term, m)
	if !seen {
		v.outstandingGC[term] = struct{}{}
	}
	return !seen
}

// AddInitialUser seeds the ledger with a user representing data already in
// the instance; no analysis runs because nothing precedes it.
func (v *MaterializedView) AddInitialUser(use usage.Usage, term event.Event, m fieldmask.Mask) {
	if term == event.NoEvent {
		return
	}
	v.mu.Lock()
	fresh := v.users.CurrentBucket(term) == nil
	v.users.AddCurrent(ledger.NewUser(use, NoColor), term, m)
	if fresh {
		v.outstandingGC[term] = struct{}{}
	}
	v.mu.Unlock()
	if fresh {
		v.rt.DeferCollect(v, term)
	}
}

// AddCopyUser registers an issued copy's completion as a user. The copy's
// preconditions were found before issuance, so no analysis output is
// produced here, but registration still walks the ancestor chain so
// ancestors see the copy too.
func (v *MaterializedView) AddCopyUser(redop usage.RedopID, term event.Event,
	m fieldmask.Mask, reading bool) {
	use := copyUsage(redop, reading)
	if v.parent != nil {
		v.parent.addCopyUserAbove(use, term, v.node.Color(), m)
	}
	if v.addLocalCopyUser(use, term, NoColor, m) {
		v.rt.DeferCollect(v, term)
	}
	v.SendViewUpdates(use, term, NoColor, m)
}

func (v *MaterializedView) addCopyUserAbove(use usage.Usage, term event.Event,
	child Color, m fieldmask.Mask) {
	if v.parent != nil {
		v.parent.addCopyUserAbove(use, term, v.node.Color(), m)
	}
	if v.addLocalCopyUser(use, term, child, m) {
		v.rt.DeferCollect(v, term)
	}
}

func (v *MaterializedView) addLocalCopyUser(use usage.Usage, term event.Event,
	child Color, m fieldmask.Mask) bool {
	if term == event.NoEvent {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, seen := v.outstandingGC[term]
	v.users.AddCurrent(ledger.NewUser(use, child), term, m)
	if !seen {
		v.outstandingGC[term] = struct{}{}
	}
	return !seen
}

// FindCopyPreconditions accumulates the per-event field masks a
// prospective copy must wait for, running the same ancestor-then-local
// analysis as AddUser but with copy dependence rules and without
// registering anything. The instance's ready event always appears.
func (v *MaterializedView) FindCopyPreconditions(redop usage.RedopID, reading bool,
	m fieldmask.Mask, vi *VersionInfo, pre map[event.Event]fieldmask.Mask) {
	if v.parent != nil && !vi.IsUpperBound(v.node) {
		v.parent.findCopyPreconditionsAbove(redop, reading, m, vi, v.node.Color(), pre)
	}
	v.findLocalCopyPreconditions(redop, reading, m, vi, NoColor, pre)
	if ue := v.Manager().UseEvent(); ue != event.NoEvent {
		cur := pre[ue]
		cur.OrWith(m)
		pre[ue] = cur
	}
}

func (v *MaterializedView) findCopyPreconditionsAbove(redop usage.RedopID, reading bool,
	m fieldmask.Mask, vi *VersionInfo, child Color, pre map[event.Event]fieldmask.Mask) {
	if v.parent != nil && !vi.IsUpperBound(v.node) {
		v.parent.findCopyPreconditionsAbove(redop, reading, m, vi, v.node.Color(), pre)
	}
	v.findLocalCopyPreconditions(redop, reading, m, vi, child, pre)
}

// findLocalCopyPreconditions scans under the read lock and applies the
// harvested demotions and dead events under a short exclusive lock.
func (v *MaterializedView) findLocalCopyPreconditions(redop usage.RedopID, reading bool,
	m fieldmask.Mask, vi *VersionInfo, child Color, pre map[event.Event]fieldmask.Mask) {
	ht := v.rt.Events().HasTriggered
	classify := v.copyClassifier(redop, reading, vi, child)

	v.mu.RLock()
	observed, nonDominated, scanned, dead := v.users.ScanCurrentCopy(m, ht, classify, pre)
	dominated := observed.And(m.Sub(nonDominated))
	filterPrev, dead2 := v.users.ScanPreviousCopy(m.Sub(dominated), dominated, ht, classify, pre)
	v.mu.RUnlock()

	if len(dead) == 0 && len(dead2) == 0 && dominated.Empty() && len(filterPrev) == 0 {
		return
	}
	v.mu.Lock()
	v.users.FilterDead(dead)
	v.users.FilterDead(dead2)
	v.users.DemoteBuckets(scanned, dominated, ht)
	v.users.FilterPrevious(filterPrev)
	v.mu.Unlock()
}

// HasWARDependence reports whether a write with the given usage would have
// a write-after-read hazard against any tracked reader. Read-only and
// reduce usages can never raise one.
func (v *MaterializedView) HasWARDependence(use usage.Usage, m fieldmask.Mask) bool {
	if use.IsReadOnly() || use.IsReduce() {
		return false
	}
	if v.parent != nil && v.parent.hasWARAbove(m, v.node.Color()) {
		return true
	}
	return v.hasLocalWAR(m, NoColor)
}

func (v *MaterializedView) hasWARAbove(m fieldmask.Mask, child Color) bool {
	if v.parent != nil && v.parent.hasWARAbove(m, v.node.Color()) {
		return true
	}
	return v.hasLocalWAR(m, child)
}

func (v *MaterializedView) hasLocalWAR(m fieldmask.Mask, child Color) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.users.AnyUser(m, func(u *ledger.PhysicalUser, _ fieldmask.Mask) bool {
		if !u.Usage.IsReadOnly() {
			return false
		}
		if child.Valid() && u.Child == child {
			return false
		}
		if child.Valid() && u.Child.Valid() && v.node.AreChildrenDisjoint(child, u.Child) {
			return false
		}
		return true
	})
}

// CollectUsers erases a completed event from the ledger and releases any
// reservations leased to it.
func (v *MaterializedView) CollectUsers(term event.Event) {
	v.mu.Lock()
	v.users.FilterEvent(term)
	delete(v.outstandingGC, term)
	v.mu.Unlock()
	v.atomicMu.Lock()
	delete(v.held, term)
	v.atomicMu.Unlock()
}

// AccumulateEvents adds every tracked completion event to set.
func (v *MaterializedView) AccumulateEvents(set map[event.Event]struct{}) {
	v.mu.RLock()
	v.users.RangeCurrent(func(ev event.Event, _ *ledger.EventUsers) { set[ev] = struct{}{} })
	v.users.RangePrevious(func(ev event.Event, _ *ledger.EventUsers) { set[ev] = struct{}{} })
	v.mu.RUnlock()
}

// Subview implements LogicalView.
func (v *MaterializedView) Subview(c Color) LogicalView {
	return v.GetMaterializedSubview(c)
}

// GetMaterializedSubview returns the child view for one color, creating it
// on demand. On the owner the construction is insert-if-absent: a losing
// racer's freshly allocated id is returned to the runtime. A non-owner
// asks the owner for the child's id and resolves the object, caching the
// result.
func (v *MaterializedView) GetMaterializedSubview(c Color) *MaterializedView {
	v.childMu.Lock()
	if child, ok := v.children[c]; ok {
		v.childMu.Unlock()
		return child
	}
	v.childMu.Unlock()

	if v.IsOwner() {
		did := v.rt.NewDistributedID()
		child := NewMaterializedView(v.rt, did, v.owner, v.node.Child(c), nil, v)

		v.childMu.Lock()
		if winner, ok := v.children[c]; ok {
			v.childMu.Unlock()
			v.rt.FreeDistributedID(did)
			return winner
		}
		v.children[c] = child
		v.childMu.Unlock()
		v.rt.RegisterView(child)
		return child
	}

	// Round-trip to the owner for the authoritative child id.
	token := [16]byte(uuid.New())
	ch := v.rt.RegisterWaiter(token)
	v.rt.Send(v.owner, MsgSubviewRequest,
		packSubviewRequest(v.did, c, v.rt.LocalSpace(), token))
	resp := <-ch
	childDID := unpackSubviewResponse(resp)

	obj, ready := v.rt.FindOrRequestView(childDID)
	v.rt.Events().Wait(ready)
	if obj == nil {
		obj = v.rt.FindView(childDID)
	}
	child := obj.AsMaterialized()

	v.childMu.Lock()
	if winner, ok := v.children[c]; ok {
		child = winner
	} else {
		v.children[c] = child
	}
	v.childMu.Unlock()
	return child
}

// adoptChild installs a child view unpacked from the wire, keeping the
// winner if a local lookup raced it into place first.
func (v *MaterializedView) adoptChild(c Color, child *MaterializedView) {
	v.childMu.Lock()
	if _, ok := v.children[c]; !ok {
		v.children[c] = child
	}
	v.childMu.Unlock()
}

// FindAtomicReservations returns one reservation per field of m, ordered
// by field id so concurrent holders acquire in a consistent order.
// Reservations are leased at the root: the owner allocates them, and
// non-owners fetch missing ones from the owner and cache them. The
// exclusive flag is the caller's acquisition mode and does not change
// which reservations cover the fields.
func (v *MaterializedView) FindAtomicReservations(m fieldmask.Mask, exclusive bool) []ReservationID {
	if v.parent != nil {
		return v.parent.FindAtomicReservations(m, exclusive)
	}
	fields := m.Fields()

	v.atomicMu.Lock()
	var missing fieldmask.Mask
	for _, f := range fields {
		if _, ok := v.reservations[f]; !ok {
			missing.Set(f)
		}
	}
	if !missing.Empty() && v.IsOwner() {
		for _, f := range missing.Fields() {
			v.reservations[f] = v.rt.NewReservation()
		}
		missing = fieldmask.Mask{}
	}
	v.atomicMu.Unlock()

	if !missing.Empty() {
		token := [16]byte(uuid.New())
		ch := v.rt.RegisterWaiter(token)
		v.rt.Send(v.owner, MsgAtomicRequest,
			packAtomicRequest(v.did, missing, v.rt.LocalSpace(), token))
		pairs := unpackAtomicResponse(<-ch)

		v.atomicMu.Lock()
		for f, r := range pairs {
			v.reservations[f] = r
		}
		v.atomicMu.Unlock()
	}

	// Fields() is ascending, so holders acquire in a consistent order.
	out := make([]ReservationID, len(fields))
	v.atomicMu.Lock()
	for i, f := range fields {
		out[i] = v.reservations[f]
	}
	v.atomicMu.Unlock()
	return out
}

// AtomicReservations returns the reservations leased to the atomic access
// registered under term, in field order, or nil once the access completed.
func (v *MaterializedView) AtomicReservations(term event.Event) []ReservationID {
	v.atomicMu.Lock()
	defer v.atomicMu.Unlock()
	return v.held[term]
}

// leaseReservations is the owner-side allocation for a remote request.
func (v *MaterializedView) leaseReservations(m fieldmask.Mask) map[fieldmask.FieldID]ReservationID {
	if !v.IsOwner() {
		fatalf("reservation lease on non-owner copy of view %d", v.did)
	}
	root := v.root()
	out := make(map[fieldmask.FieldID]ReservationID)
	root.atomicMu.Lock()
	for _, f := range m.Fields() {
		r, ok := root.reservations[f]
		if !ok {
			r = root.rt.NewReservation()
			root.reservations[f] = r
		}
		out[f] = r
	}
	root.atomicMu.Unlock()
	return out
}

// SendTo makes the view visible on target, packing full ledger state on
// the first send. Children send their parents first so the receiver can
// resolve the chain. Duplicate sends are dropped here and duplicate
// deliveries are dropped by the receiver, so the operation is idempotent.
func (v *MaterializedView) SendTo(target AddressSpaceID) {
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

	if v.parent != nil {
		v.parent.SendTo(target)
	}
	v.mu.RLock()
	payload := packMaterializedView(v)
	v.mu.RUnlock()
	v.log.Debug().Uint32("target", uint32(target)).Msg("sending view")
	v.rt.Send(target, MsgMaterializedView, payload)
}

// SendViewUpdates ships one registered user to every other space holding
// a copy of this view. A non-owner forwards to the owner, which merges
// the user and re-broadcasts through ProcessUpdate; the owner fans out
// directly to the spaces a full-state send has reached.
func (v *MaterializedView) SendViewUpdates(use usage.Usage, term event.Event,
	child Color, m fieldmask.Mask) {
	if term == event.NoEvent {
		return
	}
	if !v.IsOwner() {
		v.rt.Send(v.owner, MsgViewUpdate,
			packSingleUserUpdate(v.did, use, term, child, m))
		return
	}
	v.sendMu.Lock()
	targets := make([]AddressSpaceID, 0, len(v.remoteSpaces))
	for sp := range v.remoteSpaces {
		targets = append(targets, sp)
	}
	v.sendMu.Unlock()
	for _, sp := range targets {
		v.rt.Send(sp, MsgViewUpdate,
			packSingleUserUpdate(v.did, use, term, child, m))
	}
}

// ProcessUpdate merges remotely registered users into the local ledger and
// schedules collection for any completion event seen for the first time.
// The owner re-broadcasts the delta to every other space holding a copy.
func (v *MaterializedView) ProcessUpdate(src AddressSpaceID, current, previous []packedBucket) {
	v.mu.Lock()
	var newEvents []event.Event
	for _, b := range current {
		fresh := v.users.CurrentBucket(b.ev) == nil
		for _, e := range b.entries {
			v.users.AddCurrent(e.user, b.ev, e.mask)
		}
		if fresh {
			if _, out := v.outstandingGC[b.ev]; !out {
				v.outstandingGC[b.ev] = struct{}{}
				newEvents = append(newEvents, b.ev)
			}
		}
	}
	for _, b := range previous {
		for _, e := range b.entries {
			v.users.AddPrevious(e.user, b.ev, e.mask)
		}
		if _, out := v.outstandingGC[b.ev]; !out {
			v.outstandingGC[b.ev] = struct{}{}
			newEvents = append(newEvents, b.ev)
		}
	}
	v.mu.Unlock()

	v.updateGCEvents(newEvents)
	if v.IsOwner() {
		v.sendMu.Lock()
		targets := make([]AddressSpaceID, 0, len(v.remoteSpaces))
		for sp := range v.remoteSpaces {
			if sp != src {
				targets = append(targets, sp)
			}
		}
		v.sendMu.Unlock()
		for _, sp := range targets {
			v.mu.RLock()
			payload := packBuckets(v.did, current, previous)
			v.mu.RUnlock()
			v.rt.Send(sp, MsgViewUpdate, payload)
		}
	}
}

// updateGCEvents schedules deferred collection for events first seen in a
// remote update.
func (v *MaterializedView) updateGCEvents(evs []event.Event) {
	for _, ev := range evs {
		v.rt.DeferCollect(v, ev)
	}
}
