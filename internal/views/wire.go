package views

import (
	"encoding/binary"

	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/ledger"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// MessageKind tags every wire payload between address spaces.
type MessageKind uint8

const (
	MsgMaterializedView MessageKind = iota + 1
	MsgReductionView
	MsgCompositeView
	MsgFillView
	MsgViewUpdate
	MsgReductionUpdate
	MsgSubviewRequest
	MsgSubviewResponse
	MsgAtomicRequest
	MsgAtomicResponse
	MsgRefUpdate
	MsgViewRequest
)

func (k MessageKind) String() string {
	switch k {
	case MsgMaterializedView:
		return "materialized_view"
	case MsgReductionView:
		return "reduction_view"
	case MsgCompositeView:
		return "composite_view"
	case MsgFillView:
		return "fill_view"
	case MsgViewUpdate:
		return "view_update"
	case MsgReductionUpdate:
		return "reduction_update"
	case MsgSubviewRequest:
		return "subview_request"
	case MsgSubviewResponse:
		return "subview_response"
	case MsgAtomicRequest:
		return "atomic_request"
	case MsgAtomicResponse:
		return "atomic_response"
	case MsgRefUpdate:
		return "ref_update"
	case MsgViewRequest:
		return "view_request"
	}
	return "unknown"
}

// encoder builds little-endian payloads.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) mask(m fieldmask.Mask) {
	for _, w := range m {
		e.u64(w)
	}
}

// decoder reads payloads back, aborting on truncation: a short buffer
// means a corrupted message, which is a fatal protocol violation.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int) {
	if d.off+n > len(d.buf) {
		fatalf("truncated wire payload: need %d bytes at offset %d of %d", n, d.off, len(d.buf))
	}
}

func (d *decoder) u8() uint8 {
	d.need(1)
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	d.need(4)
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	d.need(8)
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	d.need(n)
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+n])
	d.off += n
	return v
}

func (d *decoder) mask() fieldmask.Mask {
	var m fieldmask.Mask
	for i := range m {
		m[i] = d.u64()
	}
	return m
}

// packedEntry and packedBucket are the decoded form of one ledger bucket
// moving over the wire.
type packedEntry struct {
	user *ledger.PhysicalUser
	mask fieldmask.Mask
}

type packedBucket struct {
	ev      event.Event
	entries []packedEntry
}

// userTable builds the per-message dense index of distinct users, so a
// user shared by several event buckets serializes once.
type userTable struct {
	users []*ledger.PhysicalUser
	index map[*ledger.PhysicalUser]int32
}

func newUserTable() *userTable {
	return &userTable{index: make(map[*ledger.PhysicalUser]int32)}
}

func (t *userTable) add(u *ledger.PhysicalUser) int32 {
	if i, ok := t.index[u]; ok {
		return i
	}
	i := int32(len(t.users))
	t.users = append(t.users, u)
	t.index[u] = i
	return i
}

func (t *userTable) collect(buckets []packedBucket) {
	for _, b := range buckets {
		for _, e := range b.entries {
			t.add(e.user)
		}
	}
}

func (e *encoder) userTable(t *userTable) {
	e.u32(uint32(len(t.users)))
	for _, u := range t.users {
		e.u8(uint8(u.Usage.Privilege))
		e.u8(uint8(u.Usage.Coherence))
		e.u32(uint32(u.Usage.Redop))
		e.i32(int32(u.Child))
		e.u32(uint32(len(u.Versions)))
		for vid, m := range u.Versions {
			e.u64(uint64(vid))
			e.mask(m)
		}
	}
}

func (d *decoder) userTable() []*ledger.PhysicalUser {
	n := int(d.u32())
	users := make([]*ledger.PhysicalUser, n)
	for i := range users {
		use := usage.Usage{
			Privilege: usage.Privilege(d.u8()),
			Coherence: usage.Coherence(d.u8()),
			Redop:     usage.RedopID(d.u32()),
		}
		child := Color(d.i32())
		nv := int(d.u32())
		var fv ledger.FieldVersions
		if nv > 0 {
			fv = make(ledger.FieldVersions, nv)
			for j := 0; j < nv; j++ {
				vid := ledger.VersionID(d.u64())
				fv[vid] = d.mask()
			}
		}
		users[i] = ledger.NewVersionedUser(use, child, fv)
	}
	return users
}

// Bucket encoding references users by table index. A non-negative count
// means a single-user bucket holding that index; a negative count -n
// introduces n (index, mask) pairs for a multi-user bucket.
func (e *encoder) buckets(t *userTable, buckets []packedBucket) {
	e.u32(uint32(len(buckets)))
	for _, b := range buckets {
		e.u64(uint64(b.ev))
		if len(b.entries) == 1 {
			e.i32(t.index[b.entries[0].user])
			e.mask(b.entries[0].mask)
			continue
		}
		e.i32(-int32(len(b.entries)))
		for _, ent := range b.entries {
			e.i32(t.index[ent.user])
			e.mask(ent.mask)
		}
	}
}

func (d *decoder) buckets(users []*ledger.PhysicalUser) []packedBucket {
	lookup := func(i int32) *ledger.PhysicalUser {
		if i < 0 || int(i) >= len(users) {
			fatalf("wire user index %d out of table of %d", i, len(users))
		}
		return users[i]
	}
	n := int(d.u32())
	out := make([]packedBucket, 0, n)
	for i := 0; i < n; i++ {
		b := packedBucket{ev: event.Event(d.u64())}
		count := d.i32()
		if count >= 0 {
			b.entries = []packedEntry{{user: lookup(count), mask: d.mask()}}
		} else {
			for j := int32(0); j < -count; j++ {
				idx := d.i32()
				b.entries = append(b.entries, packedEntry{user: lookup(idx), mask: d.mask()})
			}
		}
		out = append(out, b)
	}
	return out
}

// snapshotGeneration flattens one ledger generation, optionally restricted
// to a field mask. Caller holds the view lock.
func snapshotGeneration(rangeFn func(func(event.Event, *ledger.EventUsers)),
	restrict fieldmask.Mask, all bool) []packedBucket {
	var out []packedBucket
	rangeFn(func(ev event.Event, eu *ledger.EventUsers) {
		var b packedBucket
		eu.Range(func(u *ledger.PhysicalUser, um fieldmask.Mask) {
			if !all {
				um = um.And(restrict)
				if um.Empty() {
					return
				}
			}
			b.entries = append(b.entries, packedEntry{user: u, mask: um})
		})
		if len(b.entries) > 0 {
			b.ev = ev
			out = append(out, b)
		}
	})
	return out
}

func packLedger(e *encoder, l *ledger.Ledger, restrict fieldmask.Mask, all bool) {
	current := snapshotGeneration(l.RangeCurrent, restrict, all)
	previous := snapshotGeneration(l.RangePrevious, restrict, all)
	t := newUserTable()
	t.collect(current)
	t.collect(previous)
	e.userTable(t)
	e.buckets(t, current)
	e.buckets(t, previous)
}

func unpackLedger(d *decoder) (current, previous []packedBucket) {
	users := d.userTable()
	return d.buckets(users), d.buckets(users)
}

// --- materialized view messages ---

func packMaterializedView(v *MaterializedView) []byte {
	e := &encoder{}
	e.u64(uint64(v.did))
	e.u32(uint32(v.owner))
	e.u64(v.node.ID())
	if v.parent != nil {
		e.u64(uint64(v.parent.did))
		e.i32(int32(v.node.Color()))
		e.u64(0)
	} else {
		e.u64(0)
		e.i32(int32(NoColor))
		e.u64(uint64(v.manager.ID()))
	}
	packLedger(e, v.users, fieldmask.Mask{}, true)
	return e.buf
}

func handleMaterializedView(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	owner := AddressSpaceID(d.u32())
	nodeID := d.u64()
	parentDID := DistributedID(d.u64())
	color := Color(d.i32())
	managerDID := DistributedID(d.u64())
	current, previous := unpackLedger(d)

	// Duplicate full-state delivery must not double-register.
	if rt.FindView(did) != nil {
		return
	}
	var parent *MaterializedView
	var manager InstanceManager
	if parentDID != 0 {
		obj, ready := rt.FindOrRequestView(parentDID)
		rt.Events().Wait(ready)
		if obj == nil {
			obj = rt.FindView(parentDID)
		}
		parent = obj.AsMaterialized()
	} else {
		manager = rt.FindManager(managerDID)
		if manager == nil {
			fatalf("unpacked view %d references unknown manager %d", did, managerDID)
		}
	}
	v := NewMaterializedView(rt, did, owner, rt.RegionNode(nodeID), manager, parent)
	rt.RegisterView(v)
	if parent != nil {
		parent.adoptChild(color, v)
	}
	v.ProcessUpdate(owner, current, previous)
}

func packBuckets(did DistributedID, current, previous []packedBucket) []byte {
	e := &encoder{}
	e.u64(uint64(did))
	t := newUserTable()
	t.collect(current)
	t.collect(previous)
	e.userTable(t)
	e.buckets(t, current)
	e.buckets(t, previous)
	return e.buf
}

func packSingleUserUpdate(did DistributedID, use usage.Usage, term event.Event,
	child Color, m fieldmask.Mask) []byte {
	b := packedBucket{ev: term, entries: []packedEntry{
		{user: ledger.NewUser(use, child), mask: m},
	}}
	return packBuckets(did, []packedBucket{b}, nil)
}

func handleViewUpdate(rt Runtime, src AddressSpaceID, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	users := d.userTable()
	current := d.buckets(users)
	previous := d.buckets(users)
	v := rt.FindView(did)
	if v == nil {
		return
	}
	v.AsMaterialized().ProcessUpdate(src, current, previous)
}

// --- reduction view messages ---

func packReductionView(v *ReductionView) []byte {
	e := &encoder{}
	e.u64(uint64(v.did))
	e.u32(uint32(v.owner))
	e.u64(v.node.ID())
	e.u64(uint64(v.manager.ID()))
	packLedger(e, v.reductionUsers, fieldmask.Mask{}, true)
	packLedger(e, v.readingUsers, fieldmask.Mask{}, true)
	return e.buf
}

func handleReductionView(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	owner := AddressSpaceID(d.u32())
	nodeID := d.u64()
	managerDID := DistributedID(d.u64())
	redCur, redPrev := unpackLedger(d)
	readCur, readPrev := unpackLedger(d)

	if rt.FindView(did) != nil {
		return
	}
	rm, ok := rt.FindManager(managerDID).(ReductionManager)
	if !ok {
		fatalf("unpacked reduction view %d references non-reduction manager %d", did, managerDID)
	}
	v := NewReductionView(rt, did, owner, rt.RegionNode(nodeID), rm)
	rt.RegisterView(v)

	install := func(l *ledger.Ledger, cur, prev []packedBucket) {
		for _, b := range cur {
			for _, ent := range b.entries {
				l.AddCurrent(ent.user, b.ev, ent.mask)
			}
		}
		for _, b := range prev {
			for _, ent := range b.entries {
				l.AddPrevious(ent.user, b.ev, ent.mask)
			}
		}
	}
	v.mu.Lock()
	install(v.reductionUsers, redCur, redPrev)
	install(v.readingUsers, readCur, readPrev)
	events := make([]event.Event, 0)
	collect := func(ev event.Event, _ *ledger.EventUsers) {
		if _, ok := v.outstandingGC[ev]; !ok {
			v.outstandingGC[ev] = struct{}{}
			events = append(events, ev)
		}
	}
	v.reductionUsers.RangeCurrent(collect)
	v.reductionUsers.RangePrevious(collect)
	v.readingUsers.RangeCurrent(collect)
	v.readingUsers.RangePrevious(collect)
	v.mu.Unlock()
	for _, ev := range events {
		rt.DeferCollect(v, ev)
	}
}

func packReductionUserUpdate(did DistributedID, use usage.Usage,
	term event.Event, m fieldmask.Mask) []byte {
	e := &encoder{}
	e.u64(uint64(did))
	e.u8(uint8(use.Privilege))
	e.u8(uint8(use.Coherence))
	e.u32(uint32(use.Redop))
	e.u64(uint64(term))
	e.mask(m)
	return e.buf
}

func handleReductionUpdate(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	use := usage.Usage{
		Privilege: usage.Privilege(d.u8()),
		Coherence: usage.Coherence(d.u8()),
		Redop:     usage.RedopID(d.u32()),
	}
	term := event.Event(d.u64())
	m := d.mask()
	if v := rt.FindView(did); v != nil {
		v.AsReduction().processUserUpdate(use, term, m)
	}
}

// --- fill view messages ---

func packFillView(v *FillView) []byte {
	e := &encoder{}
	e.u64(uint64(v.did))
	e.u32(uint32(v.owner))
	e.u64(v.node.ID())
	e.bytes(v.value)
	return e.buf
}

func handleFillView(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	owner := AddressSpaceID(d.u32())
	nodeID := d.u64()
	value := d.bytes()
	if rt.FindView(did) != nil {
		return
	}
	rt.RegisterView(NewFillView(rt, did, owner, rt.RegionNode(nodeID), value))
}

// --- composite view messages ---

func packCompositeNode(e *encoder, n *CompositeNode) {
	e.u64(n.node.ID())
	e.mask(n.dirtyMask)
	e.mask(n.reductionMask)
	e.u32(uint32(len(n.validViews)))
	for v, m := range n.validViews {
		e.u64(uint64(v.ID()))
		e.mask(m)
	}
	e.u32(uint32(len(n.reductionViews)))
	for rv, m := range n.reductionViews {
		e.u64(uint64(rv.ID()))
		e.mask(m)
	}
	e.u32(uint32(len(n.children)))
	for child, m := range n.children {
		e.mask(m)
		packCompositeNode(e, child)
	}
}

func unpackCompositeNode(rt Runtime, d *decoder, parent *CompositeNode) *CompositeNode {
	resolve := func(did DistributedID) LogicalView {
		obj, ready := rt.FindOrRequestView(did)
		rt.Events().Wait(ready)
		if obj == nil {
			obj = rt.FindView(did)
		}
		if obj == nil {
			fatalf("composite tree references unknown view %d", did)
		}
		return obj
	}
	n := newCompositeNode(rt.RegionNode(d.u64()), parent)
	n.dirtyMask = d.mask()
	n.reductionMask = d.mask()
	nValid := int(d.u32())
	for i := 0; i < nValid; i++ {
		did := DistributedID(d.u64())
		n.validViews[resolve(did)] = d.mask()
	}
	nRed := int(d.u32())
	for i := 0; i < nRed; i++ {
		did := DistributedID(d.u64())
		n.reductionViews[resolve(did).AsReduction()] = d.mask()
	}
	nChildren := int(d.u32())
	for i := 0; i < nChildren; i++ {
		m := d.mask()
		child := unpackCompositeNode(rt, d, n)
		n.children[child] = m
	}
	return n
}

func packVersionInfo(e *encoder, vi *VersionInfo) {
	if vi == nil {
		e.u64(0)
		e.u32(0)
		return
	}
	if vi.upperBound != nil {
		e.u64(vi.upperBound.ID())
	} else {
		e.u64(0)
	}
	e.u32(uint32(len(vi.nodes)))
	for nodeID, fv := range vi.nodes {
		e.u64(nodeID)
		e.u32(uint32(len(fv)))
		for vid, m := range fv {
			e.u64(uint64(vid))
			e.mask(m)
		}
	}
}

func unpackVersionInfo(rt Runtime, d *decoder) *VersionInfo {
	upperID := d.u64()
	n := int(d.u32())
	if upperID == 0 && n == 0 {
		return nil
	}
	vi := &VersionInfo{}
	if upperID != 0 {
		vi.upperBound = rt.RegionNode(upperID)
	}
	if n > 0 {
		vi.nodes = make(map[uint64]ledger.FieldVersions, n)
		for i := 0; i < n; i++ {
			nodeID := d.u64()
			nv := int(d.u32())
			fv := make(ledger.FieldVersions, nv)
			for j := 0; j < nv; j++ {
				vid := ledger.VersionID(d.u64())
				fv[vid] = d.mask()
			}
			vi.nodes[nodeID] = fv
		}
	}
	return vi
}

func packCompositeView(v *CompositeView) []byte {
	e := &encoder{}
	e.u64(uint64(v.did))
	e.u32(uint32(v.owner))
	e.u64(v.node.ID())
	e.mask(v.validMask)
	packVersionInfo(e, v.versions)
	packCompositeNode(e, v.root)
	return e.buf
}

func handleCompositeView(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	owner := AddressSpaceID(d.u32())
	nodeID := d.u64()
	validMask := d.mask()
	vi := unpackVersionInfo(rt, d)
	if rt.FindView(did) != nil {
		return
	}
	root := unpackCompositeNode(rt, d, nil)
	rt.RegisterView(NewCompositeView(rt, did, owner, rt.RegionNode(nodeID), vi, root, validMask))
}

// --- control messages ---

func packSubviewRequest(did DistributedID, c Color, src AddressSpaceID, token [16]byte) []byte {
	e := &encoder{}
	e.u64(uint64(did))
	e.i32(int32(c))
	e.u32(uint32(src))
	e.buf = append(e.buf, token[:]...)
	return e.buf
}

func handleSubviewRequest(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	c := Color(d.i32())
	src := AddressSpaceID(d.u32())
	d.need(16)
	var token [16]byte
	copy(token[:], d.buf[d.off:])

	parent := rt.FindView(did)
	if parent == nil {
		fatalf("subview request for unknown view %d", did)
	}
	child := parent.AsMaterialized().GetMaterializedSubview(c)
	child.SendTo(src)

	e := &encoder{buf: append([]byte{}, token[:]...)}
	e.u64(uint64(child.ID()))
	rt.Send(src, MsgSubviewResponse, e.buf)
}

func unpackSubviewResponse(payload []byte) DistributedID {
	d := &decoder{buf: payload}
	return DistributedID(d.u64())
}

func packAtomicRequest(did DistributedID, m fieldmask.Mask, src AddressSpaceID, token [16]byte) []byte {
	e := &encoder{}
	e.u64(uint64(did))
	e.mask(m)
	e.u32(uint32(src))
	e.buf = append(e.buf, token[:]...)
	return e.buf
}

func handleAtomicRequest(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	m := d.mask()
	src := AddressSpaceID(d.u32())
	d.need(16)
	var token [16]byte
	copy(token[:], d.buf[d.off:])

	v := rt.FindView(did)
	if v == nil {
		fatalf("atomic reservation request for unknown view %d", did)
	}
	pairs := v.AsMaterialized().leaseReservations(m)
	e := &encoder{buf: append([]byte{}, token[:]...)}
	e.u32(uint32(len(pairs)))
	for f, r := range pairs {
		e.u32(uint32(f))
		e.u64(uint64(r))
	}
	rt.Send(src, MsgAtomicResponse, e.buf)
}

func unpackAtomicResponse(payload []byte) map[fieldmask.FieldID]ReservationID {
	d := &decoder{buf: payload}
	n := int(d.u32())
	out := make(map[fieldmask.FieldID]ReservationID, n)
	for i := 0; i < n; i++ {
		f := fieldmask.FieldID(d.u32())
		out[f] = ReservationID(d.u64())
	}
	return out
}

func packRefUpdate(did DistributedID, k refKind, delta int64) []byte {
	e := &encoder{}
	e.u64(uint64(did))
	e.u8(uint8(k))
	e.i64(delta)
	return e.buf
}

func handleRefUpdate(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	k := refKind(d.u8())
	delta := d.i64()
	if v := rt.FindView(did); v != nil {
		v.applyRemoteRefDelta(k, delta)
	}
}

// PackViewRequest asks a view's owner to send it here.
func PackViewRequest(did DistributedID, requester AddressSpaceID) []byte {
	e := &encoder{}
	e.u64(uint64(did))
	e.u32(uint32(requester))
	return e.buf
}

func handleViewRequest(rt Runtime, payload []byte) {
	d := &decoder{buf: payload}
	did := DistributedID(d.u64())
	requester := AddressSpaceID(d.u32())
	if v := rt.FindView(did); v != nil {
		v.SendTo(requester)
	}
}

// Dispatch routes one received message to its handler. The transport calls
// it from each node's delivery loop; token-bearing responses complete the
// waiter parked by the requesting thread.
func Dispatch(rt Runtime, src AddressSpaceID, kind MessageKind, payload []byte) {
	switch kind {
	case MsgMaterializedView:
		handleMaterializedView(rt, payload)
	case MsgReductionView:
		handleReductionView(rt, payload)
	case MsgCompositeView:
		handleCompositeView(rt, payload)
	case MsgFillView:
		handleFillView(rt, payload)
	case MsgViewUpdate:
		handleViewUpdate(rt, src, payload)
	case MsgReductionUpdate:
		handleReductionUpdate(rt, payload)
	case MsgSubviewRequest:
		handleSubviewRequest(rt, payload)
	case MsgSubviewResponse, MsgAtomicResponse:
		var token [16]byte
		if len(payload) < 16 {
			fatalf("truncated response payload of %d bytes", len(payload))
		}
		copy(token[:], payload[:16])
		rt.CompleteWaiter(token, payload[16:])
	case MsgAtomicRequest:
		handleAtomicRequest(rt, payload)
	case MsgRefUpdate:
		handleRefUpdate(rt, payload)
	case MsgViewRequest:
		handleViewRequest(rt, payload)
	default:
		fatalf("unknown message kind %d from space %d", kind, src)
	}
}
