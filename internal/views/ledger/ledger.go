// Package ledger implements the two-generation epoch user ledger.
//
// Every instance view tracks the operations that have touched it as users:
// (completion event, usage, field mask, child tag) records. The ledger keeps
// these in two generations. CURRENT holds users that still need active
// dependence checking. When a later access observes a current user and fully
// claims its fields ("dominates" them), the user's claim on those fields is
// demoted to PREVIOUS, where it lingers only until its completion event fires
// and a scan or an explicit filter collects it. Demotion strictly transfers
// field ownership between the generations; it never duplicates it.
//
// Buckets are keyed by completion event. The common case is a single user
// per event, stored inline with no map allocation; a second user sharing the
// event promotes the bucket to an explicit user→mask map, and removals that
// leave one user collapse it back. This adaptive representation mirrors the
// way hot entries elsewhere in the runtime are kept in a compact form until
// sharing forces the expensive one.
package ledger

import (
	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/usage"
)

// Color identifies a child of a region-tree node. Users registered through
// a subregion view carry the child's color so ancestors can prove
// disjointness; users registered at the node itself carry NoColor.
type Color int32

// NoColor is the child tag for base (non-child) usages.
const NoColor Color = -1

// Valid reports whether c names an actual child.
func (c Color) Valid() bool { return c >= 0 }

// VersionID is a per-field data version number.
type VersionID uint64

// FieldVersions is a snapshot of field version numbers, keyed by version
// with the mask of fields at that version.
type FieldVersions map[VersionID]fieldmask.Mask

// SameAs reports whether, restricted to overlap, every field carries the
// same version number in fv and other. Used to elide WAR/WAW dependences on
// data that has not changed version.
func (fv FieldVersions) SameAs(overlap fieldmask.Mask, other FieldVersions) bool {
	if fv == nil || other == nil {
		return false
	}
	covered := fieldmask.Mask{}
	for vid, m := range fv {
		ov := m.And(overlap)
		if ov.Empty() {
			continue
		}
		if !other[vid].Contains(ov) {
			return false
		}
		covered.OrWith(ov)
	}
	return covered == overlap
}

// PhysicalUser records one access to a physical instance. It is immutable
// after construction and may be shared by multiple ledger buckets (and by
// the current and previous generations at once, during demotion).
type PhysicalUser struct {
	Usage usage.Usage
	Child Color
	// Versions is the field-version snapshot captured for read-only
	// users; it is nil otherwise. Only read-only users need it because
	// it exists solely to elide write-after-read dependences on
	// unchanged versions.
	Versions FieldVersions
}

// NewUser builds a user record without a version snapshot.
func NewUser(u usage.Usage, child Color) *PhysicalUser {
	return &PhysicalUser{Usage: u, Child: child}
}

// NewVersionedUser builds a user record carrying a version snapshot.
func NewVersionedUser(u usage.Usage, child Color, versions FieldVersions) *PhysicalUser {
	return &PhysicalUser{Usage: u, Child: child, Versions: versions}
}

// EventUsers is one ledger bucket: all users sharing a completion event,
// with a summary mask that is always the union of the per-user masks.
type EventUsers struct {
	mask   fieldmask.Mask
	single *PhysicalUser
	multi  map[*PhysicalUser]fieldmask.Mask
}

// Mask returns the bucket's summary field mask.
func (eu *EventUsers) Mask() fieldmask.Mask { return eu.mask }

// IsSingle reports whether the bucket is in the inline single-user form.
func (eu *EventUsers) IsSingle() bool { return eu.multi == nil }

// Single returns the inline user, or nil if the bucket is multi or empty.
func (eu *EventUsers) Single() *PhysicalUser {
	if eu.multi != nil {
		return nil
	}
	return eu.single
}

// Len returns the number of distinct users in the bucket.
func (eu *EventUsers) Len() int {
	if eu.multi != nil {
		return len(eu.multi)
	}
	if eu.single != nil {
		return 1
	}
	return 0
}

// Range calls fn for every user with that user's own field mask.
func (eu *EventUsers) Range(fn func(u *PhysicalUser, m fieldmask.Mask)) {
	if eu.multi != nil {
		for u, m := range eu.multi {
			fn(u, m)
		}
		return
	}
	if eu.single != nil {
		fn(eu.single, eu.mask)
	}
}

// add inserts a user, promoting to the multi representation when a second
// distinct user joins the bucket.
func (eu *EventUsers) add(u *PhysicalUser, m fieldmask.Mask) {
	if eu.multi == nil {
		if eu.single == nil {
			eu.single = u
			eu.mask = m
			return
		}
		if eu.single == u {
			eu.mask.OrWith(m)
			return
		}
		eu.multi = map[*PhysicalUser]fieldmask.Mask{eu.single: eu.mask}
		eu.single = nil
	}
	prev, ok := eu.multi[u]
	if ok {
		prev.OrWith(m)
		eu.multi[u] = prev
	} else {
		eu.multi[u] = m
	}
	eu.mask.OrWith(m)
}

// filter removes the given fields from the bucket. It returns true when the
// bucket is empty and should be deleted. A multi bucket left with a single
// user collapses back to the inline form.
func (eu *EventUsers) filter(remove fieldmask.Mask) bool {
	eu.mask.SubWith(remove)
	if eu.mask.Empty() {
		eu.single = nil
		eu.multi = nil
		return true
	}
	if eu.multi == nil {
		return false
	}
	for u, m := range eu.multi {
		m.SubWith(remove)
		if m.Empty() {
			delete(eu.multi, u)
		} else {
			eu.multi[u] = m
		}
	}
	eu.collapse()
	return false
}

// collapse restores the inline representation when at most one user
// remains, keeping the summary mask equal to that user's mask.
func (eu *EventUsers) collapse() {
	if eu.multi == nil || len(eu.multi) > 1 {
		return
	}
	for u, m := range eu.multi {
		eu.single = u
		eu.mask = m
	}
	eu.multi = nil
}

// Ledger is the per-view pair of user generations. It performs no locking
// of its own: the owning view's lock guards all access, with scans under
// the read side and mutation under the write side.
type Ledger struct {
	current  map[event.Event]*EventUsers
	previous map[event.Event]*EventUsers
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		current:  make(map[event.Event]*EventUsers),
		previous: make(map[event.Event]*EventUsers),
	}
}

// Empty reports whether both generations hold no users.
func (l *Ledger) Empty() bool {
	return len(l.current) == 0 && len(l.previous) == 0
}

// NumCurrent returns the number of current-generation buckets.
func (l *Ledger) NumCurrent() int { return len(l.current) }

// NumPrevious returns the number of previous-generation buckets.
func (l *Ledger) NumPrevious() int { return len(l.previous) }

// CurrentBucket returns the current bucket for ev, or nil.
func (l *Ledger) CurrentBucket(ev event.Event) *EventUsers { return l.current[ev] }

// PreviousBucket returns the previous bucket for ev, or nil.
func (l *Ledger) PreviousBucket(ev event.Event) *EventUsers { return l.previous[ev] }

// RangeCurrent iterates the current generation.
func (l *Ledger) RangeCurrent(fn func(ev event.Event, eu *EventUsers)) {
	for ev, eu := range l.current {
		fn(ev, eu)
	}
}

// RangePrevious iterates the previous generation.
func (l *Ledger) RangePrevious(fn func(ev event.Event, eu *EventUsers)) {
	for ev, eu := range l.previous {
		fn(ev, eu)
	}
}

// AddCurrent registers a user in the current generation under its
// completion event.
func (l *Ledger) AddCurrent(u *PhysicalUser, term event.Event, m fieldmask.Mask) {
	eu := l.current[term]
	if eu == nil {
		eu = &EventUsers{}
		l.current[term] = eu
	}
	eu.add(u, m)
}

// AddPrevious registers a user directly in the previous generation. Used
// when unpacking remote state; local demotion goes through FilterCurrent.
func (l *Ledger) AddPrevious(u *PhysicalUser, term event.Event, m fieldmask.Mask) {
	eu := l.previous[term]
	if eu == nil {
		eu = &EventUsers{}
		l.previous[term] = eu
	}
	eu.add(u, m)
}

// Classifier decides whether the new access must wait on a prior user,
// given the field overlap between them. Returning false marks the overlap
// non-dominated.
type Classifier func(prev *PhysicalUser, overlap fieldmask.Mask) bool

// EventSet is a set of wait events accumulated by user-registration scans.
type EventSet map[event.Event]struct{}

// ScanCurrent performs the current-generation half of a user-registration
// analysis. For each live bucket overlapping mask it classifies the users,
// recording wait events in pre and building the observed / non-dominated
// bookkeeping that drives demotion. Buckets whose completion event has
// already fired are reported in dead for collection by the caller rather
// than analyzed. The scan never analyzes the access's own event, and it
// stops classifying a bucket once the bucket's event is in pre: one wait
// per event is enough for user registration.
func (l *Ledger) ScanCurrent(term event.Event, mask fieldmask.Mask,
	hasTriggered func(event.Event) bool, classify Classifier,
	pre EventSet) (observed, nonDominated fieldmask.Mask, dead []event.Event) {

	for ev, eu := range l.current {
		if hasTriggered(ev) {
			dead = append(dead, ev)
			continue
		}
		if ev == term {
			continue
		}
		if _, done := pre[ev]; done {
			continue
		}
		if eu.multi == nil {
			if eu.single == nil {
				continue
			}
			overlap := eu.mask.And(mask)
			if overlap.Empty() {
				continue
			}
			observed.OrWith(overlap)
			if classify(eu.single, overlap) {
				pre[ev] = struct{}{}
			} else {
				nonDominated.OrWith(overlap)
			}
			continue
		}
		// Cheap summary test before walking the user map.
		if !eu.mask.Overlaps(mask) {
			continue
		}
		for u, um := range eu.multi {
			overlap := um.And(mask)
			if overlap.Empty() {
				continue
			}
			observed.OrWith(overlap)
			if classify(u, overlap) {
				pre[ev] = struct{}{}
				break
			}
			nonDominated.OrWith(overlap)
		}
	}
	return observed, nonDominated, dead
}

// ScanPrevious performs the previous-generation half of a user-registration
// analysis. nonDominated is the remainder mask still needing dependence
// tests (the scan is skipped per-bucket when it is empty), and dominated is
// the mask being demoted: every previous bucket's overlap with it is
// harvested into filterPrev so the caller can erase stale claims while
// holding the write lock. Previous entries are terminal, so no further
// domination bookkeeping happens here.
func (l *Ledger) ScanPrevious(term event.Event, nonDominated, dominated fieldmask.Mask,
	hasTriggered func(event.Event) bool, classify Classifier,
	pre EventSet) (filterPrev map[event.Event]fieldmask.Mask, dead []event.Event) {

	skipAnalysis := nonDominated.Empty()
	for ev, eu := range l.previous {
		if hasTriggered(ev) {
			dead = append(dead, ev)
			continue
		}
		if ev == term {
			continue
		}
		if _, done := pre[ev]; done {
			continue
		}
		if !dominated.Empty() {
			if ov := eu.mask.And(dominated); !ov.Empty() {
				if filterPrev == nil {
					filterPrev = make(map[event.Event]fieldmask.Mask)
				}
				filterPrev[ev] = ov
			}
		}
		if skipAnalysis {
			continue
		}
		if eu.multi == nil {
			if eu.single == nil {
				continue
			}
			overlap := eu.mask.And(nonDominated)
			if overlap.Empty() {
				continue
			}
			if classify(eu.single, overlap) {
				pre[ev] = struct{}{}
			}
			continue
		}
		if !eu.mask.Overlaps(nonDominated) {
			continue
		}
		for u, um := range eu.multi {
			overlap := um.And(nonDominated)
			if overlap.Empty() {
				continue
			}
			if classify(u, overlap) {
				pre[ev] = struct{}{}
				break
			}
		}
	}
	return filterPrev, dead
}

// ScanCurrentCopy is the copy-analysis variant of ScanCurrent. Copies need
// the precise field mask per wait event (to build grouped copies), so the
// scan accumulates event→mask pairs in pre and never stops a bucket early:
// two users sharing an event can demand it for different fields. scanned
// lists the events whose buckets were actually analyzed, so a later
// DemoteBuckets call under the write lock touches only state this scan saw.
func (l *Ledger) ScanCurrentCopy(mask fieldmask.Mask,
	hasTriggered func(event.Event) bool, classify Classifier,
	pre map[event.Event]fieldmask.Mask) (observed, nonDominated fieldmask.Mask, scanned, dead []event.Event) {

	for ev, eu := range l.current {
		if hasTriggered(ev) {
			dead = append(dead, ev)
			continue
		}
		if !eu.mask.Overlaps(mask) {
			continue
		}
		scanned = append(scanned, ev)
		eu.Range(func(u *PhysicalUser, um fieldmask.Mask) {
			overlap := um.And(mask)
			if overlap.Empty() {
				return
			}
			observed.OrWith(overlap)
			if classify(u, overlap) {
				cur := pre[ev]
				cur.OrWith(overlap)
				pre[ev] = cur
			} else {
				nonDominated.OrWith(overlap)
			}
		})
	}
	return observed, nonDominated, scanned, dead
}

// DemoteBuckets demotes the dominated fields of just the listed events.
// Used after a read-mode scan: only buckets the scan observed move, so
// users registered concurrently under other events keep their current
// standing.
func (l *Ledger) DemoteBuckets(events []event.Event, dominated fieldmask.Mask,
	hasTriggered func(event.Event) bool) {
	if dominated.Empty() && len(events) == 0 {
		return
	}
	for _, ev := range events {
		eu := l.current[ev]
		if eu == nil {
			continue
		}
		if hasTriggered(ev) {
			delete(l.current, ev)
			continue
		}
		overlap := eu.mask.And(dominated)
		if overlap.Empty() {
			continue
		}
		prev := l.previous[ev]
		if prev == nil {
			prev = &EventUsers{}
			l.previous[ev] = prev
		}
		eu.Range(func(u *PhysicalUser, um fieldmask.Mask) {
			if ov := um.And(dominated); !ov.Empty() {
				prev.add(u, ov)
			}
		})
		if eu.filter(overlap) {
			delete(l.current, ev)
		}
	}
}

// AnyUser reports whether any user in either generation satisfies pred on
// its overlap with mask. Used for write-after-read hazard checks.
func (l *Ledger) AnyUser(mask fieldmask.Mask, pred func(u *PhysicalUser, overlap fieldmask.Mask) bool) bool {
	found := false
	scan := func(gen map[event.Event]*EventUsers) {
		for _, eu := range gen {
			if found || !eu.mask.Overlaps(mask) {
				continue
			}
			eu.Range(func(u *PhysicalUser, um fieldmask.Mask) {
				if found {
					return
				}
				if ov := um.And(mask); !ov.Empty() && pred(u, ov) {
					found = true
				}
			})
		}
	}
	scan(l.current)
	if !found {
		scan(l.previous)
	}
	return found
}

// ScanPreviousCopy is the copy-analysis variant of ScanPrevious.
func (l *Ledger) ScanPreviousCopy(nonDominated, dominated fieldmask.Mask,
	hasTriggered func(event.Event) bool, classify Classifier,
	pre map[event.Event]fieldmask.Mask) (filterPrev map[event.Event]fieldmask.Mask, dead []event.Event) {

	skipAnalysis := nonDominated.Empty()
	for ev, eu := range l.previous {
		if hasTriggered(ev) {
			dead = append(dead, ev)
			continue
		}
		if !dominated.Empty() {
			if ov := eu.mask.And(dominated); !ov.Empty() {
				if filterPrev == nil {
					filterPrev = make(map[event.Event]fieldmask.Mask)
				}
				filterPrev[ev] = ov
			}
		}
		if skipAnalysis || !eu.mask.Overlaps(nonDominated) {
			continue
		}
		eu.Range(func(u *PhysicalUser, um fieldmask.Mask) {
			overlap := um.And(nonDominated)
			if overlap.Empty() {
				return
			}
			if classify(u, overlap) {
				cur := pre[ev]
				cur.OrWith(overlap)
				pre[ev] = cur
			}
		})
	}
	return filterPrev, dead
}

// ScanOverlapping reports, for each current bucket whose users overlap
// mask, the accumulated overlap. This is the flat analysis used by
// reduction views, which have no domination machinery: every overlapping
// prior user in the scanned generation is a dependence.
func (l *Ledger) ScanOverlapping(mask fieldmask.Mask, perEvent func(ev event.Event, overlap fieldmask.Mask)) {
	for ev, eu := range l.current {
		if !eu.mask.Overlaps(mask) {
			continue
		}
		var overlap fieldmask.Mask
		eu.Range(func(_ *PhysicalUser, um fieldmask.Mask) {
			overlap.OrWith(um.And(mask))
		})
		if !overlap.Empty() {
			perEvent(ev, overlap)
		}
	}
}

// FilterCurrent demotes the dominated fields: every current bucket's claim
// on them moves into the previous-generation bucket for the same event.
// Buckets whose event has already fired are dropped outright. Demotion is
// a strict transfer: fields leave current exactly as they enter previous.
func (l *Ledger) FilterCurrent(dominated fieldmask.Mask, hasTriggered func(event.Event) bool) {
	for ev, eu := range l.current {
		if hasTriggered(ev) {
			delete(l.current, ev)
			continue
		}
		overlap := eu.mask.And(dominated)
		if overlap.Empty() {
			continue
		}
		prev := l.previous[ev]
		if prev == nil {
			prev = &EventUsers{}
			l.previous[ev] = prev
		}
		eu.Range(func(u *PhysicalUser, um fieldmask.Mask) {
			if ov := um.And(dominated); !ov.Empty() {
				prev.add(u, ov)
			}
		})
		if eu.filter(overlap) {
			delete(l.current, ev)
		}
	}
}

// FilterPrevious erases the given per-event field claims from the previous
// generation. Previous entries are terminal, so fields removed here are
// gone; empty buckets are deleted.
func (l *Ledger) FilterPrevious(filter map[event.Event]fieldmask.Mask) {
	for ev, m := range filter {
		eu := l.previous[ev]
		if eu == nil {
			continue
		}
		if eu.filter(m) {
			delete(l.previous, ev)
		}
	}
}

// FilterEvent removes every trace of a completed event from both
// generations. Called when the event's deferred collection runs.
func (l *Ledger) FilterEvent(term event.Event) {
	delete(l.current, term)
	delete(l.previous, term)
}

// FilterDead removes a batch of already-triggered events harvested during
// a scan.
func (l *Ledger) FilterDead(dead []event.Event) {
	for _, ev := range dead {
		l.FilterEvent(ev)
	}
}
