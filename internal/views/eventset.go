package views

import (
	"github.com/kolkov/regionviews/internal/views/event"
	"github.com/kolkov/regionviews/internal/views/fieldmask"
)

// EventSet groups the fields of one copy request that share exactly the
// same precondition events. One copy/fill is issued per set, so the number
// of issued operations is bounded by the number of distinct field-mask
// partitions rather than the number of precondition events.
type EventSet struct {
	Mask   fieldmask.Mask
	Events map[event.Event]struct{}
}

// ComputeEventSets partitions mask by the preconditions that apply to each
// field. It starts from one set covering the whole mask with no events and
// splits it per precondition; fields with no preconditions stay in a set
// with an empty event collection. Running the partition over input that is
// already partitioned reproduces it unchanged.
func ComputeEventSets(mask fieldmask.Mask, pre map[event.Event]fieldmask.Mask) []*EventSet {
	sets := []*EventSet{{Mask: mask, Events: make(map[event.Event]struct{})}}
	for ev, em := range pre {
		remaining := em.And(mask)
		if remaining.Empty() {
			continue
		}
		// splitting appends; only the sets that existed before this
		// event are candidates
		n := len(sets)
		for i := 0; i < n && !remaining.Empty(); i++ {
			s := sets[i]
			overlap := s.Mask.And(remaining)
			if overlap.Empty() {
				continue
			}
			if overlap == s.Mask {
				s.Events[ev] = struct{}{}
			} else {
				split := &EventSet{Mask: overlap, Events: make(map[event.Event]struct{}, len(s.Events)+1)}
				for e := range s.Events {
					split.Events[e] = struct{}{}
				}
				split.Events[ev] = struct{}{}
				s.Mask.SubWith(overlap)
				sets = append(sets, split)
			}
			remaining.SubWith(overlap)
		}
	}
	return sets
}

// MergePostconditions collapses a postcondition map so that events sharing
// an identical field mask merge into one event, bounding the output to the
// number of distinct masks.
func MergePostconditions(tab *event.Table, post map[event.Event]fieldmask.Mask) map[event.Event]fieldmask.Mask {
	byMask := make(map[fieldmask.Mask][]event.Event)
	for ev, m := range post {
		byMask[m] = append(byMask[m], ev)
	}
	out := make(map[event.Event]fieldmask.Mask, len(byMask))
	for m, evs := range byMask {
		merged := tab.Merge(evs...)
		if merged != event.NoEvent {
			out[merged] = m
		}
	}
	return out
}
