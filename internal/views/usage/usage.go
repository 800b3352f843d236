// Package usage describes how an operation accesses a region and classifies
// the ordering constraint between two such accesses.
//
// Every user registered on a view carries a Usage: the privilege it holds
// (read, write, reduce), the coherence it demands (exclusive, atomic,
// simultaneous, relaxed) and, for reductions, the reduction operator.
// CheckDependence is the five-way classifier at the heart of the epoch
// ledger: it decides whether a later access must wait on an earlier one.
package usage

import "fmt"

// Privilege is a bitset of access rights.
type Privilege uint8

const (
	// NoAccess holds no rights; it never conflicts with anything.
	NoAccess Privilege = 0

	readBit   Privilege = 1 << 0
	writeBit  Privilege = 1 << 1
	reduceBit Privilege = 1 << 2

	// ReadOnly observes data without modifying it.
	ReadOnly = readBit

	// ReadWrite holds full mutation rights.
	ReadWrite = readBit | writeBit

	// WriteOnly overwrites data without observing the prior contents
	// (write-discard). The discard is what turns a would-be true
	// dependence on a prior writer into an anti dependence.
	WriteOnly = writeBit

	// Reduce applies a reduction operator without reading.
	Reduce = reduceBit
)

// Coherence is the concurrency annotation on an access.
type Coherence uint8

const (
	// Exclusive demands full serialization against conflicting accesses.
	Exclusive Coherence = iota
	// Atomic allows interleaving with other atomic accesses under a
	// reservation instead of an event dependence.
	Atomic
	// Simultaneous allows conflicting accesses to proceed concurrently.
	Simultaneous
	// Relaxed waives all ordering against other relaxed accesses.
	Relaxed
)

// RedopID names a reduction operator. Zero means "no reduction".
type RedopID uint32

// Usage is the complete access descriptor an operation presents to a view.
// It is a small value type; copies are free.
type Usage struct {
	Privilege Privilege
	Coherence Coherence
	Redop     RedopID
}

// IsReadOnly reports whether the usage only observes data.
func (u Usage) IsReadOnly() bool { return u.Privilege == ReadOnly }

// IsWrite reports whether the usage holds write rights.
func (u Usage) IsWrite() bool { return u.Privilege&writeBit != 0 }

// IsWriteOnly reports whether the usage overwrites without reading.
func (u Usage) IsWriteOnly() bool { return u.Privilege == WriteOnly }

// IsReduce reports whether the usage applies a reduction.
func (u Usage) IsReduce() bool { return u.Privilege&reduceBit != 0 }

// IsAtomic reports whether the usage asks for atomic coherence.
func (u Usage) IsAtomic() bool { return u.Coherence == Atomic }

// String renders the usage for diagnostics.
func (u Usage) String() string {
	var p string
	switch u.Privilege {
	case NoAccess:
		p = "none"
	case ReadOnly:
		p = "ro"
	case ReadWrite:
		p = "rw"
	case WriteOnly:
		p = "wo"
	case Reduce:
		p = fmt.Sprintf("red(%d)", u.Redop)
	default:
		p = fmt.Sprintf("priv(%d)", u.Privilege)
	}
	switch u.Coherence {
	case Atomic:
		p += "+atomic"
	case Simultaneous:
		p += "+simult"
	case Relaxed:
		p += "+relaxed"
	}
	return p
}

// DependenceType classifies the ordering constraint from an earlier access
// to a later one.
type DependenceType uint8

const (
	// NoDependence: the pair may execute in any order.
	NoDependence DependenceType = iota
	// TrueDependence: the later access consumes or clobbers data the
	// earlier produced; it must wait.
	TrueDependence
	// AntiDependence: the later access overwrites data the earlier one
	// still observes; it must wait, but only for the read to drain.
	AntiDependence
	// AtomicDependence: both sides hold atomic coherence; ordering is
	// delegated to a reservation rather than an event wait.
	AtomicDependence
	// SimultaneousDependence: the pair explicitly permits concurrent
	// execution; no event wait is recorded.
	SimultaneousDependence
)

func (d DependenceType) String() string {
	switch d {
	case NoDependence:
		return "none"
	case TrueDependence:
		return "true"
	case AntiDependence:
		return "anti"
	case AtomicDependence:
		return "atomic"
	case SimultaneousDependence:
		return "simultaneous"
	}
	return "unknown"
}

// IsWait reports whether the classified pair requires an event wait.
// Only true and anti dependences do; atomic and simultaneous pairs are
// resolved by other means and count as non-dependences for the ledger.
func (d DependenceType) IsWait() bool {
	return d == TrueDependence || d == AntiDependence
}

// CheckDependence classifies the constraint a later access (next) has on an
// earlier one (prev), assuming their field masks overlap.
//
// The privilege rules come first: two readers never conflict, and two
// reductions with the same operator commute. Any other overlapping pair
// carries a real data hazard, softened to anti when the earlier access was
// only reading (write-after-read) or the later one discards (write-only
// after write). Coherence then decides whether the hazard becomes an event
// wait: exclusive on either side keeps it, mutual atomic downgrades it to
// a reservation, and simultaneous/relaxed pairs opt out of ordering.
func CheckDependence(prev, next Usage) DependenceType {
	if prev.IsReadOnly() && next.IsReadOnly() {
		return NoDependence
	}
	if prev.IsReduce() && next.IsReduce() {
		if prev.Redop == next.Redop {
			return NoDependence
		}
		return TrueDependence
	}

	actual := TrueDependence
	if prev.IsReadOnly() {
		actual = AntiDependence
	} else if next.IsWriteOnly() {
		actual = AntiDependence
	}

	switch {
	case prev.Coherence == Exclusive || next.Coherence == Exclusive:
		return actual
	case prev.Coherence == Atomic || next.Coherence == Atomic:
		if prev.Coherence == Atomic && next.Coherence == Atomic {
			return AtomicDependence
		}
		// A reader on one side of an atomic access can slip through.
		if (prev.Coherence == Atomic && next.IsReadOnly()) ||
			(next.Coherence == Atomic && prev.IsReadOnly()) {
			return NoDependence
		}
		return actual
	case prev.Coherence == Simultaneous || next.Coherence == Simultaneous:
		return SimultaneousDependence
	case prev.Coherence == Relaxed && next.Coherence == Relaxed:
		return SimultaneousDependence
	}
	return actual
}
