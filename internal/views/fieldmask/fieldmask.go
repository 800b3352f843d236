// Package fieldmask implements fixed-width bitsets identifying data fields.
//
// Every dependence query, epoch-ledger entry and copy operation in the view
// engine is qualified by a field mask: the subset of a region's named fields
// that the access touches. Masks are compared, intersected and subtracted on
// every analysis step, so the representation is a small fixed array of words
// with value semantics and zero heap allocations.
//
// The width is 256 fields (4 x uint64), which matches the maximum field-space
// size the engine supports. Operations on masks wider than the field space
// are harmless: unused high bits are simply never set.
package fieldmask

import (
	"math/bits"
	"strings"
)

const (
	// Words is the number of 64-bit words in a mask.
	Words = 4

	// MaxFields is the number of distinct fields a mask can describe.
	MaxFields = Words * 64
)

// Mask is a fixed-width bitset over field indexes [0, MaxFields).
//
// The zero value is the empty mask. Mask is a value type: binary operators
// (And, Or, Sub) return new masks, while the *With variants mutate in place
// for hot paths that want to avoid copies.
type Mask [Words]uint64

// FieldID identifies a single field within a field space.
type FieldID uint32

// Bit returns a mask with exactly one field set.
func Bit(f FieldID) Mask {
	var m Mask
	m.Set(f)
	return m
}

// Of returns a mask with all the given fields set.
func Of(fields ...FieldID) Mask {
	var m Mask
	for _, f := range fields {
		m.Set(f)
	}
	return m
}

// Set marks field f as present.
func (m *Mask) Set(f FieldID) {
	m[f/64] |= 1 << (f % 64)
}

// Unset removes field f.
func (m *Mask) Unset(f FieldID) {
	m[f/64] &^= 1 << (f % 64)
}

// Has reports whether field f is present.
func (m Mask) Has(f FieldID) bool {
	return m[f/64]&(1<<(f%64)) != 0
}

// Empty reports whether no fields are set.
func (m Mask) Empty() bool {
	return m[0]|m[1]|m[2]|m[3] == 0
}

// And returns the intersection of m and o.
func (m Mask) And(o Mask) Mask {
	return Mask{m[0] & o[0], m[1] & o[1], m[2] & o[2], m[3] & o[3]}
}

// Or returns the union of m and o.
func (m Mask) Or(o Mask) Mask {
	return Mask{m[0] | o[0], m[1] | o[1], m[2] | o[2], m[3] | o[3]}
}

// Sub returns the fields of m that are not in o.
func (m Mask) Sub(o Mask) Mask {
	return Mask{m[0] &^ o[0], m[1] &^ o[1], m[2] &^ o[2], m[3] &^ o[3]}
}

// OrWith unions o into m in place.
func (m *Mask) OrWith(o Mask) {
	m[0] |= o[0]
	m[1] |= o[1]
	m[2] |= o[2]
	m[3] |= o[3]
}

// AndWith intersects m with o in place.
func (m *Mask) AndWith(o Mask) {
	m[0] &= o[0]
	m[1] &= o[1]
	m[2] &= o[2]
	m[3] &= o[3]
}

// SubWith removes the fields of o from m in place.
func (m *Mask) SubWith(o Mask) {
	m[0] &^= o[0]
	m[1] &^= o[1]
	m[2] &^= o[2]
	m[3] &^= o[3]
}

// Overlaps reports whether m and o share at least one field.
//
// This is the single hottest predicate in the dependence analysis; it is
// kept branch-free over the word array.
func (m Mask) Overlaps(o Mask) bool {
	return (m[0]&o[0])|(m[1]&o[1])|(m[2]&o[2])|(m[3]&o[3]) != 0
}

// Disjoint reports whether m and o share no fields.
func (m Mask) Disjoint(o Mask) bool {
	return !m.Overlaps(o)
}

// Contains reports whether every field of o is also in m.
func (m Mask) Contains(o Mask) bool {
	return o.Sub(m).Empty()
}

// Count returns the number of set fields.
func (m Mask) Count() int {
	return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1]) +
		bits.OnesCount64(m[2]) + bits.OnesCount64(m[3])
}

// Fields returns the set field IDs in ascending order.
func (m Mask) Fields() []FieldID {
	out := make([]FieldID, 0, m.Count())
	for w := 0; w < Words; w++ {
		word := m[w]
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, FieldID(w*64+b))
			word &= word - 1
		}
	}
	return out
}

// String renders the mask as a compact field list, e.g. "{0,3,17}".
// Debug/reporting only, never on the analysis path.
func (m Mask) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range m.Fields() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(itoa(uint32(f)))
	}
	sb.WriteByte('}')
	return sb.String()
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
