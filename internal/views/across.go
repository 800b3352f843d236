package views

import (
	"github.com/kolkov/regionviews/internal/views/fieldmask"
)

// CopyAcrossHelper translates destination field offsets for copies whose
// source and destination field indices differ: source field srcFields[i]
// lands in destination field dstFields[i].
type CopyAcrossHelper struct {
	toDst map[fieldmask.FieldID]fieldmask.FieldID
	toSrc map[fieldmask.FieldID]fieldmask.FieldID
}

// NewCopyAcrossHelper builds the positional mapping. The two slices must
// have equal length.
func NewCopyAcrossHelper(srcFields, dstFields []fieldmask.FieldID) *CopyAcrossHelper {
	if len(srcFields) != len(dstFields) {
		fatalf("across mapping of %d source fields onto %d destination fields",
			len(srcFields), len(dstFields))
	}
	h := &CopyAcrossHelper{
		toDst: make(map[fieldmask.FieldID]fieldmask.FieldID, len(srcFields)),
		toSrc: make(map[fieldmask.FieldID]fieldmask.FieldID, len(srcFields)),
	}
	for i, s := range srcFields {
		h.toDst[s] = dstFields[i]
		h.toSrc[dstFields[i]] = s
	}
	return h
}

// PerfectMapping reports whether the mapping is the identity, in which
// case no translation helper is needed and the plain copy path applies.
func PerfectMapping(srcFields, dstFields []fieldmask.FieldID) bool {
	if len(srcFields) != len(dstFields) {
		return false
	}
	for i, s := range srcFields {
		if s != dstFields[i] {
			return false
		}
	}
	return true
}

// RemapOffsets rewrites destination offsets so each carries the source
// field index it is fed from, pairing the offset vectors positionally for
// the copy engine.
func (h *CopyAcrossHelper) RemapOffsets(dst []FieldOffset) []FieldOffset {
	out := make([]FieldOffset, len(dst))
	for i, off := range dst {
		src, ok := h.toSrc[off.Field]
		if !ok {
			fatalf("destination field %d has no across mapping", off.Field)
		}
		out[i] = FieldOffset{Inst: off.Inst, Field: src, Offset: off.Offset}
	}
	return out
}

// DstField returns the destination field a source field maps to.
func (h *CopyAcrossHelper) DstField(src fieldmask.FieldID) fieldmask.FieldID {
	d, ok := h.toDst[src]
	if !ok {
		fatalf("source field %d has no across mapping", src)
	}
	return d
}

// DstMask translates a source-side mask to the destination index space.
func (h *CopyAcrossHelper) DstMask(src fieldmask.Mask) fieldmask.Mask {
	var out fieldmask.Mask
	for _, f := range src.Fields() {
		out.Set(h.DstField(f))
	}
	return out
}
