package views

import (
	"github.com/kolkov/regionviews/internal/views/fieldmask"
	"github.com/kolkov/regionviews/internal/views/ledger"
)

// VersionInfo is an operation's snapshot of field version numbers across
// the region-tree nodes it touches. Two uses: cutting off ancestor
// propagation at the node above which the operation holds no privileges
// (the upper bound), and eliding dependences on data whose version has not
// changed since the prior access.
type VersionInfo struct {
	upperBound RegionTreeNode
	nodes      map[uint64]ledger.FieldVersions
}

// NewVersionInfo builds a snapshot with the given upper-bound node.
func NewVersionInfo(upperBound RegionTreeNode) *VersionInfo {
	return &VersionInfo{upperBound: upperBound}
}

// SetVersions records the version numbers for one node.
func (vi *VersionInfo) SetVersions(n RegionTreeNode, fv ledger.FieldVersions) {
	if vi.nodes == nil {
		vi.nodes = make(map[uint64]ledger.FieldVersions)
	}
	vi.nodes[n.ID()] = fv
}

// Versions returns the snapshot for a node, or nil when none was recorded.
func (vi *VersionInfo) Versions(n RegionTreeNode) ledger.FieldVersions {
	if vi == nil || vi.nodes == nil {
		return nil
	}
	return vi.nodes[n.ID()]
}

// IsUpperBound reports whether ancestor propagation stops at n: above it
// the operation holds no privileges, so no analysis is needed there.
func (vi *VersionInfo) IsUpperBound(n RegionTreeNode) bool {
	if vi == nil || vi.upperBound == nil {
		return false
	}
	return vi.upperBound.ID() == n.ID()
}

// SameVersions reports whether a prior read-only user's snapshot matches
// vi's snapshot for node n on the overlap fields. A match means the data
// has not changed version between the two accesses, so the later writer
// need not re-serialize against the reader.
func (vi *VersionInfo) SameVersions(n RegionTreeNode, overlap fieldmask.Mask,
	prior ledger.FieldVersions) bool {
	if vi == nil || prior == nil {
		return false
	}
	return prior.SameAs(overlap, vi.Versions(n))
}
