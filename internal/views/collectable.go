package views

import (
	"sync"

	"github.com/rs/zerolog"
)

// lifecycle is implemented by each concrete view so the shared reference
// machinery can call back on state transitions: active is "some in-flight
// operation uses me", valid is "I hold the current data for my region".
type lifecycle interface {
	notifyActive()
	notifyInactive()
	notifyValid()
	notifyInvalid()
}

// collectable is the distributed, reference-counted base embedded by every
// view. Three independent counts govern lifetime:
//
//	gc       — in active use by an in-flight operation
//	valid    — currently the valid data for its region
//	resource — a structural pointer to it exists somewhere
//
// Counts are per address space. A non-owner mirrors its 0↔1 transitions to
// the owner as remote-held units, so the owner sees a nonzero aggregate
// while any space holds references and collects only when the cluster-wide
// total is zero. Local lifetime on a non-owner ends when its own counts
// hit zero; it then drops out of the local registry.
type collectable struct {
	rt    Runtime
	did   DistributedID
	owner AddressSpaceID
	kind  ViewKind
	node  RegionTreeNode
	self  lifecycle
	log   zerolog.Logger

	refMu        sync.Mutex
	gcRefs       int64
	validRefs    int64
	resourceRefs int64
	// remote-held units the owner aggregates from mirror messages
	remoteGC       int64
	remoteValid    int64
	remoteResource int64
	collected      bool
}

func (c *collectable) initCollectable(rt Runtime, did DistributedID,
	owner AddressSpaceID, kind ViewKind, node RegionTreeNode, self lifecycle) {
	c.rt = rt
	c.did = did
	c.owner = owner
	c.kind = kind
	c.node = node
	c.self = self
	c.log = rt.Logger().With().
		Uint64("did", uint64(did)).
		Str("kind", kind.String()).
		Logger()
}

func (c *collectable) ID() DistributedID     { return c.did }
func (c *collectable) Owner() AddressSpaceID { return c.owner }
func (c *collectable) Kind() ViewKind        { return c.kind }
func (c *collectable) Node() RegionTreeNode  { return c.node }

// IsOwner reports whether this copy lives on the owning address space.
func (c *collectable) IsOwner() bool { return c.rt.LocalSpace() == c.owner }

type refKind uint8

const (
	gcRef refKind = iota
	validRef
	resourceRef
)

func (c *collectable) AddGCRef()          { c.addRef(gcRef) }
func (c *collectable) RemoveGCRef()       { c.removeRef(gcRef) }
func (c *collectable) AddValidRef()       { c.addRef(validRef) }
func (c *collectable) RemoveValidRef()    { c.removeRef(validRef) }
func (c *collectable) AddResourceRef()    { c.addRef(resourceRef) }
func (c *collectable) RemoveResourceRef() { c.removeRef(resourceRef) }

func (c *collectable) counter(k refKind) *int64 {
	switch k {
	case gcRef:
		return &c.gcRefs
	case validRef:
		return &c.validRefs
	default:
		return &c.resourceRefs
	}
}

func (c *collectable) addRef(k refKind) {
	c.refMu.Lock()
	n := c.counter(k)
	*n++
	first := *n == 1
	c.refMu.Unlock()
	if !first {
		return
	}
	switch k {
	case gcRef:
		c.self.notifyActive()
	case validRef:
		c.self.notifyValid()
	}
	if !c.IsOwner() {
		c.mirror(k, 1)
	}
}

func (c *collectable) removeRef(k refKind) {
	c.refMu.Lock()
	n := c.counter(k)
	if *n == 0 {
		c.refMu.Unlock()
		fatalf("reference underflow on view %d", c.did)
	}
	*n--
	last := *n == 0
	dead := last && c.deadLocked()
	if dead {
		c.collected = true
	}
	c.refMu.Unlock()
	if !last {
		return
	}
	switch k {
	case gcRef:
		c.self.notifyInactive()
	case validRef:
		c.self.notifyInvalid()
	}
	if !c.IsOwner() {
		c.mirror(k, -1)
	}
	if dead {
		c.collect()
	}
}

// deadLocked reports global-zero on the owner, local-zero elsewhere.
func (c *collectable) deadLocked() bool {
	if c.collected {
		return false
	}
	if c.gcRefs|c.validRefs|c.resourceRefs != 0 {
		return false
	}
	if c.IsOwner() && c.remoteGC|c.remoteValid|c.remoteResource != 0 {
		return false
	}
	return true
}

// mirror reports a non-owner 0↔1 transition to the owner as one
// remote-held unit.
func (c *collectable) mirror(k refKind, delta int64) {
	c.rt.Send(c.owner, MsgRefUpdate, packRefUpdate(c.did, k, delta))
}

// applyRemoteRefDelta is the owner-side reducer for mirror messages.
func (c *collectable) applyRemoteRefDelta(k refKind, delta int64) {
	c.refMu.Lock()
	switch k {
	case gcRef:
		c.remoteGC += delta
	case validRef:
		c.remoteValid += delta
	default:
		c.remoteResource += delta
	}
	dead := c.deadLocked()
	if dead {
		c.collected = true
	}
	c.refMu.Unlock()
	if dead {
		c.collect()
	}
}

func (c *collectable) collect() {
	c.log.Debug().Msg("view collected")
	c.rt.UnregisterView(c.did)
	if c.IsOwner() {
		c.rt.FreeDistributedID(c.did)
	}
}
