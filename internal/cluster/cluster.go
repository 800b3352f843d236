// Package cluster runs a set of address spaces inside one process, wired
// together with ordered per-node mailboxes. It exists for two reasons:
// driving the view layer's distributed protocol in tests without real
// networking, and backing the scenario simulator.
//
// Each node implements views.Runtime. Messages between nodes flow through
// FIFO channels serviced by one goroutine per node, so deliveries from A
// to B are processed in send order, which the view protocol relies on
// (parents travel before children, constituents before composites). The
// one exception is composite delivery: a composite may reference views a
// third space owns, so its handler runs off the loop rather than block
// the mailbox it needs its fetches answered on.
package cluster

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/kolkov/regionviews/internal/views"
	"github.com/kolkov/regionviews/internal/views/event"
)

// NodeResolver maps region tree node ids to their geometry. One resolver
// is shared by every address space; the tree is immutable metadata.
type NodeResolver interface {
	Node(id uint64) views.RegionTreeNode
}

// Cluster owns the nodes, the shared event table, and the metrics.
type Cluster struct {
	cfg     Config
	tab     *event.Table
	tree    NodeResolver
	metrics *metrics
	nodes   []*Node

	wg sync.WaitGroup
}

type envelope struct {
	src     views.AddressSpaceID
	kind    views.MessageKind
	payload []byte
}

// Node is one address space of the cluster.
type Node struct {
	cluster *Cluster
	space   views.AddressSpaceID
	log     zerolog.Logger
	inbox   chan envelope

	nextDID atomic.Uint64
	nextRes atomic.Uint64

	mu       sync.Mutex
	freeDIDs []views.DistributedID
	reg      map[views.DistributedID]views.LogicalView
	pending  map[views.DistributedID]event.Event
	managers map[views.DistributedID]views.InstanceManager
	waiters  map[[16]byte]chan []byte

	// replicas pins recently used remote views with a resource
	// reference so hot replicas survive between uses. Eviction drops
	// the reference; the owner collects once nothing else holds one.
	replicas *lru.Cache[views.DistributedID, views.LogicalView]
}

// New starts a cluster per the configuration. The resolver serves region
// tree lookups for every node.
func New(cfg Config, tab *event.Table, tree NodeResolver) (*Cluster, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Cluster{
		cfg:     cfg,
		tab:     tab,
		tree:    tree,
		metrics: newMetrics(),
	}
	baseLog := zerolog.Nop()
	if cfg.LogLevel != "" {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("cluster: bad log level %q: %w", cfg.LogLevel, err)
		}
		baseLog = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}

	for i := 0; i < cfg.Nodes; i++ {
		space := views.AddressSpaceID(i)
		n := &Node{
			cluster:  c,
			space:    space,
			log:      baseLog.With().Uint32("space", uint32(space)).Logger(),
			inbox:    make(chan envelope, cfg.MailboxDepth),
			reg:      make(map[views.DistributedID]views.LogicalView),
			pending:  make(map[views.DistributedID]event.Event),
			managers: make(map[views.DistributedID]views.InstanceManager),
			waiters:  make(map[[16]byte]chan []byte),
		}
		// Distributed ids carry their owner in the high 32 bits so any
		// node can route a request for an unknown id.
		n.nextDID.Store(uint64(space)<<32 + 1)
		if cfg.ReplicaCacheSize > 0 {
			cache, err := lru.NewWithEvict(cfg.ReplicaCacheSize,
				func(_ views.DistributedID, v views.LogicalView) {
					v.RemoveResourceRef()
				})
			if err != nil {
				return nil, fmt.Errorf("cluster: replica cache: %w", err)
			}
			n.replicas = cache
		}
		c.nodes = append(c.nodes, n)
	}
	for _, n := range c.nodes {
		c.wg.Add(1)
		go n.run()
	}
	return c, nil
}

// Node returns the runtime for one address space.
func (c *Cluster) Node(space views.AddressSpaceID) *Node {
	return c.nodes[int(space)]
}

// Size returns the number of address spaces.
func (c *Cluster) Size() int { return len(c.nodes) }

// Events returns the shared event table.
func (c *Cluster) Events() *event.Table { return c.tab }

// Shutdown stops the mailbox goroutines after draining queued messages.
// The cluster must be idle: no concurrent senders.
func (c *Cluster) Shutdown() {
	for _, n := range c.nodes {
		close(n.inbox)
	}
	c.wg.Wait()
}

func (n *Node) run() {
	defer n.cluster.wg.Done()
	for env := range n.inbox {
		n.cluster.metrics.messagesHandled.WithLabelValues(env.kind.String()).Inc()
		if env.kind == views.MsgCompositeView {
			// Unpacking a composite may fetch constituents owned by a
			// third space, and the response arrives through this same
			// mailbox. The handler gets its own goroutine so the loop
			// stays free to deliver it.
			n.cluster.wg.Add(1)
			env := env
			go func() {
				defer n.cluster.wg.Done()
				views.Dispatch(n, env.src, env.kind, env.payload)
			}()
			continue
		}
		views.Dispatch(n, env.src, env.kind, env.payload)
	}
}

// --- views.Runtime ---

func (n *Node) LocalSpace() views.AddressSpaceID { return n.space }
func (n *Node) Events() *event.Table             { return n.cluster.tab }
func (n *Node) Logger() *zerolog.Logger          { return &n.log }

func (n *Node) NewDistributedID() views.DistributedID {
	n.mu.Lock()
	if last := len(n.freeDIDs) - 1; last >= 0 {
		id := n.freeDIDs[last]
		n.freeDIDs = n.freeDIDs[:last]
		n.mu.Unlock()
		return id
	}
	n.mu.Unlock()
	return views.DistributedID(n.nextDID.Add(1) - 1)
}

func (n *Node) FreeDistributedID(id views.DistributedID) {
	n.mu.Lock()
	n.freeDIDs = append(n.freeDIDs, id)
	n.mu.Unlock()
}

func (n *Node) RegisterView(v views.LogicalView) {
	n.mu.Lock()
	n.reg[v.ID()] = v
	ready, wanted := n.pending[v.ID()]
	delete(n.pending, v.ID())
	n.mu.Unlock()
	n.cluster.metrics.viewsRegistered.Inc()
	if wanted {
		n.cluster.tab.Trigger(ready)
	}
}

func (n *Node) UnregisterView(id views.DistributedID) {
	n.mu.Lock()
	delete(n.reg, id)
	n.mu.Unlock()
	n.cluster.metrics.viewsRegistered.Dec()
}

func (n *Node) FindView(id views.DistributedID) views.LogicalView {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg[id]
}

// FindOrRequestView resolves a view, asking its owner when unknown here.
// The returned event fires once the view is locally registered; callers
// wait on it and look the view up again. With FIFO mailboxes the state
// normally arrives before anything references it, so the request path is
// the exception, not the rule.
func (n *Node) FindOrRequestView(id views.DistributedID) (views.LogicalView, event.Event) {
	n.mu.Lock()
	if v, ok := n.reg[id]; ok {
		n.mu.Unlock()
		n.touchReplica(v)
		return v, event.NoEvent
	}
	ready, requested := n.pending[id]
	if !requested {
		ready = n.cluster.tab.NewUserEvent()
		n.pending[id] = ready
	}
	n.mu.Unlock()

	if !requested {
		n.cluster.metrics.replicaCacheMiss.Inc()
		owner := views.AddressSpaceID(id >> 32)
		n.Send(owner, views.MsgViewRequest, views.PackViewRequest(id, n.space))
	}
	return nil, ready
}

// touchReplica pins a remote view in the cache, refreshing its recency.
func (n *Node) touchReplica(v views.LogicalView) {
	if n.replicas == nil || v.Owner() == n.space {
		return
	}
	if _, ok := n.replicas.Get(v.ID()); ok {
		n.cluster.metrics.replicaCacheHits.Inc()
		return
	}
	v.AddResourceRef()
	n.replicas.Add(v.ID(), v)
}

func (n *Node) FindManager(id views.DistributedID) views.InstanceManager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.managers[id]
}

// RegisterManager installs an instance manager. Managers are metadata
// shared by every space, so callers register them on each node.
func (n *Node) RegisterManager(m views.InstanceManager) {
	n.mu.Lock()
	n.managers[m.ID()] = m
	n.mu.Unlock()
}

func (n *Node) RegionNode(id uint64) views.RegionTreeNode {
	return n.cluster.tree.Node(id)
}

func (n *Node) NewReservation() views.ReservationID {
	return views.ReservationID(uint64(n.space)<<32 | n.nextRes.Add(1))
}

func (n *Node) Send(target views.AddressSpaceID, kind views.MessageKind, payload []byte) {
	n.cluster.metrics.messagesSent.WithLabelValues(kind.String()).Inc()
	if target == n.space {
		views.Dispatch(n, n.space, kind, payload)
		return
	}
	n.cluster.Node(target).inbox <- envelope{src: n.space, kind: kind, payload: payload}
}

func (n *Node) RegisterWaiter(token [16]byte) <-chan []byte {
	ch := make(chan []byte, 1)
	n.mu.Lock()
	n.waiters[token] = ch
	n.mu.Unlock()
	return ch
}

func (n *Node) CompleteWaiter(token [16]byte, payload []byte) {
	n.mu.Lock()
	ch := n.waiters[token]
	delete(n.waiters, token)
	n.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
}

func (n *Node) DeferCollect(v views.InstanceView, term event.Event) {
	n.cluster.tab.OnTrigger(term, func() { v.CollectUsers(term) })
}
