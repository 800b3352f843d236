package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the cluster-wide instrumentation. Each cluster carries
// its own registry so independent clusters (and tests) never collide.
type metrics struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesHandled  *prometheus.CounterVec
	viewsRegistered  prometheus.Gauge
	replicaCacheHits prometheus.Counter
	replicaCacheMiss prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regionviews",
			Subsystem: "cluster",
			Name:      "messages_sent_total",
			Help:      "Messages enqueued to remote address spaces, by kind.",
		}, []string{"kind"}),
		messagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regionviews",
			Subsystem: "cluster",
			Name:      "messages_handled_total",
			Help:      "Messages dispatched to handlers, by kind.",
		}, []string{"kind"}),
		viewsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "regionviews",
			Subsystem: "cluster",
			Name:      "views_registered",
			Help:      "Logical views currently registered across all nodes.",
		}),
		replicaCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "regionviews",
			Subsystem: "cluster",
			Name:      "replica_cache_hits_total",
			Help:      "Remote view resolutions answered from the replica cache.",
		}),
		replicaCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "regionviews",
			Subsystem: "cluster",
			Name:      "replica_cache_misses_total",
			Help:      "Remote view resolutions that had to ask the owner.",
		}),
	}
}

// Registry exposes the cluster's metric registry for scraping.
func (c *Cluster) Registry() *prometheus.Registry { return c.metrics.registry }
