package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the mesh subsystem's Prometheus instruments on their own
// isolated registry, never the global default registry, so embedding
// applications can mount it (or not) without colliding with their own
// metrics. PeersByStatus and BufferDepth are registered, but nothing in
// this package sets them, so they export no series.
type Metrics struct {
	Registry *prometheus.Registry

	RoutesDiscovered prometheus.Counter
	MessagesRelayed  prometheus.Counter
	FailedRelays     prometheus.Counter
	SuccessfulDeliveries prometheus.Counter
	AvgHopCount      prometheus.Gauge
	PeersByStatus    *prometheus.GaugeVec
	BufferDepth      *prometheus.GaugeVec
	BufferDropped    prometheus.Counter
}

// NewMetrics constructs and registers all mesh instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		RoutesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_routes_discovered_total",
			Help: "Total number of routes added to the routing table.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_messages_relayed_total",
			Help: "Total number of relay messages forwarded to a next hop.",
		}),
		FailedRelays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_failed_relays_total",
			Help: "Total number of relay attempts that exhausted all routes or hit TTL.",
		}),
		SuccessfulDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_successful_deliveries_total",
			Help: "Total number of relay messages successfully forwarded to the controller.",
		}),
		AvgHopCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_avg_hop_count",
			Help: "Rolling average hop count over the last 100 successful relays.",
		}),
		PeersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_peers",
			Help: "Number of known peers by liveness status.",
		}, []string{"status"}),
		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_buffer_items",
			Help: "Number of items held in the local buffer, by item type.",
		}, []string{"item_type"}),
		BufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_buffer_dropped_total",
			Help: "Total number of buffered items dropped due to capacity overflow.",
		}),
	}

	reg.MustRegister(
		m.RoutesDiscovered,
		m.MessagesRelayed,
		m.FailedRelays,
		m.SuccessfulDeliveries,
		m.AvgHopCount,
		m.PeersByStatus,
		m.BufferDepth,
		m.BufferDropped,
	)
	return m
}
