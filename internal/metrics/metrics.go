package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the signaling coordinator.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	ActiveRooms    prometheus.Gauge
	JoinsTotal     prometheus.Counter
	JoinsRejected  prometheus.Counter

	Negotiations       *prometheus.CounterVec
	NegotiationErrors  *prometheus.CounterVec
	NegotiationSeconds prometheus.Histogram

	MessagesReceived prometheus.Counter
	MessagesDropped  prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_active_sessions",
			Help: "Current number of registered sessions",
		}),
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_active_rooms",
			Help: "Current number of rooms with media state",
		}),
		JoinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "groupcall_joins_total",
			Help: "Total number of joinRoom requests",
		}),
		JoinsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "groupcall_joins_rejected_total",
			Help: "Total number of rejected joinRoom requests",
		}),
		Negotiations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcall_negotiations_total",
			Help: "Total number of negotiation requests by kind",
		}, []string{"kind"}),
		NegotiationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcall_negotiation_errors_total",
			Help: "Total number of failed negotiations by reason",
		}, []string{"reason"}),
		NegotiationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "groupcall_negotiation_duration_seconds",
			Help:    "Wall time of one offer/answer negotiation",
			Buckets: prometheus.DefBuckets,
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "groupcall_messages_received_total",
			Help: "Total number of inbound signaling messages",
		}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "groupcall_messages_dropped_total",
			Help: "Total number of outbound messages dropped on backpressure or closed connections",
		}),
	}
}
