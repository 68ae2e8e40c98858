// Package metrics declares the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics groups every collector the relay updates.
type Metrics struct {
	Connections          prometheus.Gauge
	InboundFrames        *prometheus.CounterVec
	RejectedFrames       *prometheus.CounterVec
	Broadcasts           *prometheus.CounterVec
	StoreWrites          *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	RetentionPurged      prometheus.Counter
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() per instance.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		InboundFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Client frames received, by event.",
		}, []string{"event"}),
		RejectedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_frames_total",
			Help:      "Client frames discarded, by reason.",
		}, []string{"reason"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Server events fanned out, by event.",
		}, []string{"event"}),
		StoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Message store writes, by operation and result.",
		}, []string{"op", "result"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push notification attempts, by provider and result.",
		}, []string{"provider", "result"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Push notifications dropped because the dispatch queue was full.",
		}),
		RetentionPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_total",
			Help:      "Messages removed by the retention sweeper.",
		}),
	}
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
