// Package metrics exposes the gateway's Prometheus surface, generalising
// the counters/gauges/histograms the teacher's metrics.go registers for
// its trading WebSocket service to rooms, sockets, and delayed delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the full set of registered collectors. A single instance is
// constructed at startup and threaded through every component that needs
// to record an observation.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed *prometheus.CounterVec

	HandshakeRejected *prometheus.CounterVec

	RoomsActive prometheus.Gauge
	UsersActive prometheus.Gauge

	MessagesAccepted prometheus.Counter
	MessagesRejected *prometheus.CounterVec
	MessageRateLimited prometheus.Counter

	DelayQueueDepth    prometheus.Gauge
	DelayQueueEvictions prometheus.Counter
	DeliveryLatency    prometheus.Histogram

	StoreOpDuration     *prometheus.HistogramVec
	StoreAsyncFailures  prometheus.Counter

	CPUUsagePercent prometheus.Gauge
	MemUsageBytes   prometheus.Gauge
}

// New registers every collector against reg and returns the bound struct.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total WebSocket connections established",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Current number of active WebSocket connections",
		}),
		ConnectionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_failed_total",
			Help: "Failed connection attempts by reason",
		}, []string{"reason"}),
		HandshakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_handshake_rejected_total",
			Help: "Handshake admissions rejected by reason",
		}, []string{"reason"}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_rooms_active",
			Help: "Current number of rooms with at least one live user",
		}),
		UsersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_users_active",
			Help: "Current number of live users across all rooms",
		}),
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_accepted_total",
			Help: "Total send-message events accepted",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_rejected_total",
			Help: "Total send-message events rejected by reason",
		}, []string{"reason"}),
		MessageRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_rate_limited_total",
			Help: "Total send-message events rejected for exceeding the per-socket rate limit",
		}),
		DelayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_delay_queue_depth",
			Help: "Sum of pending entries across every socket's delay queue",
		}),
		DelayQueueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_delay_queue_evictions_total",
			Help: "Total entries evicted for exceeding the per-socket queue cap",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_delivery_latency_seconds",
			Help:    "Observed gap between a message's deliverAt and its actual emission",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1},
		}),
		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_store_op_duration_seconds",
			Help:    "Session Store Adapter operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		StoreAsyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_store_async_failures_total",
			Help: "Fire-and-forget session writes (game-time sync, disconnect) that failed; message persistence failures are only logged",
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_cpu_usage_percent",
			Help: "Most recently sampled process CPU usage percentage",
		}),
		MemUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_memory_usage_bytes",
			Help: "Most recently sampled process resident memory usage",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed, m.HandshakeRejected,
		m.RoomsActive, m.UsersActive,
		m.MessagesAccepted, m.MessagesRejected, m.MessageRateLimited,
		m.DelayQueueDepth, m.DelayQueueEvictions, m.DeliveryLatency,
		m.StoreOpDuration, m.StoreAsyncFailures,
		m.CPUUsagePercent, m.MemUsageBytes,
	)
	return m
}

// Handler returns the promhttp handler serving this registry's collectors.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
