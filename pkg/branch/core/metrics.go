package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the prometheus counters/gauges a Branch updates as
// sessions and broadcasts flow through it (and its leaf's scatter-gather
// machines update for in-flight operations). A Branch registers these
// against the registry passed to branch.New, or a private registry of its
// own when none is given.
type Metrics struct {
	SessionsAdmitted   prometheus.Counter
	SessionsClosed     prometheus.Counter
	DuplicateRejected  prometheus.Counter
	// HeartbeatsSent is registered, but nothing in this module increments
	// it: it always reads zero.
	HeartbeatsSent     prometheus.Counter
	BroadcastsSent     prometheus.Counter
	BroadcastsDropped  prometheus.Counter
	ScatterGatherInFlight prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics set on reg. Passing a
// fresh prometheus.NewRegistry() keeps test registrations isolated from
// the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branch",
			Subsystem: "connection",
			Name:      "sessions_admitted_total",
			Help:      "Sessions admitted by the connection manager.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branch",
			Subsystem: "connection",
			Name:      "sessions_closed_total",
			Help:      "Sessions removed after a fatal transport error.",
		}),
		DuplicateRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branch",
			Subsystem: "connection",
			Name:      "duplicate_connections_rejected_total",
			Help:      "Simultaneous reciprocal connects resolved by the tie-break rule.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branch",
			Subsystem: "transport",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames emitted across all sessions.",
		}),
		BroadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branch",
			Subsystem: "broadcast",
			Name:      "operations_completed_total",
			Help:      "Broadcast operations completed with an ok result.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "branch",
			Subsystem: "broadcast",
			Name:      "operations_dropped_total",
			Help:      "Broadcast operations that finished tx-queue-full or cancelled.",
		}),
		ScatterGatherInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "branch",
			Subsystem: "terminal",
			Name:      "scatter_gather_operations_in_flight",
			Help:      "Scatter-gather operations awaiting a terminal gather reply.",
		}),
	}

	reg.MustRegister(
		m.SessionsAdmitted,
		m.SessionsClosed,
		m.DuplicateRejected,
		m.HeartbeatsSent,
		m.BroadcastsSent,
		m.BroadcastsDropped,
		m.ScatterGatherInFlight,
	)
	return m
}
