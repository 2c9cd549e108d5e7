// Package metrics provides Prometheus instrumentation for the Ghosty chat
// server. It exposes gauges for connection, queue and room counts, counters
// for relay throughput and lifecycle events, and a histogram for queue wait.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ghosty_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RelayedTotal counts relayed room events, labeled by kind: "message",
	// "typing", "key" or "dropped".
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghosty_relayed_total",
		Help: "Total number of room events relayed between partners",
	}, []string{"kind"})

	// ClaimsTotal counts queue claims by outcome: "matched", "enqueued" or "cooldown".
	ClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghosty_queue_claims_total",
		Help: "Total number of queue claims by outcome",
	}, []string{"outcome"})

	// MatchWait records how long the claimed partner had been waiting.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ghosty_match_wait_seconds",
		Help:    "Time a matched partner spent waiting in its bucket",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})

	// ActiveRooms tracks the current number of open rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ghosty_active_rooms",
		Help: "Current number of active rooms",
	})

	// QueueSize tracks the number of users waiting across all buckets.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ghosty_queue_size",
		Help: "Current number of users waiting in the queue",
	})

	// TeardownsTotal counts room teardowns by trigger: "leave", "skip",
	// "report" or "disconnect".
	TeardownsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghosty_room_teardowns_total",
		Help: "Total number of room teardowns by trigger",
	}, []string{"trigger"})

	// ReportsTotal counts report submissions by result.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ghosty_reports_total",
		Help: "Total number of report submissions by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RelayedTotal,
		ClaimsTotal,
		MatchWait,
		ActiveRooms,
		QueueSize,
		TeardownsTotal,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
