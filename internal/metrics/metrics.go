// Package metrics provides Prometheus instrumentation for the relay:
// gauges for connections and sessions, counters for matches and
// relayed events, and a histogram of how long matched users waited.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchify_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// SessionsRegistered tracks entries in the in-process session registry.
	SessionsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchify_sessions_registered",
		Help: "Current number of registered chat sessions",
	})

	// MessagesTotal counts relay events by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchify_messages_total",
		Help: "Total number of client events processed",
	}, []string{"type"}) // type = "message", "state", "rejected"

	// MatchesTotal counts committed pairings per match type.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchify_matches_total",
		Help: "Total number of committed matches",
	}, []string{"match_type"})

	// ClaimConflicts counts claims lost to a concurrent matcher.
	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchify_claim_conflicts_total",
		Help: "Claims lost to a concurrent matcher",
	})

	// MatchWait records how long the waiting partner sat in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchify_match_wait_seconds",
		Help:    "Time the waiting partner spent in the queue before matching",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// Disconnects counts closed connections by reason.
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchify_disconnects_total",
		Help: "Closed chat connections by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsRegistered,
		MessagesTotal,
		MatchesTotal,
		ClaimConflicts,
		MatchWait,
		Disconnects,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
