// Package metrics provides Prometheus instrumentation for the moderation
// engine. It exposes gauges for connection and alert state, counters for
// message ingestion and moderation action outcomes, and a histogram for
// reconnect catch-up latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for ActionsTotal.
const (
	OutcomeApplied    = "applied"
	OutcomeRolledBack = "rolled_back"
)

var (
	// ConnectionState reflects the manager's current state as a numeric
	// code: 0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 disconnected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modengine_connection_state",
		Help: "Current connection state (0=idle 1=connecting 2=connected 3=reconnecting 4=disconnected)",
	})

	// ReconnectsTotal counts reconnect attempts since process start.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modengine_reconnects_total",
		Help: "Total number of reconnect attempts",
	})

	// MessagesIngested counts messages accepted into the store.
	MessagesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modengine_messages_ingested_total",
		Help: "Total number of messages accepted into the store",
	})

	// MessagesDuplicate counts duplicate deliveries dropped by the store.
	// Duplicates are expected across reconnect replays and live echoes.
	MessagesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modengine_messages_duplicate_total",
		Help: "Total number of duplicate message deliveries dropped",
	})

	// AlertsUnresolved tracks the current number of unresolved alerts.
	AlertsUnresolved = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modengine_alerts_unresolved",
		Help: "Current number of unresolved moderation alerts",
	})

	// ActionsTotal counts moderation actions by outcome: "applied" or
	// "rolled_back".
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modengine_moderation_actions_total",
		Help: "Total number of moderation actions by outcome",
	}, []string{"outcome"})

	// CatchupDuration records reconnect catch-up latency in seconds, from
	// the connection being established to the history batch being applied.
	CatchupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "modengine_catchup_duration_seconds",
		Help:    "Reconnect catch-up latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		MessagesIngested,
		MessagesDuplicate,
		AlertsUnresolved,
		ActionsTotal,
		CatchupDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
