// Package metrics exposes the focus's prometheus instrumentation. Collectors
// are registered on the default registry; the admin server serves them on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConferencesCreated counts conferences started since boot.
	ConferencesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Name:      "conferences_created_total",
		Help:      "Conferences created.",
	})

	// ConferencesEnded counts conferences torn down since boot.
	ConferencesEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Name:      "conferences_ended_total",
		Help:      "Conferences ended.",
	})

	// Conferences tracks currently live conferences.
	Conferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Name:      "conferences",
		Help:      "Currently live conferences.",
	})

	// Participants tracks currently joined participants across conferences.
	Participants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Name:      "participants",
		Help:      "Currently joined participants.",
	})

	// ParticipantsMoved counts endpoints moved between bridges, whatever the
	// trigger (bridge failure, drain, admin request).
	ParticipantsMoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Name:      "participants_moved_total",
		Help:      "Endpoints moved to another bridge.",
	})

	// BridgesFailed counts bridges marked failed after a colibri error or
	// timeout.
	BridgesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Name:      "bridges_failed_total",
		Help:      "Bridges marked failed.",
	})

	// BridgesRemoved counts bridges that left the brewery.
	BridgesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Name:      "bridges_removed_total",
		Help:      "Bridges removed from the fleet.",
	})

	// OperationalBridges tracks bridges currently usable for selection.
	OperationalBridges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Name:      "operational_bridges",
		Help:      "Bridges currently operational.",
	})

	// JibriFailures counts recording/streaming/SIP session failures.
	JibriFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Name:      "jibri_failures_total",
		Help:      "Jibri session failures.",
	})

	// AuthSessions tracks live authentication sessions.
	AuthSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Name:      "auth_sessions",
		Help:      "Live authentication sessions.",
	})
)
