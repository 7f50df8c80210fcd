// Package metrics provides Prometheus instrumentation for the agent server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prime_agent_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prime_agent_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session and run metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prime_agent_active_sessions",
		Help: "Number of live interactive sessions.",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prime_agent_active_command_runs",
		Help: "Number of command runs in started or running state.",
	})

	EventsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_agent_events_buffered_total",
		Help: "Total number of events parked in replay buffers.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_agent_events_dropped_total",
		Help: "Total number of events evicted from full buffers.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prime_agent_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prime_agent_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)

// Vault, mirror and push metrics.
var (
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prime_agent_captures_total",
		Help: "Total number of captures written to the vault inbox by source.",
	}, []string{"source"})

	MirrorSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prime_agent_mirror_syncs_total",
		Help: "Total number of mirror sync attempts by outcome.",
	}, []string{"operation", "outcome"})

	PushNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prime_agent_push_notifications_total",
		Help: "Total number of push deliveries by status.",
	}, []string{"status"})
)
