// Package metrics provides Prometheus instrumentation for the Companion daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_ws_frames_total",
		Help: "Total number of WebSocket frames processed.",
	}, []string{"direction", "type"})

	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_broadcasts_dropped_total",
		Help: "Broadcast frames dropped because a client's outbound queue was full.",
	})
)

// Session watcher metrics.
var (
	WatchedConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_watched_conversations",
		Help: "Number of conversations currently tracked by the session watcher.",
	})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_parse_errors_total",
		Help: "Malformed JSONL lines skipped by the conversation parser.",
	})
)

// Work-group metrics.
var (
	ActiveWorkGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_active_work_groups",
		Help: "Number of work groups currently tracked.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_active_workers",
		Help: "Number of worker sessions across all work groups.",
	})
)

// Notification metrics.
var (
	PushesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_pushes_sent_total",
		Help: "Push notification attempts by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	PendingEscalations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_pending_escalations",
		Help: "Escalation events awaiting acknowledgement or push dispatch.",
	})
)
