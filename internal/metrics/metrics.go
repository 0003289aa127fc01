// Package metrics exposes Prometheus collectors for the realtime service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_enqueued_total",
		Help: "Events accepted into the live queue.",
	})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_rejected_total",
		Help: "Enqueue attempts refused for backpressure.",
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_processed_total",
		Help: "Events handed to the processing callback, by outcome.",
	}, []string{"outcome"})

	EventsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_retried_total",
		Help: "Failed events re-enqueued for another attempt.",
	})

	EventsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_dead_lettered_total",
		Help: "Events that exhausted retries and left the live queue.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_queue_depth",
		Help: "Entries currently in the live queue.",
	})

	BroadcastsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_broadcasts_emitted_total",
		Help: "Room emissions performed by the broadcaster.",
	}, []string{"room"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_connections",
		Help: "WebSocket connections currently registered with the hub.",
	})

	DroppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_dropped_clients_total",
		Help: "Clients disconnected because their send buffer filled up.",
	})
)
