package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveRooms tracks forms that currently have at least one participant.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_active_rooms",
			Help: "Number of forms with connected participants",
		},
	)

	// ActiveParticipants tracks participants across all rooms.
	ActiveParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_active_participants",
			Help: "Number of participants across all rooms",
		},
	)

	// ActiveLocks tracks field locks currently held.
	ActiveLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_field_locks",
			Help: "Number of field locks currently held",
		},
	)

	// CachedResponses tracks response states held in memory.
	CachedResponses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "formsync_cached_responses",
			Help: "Number of form responses held in the response cache",
		},
	)

	// InboundEvents counts websocket events by name and outcome (ok|invalid|error).
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_inbound_events_total",
			Help: "Total number of inbound collaboration events",
		},
		[]string{"event", "result"},
	)

	// LockExpirations counts locks released by the timeout instead of a client.
	LockExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "formsync_lock_expirations_total",
			Help: "Total number of field locks released by timeout",
		},
	)

	// Flushes counts durable writes by trigger (debounce|forced|shutdown) and result.
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_flushes_total",
			Help: "Total number of response write-backs",
		},
		[]string{"trigger", "result"},
	)

	// FlushLatency measures durable write latency.
	FlushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formsync_flush_latency_seconds",
			Help:    "Durable response write latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DroppedClients counts connections closed because their send buffer was full.
	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "formsync_dropped_clients_total",
			Help: "Total number of websocket clients dropped for backpressure",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formsync_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
