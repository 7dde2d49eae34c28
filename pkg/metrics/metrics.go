package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Hook queue metrics
	HookEventsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_hook_events_enqueued_total",
			Help: "Total number of hook events accepted into the queue",
		},
	)

	HookEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_hook_events_dropped_total",
			Help: "Total number of hook events dropped because the queue was full",
		},
	)

	HookEventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_hook_events_processed_total",
			Help: "Total number of hook events processed by result",
		},
		[]string{"result"},
	)

	HookQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_hook_queue_depth",
			Help: "Number of hook events waiting to be processed",
		},
	)

	// Broadcast metrics
	EventsBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_events_broadcast_total",
			Help: "Total number of envelopes broadcast by channel",
		},
		[]string{"channel"},
	)

	EmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_emits_total",
			Help: "Total number of per-connection sends by result",
		},
		[]string{"result"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_send_duration_seconds",
			Help:    "Time taken to write one frame to a viewer",
			Buckets: prometheus.DefBuckets,
		},
	)

	HistorySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_history_size",
			Help: "Number of envelopes held in the history buffer",
		},
	)

	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Number of registered viewer connections",
		},
	)

	ConnectionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_connections_evicted_total",
			Help: "Total number of connections evicted as stale",
		},
	)

	PingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_pings_total",
			Help: "Total number of liveness probes by result",
		},
		[]string{"result"},
	)

	// Retry metrics
	RetryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_retry_events_total",
			Help: "Retry queue activity by outcome (queued, retried, succeeded, abandoned, evicted)",
		},
		[]string{"outcome"},
	)

	RetryQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_retry_queue_size",
			Help: "Number of deliveries waiting to be retried",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_sessions_active",
			Help: "Number of sessions in the active session table",
		},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_session_transitions_total",
			Help: "Total number of session state transitions by target state",
		},
		[]string{"status"},
	)

	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_heartbeats_total",
			Help: "Total number of heartbeats by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_api_requests_total",
			Help: "Total number of HTTP API requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	ViewerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_viewer_frames_total",
			Help: "Total number of frames received from viewers by channel",
		},
		[]string{"channel"},
	)

	// Loop supervision
	LoopPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_loop_panics_total",
			Help: "Total number of recovered panics in background loops",
		},
		[]string{"loop"},
	)
)

func init() {
	prometheus.MustRegister(HookEventsEnqueued)
	prometheus.MustRegister(HookEventsDropped)
	prometheus.MustRegister(HookEventsProcessed)
	prometheus.MustRegister(HookQueueDepth)
	prometheus.MustRegister(EventsBroadcast)
	prometheus.MustRegister(EmitsTotal)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(HistorySize)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsEvicted)
	prometheus.MustRegister(PingsTotal)
	prometheus.MustRegister(RetryEvents)
	prometheus.MustRegister(RetryQueueSize)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionTransitions)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(ViewerFrames)
	prometheus.MustRegister(LoopPanics)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
