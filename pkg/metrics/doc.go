/*
Package metrics provides Prometheus metrics and health reporting for Pulse.

All collectors are package-level variables registered with the default
Prometheus registry at init time, so any package can record into them
directly:

	metrics.HookEventsEnqueued.Inc()
	metrics.EmitsTotal.WithLabelValues("ok").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SendDuration)

Handler serves the registry in the Prometheus text format at /metrics.

# Metric Catalog

Hook queue:
  - pulse_hook_events_enqueued_total
  - pulse_hook_events_dropped_total
  - pulse_hook_events_processed_total{result}
  - pulse_hook_queue_depth

Delivery:
  - pulse_events_broadcast_total{channel}
  - pulse_emits_total{result}
  - pulse_send_duration_seconds
  - pulse_history_size

Connections:
  - pulse_connections_active
  - pulse_connections_evicted_total
  - pulse_pings_total{result}

Retry:
  - pulse_retry_events_total{outcome}
  - pulse_retry_queue_size

Sessions and heartbeat:
  - pulse_sessions_active
  - pulse_session_transitions_total{status}
  - pulse_heartbeats_total{result}
  - pulse_loop_panics_total{loop}

API:
  - pulse_api_requests_total{method,route,code}
  - pulse_viewer_frames_total{channel}

# Health

The package also keeps a component health table. Components report with
UpdateComponent; HealthHandler, ReadyHandler and LivenessHandler expose the
table as /health, /ready and /live. Readiness requires every entry of
CriticalComponents to be registered and healthy.

Collector periodically samples a StatusSource and refreshes the gauges that
are not updated inline.
*/
package metrics
