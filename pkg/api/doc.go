/*
Package api exposes the Pulse manager over HTTP and gRPC.

# Routes

	GET    /ws                           viewer websocket (history replay, live events)
	POST   /api/events                   enqueue a hook event (202 accepted, 503 dropped)
	GET    /api/history?limit=N          recent events as a replay payload
	DELETE /api/history                  clear the history buffer
	GET    /api/status                   status payload
	GET    /api/sessions                 active session table
	GET    /api/sessions/archive?limit=N archived sessions, newest first
	POST   /api/sessions/{id}/start
	POST   /api/sessions/{id}/delegate   {"agent": "..."}
	POST   /api/sessions/{id}/subagent-stop {"end": bool}
	POST   /api/sessions/{id}/end
	GET    /health /ready /live          component health (JSON)
	GET    /metrics                      Prometheus metrics

The query endpoints are rate limited per client IP when Config.RateLimit is
set. POST /api/events never waits on delivery: it reports whether the hook
queue accepted the event.

# Viewer protocol

Every websocket message is a JSON frame {"channel": ..., "data": ...}. A
viewer first receives one "history" frame and then live envelopes on the
"hook", "claude_event" and "system_event" channels. It answers "ping" with
"pong" and may send:

	{"channel": "subscribe",   "data": {"patterns": ["hook", "system_*"]}}
	{"channel": "unsubscribe", "data": {"patterns": ["hook"]}}
	{"channel": "get_history", "data": {"limit": 20}}
	{"channel": "get_status"}
	{"channel": "hook",        "data": {"type": "hook", "subtype": "pre_tool", "data": {...}}}

Replies are queued behind pending broadcasts on the same connection.

# gRPC

When Config.GRPCAddr is set, the grpc.health.v1.Health service reports
SERVING for "" and ServiceName until Shutdown.
*/
package api
