/*
Package types defines the data shapes shared by every Pulse component.

# Envelope

An Envelope is the immutable unit of event data. It is created by a producer
(hook callback, session API, heartbeat timer) and never mutated afterwards:

	env := types.NewEnvelope(types.TypeHook, "user_prompt", map[string]any{
		"session_id": "abc",
		"prompt":     "fix the tests",
	})

Type and Subtype select the meaning of Data. The delivery layer treats Data
as an opaque map; only consumers that care about a specific Type/Subtype
pair look inside it (see pkg/session).

# Channels

Every envelope travels on exactly one logical channel:

	type "system"  -> system_event   (heartbeats, server notices)
	type "hook"    -> hook           (hook callbacks from the wrapped CLI)
	anything else  -> claude_event   (session and agent lifecycle)

Viewers subscribe to channel patterns, so health signals can be followed
independently of domain events. Control channels (history, ping, pong,
status) are never filtered.

# Wire format

All websocket traffic is a Frame:

	{"channel": "hook", "data": {"id": "...", "type": "hook", "subtype": "...",
	                             "timestamp": "2026-01-02T15:04:05Z", "data": {...}}}

System envelopes carry their subtype as "event" to match the heartbeat
contract:

	{"type": "system", "event": "heartbeat", "timestamp": "...", "data": {...}}
*/
package types
