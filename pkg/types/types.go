package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope types. The type selects the logical channel an envelope travels on.
const (
	TypeSystem  = "system"
	TypeHook    = "hook"
	TypeSession = "session"
	TypeAgent   = "agent"
)

// Channel names used on the wire
const (
	ChannelHook        = "hook"
	ChannelClaudeEvent = "claude_event"
	ChannelSystem      = "system_event"
	ChannelHistory     = "history"
	ChannelPing        = "ping"
	ChannelPong        = "pong"
	ChannelStatus      = "status"
	ChannelSubscribe   = "subscribe"
	ChannelUnsubscribe = "unsubscribe"
	ChannelGetHistory  = "get_history"
	ChannelGetStatus   = "get_status"
)

// IsControlChannel reports whether frames on the channel bypass subscription filters
func IsControlChannel(channel string) bool {
	switch channel {
	case ChannelHistory, ChannelPing, ChannelPong, ChannelStatus:
		return true
	}
	return false
}

// Envelope is the immutable unit of event data. Data is opaque to the
// delivery layer; consumers interpret it by Type and Subtype.
type Envelope struct {
	ID        string
	Type      string
	Subtype   string
	Timestamp time.Time
	Data      map[string]any
}

// NewEnvelope creates an envelope stamped with a fresh ID and the current time.
// The data map is copied so later changes by the caller are not observed.
func NewEnvelope(typ, subtype string, data map[string]any) *Envelope {
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Subtype:   subtype,
		Timestamp: time.Now(),
		Data:      copied,
	}
}

// Channel returns the logical channel the envelope is broadcast on
func (e *Envelope) Channel() string {
	switch e.Type {
	case TypeSystem:
		return ChannelSystem
	case TypeHook:
		return ChannelHook
	default:
		return ChannelClaudeEvent
	}
}

// String returns the value stored under key if it is a string
func (e *Envelope) String(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

type wireEnvelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Event     string         `json:"event,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// MarshalJSON encodes the envelope in its wire form. System envelopes carry
// their subtype as "event".
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		ID:        e.ID,
		Type:      e.Type,
		Subtype:   e.Subtype,
		Timestamp: e.Timestamp.UTC(),
		Data:      e.Data,
	}
	if w.Data == nil {
		w.Data = map[string]any{}
	}
	if e.Type == TypeSystem {
		w.Event = e.Subtype
		w.Subtype = ""
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, accepting "event" as the subtype.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Type = w.Type
	e.Subtype = w.Subtype
	if e.Subtype == "" {
		e.Subtype = w.Event
	}
	e.Timestamp = w.Timestamp
	e.Data = w.Data
	return nil
}

// Frame is a single websocket message
type Frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes v as the frame payload
func NewFrame(channel string, v any) (*Frame, error) {
	if v == nil {
		return &Frame{Channel: channel}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", channel, err)
	}
	return &Frame{Channel: channel, Data: data}, nil
}

// EventFrame encodes an envelope on its own channel
func EventFrame(env *Envelope) (*Frame, error) {
	return NewFrame(env.Channel(), env)
}

// Decode unmarshals the frame payload into v
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// HistoryPayload is the replay batch sent once to every new connection and in
// reply to get_history.
type HistoryPayload struct {
	Events         []*Envelope `json:"events"`
	Count          int         `json:"count"`
	TotalAvailable int         `json:"total_available"`
}

// PingPayload is the liveness probe body
type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// SubscribePayload carries channel patterns for subscribe/unsubscribe
type SubscribePayload struct {
	Patterns []string `json:"patterns"`
}

// HistoryRequest is the get_history body
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// SessionStatus is the lifecycle state of a tracked session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionDelegated SessionStatus = "delegated"
	SessionCompleted SessionStatus = "completed"
)

// SessionRecord is one row of the active session table
type SessionRecord struct {
	SessionID    string        `json:"session_id"`
	StartTime    time.Time     `json:"start_time"`
	CurrentAgent string        `json:"agent,omitempty"`
	Status       SessionStatus `json:"status"`
	LastActivity time.Time     `json:"last_activity"`
	EndTime      time.Time     `json:"end_time,omitzero"`
}

// ServerInfo identifies the running server in heartbeats and status replies
type ServerInfo struct {
	Version string `json:"version"`
	Port    int    `json:"port"`
}

// QueueStats describes the hook event queue
type QueueStats struct {
	Capacity  int    `json:"capacity"`
	Depth     int    `json:"depth"`
	Accepted  uint64 `json:"accepted"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// RetryStats describes the retry queue
type RetryStats struct {
	Queued    uint64 `json:"queued"`
	Retried   uint64 `json:"retried"`
	Succeeded uint64 `json:"succeeded"`
	Abandoned uint64 `json:"abandoned"`
	QueueSize int    `json:"queue_size"`
}

// HistoryStats describes the history buffer
type HistoryStats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Total    uint64 `json:"total"`
}

// StatusPayload is returned by get_status and /api/status
type StatusPayload struct {
	UptimeSeconds    int64        `json:"uptime_seconds"`
	ConnectedClients int          `json:"connected_clients"`
	TotalEvents      uint64       `json:"total_events"`
	ActiveSessions   int          `json:"active_sessions"`
	HookQueue        QueueStats   `json:"hook_queue"`
	Retry            RetryStats   `json:"retry"`
	History          HistoryStats `json:"history"`
	ServerInfo       ServerInfo   `json:"server_info"`
}
