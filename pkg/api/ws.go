package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

// wsConn adapts a websocket to registry.Conn
type wsConn struct {
	id     string
	remote string
	ws     *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

// Send writes one frame, bounded by the ctx deadline
func (c *wsConn) Send(ctx context.Context, frame *types.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, frame)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// viewerHandler upgrades /ws requests. Origins are not checked: viewers
// are unauthenticated local dashboards.
func (s *Server) viewerHandler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveViewer,
	}
}

func (s *Server) serveViewer(ws *websocket.Conn) {
	ws.MaxPayloadBytes = maxBodyBytes
	_ = ws.SetDeadline(time.Time{})

	conn := &wsConn{
		id:     uuid.NewString(),
		remote: ws.Request().RemoteAddr,
		ws:     ws,
	}
	logger := log.WithConnID(conn.id)

	b := s.manager.Broadcaster()
	if err := b.Connect(conn); err != nil {
		logger.Error().Err(err).Msg("Failed to attach viewer")
		_ = conn.Close()
		return
	}

	reason := "closed"
	defer func() {
		b.Disconnect(conn.id, reason)
	}()

	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				reason = "read error"
				logger.Debug().Err(err).Msg("Viewer read failed")
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Debug().Err(err).Msg("Ignoring malformed frame")
			continue
		}
		s.handleFrame(conn.id, &frame, logger)
	}
}

// handleFrame applies one viewer-to-server control frame
func (s *Server) handleFrame(connID string, frame *types.Frame, logger zerolog.Logger) {
	metrics.ViewerFrames.WithLabelValues(frame.Channel).Inc()

	reg := s.manager.Registry()
	b := s.manager.Broadcaster()

	reply := func(channel string, v any) {
		out, err := types.NewFrame(channel, v)
		if err == nil {
			err = b.Reply(connID, out)
		}
		if err != nil {
			logger.Warn().Err(err).Str("channel", channel).Msg("Failed to reply to viewer")
		}
	}

	switch frame.Channel {
	case types.ChannelPong:
		reg.MarkPong(connID)

	case types.ChannelSubscribe, types.ChannelUnsubscribe:
		var req types.SubscribePayload
		if err := frame.Decode(&req); err != nil {
			logger.Debug().Err(err).Msg("Invalid subscription request")
			return
		}
		var patterns []string
		var err error
		if frame.Channel == types.ChannelSubscribe {
			patterns, err = reg.Subscribe(connID, req.Patterns)
		} else {
			patterns, err = reg.Unsubscribe(connID, req.Patterns)
		}
		if err != nil {
			logger.Debug().Err(err).Strs("patterns", req.Patterns).Msg("Subscription rejected")
			return
		}
		if patterns == nil {
			patterns = []string{}
		}
		reply(frame.Channel, types.SubscribePayload{Patterns: patterns})

	case types.ChannelGetHistory:
		var req types.HistoryRequest
		if err := frame.Decode(&req); err != nil {
			logger.Debug().Err(err).Msg("Invalid history request")
			return
		}
		reply(types.ChannelHistory, s.manager.History(req.Limit))

	case types.ChannelGetStatus:
		reply(types.ChannelStatus, s.manager.Status())

	case types.ChannelHook, types.ChannelClaudeEvent:
		var env types.Envelope
		if err := frame.Decode(&env); err != nil {
			logger.Debug().Err(err).Msg("Invalid event frame")
			return
		}
		defaultType := types.TypeHook
		if frame.Channel == types.ChannelClaudeEvent {
			defaultType = types.TypeAgent
		}
		normalizeEnvelope(&env, defaultType)
		s.manager.Enqueue(&env)

	default:
		logger.Debug().Str("channel", frame.Channel).Msg("Ignoring frame on unknown channel")
	}
}
