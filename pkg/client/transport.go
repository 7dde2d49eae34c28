package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"golang.org/x/net/websocket"
)

// Transport is one established connection to the server
type Transport interface {
	// Send writes a frame; it must be safe for concurrent use
	Send(ctx context.Context, frame *types.Frame) error
	// Receive blocks until the next frame arrives or the transport is closed
	Receive() (*types.Frame, error)
	Close() error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebSocketDialer dials the server's /ws endpoint
type WebSocketDialer struct {
	URL    string
	Origin string
}

// NewWebSocketDialer returns a dialer for the viewer endpoint at addr, which
// may be host:port or a ws:// URL.
func NewWebSocketDialer(addr string) *WebSocketDialer {
	return &WebSocketDialer{URL: WebSocketURL(addr), Origin: "http://localhost/"}
}

// WebSocketURL normalises addr into the viewer endpoint URL
func WebSocketURL(addr string) string {
	u, err := url.Parse(addr)
	if err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return addr
	}
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
		u.Path = "/ws"
		return u.String()
	}
	return "ws://" + addr + "/ws"
}

// Dial opens a websocket connection
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	cfg, err := websocket.NewConfig(d.URL, d.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url %s: %w", d.URL, err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	return &wsTransport{ws: ws}, nil
}

type wsTransport struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, frame *types.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.JSON.Send(t.ws, frame)
}

func (t *wsTransport) Receive() (*types.Frame, error) {
	var frame types.Frame
	if err := websocket.JSON.Receive(t.ws, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
