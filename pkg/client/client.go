package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pulse/pkg/types"
)

// Client wraps the Pulse HTTP API for CLI and hook usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at addr (host:port or URL)
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BaseURL returns the server URL the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// EmitRequest is the body of POST /api/events
type EmitRequest struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// EmitResponse reports whether the server queued the event
type EmitResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
}

// Emit submits a hook event. A full server queue is reported as
// Accepted=false with a nil error.
func (c *Client) Emit(ctx context.Context, req EmitRequest) (*EmitResponse, error) {
	var resp EmitResponse
	status, err := c.do(ctx, http.MethodPost, "/api/events", req, &resp)
	if err != nil && status != http.StatusServiceUnavailable {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server status
func (c *Client) Status(ctx context.Context) (*types.StatusPayload, error) {
	var status types.StatusPayload
	if _, err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// History fetches up to limit recent events
func (c *Client) History(ctx context.Context, limit int) (*types.HistoryPayload, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var hist types.HistoryPayload
	if _, err := c.do(ctx, http.MethodGet, path, nil, &hist); err != nil {
		return nil, err
	}
	return &hist, nil
}

// ClearHistory empties the server's history buffer
func (c *Client) ClearHistory(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/history", nil, nil)
	return err
}

// Sessions lists the active session table
func (c *Client) Sessions(ctx context.Context) ([]types.SessionRecord, error) {
	var recs []types.SessionRecord
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// ArchivedSessions lists archived sessions, most recent first
func (c *Client) ArchivedSessions(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	path := "/api/sessions/archive"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []types.SessionRecord
	if _, err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// StartSession marks a session active
func (c *Client) StartSession(ctx context.Context, id string) (*types.SessionRecord, error) {
	return c.sessionOp(ctx, id, "start", nil)
}

// Delegate records a delegation to agent
func (c *Client) Delegate(ctx context.Context, id, agent string) (*types.SessionRecord, error) {
	return c.sessionOp(ctx, id, "delegate", map[string]any{"agent": agent})
}

// SubagentStop returns a session to active, or completes it when end is set
func (c *Client) SubagentStop(ctx context.Context, id string, end bool) (*types.SessionRecord, error) {
	return c.sessionOp(ctx, id, "subagent-stop", map[string]any{"end": end})
}

// EndSession completes a session
func (c *Client) EndSession(ctx context.Context, id string) (*types.SessionRecord, error) {
	return c.sessionOp(ctx, id, "end", nil)
}

func (c *Client) sessionOp(ctx context.Context, id, op string, body any) (*types.SessionRecord, error) {
	var rec types.SessionRecord
	path := "/api/sessions/" + url.PathEscape(id) + "/" + op
	if _, err := c.do(ctx, http.MethodPost, path, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// APIError is a non-2xx reply from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return resp.StatusCode, nil
}
