package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/manager"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fixture struct {
	mgr    *manager.Manager
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, start bool, mutate func(*config.Config, *Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.HookQueue.PollInterval = 10 * time.Millisecond
	apiCfg := Config{Addr: "127.0.0.1:0"}
	if mutate != nil {
		mutate(cfg, &apiCfg)
	}

	mgr, err := manager.NewManager(cfg, "test")
	require.NoError(t, err)
	if start {
		require.NoError(t, mgr.Start(context.Background()))
	}

	srv := NewServer(mgr, apiCfg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &fixture{mgr: mgr, server: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestEmitAcceptedAndRecorded(t *testing.T) {
	f := newFixture(t, true, nil)

	resp, body := f.do(t, http.MethodPost, "/api/events", map[string]any{
		"type":    "hook",
		"subtype": "user_prompt",
		"data":    map[string]any{"session_id": "s1", "prompt": "hi"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var emitted EmitResponse
	require.NoError(t, json.Unmarshal(body, &emitted))
	assert.True(t, emitted.Accepted)
	assert.NotEmpty(t, emitted.ID)

	require.Eventually(t, func() bool {
		return f.mgr.History(10).Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/api/history?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist types.HistoryPayload
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Events, 1)
	assert.Equal(t, emitted.ID, hist.Events[0].ID)
	assert.Equal(t, "user_prompt", hist.Events[0].Subtype)

	resp, body = f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []types.SessionRecord
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestEmitRejectsBadJSON(t *testing.T) {
	f := newFixture(t, false, nil)

	resp, err := f.http.Client().Post(f.http.URL+"/api/events", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmitReportsFullQueue(t *testing.T) {
	f := newFixture(t, false, func(cfg *config.Config, _ *Config) {
		cfg.HookQueue.Capacity = 1
	})

	resp, _ := f.do(t, http.MethodPost, "/api/events", map[string]any{"type": "hook"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	start := time.Now()
	resp, body := f.do(t, http.MethodPost, "/api/events", map[string]any{"type": "hook"})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var emitted EmitResponse
	require.NoError(t, json.Unmarshal(body, &emitted))
	assert.False(t, emitted.Accepted)

	assert.Equal(t, uint64(1), f.mgr.Status().HookQueue.Dropped)
}

func TestHistoryLimitValidation(t *testing.T) {
	f := newFixture(t, false, nil)

	resp, body := f.do(t, http.MethodGet, "/api/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "limit")

	resp, _ = f.do(t, http.MethodGet, "/api/sessions/archive?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearHistory(t *testing.T) {
	f := newFixture(t, false, nil)
	require.NoError(t, f.mgr.Publish(context.Background(), types.NewEnvelope(types.TypeAgent, "note", nil)))

	resp, _ := f.do(t, http.MethodDelete, "/api/history", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.mgr.History(10).Count)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, false, nil)

	decode := func(body []byte) types.SessionRecord {
		var rec types.SessionRecord
		require.NoError(t, json.Unmarshal(body, &rec))
		return rec
	}

	resp, body := f.do(t, http.MethodPost, "/api/sessions/s1/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SessionActive, decode(body).Status)

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/s1/delegate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/sessions/s1/delegate", map[string]any{"agent": "research"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode(body)
	assert.Equal(t, types.SessionDelegated, rec.Status)
	assert.Equal(t, "research", rec.CurrentAgent)

	resp, body = f.do(t, http.MethodPost, "/api/sessions/s1/subagent-stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SessionActive, decode(body).Status)

	resp, body = f.do(t, http.MethodPost, "/api/sessions/s1/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SessionCompleted, decode(body).Status)

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/missing/end", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/missing/subagent-stop", map[string]any{"end": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/sessions/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var archived []types.SessionRecord
	require.NoError(t, json.Unmarshal(body, &archived))
	require.Len(t, archived, 1)
	assert.Equal(t, "s1", archived[0].SessionID)

	assert.Equal(t, uint64(4), f.mgr.Status().TotalEvents)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, false, nil)

	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status types.StatusPayload
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "test", status.ServerInfo.Version)
	assert.Equal(t, 1000, status.History.Capacity)
}

func TestRateLimitOnQueryEndpoints(t *testing.T) {
	f := newFixture(t, false, func(_ *config.Config, api *Config) {
		api.RateLimit = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// ingestion is never rate limited
	resp, _ = f.do(t, http.MethodPost, "/api/events", map[string]any{"type": "hook"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t, false, nil)

	resp, body := f.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "alive")

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pulse_api_requests_total")
}

func dialViewer(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	ws, err := websocket.Dial(url, "", "http://localhost/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func receive(t *testing.T, ws *websocket.Conn) *types.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame types.Frame
	require.NoError(t, websocket.JSON.Receive(ws, &frame))
	return &frame
}

func send(t *testing.T, ws *websocket.Conn, channel string, v any) {
	t.Helper()
	frame, err := types.NewFrame(channel, v)
	require.NoError(t, err)
	require.NoError(t, websocket.JSON.Send(ws, frame))
}

func TestViewerReceivesHistoryThenLiveEvents(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	first := types.NewEnvelope(types.TypeAgent, "before", nil)
	require.NoError(t, f.mgr.Publish(ctx, first))

	ws := dialViewer(t, f)

	frame := receive(t, ws)
	require.Equal(t, types.ChannelHistory, frame.Channel)
	var hist types.HistoryPayload
	require.NoError(t, frame.Decode(&hist))
	require.Len(t, hist.Events, 1)
	assert.Equal(t, first.ID, hist.Events[0].ID)

	// an event sent by the viewer goes through the hook queue and back out
	send(t, ws, types.ChannelHook, map[string]any{"subtype": "pre_tool", "data": map[string]any{"tool_name": "Read"}})
	frame = receive(t, ws)
	require.Equal(t, types.ChannelHook, frame.Channel)
	var env types.Envelope
	require.NoError(t, frame.Decode(&env))
	assert.Equal(t, types.TypeHook, env.Type)
	assert.Equal(t, "pre_tool", env.Subtype)
	assert.NotEmpty(t, env.ID)

	send(t, ws, types.ChannelGetStatus, nil)
	frame = receive(t, ws)
	require.Equal(t, types.ChannelStatus, frame.Channel)
	var status types.StatusPayload
	require.NoError(t, frame.Decode(&status))
	assert.Equal(t, 1, status.ConnectedClients)

	send(t, ws, types.ChannelGetHistory, types.HistoryRequest{Limit: 1})
	frame = receive(t, ws)
	require.Equal(t, types.ChannelHistory, frame.Channel)
	require.NoError(t, frame.Decode(&hist))
	assert.Equal(t, 1, hist.Count)
	assert.Equal(t, 2, hist.TotalAvailable)
}

func TestViewerSubscriptionFilters(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()

	ws := dialViewer(t, f)
	assert.Equal(t, types.ChannelHistory, receive(t, ws).Channel)

	send(t, ws, types.ChannelSubscribe, types.SubscribePayload{Patterns: []string{"system_*"}})
	frame := receive(t, ws)
	require.Equal(t, types.ChannelSubscribe, frame.Channel)
	var sub types.SubscribePayload
	require.NoError(t, frame.Decode(&sub))
	assert.Equal(t, []string{"system_*"}, sub.Patterns)

	require.NoError(t, f.mgr.Publish(ctx, types.NewEnvelope(types.TypeHook, "pre_tool", nil)))
	require.NoError(t, f.mgr.Publish(ctx, types.NewEnvelope(types.TypeSystem, "heartbeat", nil)))

	frame = receive(t, ws)
	assert.Equal(t, types.ChannelSystem, frame.Channel)
}

func TestViewerPongUpdatesLiveness(t *testing.T) {
	f := newFixture(t, false, nil)

	ws := dialViewer(t, f)
	assert.Equal(t, types.ChannelHistory, receive(t, ws).Channel)

	recs := f.mgr.Registry().Iterate()
	require.Len(t, recs, 1)
	id := recs[0].ID
	before := recs[0].LastPongAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.mgr.Broadcaster().Ping(context.Background(), id))
	frame := receive(t, ws)
	require.Equal(t, types.ChannelPing, frame.Channel)

	require.NoError(t, websocket.JSON.Send(ws, &types.Frame{Channel: types.ChannelPong, Data: frame.Data}))
	require.Eventually(t, func() bool {
		rec, ok := f.mgr.Registry().Get(id)
		return ok && rec.LastPongAt.After(before)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestViewerDisconnectUnregisters(t *testing.T) {
	f := newFixture(t, false, nil)

	ws := dialViewer(t, f)
	assert.Equal(t, types.ChannelHistory, receive(t, ws).Channel)
	require.Equal(t, 1, f.mgr.Registry().Count())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return f.mgr.Registry().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCHealth(t *testing.T) {
	f := newFixture(t, false, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- f.server.ServeGRPC(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)

	f.server.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	require.NoError(t, <-errCh)
}
