package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type viewer struct {
	id string

	mu     sync.Mutex
	frames []*types.Frame
}

func (v *viewer) ID() string         { return v.id }
func (v *viewer) RemoteAddr() string { return "127.0.0.1:50000" }
func (v *viewer) Close() error       { return nil }

func (v *viewer) Send(_ context.Context, f *types.Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, f)
	return nil
}

func (v *viewer) channels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.frames))
	for _, f := range v.frames {
		out = append(out, f.Channel)
	}
	return out
}

func (v *viewer) envelopes(channel string) []types.Envelope {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []types.Envelope
	for _, f := range v.frames {
		if f.Channel != channel {
			continue
		}
		var env types.Envelope
		if err := f.Decode(&env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.HookQueue.PollInterval = 10 * time.Millisecond
	return cfg
}

func startManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(t), "test")
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestHookEventReachesViewerAndSessionTable(t *testing.T) {
	m := startManager(t)

	v := &viewer{id: "v1"}
	require.NoError(t, m.Broadcaster().Connect(v))

	env := types.NewEnvelope(types.TypeHook, "user_prompt", map[string]any{"session_id": "s1"})
	require.True(t, m.Enqueue(env))

	require.Eventually(t, func() bool {
		return len(v.envelopes(types.ChannelHook)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.ChannelHistory, v.channels()[0])
	assert.Equal(t, env.ID, v.envelopes(types.ChannelHook)[0].ID)

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, types.SessionActive, sessions[0].Status)
}

func TestSessionLifecycleIsPublishedAndArchived(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	v := &viewer{id: "v1"}
	require.NoError(t, m.Broadcaster().Connect(v))

	rec := m.StartSession(ctx, "s1")
	assert.Equal(t, types.SessionActive, rec.Status)

	rec = m.Delegate(ctx, "s1", "engineer")
	assert.Equal(t, types.SessionDelegated, rec.Status)
	assert.Equal(t, "engineer", rec.CurrentAgent)

	rec, ok := m.SubagentStop(ctx, "s1", false)
	require.True(t, ok)
	assert.Equal(t, types.SessionActive, rec.Status)
	assert.Empty(t, rec.CurrentAgent)

	rec, ok = m.EndSession(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, types.SessionCompleted, rec.Status)

	_, ok = m.EndSession(ctx, "unknown")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return len(v.envelopes(types.ChannelClaudeEvent)) == 4
	}, 2*time.Second, 10*time.Millisecond)

	var subtypes []string
	for _, env := range v.envelopes(types.ChannelClaudeEvent) {
		assert.Equal(t, types.TypeSession, env.Type)
		subtypes = append(subtypes, env.Subtype)
	}
	assert.Equal(t, []string{SessionStarted, AgentDelegated, SubagentStopped, SessionCompleted}, subtypes)

	archived, err := m.ArchivedSessions(10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "s1", archived[0].SessionID)
	assert.Equal(t, types.SessionCompleted, archived[0].Status)
}

func TestSubagentStopWithEndCompletes(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	m.Delegate(ctx, "s2", "qa")
	rec, ok := m.SubagentStop(ctx, "s2", true)
	require.True(t, ok)
	assert.Equal(t, types.SessionCompleted, rec.Status)

	_, ok = m.SubagentStop(ctx, "missing", false)
	assert.False(t, ok)
}

func TestStatusAndHistory(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Publish(ctx, types.NewEnvelope(types.TypeAgent, "note", nil)))
	}
	m.StartSession(ctx, "s1")

	status := m.Status()
	assert.Equal(t, uint64(4), status.TotalEvents)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, 4, status.History.Size)
	assert.Equal(t, 1000, status.History.Capacity)
	assert.Equal(t, 1000, status.HookQueue.Capacity)
	assert.Equal(t, "test", status.ServerInfo.Version)
	assert.Equal(t, 8765, status.ServerInfo.Port)

	hist := m.History(2)
	assert.Equal(t, 2, hist.Count)
	assert.Equal(t, 4, hist.TotalAvailable)

	m.ClearHistory()
	hist = m.History(0)
	assert.Equal(t, 0, hist.Count)
	assert.NotNil(t, hist.Events)
	assert.Equal(t, uint64(4), m.Status().TotalEvents)
}

func TestShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := NewManager(testConfig(t), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	v := &viewer{id: "v1"}
	require.NoError(t, m.Broadcaster().Connect(v))
	require.True(t, m.Enqueue(types.NewEnvelope(types.TypeHook, "pre_tool", nil)))

	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	select {
	case <-m.Done():
	default:
		t.Fatal("loops still running after shutdown")
	}
	assert.Equal(t, 0, m.Registry().Count())
	assert.False(t, m.Enqueue(types.NewEnvelope(types.TypeHook, "pre_tool", nil)))
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
}

func TestShutdownWithoutStart(t *testing.T) {
	m, err := NewManager(testConfig(t), "test")
	require.NoError(t, err)

	require.NoError(t, m.Broadcaster().Connect(&viewer{id: "v1"}))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Registry().Count())
	assert.Nil(t, m.Done())
}
