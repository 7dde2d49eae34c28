package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memArchive struct {
	mu   sync.Mutex
	recs []types.SessionRecord
	err  error
}

func (a *memArchive) Archive(rec types.SessionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

func (a *memArchive) all() []types.SessionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.SessionRecord(nil), a.recs...)
}

func newTestTracker() (*Tracker, *clock, *memArchive) {
	clk := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	arch := &memArchive{}
	tr := NewTracker(DefaultConfig(), arch)
	tr.SetClock(clk.now)
	return tr, clk, arch
}

func hook(subtype string, data map[string]any) *types.Envelope {
	return types.NewEnvelope(types.TypeHook, subtype, data)
}

func TestSessionLifecycle(t *testing.T) {
	tr, clk, arch := newTestTracker()

	rec := tr.StartSession("s1")
	assert.Equal(t, types.SessionActive, rec.Status)
	assert.Equal(t, clk.now(), rec.StartTime)

	clk.advance(time.Second)
	rec = tr.Delegate("s1", "engineer")
	assert.Equal(t, types.SessionDelegated, rec.Status)
	assert.Equal(t, "engineer", rec.CurrentAgent)

	clk.advance(time.Second)
	rec, ok := tr.SubagentStop("s1", false)
	require.True(t, ok)
	assert.Equal(t, types.SessionActive, rec.Status)
	assert.Empty(t, rec.CurrentAgent)

	clk.advance(time.Second)
	rec, ok = tr.EndSession("s1")
	require.True(t, ok)
	assert.Equal(t, types.SessionCompleted, rec.Status)
	assert.Equal(t, clk.now(), rec.EndTime)
	assert.Equal(t, clk.now(), rec.LastActivity)

	archived := arch.all()
	require.Len(t, archived, 1)
	assert.Equal(t, "s1", archived[0].SessionID)
	assert.Equal(t, types.SessionCompleted, archived[0].Status)
}

func TestSubagentStopWithEndCompletes(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Delegate("s1", "qa")

	rec, ok := tr.SubagentStop("s1", true)
	require.True(t, ok)
	assert.Equal(t, types.SessionCompleted, rec.Status)
}

func TestUnknownSessions(t *testing.T) {
	tr, _, arch := newTestTracker()

	_, ok := tr.SubagentStop("ghost", false)
	assert.False(t, ok)
	_, ok = tr.EndSession("ghost")
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Count())
	assert.Empty(t, arch.all())
}

func TestRepeatedObservationsDoNotDuplicate(t *testing.T) {
	tr, clk, _ := newTestTracker()

	first := tr.StartSession("s1")
	clk.advance(time.Minute)
	again := tr.StartSession("s1")

	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, first.StartTime, again.StartTime)
	assert.Equal(t, clk.now(), again.LastActivity)

	tr.Delegate("s1", "research")
	tr.Delegate("s1", "research")
	assert.Equal(t, 1, tr.Count())
}

func TestEndingTwiceArchivesOnce(t *testing.T) {
	tr, _, arch := newTestTracker()
	tr.StartSession("s1")

	_, ok := tr.EndSession("s1")
	require.True(t, ok)
	rec, ok := tr.EndSession("s1")
	require.True(t, ok)
	assert.Equal(t, types.SessionCompleted, rec.Status)
	assert.Len(t, arch.all(), 1)
}

func TestRestartAfterCompletion(t *testing.T) {
	tr, clk, _ := newTestTracker()
	tr.StartSession("s1")
	tr.EndSession("s1")

	clk.advance(time.Minute)
	rec := tr.StartSession("s1")
	assert.Equal(t, types.SessionActive, rec.Status)
	assert.True(t, rec.EndTime.IsZero())
	assert.Equal(t, clk.now(), rec.StartTime)
}

func TestObserveHookEvents(t *testing.T) {
	tr, _, _ := newTestTracker()

	tests := []struct {
		name       string
		env        *types.Envelope
		handled    bool
		wantStatus types.SessionStatus
		wantAgent  string
	}{
		{
			name:       "user prompt starts",
			env:        hook(HookUserPrompt, map[string]any{"session_id": "s1", "prompt": "hi"}),
			handled:    true,
			wantStatus: types.SessionActive,
		},
		{
			name:       "non-delegating tool only touches",
			env:        hook(HookPreTool, map[string]any{"session_id": "s1", "tool_name": "Bash"}),
			handled:    true,
			wantStatus: types.SessionActive,
		},
		{
			name: "task tool delegates",
			env: hook(HookPreTool, map[string]any{
				"session_id": "s1",
				"tool_name":  "Task",
				"tool_input": map[string]any{"subagent_type": "engineer"},
			}),
			handled:    true,
			wantStatus: types.SessionDelegated,
			wantAgent:  "engineer",
		},
		{
			name:       "subagent stop returns to active",
			env:        hook(HookSubagentStop, map[string]any{"session_id": "s1", "agent_type": "engineer"}),
			handled:    true,
			wantStatus: types.SessionActive,
		},
		{
			name:       "stop completes",
			env:        hook(HookStop, map[string]any{"session_id": "s1"}),
			handled:    true,
			wantStatus: types.SessionCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.handled, tr.Observe(tt.env))
			rec, ok := tr.Get("s1")
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantAgent, rec.CurrentAgent)
		})
	}
}

func TestObserveIgnoresUnrelatedEnvelopes(t *testing.T) {
	tr, _, _ := newTestTracker()

	assert.False(t, tr.Observe(nil))
	assert.False(t, tr.Observe(hook(HookUserPrompt, nil)))
	assert.False(t, tr.Observe(types.NewEnvelope(types.TypeSystem, "heartbeat", map[string]any{"session_id": "s1"})))
	assert.True(t, tr.Observe(hook("post_tool", map[string]any{"session_id": "unknown"})))

	assert.Equal(t, 0, tr.Count(), "only a start creates a session")
}

func TestSweepRemovesInactiveSessions(t *testing.T) {
	tr, clk, arch := newTestTracker()
	tr.StartSession("old")

	clk.advance(50 * time.Minute)
	tr.StartSession("fresh")

	clk.advance(11 * time.Minute)
	removed := tr.Sweep(clk.now())

	assert.Equal(t, []string{"old"}, removed)
	_, ok := tr.Get("old")
	assert.False(t, ok)
	_, ok = tr.Get("fresh")
	assert.True(t, ok)

	archived := arch.all()
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].SessionID)
}

func TestArchiveFailureIsContained(t *testing.T) {
	tr, clk, arch := newTestTracker()
	arch.err = errors.New("disk full")
	tr.StartSession("s1")

	_, ok := tr.EndSession("s1")
	assert.True(t, ok)

	clk.advance(2 * time.Hour)
	assert.Equal(t, []string{"s1"}, tr.Sweep(clk.now()))
}

func TestSnapshotIsOrderedCopy(t *testing.T) {
	tr, clk, _ := newTestTracker()
	for i := 0; i < 3; i++ {
		tr.StartSession(fmt.Sprintf("s%d", i))
		clk.advance(time.Second)
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "s0", snap[0].SessionID)
	assert.Equal(t, "s2", snap[2].SessionID)

	snap[0].Status = types.SessionCompleted
	rec, _ := tr.Get("s0")
	assert.Equal(t, types.SessionActive, rec.Status)
}

func TestConcurrentObserveAndSnapshot(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			for i := 0; i < 200; i++ {
				tr.Observe(hook(HookUserPrompt, map[string]any{"session_id": id}))
				tr.Delegate(id, "engineer")
				tr.SubagentStop(id, false)
			}
		}(w)
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, tr.Count())
}
