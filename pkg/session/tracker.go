package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// Hook subtypes the tracker derives transitions from
const (
	HookUserPrompt   = "user_prompt"
	HookPreTool      = "pre_tool"
	HookSubagentStop = "subagent_stop"
	HookSessionEnd   = "session_end"
	HookStop         = "stop"
)

// delegationTool is the tool whose invocation hands work to a subagent
const delegationTool = "Task"

// Archiver persists sessions that leave the active table
type Archiver interface {
	Archive(rec types.SessionRecord) error
}

// Config controls session expiry
type Config struct {
	InactivityThreshold time.Duration
	SweepInterval       time.Duration
}

// DefaultConfig returns the default session settings
func DefaultConfig() Config {
	return Config{
		InactivityThreshold: time.Hour,
		SweepInterval:       time.Hour,
	}
}

// Tracker keeps the table of active sessions, keyed by session id
type Tracker struct {
	cfg     Config
	archive Archiver
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*types.SessionRecord
}

// NewTracker creates an empty tracker. archive may be nil.
func NewTracker(cfg Config, archive Archiver) *Tracker {
	def := DefaultConfig()
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = def.InactivityThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.InactivityThreshold
	}

	return &Tracker{
		cfg:      cfg,
		archive:  archive,
		logger:   log.WithComponent("sessions"),
		now:      time.Now,
		sessions: make(map[string]*types.SessionRecord),
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// StartSession marks a session active, creating it if needed. Starting a
// session that is already open only refreshes its activity time.
func (t *Tracker) StartSession(id string) types.SessionRecord {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.sessions[id]
	switch {
	case !ok:
		rec = &types.SessionRecord{
			SessionID:    id,
			StartTime:    now,
			Status:       types.SessionActive,
			LastActivity: now,
		}
		t.sessions[id] = rec
		t.transitionedLocked(rec)
	case rec.Status == types.SessionCompleted:
		rec.StartTime = now
		rec.EndTime = time.Time{}
		rec.CurrentAgent = ""
		rec.Status = types.SessionActive
		rec.LastActivity = now
		t.transitionedLocked(rec)
	default:
		rec.LastActivity = now
	}
	return *rec
}

// Delegate records that the session handed work to agent
func (t *Tracker) Delegate(id, agent string) types.SessionRecord {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ensureLocked(id, now)
	changed := rec.Status != types.SessionDelegated || rec.CurrentAgent != agent
	rec.CurrentAgent = agent
	rec.Status = types.SessionDelegated
	rec.EndTime = time.Time{}
	rec.LastActivity = now
	if changed {
		t.transitionedLocked(rec)
	}
	return *rec
}

// SubagentStop returns a delegated session to active, or completes it when
// end is set. It reports false for an unknown session.
func (t *Tracker) SubagentStop(id string, end bool) (types.SessionRecord, bool) {
	if end {
		return t.EndSession(id)
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.sessions[id]
	if !ok {
		return types.SessionRecord{}, false
	}
	rec.LastActivity = now
	if rec.Status == types.SessionDelegated {
		rec.Status = types.SessionActive
		rec.CurrentAgent = ""
		t.transitionedLocked(rec)
	}
	return *rec, true
}

// EndSession completes a session and archives it. It reports false for an
// unknown session; ending a completed session is a no-op.
func (t *Tracker) EndSession(id string) (types.SessionRecord, bool) {
	now := t.now()

	t.mu.Lock()
	rec, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return types.SessionRecord{}, false
	}
	if rec.Status == types.SessionCompleted {
		out := *rec
		t.mu.Unlock()
		return out, true
	}
	rec.Status = types.SessionCompleted
	rec.CurrentAgent = ""
	rec.EndTime = now
	rec.LastActivity = now
	t.transitionedLocked(rec)
	out := *rec
	t.mu.Unlock()

	t.store(out)
	return out, true
}

// Observe derives a transition from a hook envelope. Envelopes without a
// session id, or whose subtype implies no transition, only refresh the
// session's activity time. It reports whether the envelope named a session.
func (t *Tracker) Observe(env *types.Envelope) bool {
	if env == nil || env.Type != types.TypeHook {
		return false
	}
	id := env.String("session_id")
	if id == "" {
		return false
	}

	switch env.Subtype {
	case HookUserPrompt:
		t.StartSession(id)
	case HookPreTool:
		if env.String("tool_name") == delegationTool {
			if agent := delegatedAgent(env); agent != "" {
				t.Delegate(id, agent)
				return true
			}
		}
		t.touch(id)
	case HookSubagentStop:
		end, _ := env.Data["session_end"].(bool)
		t.SubagentStop(id, end)
	case HookSessionEnd, HookStop:
		t.EndSession(id)
	default:
		t.touch(id)
	}
	return true
}

func delegatedAgent(env *types.Envelope) string {
	if input, ok := env.Data["tool_input"].(map[string]any); ok {
		if agent, ok := input["subagent_type"].(string); ok && agent != "" {
			return agent
		}
	}
	return env.String("agent")
}

func (t *Tracker) touch(id string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.sessions[id]; ok {
		rec.LastActivity = now
	}
}

func (t *Tracker) ensureLocked(id string, now time.Time) *types.SessionRecord {
	rec, ok := t.sessions[id]
	if !ok {
		rec = &types.SessionRecord{
			SessionID:    id,
			StartTime:    now,
			Status:       types.SessionActive,
			LastActivity: now,
		}
		t.sessions[id] = rec
	}
	return rec
}

func (t *Tracker) transitionedLocked(rec *types.SessionRecord) {
	metrics.SessionTransitions.WithLabelValues(string(rec.Status)).Inc()
	metrics.SessionsActive.Set(float64(len(t.sessions)))
	t.logger.Debug().
		Str("session_id", rec.SessionID).
		Str("status", string(rec.Status)).
		Str("agent", rec.CurrentAgent).
		Msg("Session transition")
}

// Get returns a copy of one session
func (t *Tracker) Get(id string) (types.SessionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.sessions[id]
	if !ok {
		return types.SessionRecord{}, false
	}
	return *rec, true
}

// Snapshot copies the session table, oldest session first. The read lock is
// held only for the copy.
func (t *Tracker) Snapshot() []types.SessionRecord {
	t.mu.RLock()
	out := make([]types.SessionRecord, 0, len(t.sessions))
	for _, rec := range t.sessions {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Count returns the number of tracked sessions
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sweep removes sessions idle for longer than the inactivity threshold,
// archives them and returns their ids.
func (t *Tracker) Sweep(now time.Time) []string {
	var removed []types.SessionRecord

	t.mu.Lock()
	for id, rec := range t.sessions {
		if now.Sub(rec.LastActivity) > t.cfg.InactivityThreshold {
			removed = append(removed, *rec)
			delete(t.sessions, id)
		}
	}
	metrics.SessionsActive.Set(float64(len(t.sessions)))
	t.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, rec := range removed {
		ids = append(ids, rec.SessionID)
		t.store(rec)
	}
	sort.Strings(ids)

	if len(ids) > 0 {
		t.logger.Info().Int("removed", len(ids)).Msg("Inactive sessions swept")
	}
	return ids
}

func (t *Tracker) store(rec types.SessionRecord) {
	if t.archive == nil {
		return
	}
	if err := t.archive.Archive(rec); err != nil {
		t.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to archive session")
	}
}

// Run sweeps the table every sweep interval until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Debug().Dur("interval", t.cfg.SweepInterval).Msg("Session sweep started")
	defer t.logger.Debug().Msg("Session sweep stopped")

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.safeSweep()
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Tracker) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("session_sweep").Inc()
			t.logger.Error().Interface("panic", r).Msg("Session sweep panicked")
		}
	}()
	t.Sweep(t.now())
}
