package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/broadcast"
	"github.com/cuemby/pulse/pkg/config"
	"github.com/cuemby/pulse/pkg/events"
	"github.com/cuemby/pulse/pkg/health"
	"github.com/cuemby/pulse/pkg/heartbeat"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/cuemby/pulse/pkg/retry"
	"github.com/cuemby/pulse/pkg/session"
	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Session event subtypes published by the lifecycle operations
const (
	SessionStarted   = "session_started"
	AgentDelegated   = "agent_delegated"
	SubagentStopped  = "subagent_stopped"
	SessionCompleted = "session_completed"
)

// ErrStopped is returned by Start after Shutdown
var ErrStopped = errors.New("manager is shut down")

// Manager owns every component of the event delivery layer and supervises
// their background loops.
type Manager struct {
	cfg     *config.Config
	info    types.ServerInfo
	started time.Time
	logger  zerolog.Logger

	history     *events.History
	hooks       *events.Queue
	registry    *registry.Registry
	retry       *retry.Queue
	broadcaster *broadcast.Broadcaster
	monitor     *health.Monitor
	tracker     *session.Tracker
	heartbeat   *heartbeat.Emitter
	collector   *metrics.Collector
	store       storage.SessionStore

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	stopped bool
}

// NewManager builds the components from cfg. The session archive is opened
// under cfg.Server.DataDir.
func NewManager(cfg *config.Config, version string) (*Manager, error) {
	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return newManager(cfg, version, store), nil
}

func newManager(cfg *config.Config, version string, store storage.SessionStore) *Manager {
	m := &Manager{
		cfg:     cfg,
		info:    types.ServerInfo{Version: version, Port: cfg.Port()},
		started: time.Now(),
		logger:  log.WithComponent("manager"),
		store:   store,
	}

	m.history = events.NewHistory(cfg.History.Capacity)
	m.registry = registry.New()
	m.retry = retry.NewQueue(retry.Config{
		Capacity:    cfg.Retry.Capacity,
		Steps:       cfg.Retry.Steps,
		MaxAttempts: cfg.Retry.MaxAttempts,
		MaxAge:      cfg.Retry.MaxAge,
		Interval:    cfg.Retry.Interval,
		SendTimeout: cfg.Delivery.SendTimeout,
	}, nil)
	m.broadcaster = broadcast.New(broadcast.Config{
		ReplayLimit: cfg.History.ReplayLimit,
		SendTimeout: cfg.Delivery.SendTimeout,
		OutboxSize:  cfg.Delivery.OutboxSize,
	}, m.history, m.registry, m.retry)
	m.retry.SetSender(m.broadcaster)

	m.hooks = events.NewQueue(events.QueueConfig{
		Capacity:          cfg.HookQueue.Capacity,
		PollInterval:      cfg.HookQueue.PollInterval,
		ProcessingTimeout: cfg.HookQueue.ProcessingTimeout,
	}, m.dispatch)

	m.monitor = health.NewMonitor(health.Config{
		PingInterval:   cfg.Health.PingInterval,
		PingTimeout:    cfg.Health.PingTimeout,
		StaleThreshold: cfg.Health.StaleThreshold,
		SweepInterval:  cfg.Health.StaleSweepInterval,
	}, m.registry, m.broadcaster, m.broadcaster)

	var archive session.Archiver
	if store != nil {
		archive = store
	}
	m.tracker = session.NewTracker(session.Config{
		InactivityThreshold: cfg.Session.InactivityThreshold,
		SweepInterval:       cfg.Session.SweepInterval,
	}, archive)

	m.heartbeat = heartbeat.NewEmitter(cfg.Heartbeat.Interval, m.broadcaster, m.broadcaster, m.tracker, m.info, m.started)
	m.collector = metrics.NewCollector(m, 0)

	metrics.SetVersion(version)
	return m
}

// dispatch is the hook queue worker's handler: the session table observes
// the event before it is published.
func (m *Manager) dispatch(ctx context.Context, env *types.Envelope) error {
	m.tracker.Observe(env)
	return m.broadcaster.Broadcast(ctx, env)
}

type loop struct {
	name string
	run  func(ctx context.Context) error
}

// Start launches every background loop. The loops run until ctx is
// cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.cancel != nil {
		return errors.New("manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	loops := []loop{
		{metrics.ComponentHookQueue, m.hooks.Run},
		{metrics.ComponentRetry, m.retry.Run},
		{metrics.ComponentMonitor, m.monitor.Run},
		{metrics.ComponentSessions, m.tracker.Run},
		{metrics.ComponentHeartbeat, m.heartbeat.Run},
		{"collector", m.collector.Run},
	}
	for _, l := range loops {
		metrics.UpdateComponent(l.name, true, "")
		g.Go(func() error {
			err := l.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				metrics.UpdateComponent(l.name, false, err.Error())
				m.logger.Error().Err(err).Str("loop", l.name).Msg("Background loop failed")
				return fmt.Errorf("%s: %w", l.name, err)
			}
			return nil
		})
	}
	metrics.UpdateComponent(metrics.ComponentBroadcaster, true, "")
	if m.store != nil {
		metrics.UpdateComponent(metrics.ComponentStorage, true, "")
	}

	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		err := g.Wait()
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
		close(m.done)
	}()

	m.logger.Info().
		Str("version", m.info.Version).
		Int("port", m.info.Port).
		Int("loops", len(loops)).
		Msg("Manager started")
	return nil
}

// Done is closed once every background loop has exited
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Shutdown stops the loops and waits for them until ctx expires, then
// disconnects all viewers and closes the archive. It may be called without
// Start; calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	m.hooks.Stop()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("timed out waiting for background loops: %w", ctx.Err()))
		}
	}

	if err := m.broadcaster.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}

	for _, name := range metrics.Components() {
		metrics.UpdateComponent(name, false, "shutting down")
	}

	m.mu.Lock()
	if m.runErr != nil {
		errs = append(errs, m.runErr)
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Manager stopped")
	return errors.Join(errs...)
}

// Enqueue hands a hook event to the queue without blocking. It reports
// false when the event was dropped.
func (m *Manager) Enqueue(env *types.Envelope) bool {
	return m.hooks.Enqueue(env)
}

// Publish broadcasts env directly, bypassing the hook queue
func (m *Manager) Publish(ctx context.Context, env *types.Envelope) error {
	return m.broadcaster.Broadcast(ctx, env)
}

// StartSession marks a session active and publishes the transition
func (m *Manager) StartSession(ctx context.Context, id string) types.SessionRecord {
	rec := m.tracker.StartSession(id)
	m.publishSession(ctx, SessionStarted, rec)
	return rec
}

// Delegate records a delegation and publishes it
func (m *Manager) Delegate(ctx context.Context, id, agent string) types.SessionRecord {
	rec := m.tracker.Delegate(id, agent)
	m.publishSession(ctx, AgentDelegated, rec)
	return rec
}

// SubagentStop returns a session to active, or completes it when end is
// set. It reports false for an unknown session.
func (m *Manager) SubagentStop(ctx context.Context, id string, end bool) (types.SessionRecord, bool) {
	rec, ok := m.tracker.SubagentStop(id, end)
	if !ok {
		return rec, false
	}
	subtype := SubagentStopped
	if rec.Status == types.SessionCompleted {
		subtype = SessionCompleted
	}
	m.publishSession(ctx, subtype, rec)
	return rec, true
}

// EndSession completes a session. It reports false for an unknown session.
func (m *Manager) EndSession(ctx context.Context, id string) (types.SessionRecord, bool) {
	rec, ok := m.tracker.EndSession(id)
	if ok {
		m.publishSession(ctx, SessionCompleted, rec)
	}
	return rec, ok
}

func (m *Manager) publishSession(ctx context.Context, subtype string, rec types.SessionRecord) {
	data := map[string]any{
		"session_id": rec.SessionID,
		"status":     string(rec.Status),
	}
	if rec.CurrentAgent != "" {
		data["agent"] = rec.CurrentAgent
	}
	env := types.NewEnvelope(types.TypeSession, subtype, data)
	if err := m.broadcaster.Broadcast(ctx, env); err != nil {
		logger := log.WithSessionID(rec.SessionID)
		logger.Warn().Err(err).Str("subtype", subtype).Msg("Failed to publish session event")
	}
}

// Sessions returns the active session table
func (m *Manager) Sessions() []types.SessionRecord {
	return m.tracker.Snapshot()
}

// ArchivedSessions lists archived sessions, most recent first
func (m *Manager) ArchivedSessions(limit int) ([]types.SessionRecord, error) {
	if m.store == nil {
		return []types.SessionRecord{}, nil
	}
	return m.store.ListSessions(limit)
}

// History returns up to limit recent envelopes as a replay payload
func (m *Manager) History(limit int) types.HistoryPayload {
	if limit <= 0 {
		limit = m.cfg.History.ReplayLimit
	}
	snapshot := m.history.Snapshot(limit)
	if snapshot == nil {
		snapshot = []*types.Envelope{}
	}
	return types.HistoryPayload{
		Events:         snapshot,
		Count:          len(snapshot),
		TotalAvailable: m.history.Len(),
	}
}

// ClearHistory empties the replay buffer
func (m *Manager) ClearHistory() {
	m.history.Reset()
	metrics.HistorySize.Set(0)
	m.logger.Info().Msg("History cleared")
}

// Status reports the current state of every component
func (m *Manager) Status() types.StatusPayload {
	return types.StatusPayload{
		UptimeSeconds:    int64(time.Since(m.started).Seconds()),
		ConnectedClients: m.broadcaster.ConnectedClients(),
		TotalEvents:      m.broadcaster.TotalEvents(),
		ActiveSessions:   m.tracker.Count(),
		HookQueue:        m.hooks.Stats(),
		Retry:            m.retry.Stats(),
		History:          m.history.Stats(),
		ServerInfo:       m.info,
	}
}

// Broadcaster returns the fan-out component viewers attach to
func (m *Manager) Broadcaster() *broadcast.Broadcaster { return m.broadcaster }

// Registry returns the connection registry
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Info returns the server identity reported in heartbeats
func (m *Manager) Info() types.ServerInfo { return m.info }
