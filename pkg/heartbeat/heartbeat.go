package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// Subtype is the system event name of a heartbeat
const Subtype = "heartbeat"

// Publisher is where heartbeats are sent
type Publisher interface {
	Broadcast(ctx context.Context, env *types.Envelope) error
}

// Counters reports delivery totals
type Counters interface {
	ConnectedClients() int
	TotalEvents() uint64
}

// Sessions provides the active session table
type Sessions interface {
	Snapshot() []types.SessionRecord
}

// Emitter periodically publishes a system heartbeat
type Emitter struct {
	interval  time.Duration
	publisher Publisher
	counters  Counters
	sessions  Sessions
	info      types.ServerInfo
	started   time.Time
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEmitter creates a heartbeat emitter. started is the server start time
// used for uptime.
func NewEmitter(interval time.Duration, publisher Publisher, counters Counters, sessions Sessions, info types.ServerInfo, started time.Time) *Emitter {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Emitter{
		interval:  interval,
		publisher: publisher,
		counters:  counters,
		sessions:  sessions,
		info:      info,
		started:   started,
		logger:    log.WithComponent("heartbeat"),
		now:       time.Now,
	}
}

// Run emits a heartbeat every interval until ctx is cancelled. A failed
// heartbeat is logged and the next one is attempted on schedule.
func (e *Emitter) Run(ctx context.Context) error {
	e.logger.Debug().Dur("interval", e.interval).Msg("Heartbeat emitter started")
	defer e.logger.Debug().Msg("Heartbeat emitter stopped")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.Beat(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Heartbeat failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Beat builds and publishes one heartbeat
func (e *Emitter) Beat(ctx context.Context) (env *types.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("heartbeat").Inc()
			env, err = nil, fmt.Errorf("heartbeat panicked: %v", r)
		}
		if err != nil {
			metrics.HeartbeatsTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
		}
	}()

	env, err = e.Build()
	if err != nil {
		return nil, err
	}
	if err := e.publisher.Broadcast(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return env, nil
}

// Build assembles a heartbeat envelope without publishing it
func (e *Emitter) Build() (*types.Envelope, error) {
	if e.counters == nil {
		return nil, errors.New("no counters configured")
	}

	sessions := []types.SessionRecord{}
	if e.sessions != nil {
		sessions = e.sessions.Snapshot()
	}

	return types.NewEnvelope(types.TypeSystem, Subtype, map[string]any{
		"uptime_seconds":    int64(e.now().Sub(e.started).Seconds()),
		"connected_clients": e.counters.ConnectedClients(),
		"total_events":      e.counters.TotalEvents(),
		"active_sessions":   sessions,
		"server_info":       e.info,
	}), nil
}
