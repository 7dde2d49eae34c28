package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPings bounds how many probes are in flight at once
const maxConcurrentPings = 16

// Pinger sends a liveness probe to one connection
type Pinger interface {
	Ping(ctx context.Context, connID string) error
}

// Evictor forces a connection closed. It reports whether the connection
// was still live.
type Evictor interface {
	Disconnect(connID, reason string) bool
}

// Config contains the probe and staleness settings
type Config struct {
	// PingInterval is the time between probe rounds
	PingInterval time.Duration

	// PingTimeout bounds a single probe send
	PingTimeout time.Duration

	// StaleThreshold is how long a connection may go without a pong
	StaleThreshold time.Duration

	// SweepInterval is the time between stale sweeps
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with the default probe timings
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PingTimeout:    10 * time.Second,
		StaleThreshold: 40 * time.Second,
		SweepInterval:  60 * time.Second,
	}
}

// Monitor probes every registered connection and evicts the ones that stop
// answering. Probing and judging staleness run as separate loops.
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	pinger   Pinger
	evictor  Evictor
	logger   zerolog.Logger
	now      func() time.Time

	pingsSent   atomic.Uint64
	pingsFailed atomic.Uint64
	evicted     atomic.Uint64
}

// NewMonitor creates a monitor over reg
func NewMonitor(cfg Config, reg *registry.Registry, pinger Pinger, evictor Evictor) *Monitor {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	return &Monitor{
		cfg:      cfg,
		registry: reg,
		pinger:   pinger,
		evictor:  evictor,
		logger:   log.WithComponent("health_monitor"),
		now:      time.Now,
	}
}

// SetClock replaces the time source used to judge staleness
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Run starts the ping loop and the stale sweep and blocks until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.loop(ctx, "ping", m.cfg.PingInterval, func() { m.PingAll(ctx) })
		return nil
	})
	g.Go(func() error {
		m.loop(ctx, "stale_sweep", m.cfg.SweepInterval, func() { m.Sweep() })
		return nil
	})
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, tick func()) {
	m.logger.Debug().Str("loop", name).Dur("interval", interval).Msg("Health loop started")
	defer m.logger.Debug().Str("loop", name).Msg("Health loop stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.guard(name, tick)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) guard(name string, tick func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues(name).Inc()
			m.logger.Error().Str("loop", name).Interface("panic", r).Msg("Health loop panicked")
		}
	}()
	tick()
}

// PingAll probes every registered connection and returns how many probes
// failed. Failures are logged only; eviction is the sweep's job.
func (m *Monitor) PingAll(ctx context.Context) int {
	records := m.registry.Iterate()
	var failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(maxConcurrentPings)
	for _, rec := range records {
		id := rec.ID
		g.Go(func() error {
			m.pingsSent.Add(1)
			if err := m.ping(ctx, id); err != nil {
				failed.Add(1)
				m.pingsFailed.Add(1)
				metrics.PingsTotal.WithLabelValues("failed").Inc()
				m.logger.Warn().Err(err).Str("conn_id", id).Msg("Ping failed")
				return nil
			}
			metrics.PingsTotal.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()

	return int(failed.Load())
}

func (m *Monitor) ping(ctx context.Context, connID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("ping").Inc()
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	return m.pinger.Ping(pingCtx, connID)
}

// Sweep evicts every connection whose last pong is older than the stale
// threshold and returns the evicted ids.
func (m *Monitor) Sweep() []string {
	now := m.now()
	var evicted []string
	for _, id := range m.registry.Stale(m.cfg.StaleThreshold, now) {
		if m.Evict(id) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		m.logger.Info().Int("evicted", len(evicted)).Strs("conn_ids", evicted).Msg("Stale connections evicted")
	}
	return evicted
}

// Evict forces a connection closed. Evicting an id twice has the same
// effect as evicting it once.
func (m *Monitor) Evict(connID string) bool {
	if !m.evictor.Disconnect(connID, "stale") {
		return false
	}
	m.evicted.Add(1)
	metrics.ConnectionsEvicted.Inc()
	return true
}

// Evicted returns the number of connections evicted so far
func (m *Monitor) Evicted() uint64 {
	return m.evicted.Load()
}

// PingStats returns the number of probes sent and failed
func (m *Monitor) PingStats() (sent, failed uint64) {
	return m.pingsSent.Load(), m.pingsFailed.Load()
}
