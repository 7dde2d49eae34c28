package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConnected is returned by Emit while the transport is down
	ErrNotConnected = errors.New("not connected")

	// errStale ends a session whose server stopped pinging
	errStale = errors.New("no ping within stale threshold")
)

// AgentConfig controls the viewer-side resilience behaviour
type AgentConfig struct {
	// MaxRetries is the total number of emit attempts
	MaxRetries int
	// RetryDelays are the waits between attempts, capped at the last one
	RetryDelays []time.Duration
	// QueueSize bounds the events held while disconnected
	QueueSize int
	// FlushInterval paces the queue flush after reconnecting
	FlushInterval time.Duration
	// StaleThreshold forces a reconnect when no ping arrives for this long
	StaleThreshold time.Duration
	SendTimeout    time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Patterns are subscribed to after every connect; empty means all
	Patterns []string
}

// DefaultAgentConfig returns the default agent settings
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxRetries:       3,
		RetryDelays:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		QueueSize:        100,
		FlushInterval:    100 * time.Millisecond,
		StaleThreshold:   40 * time.Second,
		SendTimeout:      5 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

// FrameHandler receives every frame that is not a ping
type FrameHandler func(frame *types.Frame)

// AgentStats are the agent's counters
type AgentStats struct {
	Connected     bool   `json:"connected"`
	Sent          uint64 `json:"sent"`
	Failed        uint64 `json:"failed"`
	Retried       uint64 `json:"retried"`
	Queued        uint64 `json:"queued"`
	QueueDropped  uint64 `json:"queue_dropped"`
	Flushed       uint64 `json:"flushed"`
	QueueDepth    int    `json:"queue_depth"`
	Reconnects    uint64 `json:"reconnects"`
	PingsReceived uint64 `json:"pings_received"`
}

// Agent keeps a viewer connected to the server. It queues events while the
// connection is down, answers pings, and reconnects with backoff when the
// transport fails or the server goes quiet.
type Agent struct {
	cfg     AgentConfig
	dialer  Dialer
	handler FrameHandler
	logger  zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	transport Transport
	queue     []*types.Envelope
	lastPing  time.Time

	// flushCh wakes the session flusher when an event is queued
	flushCh chan struct{}

	sent          atomic.Uint64
	failed        atomic.Uint64
	retried       atomic.Uint64
	queued        atomic.Uint64
	queueDropped  atomic.Uint64
	flushed       atomic.Uint64
	reconnects    atomic.Uint64
	pingsReceived atomic.Uint64
}

// NewAgent creates an agent. handler may be nil.
func NewAgent(cfg AgentConfig, dialer Dialer, handler FrameHandler) *Agent {
	def := DefaultAgentConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = def.RetryDelays
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if handler == nil {
		handler = func(*types.Frame) {}
	}

	return &Agent{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  log.WithComponent("agent"),
		now:     time.Now,
		sleep:   sleepContext,
		flushCh: make(chan struct{}, 1),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and keeps reconnecting until ctx is cancelled. Every
// reconnect waits out the backoff; the backoff only resets after a session
// proved healthy.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectInitial
	bo.MaxInterval = a.cfg.ReconnectMax
	bo.Reset()

	for {
		t, err := a.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Connect failed")
			if err := a.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		started := a.now()
		pings := a.pingsReceived.Load()
		err = a.session(ctx, t)
		if ctx.Err() != nil {
			return nil
		}
		a.reconnects.Add(1)

		if a.healthy(err, started, pings) {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Connection lost, reconnecting")
		if err := a.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// healthy reports whether a finished session got a ping, or stayed up past
// the stale threshold without going stale.
func (a *Agent) healthy(err error, started time.Time, pings uint64) bool {
	if a.pingsReceived.Load() > pings {
		return true
	}
	return !errors.Is(err, errStale) && a.now().Sub(started) >= a.cfg.StaleThreshold
}

// session serves one transport until it fails, goes stale or ctx ends
func (a *Agent) session(ctx context.Context, t Transport) error {
	a.attach(t)
	defer a.detach(t)

	a.logger.Info().Msg("Connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return t.Close()
	})
	g.Go(func() error { return a.readLoop(gctx, t) })
	g.Go(func() error { return a.watchdog(gctx) })
	g.Go(func() error {
		if len(a.cfg.Patterns) > 0 {
			if err := a.Subscribe(gctx, a.cfg.Patterns); err != nil {
				a.logger.Warn().Err(err).Msg("Subscribe failed")
			}
		}
		return a.flushLoop(gctx)
	})
	return g.Wait()
}

// flushLoop drains the queue on connect, then again whenever an event is
// queued while this session is attached.
func (a *Agent) flushLoop(ctx context.Context) error {
	for {
		if err := a.Flush(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("Queue flush interrupted")
		}
		select {
		case <-a.flushCh:
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) attach(t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transport = t
	a.lastPing = a.now()
}

func (a *Agent) detach(t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport == t {
		a.transport = nil
	}
}

func (a *Agent) current() Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

func (a *Agent) readLoop(ctx context.Context, t Transport) error {
	for {
		frame, err := t.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		if frame.Channel == types.ChannelPing {
			a.onPing(ctx, t, frame)
			continue
		}
		a.handler(frame)
	}
}

func (a *Agent) onPing(ctx context.Context, t Transport, ping *types.Frame) {
	a.pingsReceived.Add(1)
	a.mu.Lock()
	a.lastPing = a.now()
	a.mu.Unlock()

	pong := &types.Frame{Channel: types.ChannelPong, Data: ping.Data}
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()
	if err := t.Send(sendCtx, pong); err != nil {
		a.logger.Debug().Err(err).Msg("Pong failed")
	}
}

func (a *Agent) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.StaleThreshold / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.Stale() {
				return errStale
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Stale reports whether the server has been silent past the stale threshold
func (a *Agent) Stale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport != nil && a.now().Sub(a.lastPing) > a.cfg.StaleThreshold
}

// Connected reports whether a transport is up
func (a *Agent) Connected() bool {
	return a.current() != nil
}

// Emit makes a single attempt to send env
func (a *Agent) Emit(ctx context.Context, env *types.Envelope) error {
	frame, err := types.EventFrame(env)
	if err != nil {
		return err
	}
	return a.send(ctx, frame)
}

func (a *Agent) send(ctx context.Context, frame *types.Frame) error {
	t := a.current()
	if t == nil {
		return ErrNotConnected
	}
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()

	if err := t.Send(sendCtx, frame); err != nil {
		a.failed.Add(1)
		return err
	}
	a.sent.Add(1)
	return nil
}

// EmitWithRetry sends env, retrying transport failures with the configured
// delays. If the connection is down, or goes down between attempts, the
// event is queued for the next connection instead and nil is returned.
func (a *Agent) EmitWithRetry(ctx context.Context, env *types.Envelope) error {
	if !a.Connected() {
		a.Enqueue(env)
		return nil
	}

	var err error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			a.retried.Add(1)
			if serr := a.sleep(ctx, a.retryDelay(attempt-1)); serr != nil {
				return serr
			}
		}
		err = a.Emit(ctx, env)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			a.Enqueue(env)
			return nil
		}
		a.logger.Debug().Err(err).Int("attempt", attempt+1).Str("event_id", env.ID).Msg("Emit failed")
	}
	return fmt.Errorf("emit failed after %d attempts: %w", a.cfg.MaxRetries, err)
}

func (a *Agent) retryDelay(i int) time.Duration {
	if i >= len(a.cfg.RetryDelays) {
		i = len(a.cfg.RetryDelays) - 1
	}
	return a.cfg.RetryDelays[i]
}

// Enqueue holds env for the next connection. When the queue is full the
// oldest event is dropped. It reports whether nothing was dropped.
func (a *Agent) Enqueue(env *types.Envelope) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queued.Add(1)
	dropped := false
	if len(a.queue) >= a.cfg.QueueSize {
		a.queue = a.queue[1:]
		a.queueDropped.Add(1)
		dropped = true
	}
	a.queue = append(a.queue, env)

	select {
	case a.flushCh <- struct{}{}:
	default:
	}
	return !dropped
}

// QueueDepth returns the number of events waiting for a connection
func (a *Agent) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Flush sends queued events in order, one per flush interval. It stops at
// the first failure and leaves that event at the head of the queue.
func (a *Agent) Flush(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(a.cfg.FlushInterval), 1)

	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return nil
		}
		env := a.queue[0]
		a.mu.Unlock()

		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.Emit(ctx, env); err != nil {
			return err
		}

		a.mu.Lock()
		if len(a.queue) > 0 && a.queue[0] == env {
			a.queue = a.queue[1:]
		}
		a.mu.Unlock()
		a.flushed.Add(1)
	}
}

// Subscribe asks the server for frames on channels matching patterns
func (a *Agent) Subscribe(ctx context.Context, patterns []string) error {
	return a.control(ctx, types.ChannelSubscribe, types.SubscribePayload{Patterns: patterns})
}

// Unsubscribe removes channel patterns
func (a *Agent) Unsubscribe(ctx context.Context, patterns []string) error {
	return a.control(ctx, types.ChannelUnsubscribe, types.SubscribePayload{Patterns: patterns})
}

// RequestHistory asks for up to limit recent events; the reply arrives on
// the history channel.
func (a *Agent) RequestHistory(ctx context.Context, limit int) error {
	return a.control(ctx, types.ChannelGetHistory, types.HistoryRequest{Limit: limit})
}

// RequestStatus asks for a status reply on the status channel
func (a *Agent) RequestStatus(ctx context.Context) error {
	return a.control(ctx, types.ChannelGetStatus, nil)
}

func (a *Agent) control(ctx context.Context, channel string, payload any) error {
	frame, err := types.NewFrame(channel, payload)
	if err != nil {
		return err
	}
	return a.send(ctx, frame)
}

// Stats returns the agent counters
func (a *Agent) Stats() AgentStats {
	a.mu.Lock()
	connected := a.transport != nil
	depth := len(a.queue)
	a.mu.Unlock()

	return AgentStats{
		Connected:     connected,
		Sent:          a.sent.Load(),
		Failed:        a.failed.Load(),
		Retried:       a.retried.Load(),
		Queued:        a.queued.Load(),
		QueueDropped:  a.queueDropped.Load(),
		Flushed:       a.flushed.Load(),
		QueueDepth:    depth,
		Reconnects:    a.reconnects.Load(),
		PingsReceived: a.pingsReceived.Load(),
	}
}
