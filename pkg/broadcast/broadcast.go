package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/pulse/pkg/events"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// ErrOutboxFull is recorded when a connection cannot keep up with fan-out
var ErrOutboxFull = errors.New("connection outbox full")

// Scheduler accepts failed deliveries for later redelivery
type Scheduler interface {
	Schedule(env *types.Envelope, connID string, cause error)
}

// Config controls fan-out
type Config struct {
	ReplayLimit int
	SendTimeout time.Duration
	OutboxSize  int
}

// DefaultConfig returns the default fan-out settings
func DefaultConfig() Config {
	return Config{
		ReplayLimit: 50,
		SendTimeout: 5 * time.Second,
		OutboxSize:  256,
	}
}

type delivery struct {
	frame *types.Frame
	env   *types.Envelope
}

type peer struct {
	conn   registry.Conn
	outbox chan delivery
	ctx    context.Context
	cancel context.CancelFunc
}

// Broadcaster publishes envelopes to every live viewer. Acceptance is
// serialized: each envelope is appended to history and queued for every
// connection in one critical section, and a writer goroutine per connection
// sends in queue order. A slow or broken viewer only fills its own outbox.
type Broadcaster struct {
	cfg      Config
	history  *events.History
	registry *registry.Registry
	retry    Scheduler
	logger   zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peer

	total atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broadcaster over history and reg. retry may be nil, in which
// case failed deliveries are only counted.
func New(cfg Config, history *events.History, reg *registry.Registry, retry Scheduler) *Broadcaster {
	def := DefaultConfig()
	if cfg.ReplayLimit < 0 {
		cfg.ReplayLimit = def.ReplayLimit
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		cfg:      cfg,
		history:  history,
		registry: reg,
		retry:    retry,
		logger:   log.WithComponent("broadcaster"),
		peers:    make(map[string]*peer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Broadcast publishes env: it is appended to history and then queued for
// every connection subscribed to its channel. It never waits on network
// I/O. A connection whose outbox is full gets a retry entry instead.
func (b *Broadcaster) Broadcast(ctx context.Context, env *types.Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}

	frame, err := types.EventFrame(env)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.Append(env)
	b.total.Add(1)
	metrics.HistorySize.Set(float64(b.history.Len()))
	metrics.EventsBroadcast.WithLabelValues(env.Channel()).Inc()

	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}

	channel := env.Channel()
	for id, p := range b.peers {
		if !b.registry.Wants(id, channel) {
			continue
		}
		select {
		case p.outbox <- delivery{frame: frame, env: env}:
			b.registry.AddPending(id, 1)
		default:
			b.fail(id, env, ErrOutboxFull)
		}
	}
	return nil
}

// Connect registers conn and queues its history replay. The replay is the
// first frame the connection receives and contains exactly the envelopes
// accepted before it; every later envelope is delivered live.
func (b *Broadcaster) Connect(conn registry.Conn) error {
	id := conn.ID()

	b.mu.Lock()
	old := b.peers[id]

	var snapshot []*types.Envelope
	if b.cfg.ReplayLimit > 0 {
		snapshot = b.history.Snapshot(b.cfg.ReplayLimit)
	}
	frame, err := types.NewFrame(types.ChannelHistory, types.HistoryPayload{
		Events:         nonNil(snapshot),
		Count:          len(snapshot),
		TotalAvailable: b.history.Len(),
	})
	if err != nil {
		b.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(b.ctx)
	p := &peer{
		conn:   conn,
		outbox: make(chan delivery, b.cfg.OutboxSize+1),
		ctx:    ctx,
		cancel: cancel,
	}
	p.outbox <- delivery{frame: frame}
	b.peers[id] = p
	b.registry.Register(conn)
	b.registry.AddPending(id, 1)
	b.wg.Add(1)
	b.mu.Unlock()

	if old != nil {
		b.stopPeer(old)
	}

	go b.writeLoop(p)

	metrics.ConnectionsActive.Set(float64(b.registry.Count()))
	b.logger.Info().
		Str("conn_id", id).
		Str("remote_addr", conn.RemoteAddr()).
		Int("replayed", len(snapshot)).
		Msg("Viewer connected")
	return nil
}

// Disconnect closes and unregisters a connection. It reports whether the
// connection was live; calling it again for the same id is a no-op.
func (b *Broadcaster) Disconnect(connID, reason string) bool {
	b.mu.Lock()
	p, ok := b.peers[connID]
	if ok {
		delete(b.peers, connID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	b.stopPeer(p)
	b.registry.Unregister(connID)
	metrics.ConnectionsActive.Set(float64(b.registry.Count()))

	b.logger.Info().
		Str("conn_id", connID).
		Str("reason", reason).
		Msg("Viewer disconnected")
	return true
}

func (b *Broadcaster) stopPeer(p *peer) {
	p.cancel()
	if err := p.conn.Close(); err != nil {
		b.logger.Debug().Err(err).Str("conn_id", p.conn.ID()).Msg("Error closing connection")
	}
}

// SendDirect delivers env to one connection immediately, bypassing history
// and the outbox. It is the redelivery path of the retry queue.
func (b *Broadcaster) SendDirect(ctx context.Context, connID string, env *types.Envelope) error {
	p, ok := b.peer(connID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrConnectionNotFound, connID)
	}

	frame, err := types.EventFrame(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}
	return b.send(ctx, p, frame)
}

// Ping sends a liveness probe to one connection
func (b *Broadcaster) Ping(ctx context.Context, connID string) error {
	p, ok := b.peer(connID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrConnectionNotFound, connID)
	}

	frame, err := types.NewFrame(types.ChannelPing, types.PingPayload{Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.send(ctx, p, frame)
}

// Reply queues a control frame for one connection behind any pending
// broadcasts.
func (b *Broadcaster) Reply(connID string, frame *types.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.peers[connID]
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrConnectionNotFound, connID)
	}
	select {
	case p.outbox <- delivery{frame: frame}:
		b.registry.AddPending(connID, 1)
		return nil
	default:
		return ErrOutboxFull
	}
}

func (b *Broadcaster) peer(connID string) (*peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[connID]
	return p, ok
}

func (b *Broadcaster) writeLoop(p *peer) {
	defer b.wg.Done()

	for {
		select {
		case d := <-p.outbox:
			b.registry.AddPending(p.conn.ID(), -1)
			b.deliver(p, d)
		case <-p.ctx.Done():
			return
		}
	}
}

func (b *Broadcaster) deliver(p *peer, d delivery) {
	err := b.send(p.ctx, p, d.frame)
	if err == nil || d.env == nil {
		return
	}
	// Torn down mid-send; nothing left to retry against.
	if p.ctx.Err() != nil {
		return
	}
	if b.retry != nil {
		b.retry.Schedule(d.env, p.conn.ID(), err)
	}
}

func (b *Broadcaster) send(ctx context.Context, p *peer, frame *types.Frame) error {
	id := p.conn.ID()
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := p.conn.Send(sendCtx, frame)
	timer.ObserveDuration(metrics.SendDuration)

	if err != nil {
		b.registry.RecordFailure(id)
		metrics.EmitsTotal.WithLabelValues("failed").Inc()
		b.logger.Debug().Err(err).Str("conn_id", id).Str("channel", frame.Channel).Msg("Send failed")
		return err
	}
	b.registry.RecordSuccess(id)
	metrics.EmitsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (b *Broadcaster) fail(connID string, env *types.Envelope, cause error) {
	b.registry.RecordFailure(connID)
	metrics.EmitsTotal.WithLabelValues("failed").Inc()
	if b.retry != nil {
		b.retry.Schedule(env, connID, cause)
	}
}

// TotalEvents returns the cumulative number of envelopes broadcast
func (b *Broadcaster) TotalEvents() uint64 {
	return b.total.Load()
}

// ConnectedClients returns the number of live connections
func (b *Broadcaster) ConnectedClients() int {
	return b.registry.Count()
}

// History returns the replay buffer
func (b *Broadcaster) History() *events.History {
	return b.history
}

// Close disconnects every viewer and waits for the writers to exit
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Disconnect(id, "shutdown")
	}
	b.cancel()
	b.wg.Wait()
	return nil
}

func nonNil(list []*types.Envelope) []*types.Envelope {
	if list == nil {
		return []*types.Envelope{}
	}
	return list
}
