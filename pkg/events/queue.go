package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// dropLogEvery limits drop warnings to one line per this many drops
const dropLogEvery = 100

// DispatchFunc processes one dequeued envelope
type DispatchFunc func(ctx context.Context, env *types.Envelope) error

// QueueConfig controls the hook event queue
type QueueConfig struct {
	Capacity          int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
}

// DefaultQueueConfig returns the default queue settings
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:          1000,
		PollInterval:      time.Second,
		ProcessingTimeout: 2 * time.Second,
	}
}

// Queue decouples event production from processing. Enqueue never blocks;
// a single worker started by Run dispatches events in FIFO order.
type Queue struct {
	cfg      QueueConfig
	items    chan *types.Envelope
	dispatch DispatchFunc
	logger   zerolog.Logger

	accepted  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	// mu orders Enqueue against Stop so nothing is accepted after the
	// final drain has started
	mu      sync.RWMutex
	stopped bool
	stopCh  chan struct{}
}

// NewQueue creates a queue that hands every event to dispatch
func NewQueue(cfg QueueConfig, dispatch DispatchFunc) *Queue {
	def := DefaultQueueConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}

	return &Queue{
		cfg:      cfg,
		items:    make(chan *types.Envelope, cfg.Capacity),
		dispatch: dispatch,
		logger:   log.WithComponent("hook_queue"),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue offers an envelope to the queue. It returns false, without
// blocking, when the queue is full or stopped; the event is then dropped.
func (q *Queue) Enqueue(env *types.Envelope) bool {
	if env == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		q.drop(env, "stopped")
		return false
	}

	select {
	case q.items <- env:
		q.accepted.Add(1)
		metrics.HookEventsEnqueued.Inc()
		return true
	default:
		q.drop(env, "full")
		return false
	}
}

func (q *Queue) drop(env *types.Envelope, reason string) {
	n := q.dropped.Add(1)
	metrics.HookEventsDropped.Inc()
	if n == 1 || n%dropLogEvery == 0 {
		q.logger.Warn().
			Str("reason", reason).
			Str("type", env.Type).
			Str("subtype", env.Subtype).
			Uint64("dropped", n).
			Int("capacity", q.cfg.Capacity).
			Msg("Hook event dropped")
	}
}

// Run is the worker loop. It returns after ctx is cancelled or Stop is
// called, once the events already buffered have been dispatched.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Debug().Msg("Hook queue worker started")
	defer q.logger.Debug().Msg("Hook queue worker stopped")

	poll := time.NewTimer(q.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case env := <-q.items:
			q.process(ctx, env)
		case <-ctx.Done():
			q.Stop()
			q.drain()
			return nil
		case <-q.stopCh:
			q.drain()
			return nil
		case <-poll.C:
			metrics.HookQueueDepth.Set(float64(len(q.items)))
		}

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(q.cfg.PollInterval)
	}
}

// Stop signals the worker to exit. Later Enqueue calls are rejected. It
// returns once no Enqueue is in flight.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.stopped {
		q.stopped = true
		close(q.stopCh)
	}
}

// drain dispatches everything buffered. It runs after Stop, so the buffer
// can only shrink.
func (q *Queue) drain() {
	for {
		select {
		case env := <-q.items:
			q.process(context.Background(), env)
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, env *types.Envelope) {
	pctx, cancel := context.WithTimeout(ctx, q.cfg.ProcessingTimeout)
	defer cancel()

	if err := q.safeDispatch(pctx, env); err != nil {
		q.failed.Add(1)
		metrics.HookEventsProcessed.WithLabelValues("failed").Inc()
		q.logger.Error().
			Err(err).
			Str("event_id", env.ID).
			Str("type", env.Type).
			Str("subtype", env.Subtype).
			Msg("Failed to process hook event")
		return
	}

	q.processed.Add(1)
	metrics.HookEventsProcessed.WithLabelValues("ok").Inc()
}

func (q *Queue) safeDispatch(ctx context.Context, env *types.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("hook_queue").Inc()
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	if q.dispatch == nil {
		return nil
	}
	return q.dispatch(ctx, env)
}

// Len returns the number of events waiting to be processed
func (q *Queue) Len() int {
	return len(q.items)
}

// Stats returns the queue counters
func (q *Queue) Stats() types.QueueStats {
	return types.QueueStats{
		Capacity:  q.cfg.Capacity,
		Depth:     len(q.items),
		Accepted:  q.accepted.Load(),
		Dropped:   q.dropped.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}
