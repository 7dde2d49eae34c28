package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/registry"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// Sender delivers one envelope to one connection, bypassing fan-out
type Sender interface {
	SendDirect(ctx context.Context, connID string, env *types.Envelope) error
}

// Config controls the retry queue
type Config struct {
	Capacity    int
	Steps       []time.Duration
	MaxAttempts int
	MaxAge      time.Duration
	Interval    time.Duration
	SendTimeout time.Duration
}

// DefaultConfig returns the default retry settings
func DefaultConfig() Config {
	return Config{
		Capacity:    1000,
		Steps:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		MaxAttempts: 3,
		MaxAge:      30 * time.Second,
		Interval:    2 * time.Second,
		SendTimeout: 5 * time.Second,
	}
}

// Entry is one pending redelivery of an envelope to a connection
type Entry struct {
	Envelope     *types.Envelope
	ConnID       string
	AttemptCount int
	NextRetryAt  time.Time
	CreatedAt    time.Time
	LastError    string
}

type key struct {
	envelopeID string
	connID     string
}

// Queue holds failed deliveries and redelivers them with backoff. Entries
// are keyed per (envelope, connection).
type Queue struct {
	cfg    Config
	sender Sender
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[key]*Entry

	size      atomic.Int64
	queued    atomic.Uint64
	retried   atomic.Uint64
	succeeded atomic.Uint64
	abandoned atomic.Uint64
}

// NewQueue creates a retry queue that redelivers through sender
func NewQueue(cfg Config, sender Sender) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if len(cfg.Steps) == 0 {
		cfg.Steps = def.Steps
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}

	return &Queue{
		cfg:     cfg,
		sender:  sender,
		logger:  log.WithComponent("retry"),
		now:     time.Now,
		entries: make(map[key]*Entry),
	}
}

// SetSender sets the redelivery target. It must be called before Run.
func (q *Queue) SetSender(sender Sender) {
	q.sender = sender
}

// Backoff returns the delay before the retry that follows attempt failures
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(q.cfg.Steps) {
		attempt = len(q.cfg.Steps) - 1
	}
	return q.cfg.Steps[attempt]
}

// Schedule records a failed delivery. Scheduling a pair that is already
// queued resets its entry. When the queue is full the oldest entry is
// evicted to make room.
func (q *Queue) Schedule(env *types.Envelope, connID string, cause error) {
	if env == nil {
		return
	}
	now := q.now()
	k := key{envelopeID: env.ID, connID: connID}

	q.mu.Lock()
	if _, exists := q.entries[k]; !exists && len(q.entries) >= q.cfg.Capacity {
		q.evictOldestLocked()
	}
	e := &Entry{
		Envelope:    env,
		ConnID:      connID,
		NextRetryAt: now.Add(q.Backoff(0)),
		CreatedAt:   now,
	}
	if cause != nil {
		e.LastError = cause.Error()
	}
	q.entries[k] = e
	q.syncSizeLocked()
	q.mu.Unlock()

	q.queued.Add(1)
	metrics.RetryEvents.WithLabelValues("queued").Inc()

	q.logger.Debug().
		Str("event_id", env.ID).
		Str("conn_id", connID).
		Str("error", e.LastError).
		Msg("Delivery scheduled for retry")
}

func (q *Queue) evictOldestLocked() {
	var oldestKey key
	var oldest *Entry
	for k, e := range q.entries {
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return
	}
	delete(q.entries, oldestKey)
	metrics.RetryEvents.WithLabelValues("evicted").Inc()
	q.logger.Warn().
		Str("event_id", oldestKey.envelopeID).
		Str("conn_id", oldestKey.connID).
		Int("capacity", q.cfg.Capacity).
		Msg("Retry queue full, evicted oldest entry")
}

func (q *Queue) syncSizeLocked() {
	n := len(q.entries)
	q.size.Store(int64(n))
	metrics.RetryQueueSize.Set(float64(n))
}

// Run processes due entries every interval until ctx is cancelled
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Debug().Dur("interval", q.cfg.Interval).Msg("Retry processor started")
	defer q.logger.Debug().Msg("Retry processor stopped")

	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.safeProcess(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *Queue) safeProcess(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("retry").Inc()
			q.logger.Error().Interface("panic", r).Msg("Retry cycle panicked")
		}
	}()
	q.ProcessDue(ctx)
}

// ProcessDue runs one retry cycle: expired entries are abandoned and due
// entries are redelivered. Sends happen without holding the queue lock.
func (q *Queue) ProcessDue(ctx context.Context) {
	now := q.now()

	var due []*Entry
	q.mu.Lock()
	for k, e := range q.entries {
		if now.Sub(e.CreatedAt) > q.cfg.MaxAge {
			delete(q.entries, k)
			q.abandonLocked(e, "max age exceeded", now)
			continue
		}
		if !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	q.syncSizeLocked()
	q.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		err := q.attempt(ctx, e)
		q.complete(e, err)
	}
}

func (q *Queue) attempt(ctx context.Context, e *Entry) error {
	if q.sender == nil {
		return errors.New("no sender configured")
	}
	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	defer cancel()

	q.retried.Add(1)
	metrics.RetryEvents.WithLabelValues("retried").Inc()
	return q.sender.SendDirect(sendCtx, e.ConnID, e.Envelope)
}

func (q *Queue) complete(e *Entry, err error) {
	now := q.now()
	k := key{envelopeID: e.Envelope.ID, connID: e.ConnID}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Rescheduled while the send was in flight; the new entry wins.
	if q.entries[k] != e {
		return
	}

	switch {
	case err == nil:
		delete(q.entries, k)
		q.succeeded.Add(1)
		metrics.RetryEvents.WithLabelValues("succeeded").Inc()
	case errors.Is(err, registry.ErrConnectionNotFound):
		delete(q.entries, k)
		e.LastError = err.Error()
		q.abandonLocked(e, "connection gone", now)
	default:
		e.AttemptCount++
		e.LastError = err.Error()
		if e.AttemptCount >= q.cfg.MaxAttempts {
			delete(q.entries, k)
			q.abandonLocked(e, "max attempts reached", now)
		} else {
			e.NextRetryAt = now.Add(q.Backoff(e.AttemptCount))
		}
	}
	q.syncSizeLocked()
}

func (q *Queue) abandonLocked(e *Entry, reason string, now time.Time) {
	q.abandoned.Add(1)
	metrics.RetryEvents.WithLabelValues("abandoned").Inc()
	q.logger.Warn().
		Str("event_id", e.Envelope.ID).
		Str("conn_id", e.ConnID).
		Int("attempt", e.AttemptCount).
		Dur("age", now.Sub(e.CreatedAt)).
		Str("last_error", e.LastError).
		Str("reason", reason).
		Msg("Retry abandoned")
}

// Get returns a copy of the entry for the pair, if queued
func (q *Queue) Get(envelopeID, connID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key{envelopeID: envelopeID, connID: connID}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of queued entries without taking the queue lock
func (q *Queue) Len() int {
	return int(q.size.Load())
}

// Stats returns the retry counters without taking the queue lock
func (q *Queue) Stats() types.RetryStats {
	return types.RetryStats{
		Queued:    q.queued.Load(),
		Retried:   q.retried.Load(),
		Succeeded: q.succeeded.Load(),
		Abandoned: q.abandoned.Load(),
		QueueSize: q.Len(),
	}
}
