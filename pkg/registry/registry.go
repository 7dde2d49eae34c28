package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/types"
)

// ErrConnectionNotFound is returned for operations on an unknown connection id
var ErrConnectionNotFound = errors.New("connection not found")

// DefaultPattern matches every channel
const DefaultPattern = "*"

// Conn is a live viewer transport. Send must honour ctx and be safe for
// concurrent use, including concurrently with Close.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, frame *types.Frame) error
	Close() error
}

// Record is a point-in-time copy of a connection's bookkeeping
type Record struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastPongAt    time.Time `json:"last_pong_at"`
	PendingEmits  int       `json:"pending_emits"`
	FailureCount  int       `json:"failure_count"`
	Delivered     uint64    `json:"delivered"`
	Subscriptions []string  `json:"subscriptions"`
}

type entry struct {
	conn     Conn
	rec      Record
	explicit bool
}

// Registry tracks every live viewer connection
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty registry using the wall clock
func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty registry that stamps records with now
func NewWithClock(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[string]*entry),
		now:     now,
	}
}

// Register adds a connection. Registering an id that is already present
// replaces the previous entry.
func (r *Registry) Register(conn Conn) Record {
	now := r.now()
	e := &entry{
		conn: conn,
		rec: Record{
			ID:            conn.ID(),
			RemoteAddr:    conn.RemoteAddr(),
			ConnectedAt:   now,
			LastPongAt:    now,
			Subscriptions: []string{DefaultPattern},
		},
	}

	r.mu.Lock()
	r.entries[e.rec.ID] = e
	r.mu.Unlock()

	return copyRecord(e.rec)
}

// Unregister removes a connection. It reports whether the id was present;
// removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns a copy of the record for id
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(e.rec), true
}

// Conn returns the transport registered under id
func (r *Registry) Conn(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// MarkPong records a liveness response
func (r *Registry) MarkPong(id string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.rec.LastPongAt = now
	return true
}

// Iterate returns a snapshot of all live records ordered by connect time
func (r *Registry) Iterate() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, copyRecord(e.rec))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stale returns the ids whose last pong is older than threshold at now
func (r *Registry) Stale(threshold time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if now.Sub(e.rec.LastPongAt) > threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Wants reports whether the connection should receive frames on channel.
// Control channels are always delivered.
func (r *Registry) Wants(id, channel string) bool {
	if types.IsControlChannel(channel) {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	for _, p := range e.rec.Subscriptions {
		if matched, _ := path.Match(p, channel); matched {
			return true
		}
	}
	return false
}

// Subscribe adds channel patterns. The first explicit subscription replaces
// the default match-all pattern.
func (r *Registry) Subscribe(id string, patterns []string) ([]string, error) {
	if err := validatePatterns(patterns); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if !e.explicit {
		e.rec.Subscriptions = nil
		e.explicit = true
	}
	for _, p := range patterns {
		if !slices.Contains(e.rec.Subscriptions, p) {
			e.rec.Subscriptions = append(e.rec.Subscriptions, p)
		}
	}
	return slices.Clone(e.rec.Subscriptions), nil
}

// Unsubscribe removes channel patterns
func (r *Registry) Unsubscribe(id string, patterns []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	e.explicit = true
	e.rec.Subscriptions = slices.DeleteFunc(e.rec.Subscriptions, func(s string) bool {
		return slices.Contains(patterns, s)
	})
	return slices.Clone(e.rec.Subscriptions), nil
}

// AddPending adjusts the count of frames queued for the connection
func (r *Registry) AddPending(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.rec.PendingEmits += delta
		if e.rec.PendingEmits < 0 {
			e.rec.PendingEmits = 0
		}
	}
}

// RecordSuccess counts a delivered frame
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.rec.Delivered++
	}
}

// RecordFailure counts a failed send
func (r *Registry) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.rec.FailureCount++
	}
}

func validatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return errors.New("no patterns given")
	}
	for _, p := range patterns {
		if p == "" {
			return errors.New("empty pattern")
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

func copyRecord(rec Record) Record {
	rec.Subscriptions = slices.Clone(rec.Subscriptions)
	return rec
}
