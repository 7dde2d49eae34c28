package events

import (
	"sync"

	"github.com/cuemby/pulse/pkg/types"
)

// DefaultHistoryCapacity is the default number of envelopes retained for replay
const DefaultHistoryCapacity = 1000

// History is a fixed-capacity circular buffer of the most recent envelopes.
// Appending to a full buffer evicts the oldest entry. All methods are safe
// for concurrent use; snapshots do not block each other.
type History struct {
	mu       sync.RWMutex
	buf      []*types.Envelope
	capacity int
	// start is the index of the oldest entry, size the number stored
	start int
	size  int
	// total counts every envelope ever appended, including evicted ones
	total uint64
}

// NewHistory creates a history buffer holding at most capacity envelopes
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		buf:      make([]*types.Envelope, capacity),
		capacity: capacity,
	}
}

// Append stores env as the newest entry
func (h *History) Append(env *types.Envelope) {
	if env == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < h.capacity {
		h.buf[(h.start+h.size)%h.capacity] = env
		h.size++
	} else {
		h.buf[h.start] = env
		h.start = (h.start + 1) % h.capacity
	}
	h.total++
}

// Snapshot returns up to limit of the most recent envelopes, oldest first.
// A limit of zero or less returns everything retained.
func (h *History) Snapshot(limit int) []*types.Envelope {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*types.Envelope, n)
	first := h.start + h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(first+i)%h.capacity]
	}
	return out
}

// Len returns the number of envelopes retained
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Capacity returns the maximum number of envelopes retained
func (h *History) Capacity() int {
	return h.capacity
}

// Reset discards every retained envelope. The total counter is kept.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buf {
		h.buf[i] = nil
	}
	h.start = 0
	h.size = 0
}

// Stats returns size, capacity and lifetime total
func (h *History) Stats() types.HistoryStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return types.HistoryStats{
		Size:     h.size,
		Capacity: h.capacity,
		Total:    h.total,
	}
}
