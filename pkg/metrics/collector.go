package metrics

import (
	"context"
	"time"

	"github.com/cuemby/pulse/pkg/types"
)

// StatusSource provides the point-in-time status the collector samples
type StatusSource interface {
	Status() types.StatusPayload
}

// Collector samples gauge values from the running server
type Collector struct {
	source   StatusSource
	interval time.Duration
}

// NewCollector creates a new metrics collector
func NewCollector(source StatusSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
	}
}

// Run collects immediately and then on every interval until ctx is done
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			return nil
		}
	}
}

// Collect samples the source once
func (c *Collector) Collect() {
	status := c.source.Status()

	HookQueueDepth.Set(float64(status.HookQueue.Depth))
	RetryQueueSize.Set(float64(status.Retry.QueueSize))
	HistorySize.Set(float64(status.History.Size))
	ConnectionsActive.Set(float64(status.ConnectedClients))
	SessionsActive.Set(float64(status.ActiveSessions))
}
