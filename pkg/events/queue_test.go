package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []*types.Envelope
}

func (r *recorder) dispatch(ctx context.Context, env *types.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func testQueueConfig(capacity int) QueueConfig {
	return QueueConfig{
		Capacity:          capacity,
		PollInterval:      10 * time.Millisecond,
		ProcessingTimeout: time.Second,
	}
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestQueueEnqueueFullReturnsFalseWithoutBlocking(t *testing.T) {
	q := NewQueue(testQueueConfig(2), nil)

	require.True(t, q.Enqueue(types.NewEnvelope(types.TypeHook, "a", nil)))
	require.True(t, q.Enqueue(types.NewEnvelope(types.TypeHook, "b", nil)))

	start := time.Now()
	accepted := q.Enqueue(types.NewEnvelope(types.TypeHook, "c", nil))
	elapsed := time.Since(start)

	assert.False(t, accepted)
	assert.Less(t, elapsed, 10*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Depth)
}

func TestQueueEnqueueNil(t *testing.T) {
	q := NewQueue(testQueueConfig(2), nil)
	assert.False(t, q.Enqueue(nil))
	assert.Equal(t, uint64(0), q.Stats().Dropped)
}

func TestQueueDispatchesInOrder(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(testQueueConfig(100), rec.dispatch)
	runQueue(t, q)

	want := envs(50)
	for _, e := range want {
		require.True(t, q.Enqueue(e))
	}

	require.Eventually(t, func() bool { return rec.count() == 50 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, want, rec.seen)
	rec.mu.Unlock()
	assert.Equal(t, uint64(50), q.Stats().Processed)
}

func TestQueueWorkerSurvivesFailuresAndPanics(t *testing.T) {
	var mu sync.Mutex
	var ok int
	q := NewQueue(testQueueConfig(10), func(ctx context.Context, env *types.Envelope) error {
		switch env.Subtype {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("kaboom")
		}
		mu.Lock()
		ok++
		mu.Unlock()
		return nil
	})
	runQueue(t, q)

	q.Enqueue(types.NewEnvelope(types.TypeHook, "fail", nil))
	q.Enqueue(types.NewEnvelope(types.TypeHook, "panic", nil))
	q.Enqueue(types.NewEnvelope(types.TypeHook, "fine", nil))

	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.Processed == 1 && s.Failed == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, ok)
	mu.Unlock()
}

func TestQueueDispatchGetsProcessingTimeout(t *testing.T) {
	deadlines := make(chan time.Duration, 1)
	cfg := testQueueConfig(1)
	cfg.ProcessingTimeout = 250 * time.Millisecond
	q := NewQueue(cfg, func(ctx context.Context, env *types.Envelope) error {
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		deadlines <- time.Until(dl)
		return nil
	})
	runQueue(t, q)

	q.Enqueue(types.NewEnvelope(types.TypeHook, "x", nil))

	select {
	case d := <-deadlines:
		assert.LessOrEqual(t, d, 250*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	case <-time.After(time.Second):
		t.Fatal("event was not dispatched")
	}
}

func TestQueueStopDrainsAndRejects(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(testQueueConfig(10), rec.dispatch)

	for _, e := range envs(3) {
		require.True(t, q.Enqueue(e))
	}

	q.Stop()
	q.Stop()

	done := make(chan struct{})
	go func() {
		_ = q.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Stop")
	}

	assert.Equal(t, 3, rec.count())
	assert.False(t, q.Enqueue(types.NewEnvelope(types.TypeHook, "late", nil)))
}

func TestQueueStopRacingEnqueueLosesNothing(t *testing.T) {
	for round := 0; round < 20; round++ {
		rec := &recorder{}
		q := NewQueue(testQueueConfig(1000), rec.dispatch)

		done := make(chan struct{})
		go func() {
			_ = q.Run(context.Background())
			close(done)
		}()

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, e := range envs(50) {
					q.Enqueue(e)
				}
			}()
		}
		time.Sleep(time.Duration(round%5) * 100 * time.Microsecond)
		q.Stop()
		wg.Wait()
		<-done

		stats := q.Stats()
		assert.Equal(t, stats.Accepted, stats.Processed, "round %d", round)
		assert.Equal(t, int(stats.Accepted), rec.count(), "round %d", round)
		assert.Equal(t, uint64(200), stats.Accepted+stats.Dropped, "round %d", round)
	}
}

func TestQueueEnqueueRejectedAfterCancel(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(testQueueConfig(10), rec.dispatch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	require.True(t, q.Enqueue(types.NewEnvelope(types.TypeHook, "early", nil)))
	cancel()
	<-done

	assert.False(t, q.Enqueue(types.NewEnvelope(types.TypeHook, "late", nil)))
	assert.Equal(t, 1, rec.count())
}

func TestQueueRunExitsOnCancel(t *testing.T) {
	q := NewQueue(testQueueConfig(10), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not exit within one poll interval")
	}
}
