package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func process(ctx context.Context, w testWork) error {
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.fail {
		return fmt.Errorf("work %d failed", w.id)
	}
	return nil
}

func TestNewPoolDefaults(t *testing.T) {
	pool := NewPool(0, 0, process)
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 256, pool.queueSize)

	pool = NewPool(3, 10, process)
	assert.Equal(t, 3, pool.workers)
	assert.Equal(t, 10, pool.queueSize)
}

func TestNewPoolNilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[testWork](1, 1, nil)
	})
}

func TestPoolLifecycleErrors(t *testing.T) {
	pool := NewPool(1, 4, process)
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPoolSingleWorkerIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []int
	pool := NewPool(1, 100, func(_ context.Context, w testWork) error {
		mu.Lock()
		order = append(order, w.id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestPoolQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(ctx context.Context, _ testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	err := pool.Submit(testWork{id: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, 2, pool.Pending())

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Zero(t, pool.Pending())
}

func TestPoolSubmitWait(t *testing.T) {
	release := make(chan struct{})
	var order []int
	pool := NewPool(1, 1, func(_ context.Context, w testWork) error {
		<-release
		order = append(order, w.id)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return pool.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := pool.SubmitWait(ctx, testWork{id: 3})
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	done := make(chan error, 1)
	go func() { done <- pool.SubmitWait(context.Background(), testWork{id: 4}) }()
	close(release)
	require.NoError(t, <-done)

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, []int{1, 2, 4}, order)
	assert.Equal(t, int64(3), pool.Stats().Processed)
	assert.ErrorIs(t, pool.SubmitWait(context.Background(), testWork{}), ErrPoolStopped)
}

func TestPoolProcessingErrors(t *testing.T) {
	pool := NewPool(2, 20, process)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPoolContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Bool
	pool := NewPool(1, 10, func(ctx context.Context, w testWork) error {
		started.Store(true)
		return process(ctx, w)
	})
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{delay: time.Minute}))
	require.Eventually(t, started.Load, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Processed)
}

func TestPoolStopTimeout(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.Eventually(t, func() bool { return pool.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, pool.Stop(10*time.Millisecond), ErrStopTimeout)
	close(release)
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestPoolConcurrentSubmissions(t *testing.T) {
	var count atomic.Int64
	pool := NewPool(4, 1000, func(context.Context, testWork) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = pool.Submit(testWork{id: i})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(500), stats.Submitted+stats.Dropped)
	assert.Equal(t, stats.Submitted, count.Load())
}

func TestPoolMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	pool := NewPool(1, 10, process, WithMetricsRegistry[testWork](reg, "calibration"))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{fail: true}))
	require.NoError(t, pool.Stop(time.Second))

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				values[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["titta_worker_submitted_total"])
	assert.Equal(t, 1.0, values["titta_worker_failed_total"])
}
