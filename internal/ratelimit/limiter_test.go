package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroCountIsNoop(t *testing.T) {
	l := New(0, time.Minute)
	assert.True(t, l.Unlimited())

	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBlocksUntilOldestLeavesWindow(t *testing.T) {
	const (
		n      = 3
		window = 300 * time.Millisecond
	)
	l := New(n, window)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "first N acquires must not block")

	require.NoError(t, l.Acquire(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, window-10*time.Millisecond)
	assert.Less(t, elapsed, window+200*time.Millisecond)
}

func TestSlidingWindowWithFakeClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var slept []time.Duration

	l := New(2, 10*time.Second)
	l.now = func() time.Time { return now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx)) // t=0
	now = now.Add(4 * time.Second)
	require.NoError(t, l.Acquire(ctx)) // t=4

	require.NoError(t, l.Acquire(ctx)) // waits for t=0 to expire
	assert.Equal(t, []time.Duration{6 * time.Second}, slept)

	require.NoError(t, l.Acquire(ctx)) // waits for t=4 to expire
	assert.Equal(t, []time.Duration{6 * time.Second, 4 * time.Second}, slept)
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(1, time.Hour)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.sent, 1, "a cancelled acquire must not record a send")
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	const (
		n      = 5
		window = time.Hour
	)
	l := New(n, window)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 4*n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(ctx) == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), admitted.Load())
}
