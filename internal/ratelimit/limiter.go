package ratelimit

import (
	"context"
	"sync"
	"time"

	"Mailer/internal/metrics"
)

// Limiter admits at most count sends in any trailing window. It is safe for
// concurrent use; all workers of a process share one instance.
type Limiter struct {
	count  int
	window time.Duration

	mu    sync.Mutex
	sent  []time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a limiter for count sends per window. A count of zero (or a
// non-positive window) disables limiting.
func New(count int, window time.Duration) *Limiter {
	return &Limiter{
		count:  count,
		window: window,
		sent:   make([]time.Time, 0, max(count, 0)),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (l *Limiter) Unlimited() bool {
	return l.count <= 0 || l.window <= 0
}

// Acquire blocks until one more send fits in the window and records it. It
// returns ctx.Err() if ctx ends first, without recording a send.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.Unlimited() {
		return nil
	}

	start := l.now()
	defer func() {
		metrics.RateLimitWait.Observe(l.now().Sub(start).Seconds())
	}()

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.sent) < l.count {
			l.sent = append(l.sent, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.sent[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps that left the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
