package bandwidth

import (
	"context"
	"sync"
	"time"
)

// limiter is a leaky bucket pacing sends at a constant byte rate.
type limiter struct {
	rate float64 // bytes/sec
	next time.Time
	mu   sync.Mutex
}

func newLimiter(bitsPerSecond float64) *limiter {
	return &limiter{rate: bitsPerSecond / 8}
}

// wait blocks until n more bytes may be sent.
func (l *limiter) wait(ctx context.Context, n int) error {
	if l == nil || l.rate <= 0 || n <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	wait := l.next.Sub(now)
	l.next = l.next.Add(time.Duration(float64(n) / l.rate * float64(time.Second)))
	l.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
