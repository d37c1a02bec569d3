// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
)

const (
	DefaultTries   = 3
	DefaultDelay   = 2 * time.Second
	DefaultBackoff = 2.0
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

type Policy struct {
	// Total attempts, including the first
	Tries int
	// Sleep after the first failure
	Delay time.Duration
	// Multiplier applied to the sleep after each failure
	Backoff float64
	// Overall bound on all attempts and sleeps, zero for none
	Timeout time.Duration

	Logger logging.Logger

	// replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		Tries:   DefaultTries,
		Delay:   DefaultDelay,
		Backoff: DefaultBackoff,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Tries < 1 {
		p.Tries = 1
	}
	if p.Backoff < 1 {
		p.Backoff = 1
	}
	if p.Logger == nil {
		p.Logger = logging.Discard()
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// Do calls op until it succeeds or the policy gives up. It returns the
// number of attempts made. On exhaustion the error wraps both ErrExhausted
// and the last failure message.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	p := policy.withDefaults()

	var deadline time.Time
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		deadline, _ = ctx.Deadline()
	}

	var (
		zero    T
		lastErr error
		delay   = p.Delay
	)
	attempts := 0
	for attempt := 1; attempt <= p.Tries; attempt++ {
		attempts = attempt
		value, err := op(ctx, attempt)
		if err == nil {
			return value, attempts, nil
		}
		lastErr = err

		if attempt == p.Tries {
			break
		}
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			p.Logger.Warnf("attempt %d failed: %v, no time left for another attempt", attempt, err)
			break
		}

		p.Logger.Warnf("attempt %d/%d failed: %v, retrying in %s", attempt, p.Tries, err, delay)
		if err := p.sleep(ctx, delay); err != nil {
			break
		}
		delay = time.Duration(float64(delay) * p.Backoff)
	}

	return zero, attempts, errors.Wrapf(ErrExhausted, "%d attempts: %v", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
