package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var errFlaky = errors.New("flaky")

type recorder struct {
	sleeps []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func TestDoExhaustsWithBackoff(t *testing.T) {
	rec := &recorder{}
	p := Policy{Tries: 3, Delay: time.Second, Backoff: 2, sleep: rec.sleep}

	calls := 0
	_, attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errFlaky
	})

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Do() error = %v, want ErrExhausted", err)
	}
	if calls != 3 || attempts != 3 {
		t.Fatalf("calls = %d, attempts = %d, want 3", calls, attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(rec.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", rec.sleeps, want)
	}
	var total time.Duration
	for i, d := range rec.sleeps {
		if d != want[i] {
			t.Fatalf("sleep %d = %s, want %s", i, d, want[i])
		}
		total += d
	}
	if total < 3*time.Second {
		t.Fatalf("total backoff %s, want at least 3s", total)
	}
}

func TestDoSucceedsAfterFailure(t *testing.T) {
	rec := &recorder{}
	p := Policy{Tries: 3, Delay: 10 * time.Millisecond, Backoff: 2, sleep: rec.sleep}

	value, attempts, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (string, error) {
		if attempt < 2 {
			return "", errFlaky
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if value != "ok" || attempts != 2 {
		t.Fatalf("Do() = %q after %d attempts", value, attempts)
	}
	if len(rec.sleeps) != 1 {
		t.Fatalf("sleeps = %v, want one", rec.sleeps)
	}
}

func TestDoTimeoutCurtailsRetries(t *testing.T) {
	rec := &recorder{}
	p := Policy{Tries: 5, Delay: time.Hour, Backoff: 2, Timeout: 50 * time.Millisecond, sleep: rec.sleep}

	calls := 0
	_, _, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errFlaky
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Do() error = %v, want ErrExhausted", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(rec.sleeps) != 0 {
		t.Fatalf("unexpected sleeps %v", rec.sleeps)
	}
}

func TestSleepContextHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Minute); err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep did not return on cancel")
	}
}
