package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
)

func fastPolicy(attempts int) *Policy {
	return NewPolicy(config.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Base:         2.0,
	})
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(config.RetryConfig{})
	if p.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", p.MaxAttempts)
	}
	if p.InitialDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms initial delay, got %v", p.InitialDelay)
	}
	if p.MaxDelay != 10*time.Second {
		t.Errorf("expected 10s max delay, got %v", p.MaxDelay)
	}
	if p.Base != 2.0 {
		t.Errorf("expected base 2.0, got %v", p.Base)
	}
	if !p.FullJitter {
		t.Error("expected full jitter by default")
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	p := fastPolicy(3)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if s := p.Stats(); s.Retries != 0 || s.Successes != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	p := fastPolicy(3)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if s := p.Stats(); s.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", s.Retries)
	}
}

func TestRunExhausted(t *testing.T) {
	p := fastPolicy(3)
	boom := fmt.Errorf("backend down")
	calls := 0

	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !IsExhausted(err) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("expected exhausted error to unwrap to last error")
	}

	var ee *ExhaustedError
	if errors.As(err, &ee) && ee.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", ee.Attempts)
	}
}

func TestRunNonRetryable(t *testing.T) {
	p := fastPolicy(5)
	p.Classify = func(err error) bool { return false }

	calls := 0
	denied := fmt.Errorf("denied")
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return denied
	})
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
	if !errors.Is(err, denied) || IsExhausted(err) {
		t.Errorf("expected original error unwrapped, got %v", err)
	}
}

func TestRunContextCancelled(t *testing.T) {
	p := NewPolicy(config.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		Jitter:       "none",
	})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Run(ctx, func(context.Context) error {
		return fmt.Errorf("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("expected cancellation to interrupt backoff sleep")
	}
}

func TestRunContextErrorNotRetried(t *testing.T) {
	p := fastPolicy(5)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	if calls != 1 {
		t.Errorf("expected deadline error not retried, got %d calls", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestOnRetryHook(t *testing.T) {
	p := fastPolicy(3)
	var attempts []int
	p.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}

	p.Run(context.Background(), func(context.Context) error {
		return fmt.Errorf("transient")
	})
	if len(attempts) != 2 || attempts[0] != 2 || attempts[1] != 3 {
		t.Errorf("expected hook for attempts [2 3], got %v", attempts)
	}
}

func TestDelayBounds(t *testing.T) {
	p := NewPolicy(config.RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Base:         2.0,
	})

	bo := p.newBackOff()
	for i := 0; i < 10; i++ {
		d := p.delayFor(bo)
		if d < 0 || d > 300*time.Millisecond {
			t.Errorf("delay %v outside [0, max]", d)
		}
	}
}

func TestDelayWithoutJitterIsExponential(t *testing.T) {
	p := NewPolicy(config.RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Base:         2.0,
		Jitter:       "none",
	})

	bo := p.newBackOff()
	want := []time.Duration{100, 200, 400, 800}
	for i, w := range want {
		d := p.delayFor(bo)
		if d != w*time.Millisecond {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w*time.Millisecond, d)
		}
	}
}
