package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sark-io/sark/config"
)

// ExhaustedError reports that every attempt failed. It unwraps to
// the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err is a retry exhaustion.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Policy implements retry with exponential backoff. MaxAttempts
// counts the first call, so 3 means at most 2 retries.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	FullJitter   bool

	// Classify reports whether an error is retryable. Nil retries
	// everything except context errors.
	Classify func(error) bool

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error)

	// Metrics
	requests  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewPolicy creates a retry policy from config, filling zero values
// with defaults.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Base:         cfg.Base,
		FullJitter:   cfg.Jitter != "none",
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Base <= 1 {
		p.Base = 2.0
	}
	return p
}

// newBackOff builds the deterministic exponential series; jitter is
// applied separately in delayFor.
func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Base
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (p *Policy) delayFor(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.FullJitter && d > 0 {
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}
	return d
}

// Run invokes fn until it succeeds, a non-retryable error occurs, the
// context is done, or attempts are exhausted.
func (p *Policy) Run(ctx context.Context, fn func(context.Context) error) error {
	p.requests.Add(1)

	bo := p.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			p.retries.Add(1)
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				p.failures.Add(1)
				return ctx.Err()
			case <-time.After(p.delayFor(bo)):
			}
		}

		err := fn(ctx)
		if err == nil {
			p.successes.Add(1)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			p.failures.Add(1)
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.failures.Add(1)
			return err
		}
		if p.Classify != nil && !p.Classify(err) {
			p.failures.Add(1)
			return err
		}
	}

	p.failures.Add(1)
	return &ExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}

// Snapshot is a point-in-time copy of retry metrics
type Snapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Stats returns a point-in-time copy of the metrics
func (p *Policy) Stats() Snapshot {
	return Snapshot{
		Requests:  p.requests.Load(),
		Retries:   p.retries.Load(),
		Successes: p.successes.Load(),
		Failures:  p.failures.Load(),
	}
}
