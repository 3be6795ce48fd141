package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/sark-io/sark/config"
)

// ErrLimited is returned by TryAcquire when no token is available.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a token-bucket limiter guarding outbound calls to one
// backend. A zero RPS means unlimited.
type Limiter struct {
	limiter  *rate.Limiter
	allowed  atomic.Int64
	rejected atomic.Int64
}

// New creates a Limiter from config, deriving burst from the rate
// when unset.
func New(cfg config.RateConfig) *Limiter {
	if cfg.RPS <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RPS))
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst)}
}

// Acquire blocks until a token is available or ctx is done. The
// context error is returned on cancellation or deadline expiry.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		l.rejected.Add(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	l.allowed.Add(1)
	return nil
}

// TryAcquire takes a token without blocking.
func (l *Limiter) TryAcquire() error {
	if !l.limiter.Allow() {
		l.rejected.Add(1)
		return ErrLimited
	}
	l.allowed.Add(1)
	return nil
}

// Stats returns counters for this limiter.
func (l *Limiter) Stats() map[string]int64 {
	return map[string]int64{
		"allowed":  l.allowed.Load(),
		"rejected": l.rejected.Load(),
	}
}
