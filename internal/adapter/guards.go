package adapter

import (
	"context"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/breaker"
	"github.com/sark-io/sark/internal/keyed"
	"github.com/sark-io/sark/internal/ratelimit"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
)

// Guards bundles the resilience controls charged on every outbound
// call for one resource: rate acquisition first, then the breaker
// wrapping the retried send. Validation happens before any of this.
type Guards struct {
	Timeout time.Duration
	Limiter *ratelimit.Limiter
	Breaker *breaker.Breaker
	Retry   *retry.Policy
}

// NewGuards builds guards from config, named after the resource for
// breaker snapshots.
func NewGuards(name string, cfg config.AdapterGuardConfig) *Guards {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Guards{
		Timeout: timeout,
		Limiter: ratelimit.New(cfg.Rate),
		Breaker: breaker.New(name, cfg.Breaker),
		Retry:   retry.NewPolicy(cfg.Retry),
	}
}

// Do runs send under the guard stack. The send callable must honor
// ctx; one breaker outcome is recorded per Do, not per retry attempt.
func (g *Guards) Do(ctx context.Context, send func(context.Context) error) error {
	if err := g.Limiter.Acquire(ctx); err != nil {
		return err
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	return g.Breaker.Call(func() error {
		return g.Retry.Run(ctx, send)
	})
}

// GuardSet owns per-resource guards for one adapter, creating them
// lazily from the resource override or the shared defaults.
type GuardSet struct {
	defaults config.AdapterGuardConfig
	classify func(error) bool
	onState  breaker.StateHook
	guards   *keyed.Manager[*Guards]
}

// NewGuardSet creates a guard set. classify is the protocol's
// retryable-error predicate, installed on every created retry policy.
func NewGuardSet(defaults config.AdapterGuardConfig, classify func(error) bool, onState breaker.StateHook) *GuardSet {
	return &GuardSet{
		defaults: defaults,
		classify: classify,
		onState:  onState,
		guards:   keyed.New[*Guards](),
	}
}

// For returns the guards for a resource, creating them on first use.
func (s *GuardSet) For(res *registry.Resource) *Guards {
	return s.guards.GetOrCreate(res.ID, func() *Guards {
		cfg := s.defaults
		if res.Guards != nil {
			cfg = *res.Guards
		}
		g := NewGuards(res.ID, cfg)
		g.Retry.Classify = s.classify
		if s.onState != nil {
			g.Breaker.OnStateChange(s.onState)
		}
		return g
	})
}

// Drop removes a resource's guards, typically on unregistration.
func (s *GuardSet) Drop(resourceID string) {
	s.guards.Delete(resourceID)
}

// BreakerSnapshots reports the state of every breaker in the set.
func (s *GuardSet) BreakerSnapshots() []breaker.Snapshot {
	out := make([]breaker.Snapshot, 0, s.guards.Len())
	s.guards.Range(func(_ string, g *Guards) bool {
		out = append(out, g.Breaker.Snapshot())
		return true
	})
	return out
}
