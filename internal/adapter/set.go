package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/breaker"
	"github.com/sark-io/sark/internal/registry"
)

// Set dispatches to the adapter registered for a protocol and fans
// lifecycle events out to it.
type Set struct {
	mu       sync.RWMutex
	adapters map[config.Protocol]Adapter
}

// NewSet creates an empty adapter set.
func NewSet() *Set {
	return &Set{adapters: make(map[config.Protocol]Adapter)}
}

// Register adds an adapter. Later registrations for the same protocol
// replace earlier ones.
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	s.adapters[a.Protocol()] = a
	s.mu.Unlock()
}

// For returns the adapter handling a protocol.
func (s *Set) For(p config.Protocol) (Adapter, error) {
	s.mu.RLock()
	a, ok := s.adapters[p]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter for protocol %q", p)
	}
	return a, nil
}

// ForResource returns the adapter handling a resource's protocol.
func (s *Set) ForResource(res *registry.Resource) (Adapter, error) {
	return s.For(res.Protocol)
}

// ResourceRegistered notifies the owning adapter of a new resource.
func (s *Set) ResourceRegistered(ctx context.Context, res *registry.Resource) error {
	a, err := s.ForResource(res)
	if err != nil {
		return err
	}
	return a.OnResourceRegistered(ctx, res)
}

// ResourceUnregistered notifies the owning adapter of a removal.
func (s *Set) ResourceUnregistered(res *registry.Resource) {
	if a, err := s.ForResource(res); err == nil {
		a.OnResourceUnregistered(res)
	}
}

// BreakerSnapshots merges breaker state across all adapters that
// expose guard sets.
func (s *Set) BreakerSnapshots() []breaker.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []breaker.Snapshot
	for _, a := range s.adapters {
		if g, ok := a.(interface{ BreakerSnapshots() []breaker.Snapshot }); ok {
			out = append(out, g.BreakerSnapshots()...)
		}
	}
	return out
}

// Close closes every adapter, keeping the first error.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, a := range s.adapters {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
