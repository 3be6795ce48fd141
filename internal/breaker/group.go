package breaker

import (
	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/keyed"
)

// Group manages one breaker per name: per backend resource, per SIEM
// sink, per federation peer.
type Group struct {
	breakers *keyed.Manager[*Breaker]
	defaults config.BreakerConfig
	hook     StateHook
}

// NewGroup creates a breaker group with shared defaults. The hook, if
// non-nil, is installed on every breaker the group creates.
func NewGroup(defaults config.BreakerConfig, hook StateHook) *Group {
	return &Group{
		breakers: keyed.New[*Breaker](),
		defaults: defaults,
		hook:     hook,
	}
}

// Get returns the breaker for name, creating it with the group
// defaults on first use.
func (g *Group) Get(name string) *Breaker {
	return g.breakers.GetOrCreate(name, func() *Breaker {
		b := New(name, g.defaults)
		if g.hook != nil {
			b.OnStateChange(g.hook)
		}
		return b
	})
}

// Add creates or replaces the breaker for name with its own config.
func (g *Group) Add(name string, cfg config.BreakerConfig) *Breaker {
	b := New(name, cfg)
	if g.hook != nil {
		b.OnStateChange(g.hook)
	}
	g.breakers.Add(name, b)
	return b
}

// Snapshots returns snapshots of all breakers in the group.
func (g *Group) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, g.breakers.Len())
	g.breakers.Range(func(_ string, b *Breaker) bool {
		out = append(out, b.Snapshot())
		return true
	})
	return out
}
