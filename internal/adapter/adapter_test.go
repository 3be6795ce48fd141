package adapter

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/breaker"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
)

func fastGuardConfig() config.AdapterGuardConfig {
	return config.AdapterGuardConfig{
		Timeout: 5 * time.Second,
		Breaker: config.BreakerConfig{FailureThreshold: 1, RecoverySeconds: 60, HalfOpenMax: 1, SuccessThreshold: 1},
		Retry:   config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Base: 2, Jitter: "none"},
	}
}

func TestGuardsRetryInsideBreaker(t *testing.T) {
	g := NewGuards("svc", fastGuardConfig())
	g.Retry.Classify = func(error) bool { return true }

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery within retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	// Retries are invisible to the breaker; the one Do succeeded.
	if got := g.Breaker.State(); got != breaker.StateClosed {
		t.Errorf("expected closed breaker, got %v", got)
	}
}

func TestGuardsBreakerOpensAndFastFails(t *testing.T) {
	g := NewGuards("svc", fastGuardConfig())
	g.Retry.Classify = func(error) bool { return false }

	calls := 0
	send := func(context.Context) error {
		calls++
		return errors.New("down")
	}

	if err := g.Do(context.Background(), send); err == nil {
		t.Fatal("expected failure")
	}
	if got := g.Breaker.State(); got != breaker.StateOpen {
		t.Fatalf("expected open breaker after threshold, got %v", got)
	}

	err := g.Do(context.Background(), send)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected send skipped while open, got %d calls", calls)
	}
	if ErrorType(err) != gwerrors.KindCircuitOpen {
		t.Errorf("expected circuit_open tag, got %s", ErrorType(err))
	}
}

func TestGuardsTimeout(t *testing.T) {
	cfg := fastGuardConfig()
	cfg.Timeout = 50 * time.Millisecond
	g := NewGuards("svc", cfg)
	g.Retry.Classify = func(error) bool { return false }

	err := g.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ErrorType(err) != gwerrors.KindTimeout {
		t.Errorf("expected timeout_error tag, got %s", ErrorType(err))
	}
}

func TestErrorTypeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"breaker open", breaker.ErrOpen, gwerrors.KindCircuitOpen},
		{"retry exhausted", &retry.ExhaustedError{Attempts: 3, Last: errors.New("x")}, gwerrors.KindRetryExhausted},
		{"deadline", context.DeadlineExceeded, gwerrors.KindTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, gwerrors.KindConnection},
		{"plain", errors.New("boom"), gwerrors.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorType(tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResultHelpers(t *testing.T) {
	ok := Succeed(map[string]any{"rows": 3}).WithMeta("status", 200)
	if !ok.Success || ok.Error != "" || ok.Metadata["status"] != 200 {
		t.Errorf("unexpected success shape: %+v", ok)
	}

	fail := FailFrom(breaker.ErrOpen)
	if fail.Success || fail.ErrorType != gwerrors.KindCircuitOpen || fail.Error == "" {
		t.Errorf("unexpected failure shape: %+v", fail)
	}
}

func TestGuardSetPerResource(t *testing.T) {
	set := NewGuardSet(fastGuardConfig(), func(error) bool { return false }, nil)

	resA := &registry.Resource{ID: "a", Protocol: config.ProtocolHTTP}
	override := config.AdapterGuardConfig{
		Timeout: time.Second,
		Breaker: config.BreakerConfig{FailureThreshold: 9},
	}
	resB := &registry.Resource{ID: "b", Protocol: config.ProtocolHTTP, Guards: &override}

	ga := set.For(resA)
	if ga != set.For(resA) {
		t.Error("expected stable guards per resource")
	}
	gb := set.For(resB)
	if ga == gb {
		t.Error("expected distinct guards per resource")
	}
	if gb.Timeout != time.Second {
		t.Errorf("expected override timeout, got %v", gb.Timeout)
	}

	snaps := set.BreakerSnapshots()
	if len(snaps) != 2 {
		t.Errorf("expected 2 breaker snapshots, got %d", len(snaps))
	}

	set.Drop("a")
	if len(set.BreakerSnapshots()) != 1 {
		t.Error("expected snapshot gone after drop")
	}
}

type stubAdapter struct {
	proto      config.Protocol
	registered []string
}

func (s *stubAdapter) Protocol() config.Protocol { return s.proto }
func (s *stubAdapter) Discover(ctx context.Context, seed *registry.Resource) ([]*registry.Resource, error) {
	return []*registry.Resource{seed}, nil
}
func (s *stubAdapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	return nil, nil
}
func (s *stubAdapter) Validate(req *InvocationRequest) error { return nil }
func (s *stubAdapter) Invoke(ctx context.Context, req *InvocationRequest) *InvocationResult {
	return Succeed("ok")
}
func (s *stubAdapter) Stream(ctx context.Context, req *InvocationRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}
func (s *stubAdapter) Health(ctx context.Context, res *registry.Resource) bool { return true }
func (s *stubAdapter) OnResourceRegistered(ctx context.Context, res *registry.Resource) error {
	s.registered = append(s.registered, res.ID)
	return nil
}
func (s *stubAdapter) OnResourceUnregistered(res *registry.Resource) {}
func (s *stubAdapter) Close() error                                  { return nil }

func TestSetDispatch(t *testing.T) {
	set := NewSet()
	stub := &stubAdapter{proto: config.ProtocolHTTP}
	set.Register(stub)

	if _, err := set.For(config.ProtocolHTTP); err != nil {
		t.Fatalf("expected http adapter, got %v", err)
	}
	if _, err := set.For(config.ProtocolGRPC); err == nil {
		t.Error("expected error for unregistered protocol")
	}

	res := &registry.Resource{ID: "wiki", Protocol: config.ProtocolHTTP}
	if err := set.ResourceRegistered(context.Background(), res); err != nil {
		t.Fatalf("lifecycle dispatch: %v", err)
	}
	if len(stub.registered) != 1 || stub.registered[0] != "wiki" {
		t.Errorf("expected lifecycle hook called, got %v", stub.registered)
	}
}
