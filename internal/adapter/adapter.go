package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/breaker"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
)

// InvocationRequest carries one capability call through an adapter.
// Resource and Capability are resolved by the caller.
type InvocationRequest struct {
	ID            string
	CorrelationID string
	Principal     string
	Resource      *registry.Resource
	Capability    *registry.Capability
	Arguments     map[string]any
	Timeout       time.Duration
	Metadata      map[string]string
}

// InvocationResult is the terminal outcome of an invocation. Exactly
// one of the success/failure shapes is populated.
type InvocationResult struct {
	Success    bool           `json:"success"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Succeed builds a success result.
func Succeed(result any) *InvocationResult {
	return &InvocationResult{Success: true, Result: result}
}

// Fail builds a failure result with an error taxonomy tag.
func Fail(errType string, err error) *InvocationResult {
	r := &InvocationResult{Success: false, ErrorType: errType}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// FailFrom builds a failure result, deriving the taxonomy tag from
// the error chain.
func FailFrom(err error) *InvocationResult {
	return Fail(ErrorType(err), err)
}

// WithMeta attaches a metadata entry and returns the result for
// chaining.
func (r *InvocationResult) WithMeta(key string, value any) *InvocationResult {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// StreamChunk is one unit of a streamed response. A non-nil Err is
// terminal; the channel closes after it.
type StreamChunk struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Err   error           `json:"-"`
}

// Adapter binds one wire protocol to the invocation contract.
// Implementations own their clients and per-resource state; the
// lifecycle hooks create and tear that state down.
type Adapter interface {
	Protocol() config.Protocol

	// Discover probes an endpoint and returns the resources behind it,
	// usually the enriched seed itself.
	Discover(ctx context.Context, seed *registry.Resource) ([]*registry.Resource, error)

	// Capabilities lists the invokable operations of a resource.
	Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error)

	// Validate checks request arguments against the capability schema
	// and binding metadata before any guard is charged.
	Validate(req *InvocationRequest) error

	// Invoke performs the call under the resource's guards. Failures
	// are normalized into the result, not returned.
	Invoke(ctx context.Context, req *InvocationRequest) *InvocationResult

	// Stream performs a streaming call. The returned channel is finite
	// and closed by the adapter; a stream is not restartable.
	Stream(ctx context.Context, req *InvocationRequest) (<-chan StreamChunk, error)

	// Health reports endpoint liveness.
	Health(ctx context.Context, res *registry.Resource) bool

	OnResourceRegistered(ctx context.Context, res *registry.Resource) error
	OnResourceUnregistered(res *registry.Resource)

	Close() error
}

// ErrorType maps an error chain onto the result taxonomy. Adapters
// tag protocol-specific failures themselves and fall back to this for
// guard and transport errors.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, breaker.ErrOpen):
		return gwerrors.KindCircuitOpen
	case retry.IsExhausted(err):
		return gwerrors.KindRetryExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return gwerrors.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return gwerrors.KindTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return gwerrors.KindConnection
	}
	return gwerrors.KindInternal
}
