package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/breaker"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/jsonrpc"
	"github.com/sark-io/sark/internal/keyed"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
	"github.com/sark-io/sark/internal/stdio"
)

// StdioAdapter runs MCP servers as supervised child processes, one
// per resource, speaking line-framed JSON-RPC over stdin/stdout. The
// transport owns respawn and resource enforcement; the adapter owns
// the MCP handshake and the guard stack.
type StdioAdapter struct {
	limits     config.StdioConfig
	guards     *adapter.GuardSet
	transports *keyed.Manager[*stdio.Transport]
	schemas    *schemaCache
	onRestart  func(resource string)
	logger     *zap.Logger

	subMu   sync.Mutex
	subs    map[string]map[int64]chan *jsonrpc.Message
	nextSub int64
}

// NewStdio creates the MCP-over-stdio adapter. onRestart, if set, is
// called with the resource ID after each child respawn.
func NewStdio(defaults config.AdapterGuardConfig, limits config.StdioConfig, onState breaker.StateHook, onRestart func(resource string)) *StdioAdapter {
	return &StdioAdapter{
		limits:     limits,
		guards:     adapter.NewGuardSet(defaults, stdioRetryable, onState),
		transports: keyed.New[*stdio.Transport](),
		schemas:    newSchemaCache(),
		onRestart:  onRestart,
		logger:     logging.With(zap.String("adapter", "mcp-stdio")),
	}
}

// stdioRetryable reports whether a transport failure is worth another
// attempt. The supervisor respawns crashed children, so a stopped
// transport or a timed-out call may succeed after the backoff; a
// child that exhausted its restart budget or breached resource limits
// stays down, and a JSON-RPC error is an answer, not a delivery
// failure.
func stdioRetryable(err error) bool {
	switch {
	case errors.Is(err, stdio.ErrProcessCrashed), errors.Is(err, stdio.ErrResourceExceeded):
		return false
	case errors.Is(err, stdio.ErrTransportStopped), errors.Is(err, stdio.ErrRequestTimeout):
		return true
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	// Write errors surface as wrapped I/O failures while the child
	// respawns.
	return true
}

func (a *StdioAdapter) Protocol() config.Protocol { return config.ProtocolMCPStdio }

// Validate checks the tool binding and the arguments against the
// capability's input schema.
func (a *StdioAdapter) Validate(req *adapter.InvocationRequest) error {
	if req.Capability.Name == "" {
		return fmt.Errorf("capability %s has no tool name", req.Capability.ID)
	}
	return a.schemas.validate(req.Capability, req.Arguments)
}

// Invoke performs tools/call against the resource's child process.
// Tool-level isError results fail the invocation without charging the
// breaker.
func (a *StdioAdapter) Invoke(ctx context.Context, req *adapter.InvocationRequest) *adapter.InvocationResult {
	start := time.Now()

	t, ok := a.transports.Get(req.Resource.ID)
	if !ok {
		return adapter.Fail(gwerrors.KindConnection,
			fmt.Errorf("no transport for resource %s", req.Resource.ID)).
			WithMeta("capability", req.Capability.ID)
	}

	params := toolCallParams{Name: req.Capability.Name, Arguments: req.Arguments}

	var tcr *toolCallResult
	guardErr := a.guards.For(req.Resource).Do(ctx, func(ctx context.Context) error {
		raw, err := t.Call(ctx, methodToolsCall, params)
		if err != nil {
			return err
		}
		tcr = new(toolCallResult)
		return json.Unmarshal(raw, tcr)
	})

	var result *adapter.InvocationResult
	if guardErr != nil {
		result = a.resultFrom(guardErr)
	} else if payload, err := payloadFrom(tcr); err != nil {
		result = adapter.Fail(gwerrors.KindProtocol, err)
	} else {
		result = adapter.Succeed(payload)
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result.WithMeta("capability", req.Capability.ID)
}

// resultFrom maps transport and guard errors onto the taxonomy.
func (a *StdioAdapter) resultFrom(err error) *adapter.InvocationResult {
	switch {
	case errors.Is(err, stdio.ErrResourceExceeded):
		return adapter.Fail(gwerrors.KindResourceExceeded, err)
	case errors.Is(err, stdio.ErrRequestTimeout):
		return adapter.Fail(gwerrors.KindTimeout, err)
	case errors.Is(err, stdio.ErrProcessCrashed), errors.Is(err, stdio.ErrTransportStopped):
		return adapter.Fail(gwerrors.KindConnection, err)
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) && !retry.IsExhausted(err) {
		return adapter.Fail(gwerrors.KindProtocol, rpcErr)
	}
	return adapter.FailFrom(err)
}

// Stream performs tools/call while forwarding the child's
// notifications as chunks. The call's own response arrives as a
// terminal "result" chunk. Guards gate admission only; the breaker is
// charged with the call outcome.
func (a *StdioAdapter) Stream(ctx context.Context, req *adapter.InvocationRequest) (<-chan adapter.StreamChunk, error) {
	t, ok := a.transports.Get(req.Resource.ID)
	if !ok {
		return nil, fmt.Errorf("no transport for resource %s", req.Resource.ID)
	}

	g := a.guards.For(req.Resource)
	if err := g.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if err := g.Breaker.Allow(); err != nil {
		return nil, err
	}

	subID, notes := a.subscribe(req.Resource.ID)
	ch := make(chan adapter.StreamChunk, 8)

	done := make(chan struct{})
	var raw json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		callCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		raw, callErr = t.Call(callCtx, methodToolsCall,
			toolCallParams{Name: req.Capability.Name, Arguments: req.Arguments})
	}()

	go func() {
		defer close(ch)
		defer a.unsubscribe(req.Resource.ID, subID)
		for {
			select {
			case msg := <-notes:
				select {
				case ch <- adapter.StreamChunk{Event: msg.Method, Data: msg.Params}:
				case <-ctx.Done():
					return
				}
			case <-done:
				// Notifications written just before the response are
				// already buffered; flush them ahead of the terminal
				// chunk.
			drain:
				for {
					select {
					case msg := <-notes:
						select {
						case ch <- adapter.StreamChunk{Event: msg.Method, Data: msg.Params}:
						case <-ctx.Done():
							return
						}
					default:
						break drain
					}
				}
				if callErr != nil {
					g.Breaker.RecordFailure()
					ch <- adapter.StreamChunk{Err: callErr}
					return
				}
				g.Breaker.RecordSuccess()
				select {
				case ch <- adapter.StreamChunk{Event: "result", Data: raw}:
				case <-ctx.Done():
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// subscribe registers a notification listener for one resource.
func (a *StdioAdapter) subscribe(resourceID string) (int64, chan *jsonrpc.Message) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.subs == nil {
		a.subs = make(map[string]map[int64]chan *jsonrpc.Message)
	}
	if a.subs[resourceID] == nil {
		a.subs[resourceID] = make(map[int64]chan *jsonrpc.Message)
	}
	a.nextSub++
	ch := make(chan *jsonrpc.Message, 16)
	a.subs[resourceID][a.nextSub] = ch
	return a.nextSub, ch
}

func (a *StdioAdapter) unsubscribe(resourceID string, id int64) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if m := a.subs[resourceID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(a.subs, resourceID)
		}
	}
}

// fanout delivers a child notification to every live subscriber.
// Slow subscribers drop messages rather than stall the reader.
func (a *StdioAdapter) fanout(resourceID string, msg *jsonrpc.Message) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs[resourceID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Discover spawns the seed's command if needed and returns the seed
// enriched with the child's server identity.
func (a *StdioAdapter) Discover(ctx context.Context, seed *registry.Resource) ([]*registry.Resource, error) {
	t, err := a.ensureTransport(ctx, seed)
	if err != nil {
		return nil, err
	}
	info, err := a.initialize(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("mcp initialize %s: %w", seed.ID, err)
	}
	enriched := *seed
	enriched.Metadata = cloneMeta(seed.Metadata)
	enriched.Metadata[metaServerName] = info.ServerInfo.Name
	enriched.Metadata[metaServerVersion] = info.ServerInfo.Version
	return []*registry.Resource{&enriched}, nil
}

// Capabilities lists the child's tools.
func (a *StdioAdapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	t, ok := a.transports.Get(res.ID)
	if !ok {
		return nil, fmt.Errorf("no transport for resource %s", res.ID)
	}
	raw, err := t.Call(ctx, methodToolsList, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", res.ID, err)
	}
	var tlr toolsListResult
	if err := json.Unmarshal(raw, &tlr); err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", res.ID, err)
	}
	return capabilitiesFrom(res, tlr.Tools), nil
}

// Health reports whether the child process is alive.
func (a *StdioAdapter) Health(_ context.Context, res *registry.Resource) bool {
	t, ok := a.transports.Get(res.ID)
	return ok && t.Running()
}

// OnResourceRegistered spawns the child and runs the MCP handshake.
// A resource that cannot complete initialize is torn down and
// rejected.
func (a *StdioAdapter) OnResourceRegistered(ctx context.Context, res *registry.Resource) error {
	if res.Stdio == nil || len(res.Stdio.Command) == 0 {
		return fmt.Errorf("resource %s: stdio protocol requires a command", res.ID)
	}

	resourceID := res.ID
	t := stdio.New(res.ID, *res.Stdio, a.limits, stdio.Hooks{
		OnNotification: func(msg *jsonrpc.Message) { a.fanout(resourceID, msg) },
		OnRestart: func(name string, attempt int) {
			a.logger.Warn("stdio child restarted",
				zap.String("resource", name), zap.Int("attempt", attempt))
			if a.onRestart != nil {
				a.onRestart(name)
			}
		},
		OnCrash: func(name string) {
			a.logger.Error("stdio child crashed permanently", zap.String("resource", name))
		},
	})
	if err := t.Start(); err != nil {
		return fmt.Errorf("resource %s: %w", res.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.initialize(ctx, t); err != nil {
		t.Stop()
		return fmt.Errorf("resource %s: %w", res.ID, err)
	}

	a.transports.Add(res.ID, t)
	a.guards.For(res)
	return nil
}

// OnResourceUnregistered stops the child and drops per-resource state.
func (a *StdioAdapter) OnResourceUnregistered(res *registry.Resource) {
	if t, ok := a.transports.Get(res.ID); ok {
		t.Stop()
	}
	a.transports.Delete(res.ID)
	a.guards.Drop(res.ID)
	a.schemas.drop(res.ID)
}

// Restart kills and respawns a resource's child process.
func (a *StdioAdapter) Restart(resourceID string) error {
	t, ok := a.transports.Get(resourceID)
	if !ok {
		return fmt.Errorf("no transport for resource %s", resourceID)
	}
	t.Restart()
	return nil
}

// TransportStatuses reports the state of every supervised child.
func (a *StdioAdapter) TransportStatuses() []stdio.Status {
	out := make([]stdio.Status, 0, a.transports.Len())
	a.transports.Range(func(_ string, t *stdio.Transport) bool {
		out = append(out, t.Status())
		return true
	})
	return out
}

// BreakerSnapshots exposes per-resource breaker state.
func (a *StdioAdapter) BreakerSnapshots() []breaker.Snapshot {
	return a.guards.BreakerSnapshots()
}

// Close stops every child process.
func (a *StdioAdapter) Close() error {
	a.transports.Range(func(_ string, t *stdio.Transport) bool {
		t.Stop()
		return true
	})
	a.transports.Clear()
	return nil
}

// ensureTransport returns the resource's transport, spawning one for
// discovery probes against not-yet-registered seeds.
func (a *StdioAdapter) ensureTransport(_ context.Context, seed *registry.Resource) (*stdio.Transport, error) {
	if t, ok := a.transports.Get(seed.ID); ok {
		return t, nil
	}
	if seed.Stdio == nil || len(seed.Stdio.Command) == 0 {
		return nil, fmt.Errorf("resource %s: stdio protocol requires a command", seed.ID)
	}
	resourceID := seed.ID
	t := stdio.New(seed.ID, *seed.Stdio, a.limits, stdio.Hooks{
		OnNotification: func(msg *jsonrpc.Message) { a.fanout(resourceID, msg) },
	})
	if err := t.Start(); err != nil {
		return nil, fmt.Errorf("resource %s: %w", seed.ID, err)
	}
	a.transports.Add(seed.ID, t)
	return t, nil
}

// initialize runs the MCP handshake against a transport and confirms
// with notifications/initialized.
func (a *StdioAdapter) initialize(ctx context.Context, t *stdio.Transport) (*initializeResult, error) {
	raw, err := t.Call(ctx, methodInitialize, newInitializeParams())
	if err != nil {
		return nil, err
	}
	var ir initializeResult
	if err := json.Unmarshal(raw, &ir); err != nil {
		return nil, err
	}
	if err := t.Notify(methodInitialized, nil); err != nil {
		a.logger.Warn("initialized notification failed", zap.Error(err))
	}
	return &ir, nil
}
