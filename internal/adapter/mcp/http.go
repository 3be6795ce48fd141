package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
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
)

const (
	sessionHeader    = "Mcp-Session-Id"
	maxResponseBytes = 16 << 20
	maxEventBytes    = 1 << 20
)

// HTTPAdapter speaks MCP over HTTP POST: one JSON-RPC request per
// round trip, with the server free to answer either as plain JSON or
// as an SSE stream carrying the response.
type HTTPAdapter struct {
	client   *http.Client
	guards   *adapter.GuardSet
	sessions *keyed.Manager[string]
	schemas  *schemaCache
	nextID   atomic.Int64
	logger   *zap.Logger
}

// NewHTTP creates the MCP-over-HTTP adapter.
func NewHTTP(defaults config.AdapterGuardConfig, onState breaker.StateHook) *HTTPAdapter {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPAdapter{
		client:   &http.Client{Transport: transport},
		guards:   adapter.NewGuardSet(defaults, retry.StatusRetryable, onState),
		sessions: keyed.New[string](),
		schemas:  newSchemaCache(),
		logger:   logging.With(zap.String("adapter", "mcp")),
	}
}

func (a *HTTPAdapter) Protocol() config.Protocol { return config.ProtocolMCP }

// Validate checks the tool binding and the arguments against the
// capability's input schema.
func (a *HTTPAdapter) Validate(req *adapter.InvocationRequest) error {
	if req.Capability.Name == "" {
		return fmt.Errorf("capability %s has no tool name", req.Capability.ID)
	}
	return a.schemas.validate(req.Capability, req.Arguments)
}

// Invoke performs tools/call under the resource guards. Tool-level
// isError results fail the invocation without charging the breaker.
func (a *HTTPAdapter) Invoke(ctx context.Context, req *adapter.InvocationRequest) *adapter.InvocationResult {
	start := time.Now()

	params := toolCallParams{Name: req.Capability.Name, Arguments: req.Arguments}

	var tcr *toolCallResult
	guardErr := a.guards.For(req.Resource).Do(ctx, func(ctx context.Context) error {
		msg, err := a.post(ctx, req.Resource, methodToolsCall, params, req.CorrelationID)
		if err != nil {
			return err
		}
		tcr, err = decodeToolCall(msg)
		return err
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

// resultFrom maps guard errors onto the taxonomy. JSON-RPC errors are
// terminal protocol failures; everything else defers to the shared
// classifier.
func (a *HTTPAdapter) resultFrom(err error) *adapter.InvocationResult {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) && !retry.IsExhausted(err) {
		return adapter.Fail(gwerrors.KindProtocol, rpcErr)
	}
	var se *retry.StatusError
	if errors.As(err, &se) && !retry.IsExhausted(err) {
		return adapter.Fail(gwerrors.KindProtocol, se).WithMeta("http_status", se.Status)
	}
	return adapter.FailFrom(err)
}

// Stream performs tools/call and forwards server notifications as
// chunks. The final response arrives as a terminal "result" chunk.
// Guards gate the connect only.
func (a *HTTPAdapter) Stream(ctx context.Context, req *adapter.InvocationRequest) (<-chan adapter.StreamChunk, error) {
	g := a.guards.For(req.Resource)
	if err := g.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if err := g.Breaker.Allow(); err != nil {
		return nil, err
	}

	id := a.nextID.Add(1)
	rpcReq, err := jsonrpc.NewRequest(id, methodToolsCall,
		toolCallParams{Name: req.Capability.Name, Arguments: req.Arguments})
	if err != nil {
		g.Breaker.RecordFailure()
		return nil, err
	}

	resp, err := a.roundTrip(ctx, req.Resource, rpcReq, req.CorrelationID)
	if err != nil {
		g.Breaker.RecordFailure()
		return nil, fmt.Errorf("stream connect: %w", err)
	}
	g.Breaker.RecordSuccess()

	ch := make(chan adapter.StreamChunk, 8)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		go a.consumeEvents(ctx, resp, ch, id)
	} else {
		go a.consumeSingle(ctx, resp, ch)
	}
	return ch, nil
}

// consumeSingle delivers a plain JSON response as one terminal chunk.
func (a *HTTPAdapter) consumeSingle(ctx context.Context, resp *http.Response, ch chan<- adapter.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() == nil {
			ch <- adapter.StreamChunk{Err: fmt.Errorf("stream read: %w", err)}
		}
		return
	}
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		ch <- adapter.StreamChunk{Err: err}
		return
	}
	if msg.Error != nil {
		ch <- adapter.StreamChunk{Err: msg.Error}
		return
	}
	select {
	case ch <- adapter.StreamChunk{Event: "result", Data: msg.Result}:
	case <-ctx.Done():
	}
}

// consumeEvents scans SSE blocks, forwarding notifications until the
// response with our id closes the stream.
func (a *HTTPAdapter) consumeEvents(ctx context.Context, resp *http.Response, ch chan<- adapter.StreamChunk, wantID int64) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	scanner.Split(scanSSEBlocks)

	for scanner.Scan() {
		data := sseData(scanner.Bytes())
		if data == "" {
			continue
		}
		msg, err := jsonrpc.DecodeMessage([]byte(data))
		if err != nil {
			continue
		}
		switch {
		case msg.IsNotification():
			select {
			case ch <- adapter.StreamChunk{Event: msg.Method, Data: msg.Params}:
			case <-ctx.Done():
				return
			}
		case msg.IsResponse():
			if id, ok := msg.IDInt64(); !ok || id != wantID {
				continue
			}
			if msg.Error != nil {
				ch <- adapter.StreamChunk{Err: msg.Error}
				return
			}
			select {
			case ch <- adapter.StreamChunk{Event: "result", Data: msg.Result}:
			case <-ctx.Done():
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		ch <- adapter.StreamChunk{Err: fmt.Errorf("stream read: %w", err)}
	}
}

// Discover initializes against the endpoint and returns the seed
// enriched with server identity.
func (a *HTTPAdapter) Discover(ctx context.Context, seed *registry.Resource) ([]*registry.Resource, error) {
	info, err := a.initialize(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("mcp initialize %s: %w", seed.Endpoint, err)
	}
	enriched := *seed
	enriched.Metadata = cloneMeta(seed.Metadata)
	enriched.Metadata[metaServerName] = info.ServerInfo.Name
	enriched.Metadata[metaServerVersion] = info.ServerInfo.Version
	return []*registry.Resource{&enriched}, nil
}

// Capabilities lists the server's tools.
func (a *HTTPAdapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	msg, err := a.post(ctx, res, methodToolsList, struct{}{}, "")
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", res.ID, err)
	}
	var tlr toolsListResult
	if err := msg.UnmarshalResult(&tlr); err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", res.ID, err)
	}
	return capabilitiesFrom(res, tlr.Tools), nil
}

// Health pings the server. Any JSON-RPC answer, including an error
// response, proves the server is alive.
func (a *HTTPAdapter) Health(ctx context.Context, res *registry.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := a.nextID.Add(1)
	rpcReq, err := jsonrpc.NewRequest(id, methodPing, nil)
	if err != nil {
		return false
	}
	resp, err := a.roundTrip(ctx, res, rpcReq, "")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return true
}

// OnResourceRegistered runs the initialize handshake and primes the
// session.
func (a *HTTPAdapter) OnResourceRegistered(ctx context.Context, res *registry.Resource) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.initialize(ctx, res); err != nil {
		return fmt.Errorf("resource %s: %w", res.ID, err)
	}
	a.guards.For(res)
	return nil
}

// OnResourceUnregistered drops session and guard state.
func (a *HTTPAdapter) OnResourceUnregistered(res *registry.Resource) {
	a.sessions.Delete(res.ID)
	a.guards.Drop(res.ID)
	a.schemas.drop(res.ID)
}

// BreakerSnapshots exposes per-resource breaker state.
func (a *HTTPAdapter) BreakerSnapshots() []breaker.Snapshot {
	return a.guards.BreakerSnapshots()
}

// Close releases idle connections.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// initialize performs the MCP handshake, storing any session the
// server assigns, and confirms with notifications/initialized.
func (a *HTTPAdapter) initialize(ctx context.Context, res *registry.Resource) (*initializeResult, error) {
	msg, err := a.post(ctx, res, methodInitialize, newInitializeParams(), "")
	if err != nil {
		return nil, err
	}
	var ir initializeResult
	if err := msg.UnmarshalResult(&ir); err != nil {
		return nil, err
	}

	note, err := jsonrpc.NewNotification(methodInitialized, nil)
	if err != nil {
		return nil, err
	}
	if resp, err := a.roundTrip(ctx, res, note, ""); err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
	return &ir, nil
}

// post sends one request and decodes the matching response, following
// an SSE body when the server answers that way.
func (a *HTTPAdapter) post(ctx context.Context, res *registry.Resource, method string, params any, correlationID string) (*jsonrpc.Message, error) {
	id := a.nextID.Add(1)
	rpcReq, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := a.roundTrip(ctx, res, rpcReq, correlationID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return a.awaitResponse(resp.Body, id)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg, nil
}

// roundTrip executes the HTTP exchange and tracks the MCP session
// header. Non-2xx statuses surface as *retry.StatusError.
func (a *HTTPAdapter) roundTrip(ctx context.Context, res *registry.Resource, payload any, correlationID string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, res.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if session, ok := a.sessions.Get(res.ID); ok && session != "" {
		httpReq.Header.Set(sessionHeader, session)
	}
	if correlationID != "" {
		httpReq.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if session := resp.Header.Get(sessionHeader); session != "" {
		a.sessions.Add(res.ID, session)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &retry.StatusError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return resp, nil
}

// awaitResponse reads SSE blocks until the response with id arrives.
func (a *HTTPAdapter) awaitResponse(body io.Reader, id int64) (*jsonrpc.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	scanner.Split(scanSSEBlocks)

	for scanner.Scan() {
		data := sseData(scanner.Bytes())
		if data == "" {
			continue
		}
		msg, err := jsonrpc.DecodeMessage([]byte(data))
		if err != nil || !msg.IsResponse() {
			continue
		}
		if got, ok := msg.IDInt64(); !ok || got != id {
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended before response %d", id)
}

var sseBoundary = []byte("\n\n")

// scanSSEBlocks splits on blank lines, one event block per token.
func scanSSEBlocks(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if idx := bytes.Index(data, sseBoundary); idx >= 0 {
		return idx + len(sseBoundary), data[:idx], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// sseData joins the data lines of one event block.
func sseData(raw []byte) string {
	var parts []string
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		if strings.HasPrefix(line, "data:") {
			parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return strings.Join(parts, "\n")
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
