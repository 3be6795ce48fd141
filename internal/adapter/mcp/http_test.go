package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/jsonrpc"
	"github.com/sark-io/sark/internal/registry"
)

func fastGuards() config.AdapterGuardConfig {
	return config.AdapterGuardConfig{
		Timeout: 5 * time.Second,
		Breaker: config.BreakerConfig{FailureThreshold: 10, RecoverySeconds: 60, HalfOpenMax: 1, SuccessThreshold: 1},
		Retry:   config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Base: 2, Jitter: "none"},
	}
}

func mcpResource(id, endpoint string) *registry.Resource {
	return &registry.Resource{
		ID:          id,
		Name:        id,
		Protocol:    config.ProtocolMCP,
		Endpoint:    endpoint,
		Sensitivity: config.SensitivityMedium,
	}
}

func mcpRequest(res *registry.Resource, tool string, args map[string]any) *adapter.InvocationRequest {
	return &adapter.InvocationRequest{
		ID:            "inv-1",
		CorrelationID: "corr-1",
		Principal:     "tester",
		Resource:      res,
		Capability:    &registry.Capability{ID: res.ID + "." + tool, ResourceID: res.ID, Name: tool},
		Arguments:     args,
	}
}

// rpcHandler answers one decoded JSON-RPC request. Returning a
// *jsonrpc.Error produces an error response.
type rpcHandler func(method string, params json.RawMessage) (any, *jsonrpc.Error)

// newRPCServer serves JSON-RPC over POST. Notifications get a bare
// 202 like a streamable-HTTP MCP server.
func newRPCServer(t *testing.T, handler rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg jsonrpc.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(msg.ID) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		result, rpcErr := handler(msg.Method, msg.Params)
		writeRPCResponse(w, msg.ID, result, rpcErr)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRPCResponse(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *jsonrpc.Error) {
	payload := map[string]any{"jsonrpc": jsonrpc.Version, "id": id}
	if rpcErr != nil {
		payload["error"] = rpcErr
	} else {
		payload["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func textResult(text string, isError bool) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isError,
	}
}

func TestHTTPInvokeRoundTrip(t *testing.T) {
	var gotTool string
	var gotArgs map[string]any
	srv := newRPCServer(t, func(method string, params json.RawMessage) (any, *jsonrpc.Error) {
		if method != "tools/call" {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: method}
		}
		var p toolCallParams
		json.Unmarshal(params, &p)
		gotTool = p.Name
		gotArgs = p.Arguments
		return textResult(`{"sum":7}`, false), nil
	})

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })
	res := mcpResource("calc", srv.URL)

	result := a.Invoke(context.Background(), mcpRequest(res, "add", map[string]any{"a": 3, "b": 4}))
	if !result.Success {
		t.Fatalf("expected success, got error %q (%s)", result.Error, result.ErrorType)
	}
	if gotTool != "add" {
		t.Errorf("expected tool add, got %q", gotTool)
	}
	if gotArgs["a"] != float64(3) || gotArgs["b"] != float64(4) {
		t.Errorf("expected arguments forwarded, got %v", gotArgs)
	}
	payload, ok := result.Result.(map[string]any)
	if !ok || payload["sum"] != float64(7) {
		t.Errorf("expected decoded text payload, got %#v", result.Result)
	}
	if result.Metadata["capability"] != "calc.add" {
		t.Errorf("expected capability metadata, got %v", result.Metadata["capability"])
	}
}

func TestHTTPInvokeToolError(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (any, *jsonrpc.Error) {
		return textResult("division by zero", true), nil
	})

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })
	res := mcpResource("calc", srv.URL)

	result := a.Invoke(context.Background(), mcpRequest(res, "div", map[string]any{"a": 1, "b": 0}))
	if result.Success {
		t.Fatal("expected tool error to fail the invocation")
	}
	if result.ErrorType != gwerrors.KindProtocol {
		t.Errorf("expected %s, got %s", gwerrors.KindProtocol, result.ErrorType)
	}
	if !strings.Contains(result.Error, "division by zero") {
		t.Errorf("expected tool detail in error, got %q", result.Error)
	}

	// A tool-level error is an answer, not an outage. The breaker
	// must stay closed.
	snaps := a.BreakerSnapshots()
	if len(snaps) != 1 || snaps[0].State != "closed" {
		t.Errorf("expected closed breaker after tool error, got %+v", snaps)
	}
}

func TestHTTPInvokeRPCError(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "unknown tool"}
	})

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })
	res := mcpResource("calc", srv.URL)

	result := a.Invoke(context.Background(), mcpRequest(res, "nope", nil))
	if result.Success {
		t.Fatal("expected rpc error to fail the invocation")
	}
	if result.ErrorType != gwerrors.KindProtocol {
		t.Errorf("expected %s, got %s", gwerrors.KindProtocol, result.ErrorType)
	}
	if !strings.Contains(result.Error, "unknown tool") {
		t.Errorf("expected rpc message in error, got %q", result.Error)
	}
}

func TestHTTPInitializeTracksSession(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, r.Header.Get(sessionHeader))
		var msg jsonrpc.Message
		json.NewDecoder(r.Body).Decode(&msg)
		if len(msg.ID) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set(sessionHeader, "sess-42")
		switch msg.Method {
		case methodInitialize:
			writeRPCResponse(w, msg.ID, map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "weather", "version": "2.0.1"},
			}, nil)
		default:
			writeRPCResponse(w, msg.ID, textResult("{}", false), nil)
		}
	}))
	defer srv.Close()

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })
	res := mcpResource("weather", srv.URL)

	if err := a.OnResourceRegistered(context.Background(), res); err != nil {
		t.Fatalf("register: %v", err)
	}
	result := a.Invoke(context.Background(), mcpRequest(res, "forecast", nil))
	if !result.Success {
		t.Fatalf("invoke: %s", result.Error)
	}

	if len(sessions) < 3 {
		t.Fatalf("expected initialize, initialized, and call requests, got %d", len(sessions))
	}
	if sessions[0] != "" {
		t.Errorf("expected no session on first request, got %q", sessions[0])
	}
	for i, s := range sessions[1:] {
		if s != "sess-42" {
			t.Errorf("expected session sess-42 on request %d, got %q", i+1, s)
		}
	}

	a.OnResourceUnregistered(res)
	if _, ok := a.sessions.Get(res.ID); ok {
		t.Error("expected session dropped on unregister")
	}
}

func TestHTTPDiscoverEnrichesMetadata(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (any, *jsonrpc.Error) {
		if method != methodInitialize {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: method}
		}
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "files", "version": "0.3.0"},
		}, nil
	})

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })

	found, err := a.Discover(context.Background(), mcpResource("files", srv.URL))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(found))
	}
	if found[0].Metadata[metaServerName] != "files" || found[0].Metadata[metaServerVersion] != "0.3.0" {
		t.Errorf("expected server identity in metadata, got %v", found[0].Metadata)
	}
}

func TestHTTPCapabilities(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (any, *jsonrpc.Error) {
		if method != methodToolsList {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: method}
		}
		return map[string]any{"tools": []map[string]any{
			{
				"name":        "read_file",
				"description": "reads a file",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
					"required":   []string{"path"},
				},
			},
			{"name": "list_dir"},
		}}, nil
	})

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })
	res := mcpResource("files", srv.URL)

	caps, err := a.Capabilities(context.Background(), res)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	if caps[0].ID != "files.read_file" || caps[0].Name != "read_file" {
		t.Errorf("expected files.read_file, got %s (%s)", caps[0].ID, caps[0].Name)
	}
	if caps[0].Sensitivity != res.Sensitivity {
		t.Errorf("expected inherited sensitivity %s, got %s", res.Sensitivity, caps[0].Sensitivity)
	}
	if caps[0].InputSchema == nil {
		t.Error("expected input schema carried over")
	}
}

func TestHTTPValidateSchema(t *testing.T) {
	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })

	cap := &registry.Capability{
		ID:         "files.read_file",
		ResourceID: "files",
		Name:       "read_file",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	}
	req := &adapter.InvocationRequest{
		Resource:   mcpResource("files", "http://unused"),
		Capability: cap,
		Arguments:  map[string]any{"path": "/etc/motd"},
	}
	if err := a.Validate(req); err != nil {
		t.Errorf("expected valid arguments, got %v", err)
	}

	req.Arguments = map[string]any{}
	if err := a.Validate(req); err == nil {
		t.Error("expected missing required argument to fail validation")
	}

	req.Capability = &registry.Capability{ID: "files.x", ResourceID: "files"}
	if err := a.Validate(req); err == nil {
		t.Error("expected empty tool name to fail validation")
	}
}

func TestHTTPStreamSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg jsonrpc.Message
		json.NewDecoder(r.Body).Decode(&msg)
		id, _ := msg.IDInt64()

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":50}}\n\n")
		fl.Flush()
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"done\"}]}}\n\n", id)
		fl.Flush()
	}))
	defer srv.Close()

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })
	res := mcpResource("job", srv.URL)

	ch, err := a.Stream(context.Background(), mcpRequest(res, "run", nil))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var events []string
	var last adapter.StreamChunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		events = append(events, chunk.Event)
		last = chunk
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 chunks, got %d (%v)", len(events), events)
	}
	if events[0] != "notifications/progress" {
		t.Errorf("expected progress notification first, got %q", events[0])
	}
	if events[1] != "result" {
		t.Errorf("expected terminal result, got %q", events[1])
	}
	if !strings.Contains(string(last.Data), "done") {
		t.Errorf("expected result payload, got %s", last.Data)
	}
}

func TestHTTPHealth(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (any, *jsonrpc.Error) {
		// Servers without ping answer method-not-found; that still
		// proves liveness.
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: method}
	})

	a := NewHTTP(fastGuards(), nil)
	t.Cleanup(func() { a.Close() })

	if !a.Health(context.Background(), mcpResource("up", srv.URL)) {
		t.Error("expected healthy endpoint")
	}

	down := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	down.Close()
	if a.Health(context.Background(), mcpResource("down", down.URL)) {
		t.Error("expected unhealthy endpoint after close")
	}
}

func TestSSEDataJoinsLines(t *testing.T) {
	block := []byte("event: message\ndata: {\"a\":1,\ndata: \"b\":2}\n")
	got := sseData(block)
	if got != "{\"a\":1,\n\"b\":2}" {
		t.Errorf("expected joined data lines, got %q", got)
	}
	if sseData([]byte(": keepalive\n")) != "" {
		t.Error("expected empty data for comment-only block")
	}
}
