package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/jsonrpc"
	"github.com/sark-io/sark/internal/registry"
)

// TestHelperMCPStdioServer is not a real test: the adapter tests
// spawn the test binary with MCP_STDIO_HELPER=1 and it acts as a
// minimal MCP server over stdin/stdout.
func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv("MCP_STDIO_HELPER") != "1" {
		return
	}

	respond := func(id int64, result any, rpcErr *jsonrpc.Error) {
		payload := map[string]any{"jsonrpc": jsonrpc.Version, "id": id}
		if rpcErr != nil {
			payload["error"] = rpcErr
		} else {
			payload["result"] = result
		}
		line, _ := json.Marshal(payload)
		fmt.Fprintf(os.Stdout, "%s\n", line)
	}
	notify := func(method string, params any) {
		note, _ := jsonrpc.NewNotification(method, params)
		line, _ := jsonrpc.EncodeLine(note)
		os.Stdout.Write(line)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		msg, err := jsonrpc.DecodeMessage(scanner.Bytes())
		if err != nil || msg.IsNotification() {
			continue
		}
		id, ok := msg.IDInt64()
		if !ok {
			continue
		}
		switch msg.Method {
		case methodInitialize:
			respond(id, map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "helper", "version": "9.9.9"},
			}, nil)
		case methodToolsList:
			respond(id, map[string]any{"tools": []map[string]any{
				{"name": "add", "description": "adds two numbers"},
				{"name": "fail"},
			}}, nil)
		case methodToolsCall:
			var p toolCallParams
			json.Unmarshal(msg.Params, &p)
			switch p.Name {
			case "add":
				a, _ := p.Arguments["a"].(float64)
				b, _ := p.Arguments["b"].(float64)
				notify("notifications/progress", map[string]any{"progress": 100})
				respond(id, map[string]any{
					"content": []map[string]any{{"type": "text", "text": fmt.Sprintf(`{"sum":%v}`, a+b)}},
					"isError": false,
				}, nil)
			case "fail":
				respond(id, map[string]any{
					"content": []map[string]any{{"type": "text", "text": "tool exploded"}},
					"isError": true,
				}, nil)
			default:
				respond(id, nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "unknown tool " + p.Name})
			}
		default:
			respond(id, nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: msg.Method})
		}
	}
	os.Exit(0)
}

func stdioResource(id string) *registry.Resource {
	return &registry.Resource{
		ID:          id,
		Name:        id,
		Protocol:    config.ProtocolMCPStdio,
		Sensitivity: config.SensitivityLow,
		Stdio: &config.StdioCommandConfig{
			Command: []string{os.Args[0], "-test.run=^TestHelperMCPStdioServer$"},
			Env:     map[string]string{"MCP_STDIO_HELPER": "1"},
		},
	}
}

func stdioLimits() config.StdioConfig {
	return config.StdioConfig{
		MaxRestarts:      3,
		HeartbeatSeconds: 10,
		HungSeconds:      15,
		GraceSeconds:     2,
	}
}

func newStdioAdapter(t *testing.T) *StdioAdapter {
	t.Helper()
	a := NewStdio(fastGuards(), stdioLimits(), nil, nil)
	t.Cleanup(func() { a.Close() })
	return a
}

func registerStdio(t *testing.T, a *StdioAdapter, res *registry.Resource) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.OnResourceRegistered(ctx, res); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestStdioRegisterAndInvoke(t *testing.T) {
	a := newStdioAdapter(t)
	res := stdioResource("calc")
	registerStdio(t, a, res)

	if !a.Health(context.Background(), res) {
		t.Fatal("expected running child after registration")
	}

	result := a.Invoke(context.Background(), mcpRequest(res, "add", map[string]any{"a": 3, "b": 4}))
	if !result.Success {
		t.Fatalf("expected success, got error %q (%s)", result.Error, result.ErrorType)
	}
	payload, ok := result.Result.(map[string]any)
	if !ok || payload["sum"] != float64(7) {
		t.Errorf("expected sum 7, got %#v", result.Result)
	}
	if result.Metadata["capability"] != "calc.add" {
		t.Errorf("expected capability metadata, got %v", result.Metadata["capability"])
	}

	statuses := a.TransportStatuses()
	if len(statuses) != 1 || !statuses[0].Running {
		t.Errorf("expected one running transport, got %+v", statuses)
	}
}

func TestStdioInvokeToolError(t *testing.T) {
	a := newStdioAdapter(t)
	res := stdioResource("calc")
	registerStdio(t, a, res)

	result := a.Invoke(context.Background(), mcpRequest(res, "fail", nil))
	if result.Success {
		t.Fatal("expected tool error to fail the invocation")
	}
	if result.ErrorType != gwerrors.KindProtocol {
		t.Errorf("expected %s, got %s", gwerrors.KindProtocol, result.ErrorType)
	}
	if !strings.Contains(result.Error, "tool exploded") {
		t.Errorf("expected tool detail in error, got %q", result.Error)
	}

	snaps := a.BreakerSnapshots()
	if len(snaps) != 1 || snaps[0].State != "closed" {
		t.Errorf("expected closed breaker after tool error, got %+v", snaps)
	}
}

func TestStdioInvokeUnknownTool(t *testing.T) {
	a := newStdioAdapter(t)
	res := stdioResource("calc")
	registerStdio(t, a, res)

	result := a.Invoke(context.Background(), mcpRequest(res, "bogus", nil))
	if result.Success {
		t.Fatal("expected unknown tool to fail")
	}
	if result.ErrorType != gwerrors.KindProtocol {
		t.Errorf("expected %s, got %s", gwerrors.KindProtocol, result.ErrorType)
	}
}

func TestStdioCapabilities(t *testing.T) {
	a := newStdioAdapter(t)
	res := stdioResource("calc")
	registerStdio(t, a, res)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	caps, err := a.Capabilities(ctx, res)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	if caps[0].ID != "calc.add" {
		t.Errorf("expected calc.add, got %s", caps[0].ID)
	}
}

func TestStdioDiscover(t *testing.T) {
	a := newStdioAdapter(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	found, err := a.Discover(ctx, stdioResource("probe"))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(found))
	}
	if found[0].Metadata[metaServerName] != "helper" || found[0].Metadata[metaServerVersion] != "9.9.9" {
		t.Errorf("expected server identity in metadata, got %v", found[0].Metadata)
	}
}

func TestStdioStreamForwardsNotifications(t *testing.T) {
	a := newStdioAdapter(t)
	res := stdioResource("calc")
	registerStdio(t, a, res)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := a.Stream(ctx, mcpRequest(res, "add", map[string]any{"a": 1, "b": 2}))
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
		t.Fatalf("expected progress and result chunks, got %v", events)
	}
	if events[0] != "notifications/progress" {
		t.Errorf("expected progress notification first, got %q", events[0])
	}
	if events[1] != "result" {
		t.Errorf("expected terminal result, got %q", events[1])
	}
	if !strings.Contains(string(last.Data), "sum") {
		t.Errorf("expected call result in terminal chunk, got %s", last.Data)
	}
}

func TestStdioUnregisterStopsChild(t *testing.T) {
	a := newStdioAdapter(t)
	res := stdioResource("calc")
	registerStdio(t, a, res)

	a.OnResourceUnregistered(res)

	if a.Health(context.Background(), res) {
		t.Error("expected child stopped after unregister")
	}
	result := a.Invoke(context.Background(), mcpRequest(res, "add", map[string]any{"a": 1, "b": 1}))
	if result.Success {
		t.Fatal("expected invocation to fail after unregister")
	}
	if result.ErrorType != gwerrors.KindConnection {
		t.Errorf("expected %s, got %s", gwerrors.KindConnection, result.ErrorType)
	}
}

func TestStdioRegisterRequiresCommand(t *testing.T) {
	a := newStdioAdapter(t)
	res := &registry.Resource{ID: "nocmd", Protocol: config.ProtocolMCPStdio}
	if err := a.OnResourceRegistered(context.Background(), res); err == nil {
		t.Error("expected registration without command to fail")
	}
}
