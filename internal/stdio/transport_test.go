package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/jsonrpc"
)

// TestHelperStdioServer is not a real test: the transport tests spawn
// the test binary with STDIO_HELPER=1 and it acts as the child
// process, answering JSON-RPC over stdin/stdout.
func TestHelperStdioServer(t *testing.T) {
	if os.Getenv("STDIO_HELPER") != "1" {
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

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		msg, err := jsonrpc.DecodeMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		if msg.IsNotification() {
			if msg.Method == "exit" {
				os.Exit(2)
			}
			continue
		}
		id, ok := msg.IDInt64()
		if !ok {
			continue
		}
		switch msg.Method {
		case "echo":
			respond(id, map[string]any{"method": msg.Method}, nil)
		case "error":
			respond(id, nil, &jsonrpc.Error{Code: -32000, Message: "boom"})
		case "sleep":
			// Never respond; exercises timeouts and stop.
		case "announce":
			note, _ := jsonrpc.NewNotification("event/ping", map[string]any{"seq": 1})
			line, _ := jsonrpc.EncodeLine(note)
			os.Stdout.Write(line)
			respond(id, map[string]any{"announced": true}, nil)
		default:
			respond(id, nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: msg.Method})
		}
	}
	os.Exit(0)
}

func helperCommand() config.StdioCommandConfig {
	return config.StdioCommandConfig{
		Command: []string{os.Args[0], "-test.run=^TestHelperStdioServer$"},
		Env:     map[string]string{"STDIO_HELPER": "1"},
	}
}

func testLimits() config.StdioConfig {
	return config.StdioConfig{
		MaxRestarts:      3,
		HeartbeatSeconds: 10,
		HungSeconds:      15,
		GraceSeconds:     2,
	}
}

func startTransport(t *testing.T, limits config.StdioConfig, hooks Hooks) *Transport {
	t.Helper()
	tr := New("test-tool", helperCommand(), limits, hooks)
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestCallRoundTrip(t *testing.T) {
	tr := startTransport(t, testLimits(), Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := tr.Call(ctx, "echo", map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["method"] != "echo" {
		t.Errorf("expected echoed method, got %v", result)
	}
}

func TestCallServerError(t *testing.T) {
	tr := startTransport(t, testLimits(), Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Call(ctx, "error", nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected jsonrpc error, got %v", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "boom" {
		t.Errorf("expected -32000 boom, got %d %q", rpcErr.Code, rpcErr.Message)
	}
}

func TestCallTimeout(t *testing.T) {
	tr := startTransport(t, testLimits(), Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := tr.Call(ctx, "sleep", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if tr.Status().PendingCalls != 0 {
		t.Errorf("expected pending map drained after timeout")
	}
}

func TestCallBeforeStart(t *testing.T) {
	tr := New("cold", helperCommand(), testLimits(), Hooks{})
	_, err := tr.Call(context.Background(), "echo", nil)
	if !errors.Is(err, ErrTransportStopped) {
		t.Errorf("expected ErrTransportStopped, got %v", err)
	}
}

func TestStopFailsPending(t *testing.T) {
	tr := startTransport(t, testLimits(), Hooks{})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "sleep", nil)
		errCh <- err
	}()

	// Let the request reach the child before stopping.
	time.Sleep(100 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTransportStopped) {
			t.Errorf("expected ErrTransportStopped, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never settled after stop")
	}
	if tr.Running() {
		t.Error("expected transport stopped")
	}
}

func TestServerNotification(t *testing.T) {
	notes := make(chan *jsonrpc.Message, 1)
	tr := startTransport(t, testLimits(), Hooks{
		OnNotification: func(m *jsonrpc.Message) {
			select {
			case notes <- m:
			default:
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.Call(ctx, "announce", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	select {
	case m := <-notes:
		if m.Method != "event/ping" {
			t.Errorf("expected event/ping, got %q", m.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestAutoRestartAfterExit(t *testing.T) {
	restarts := make(chan int, 4)
	tr := startTransport(t, testLimits(), Hooks{
		OnRestart: func(_ string, attempt int) { restarts <- attempt },
	})

	if err := tr.Notify("exit", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case attempt := <-restarts:
		if attempt != 1 {
			t.Errorf("expected first restart attempt, got %d", attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transport never restarted")
	}

	// Respawn happens after a short backoff; wait for liveness.
	deadline := time.Now().Add(5 * time.Second)
	for !tr.Running() {
		if time.Now().After(deadline) {
			t.Fatal("child not running after restart")
		}
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.Call(ctx, "echo", nil); err != nil {
		t.Fatalf("call after restart: %v", err)
	}
	if got := tr.Status().Restarts; got != 1 {
		t.Errorf("expected 1 restart, got %d", got)
	}
}

func TestCrashAfterRestartBudget(t *testing.T) {
	limits := testLimits()
	limits.MaxRestarts = 0

	crashed := make(chan string, 1)
	tr := startTransport(t, limits, Hooks{
		OnCrash: func(name string) { crashed <- name },
	})

	if err := tr.Notify("exit", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case name := <-crashed:
		if name != "test-tool" {
			t.Errorf("expected test-tool, got %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("crash hook never fired")
	}

	_, err := tr.Call(context.Background(), "echo", nil)
	if !errors.Is(err, ErrProcessCrashed) {
		t.Errorf("expected ErrProcessCrashed, got %v", err)
	}
	if err := tr.Start(); !errors.Is(err, ErrProcessCrashed) {
		t.Errorf("expected start refused after crash, got %v", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	tr := startTransport(t, testLimits(), Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := tr.Call(ctx, "echo", nil)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent call: %v", err)
		}
	}
}

func TestParseVmRSS(t *testing.T) {
	status := []byte("Name:\tsark\nVmPeak:\t  20000 kB\nVmRSS:\t   4096 kB\nThreads:\t9\n")
	rss, err := parseVmRSS(status)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rss != 4096*1024 {
		t.Errorf("expected %d bytes, got %d", 4096*1024, rss)
	}

	if _, err := parseVmRSS([]byte("Name:\tsark\n")); err == nil {
		t.Error("expected error when VmRSS absent")
	}
}

func TestProcUsageSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("no /proc on this platform")
	}
	u, err := procUsage(os.Getpid())
	if err != nil {
		t.Fatalf("procUsage: %v", err)
	}
	if u.RSSBytes <= 0 {
		t.Errorf("expected positive RSS, got %d", u.RSSBytes)
	}
	if u.FDs <= 0 {
		t.Errorf("expected open fds, got %d", u.FDs)
	}
}
