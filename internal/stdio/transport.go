package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/jsonrpc"
	"github.com/sark-io/sark/internal/logging"
)

var (
	// ErrTransportStopped fails pending and new calls once the child
	// is gone.
	ErrTransportStopped = errors.New("stdio transport stopped")
	// ErrRequestTimeout is returned when a call's deadline expires.
	ErrRequestTimeout = errors.New("stdio request timed out")
	// ErrResourceExceeded marks a child killed for breaching memory
	// or fd limits. The transport does not restart after this.
	ErrResourceExceeded = errors.New("stdio child exceeded resource limits")
	// ErrProcessCrashed marks a transport that exhausted its restart
	// budget.
	ErrProcessCrashed = errors.New("stdio child crashed permanently")
)

const maxLineBytes = 4 << 20

// Hooks observe transport lifecycle events.
type Hooks struct {
	// OnNotification receives id-less messages from the child.
	OnNotification func(*jsonrpc.Message)
	// OnRestart is called after each automatic or explicit restart.
	OnRestart func(name string, attempt int)
	// OnCrash is called once when the restart budget is exhausted.
	OnCrash func(name string)
}

type callResult struct {
	msg *jsonrpc.Message
	err error
}

// Transport supervises a child process speaking line-framed JSON-RPC
// 2.0 over stdin/stdout.
type Transport struct {
	name   string
	cmdCfg config.StdioCommandConfig
	limits config.StdioConfig
	hooks  Hooks
	logger *zap.Logger

	mu               sync.Mutex
	cmd              *exec.Cmd
	stdin            io.WriteCloser
	running          bool
	shuttingDown     bool
	resourceExceeded bool
	crashed          bool
	restarts         int
	gen              int
	pending          map[int64]chan callResult
	monitorStop      chan struct{}
	respawn          *backoff.ExponentialBackOff

	writeMu sync.Mutex

	nextID        atomic.Int64
	lastHeartbeat atomic.Int64 // unix nanos
}

// New creates a transport for the given child command. Start must be
// called before use.
func New(name string, cmdCfg config.StdioCommandConfig, limits config.StdioConfig, hooks Hooks) *Transport {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return &Transport{
		name:    name,
		cmdCfg:  cmdCfg,
		limits:  limits,
		hooks:   hooks,
		logger:  logging.With(zap.String("transport", "stdio"), zap.String("resource", name)),
		pending: make(map[int64]chan callResult),
		respawn: bo,
	}
}

// Start spawns the child process and its reader and monitor
// goroutines.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("transport %s already running", t.name)
	}
	if t.crashed {
		return ErrProcessCrashed
	}
	t.shuttingDown = false
	t.resourceExceeded = false
	t.respawn.Reset()
	return t.startLocked()
}

// startLocked spawns the child. Caller holds t.mu.
func (t *Transport) startLocked() error {
	if len(t.cmdCfg.Command) == 0 {
		return fmt.Errorf("transport %s: no command configured", t.name)
	}

	cmd := exec.Command(t.cmdCfg.Command[0], t.cmdCfg.Command[1:]...)
	cmd.Dir = t.cmdCfg.Dir
	cmd.Env = os.Environ()
	for k, v := range t.cmdCfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", t.cmdCfg.Command[0], err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.running = true
	t.gen++
	t.lastHeartbeat.Store(time.Now().UnixNano())
	t.monitorStop = make(chan struct{})

	gen := t.gen
	go t.readStdout(gen, stdout)
	go t.readStderr(stderr)
	go t.monitor(gen, t.monitorStop)
	go func() {
		waitErr := cmd.Wait()
		t.onExit(gen, waitErr)
	}()

	t.logger.Info("child process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("argv", t.cmdCfg.Command))
	return nil
}

// Call sends a request and waits for the matching response. The
// context deadline bounds the wait.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.running {
		err := ErrTransportStopped
		if t.crashed {
			err = ErrProcessCrashed
		}
		t.mu.Unlock()
		return nil, err
	}
	id := t.nextID.Add(1)
	ch := make(chan callResult, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		t.removePending(id)
		return nil, err
	}
	if err := t.writeFrame(req); err != nil {
		t.removePending(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	}
}

// Notify sends an id-less request and does not wait.
func (t *Transport) Notify(method string, params any) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return ErrTransportStopped
	}

	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeFrame(n)
}

func (t *Transport) writeFrame(v any) error {
	line, err := jsonrpc.EncodeLine(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportStopped, err)
	}
	return nil
}

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readStdout parses one JSON-RPC message per line and settles
// pending calls.
func (t *Transport) readStdout(gen int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.lastHeartbeat.Store(time.Now().UnixNano())

		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			t.logger.Warn("discarding unparseable frame", zap.Error(err))
			continue
		}

		switch {
		case msg.IsResponse():
			id, ok := msg.IDInt64()
			if !ok {
				t.logger.Warn("response with unusable id")
				continue
			}
			t.mu.Lock()
			ch, found := t.pending[id]
			if found {
				delete(t.pending, id)
			}
			t.mu.Unlock()
			if found {
				ch <- callResult{msg: msg}
			}
		case msg.IsNotification():
			if t.hooks.OnNotification != nil {
				t.hooks.OnNotification(msg)
			}
		default:
			// Server-initiated requests are not supported.
			t.logger.Warn("ignoring server request", zap.String("method", msg.Method))
		}
	}
	// EOF or read error: the exit path handles state.
}

// readStderr forwards child diagnostics to the gateway log.
func (t *Transport) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("child stderr", zap.String("line", line))
		}
	}
}

// monitor periodically checks liveness and resource usage.
func (t *Transport) monitor(gen int, stop chan struct{}) {
	interval := time.Duration(t.limits.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hung := time.Duration(t.limits.HungSeconds) * time.Second
	if hung <= 0 {
		hung = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if !t.running || t.gen != gen {
			t.mu.Unlock()
			return
		}
		pid := t.cmd.Process.Pid
		pendingCount := len(t.pending)
		t.mu.Unlock()

		// Hung detection only matters while calls are outstanding.
		last := time.Unix(0, t.lastHeartbeat.Load())
		if pendingCount > 0 && time.Since(last) > hung {
			t.logger.Warn("child unresponsive, restarting",
				zap.Duration("since_heartbeat", time.Since(last)))
			t.kill()
			continue
		}

		usage, err := procUsage(pid)
		if err != nil {
			continue
		}
		if t.limits.MaxMemoryMB > 0 && usage.RSSBytes > int64(t.limits.MaxMemoryMB)<<20 {
			t.logger.Error("child exceeded memory limit, killing",
				zap.Int64("rss_bytes", usage.RSSBytes),
				zap.Int("limit_mb", t.limits.MaxMemoryMB))
			t.markResourceExceeded()
			continue
		}
		if t.limits.MaxFDs > 0 && usage.FDs > t.limits.MaxFDs {
			t.logger.Error("child exceeded fd limit, killing",
				zap.Int("fds", usage.FDs),
				zap.Int("limit", t.limits.MaxFDs))
			t.markResourceExceeded()
			continue
		}
	}
}

func (t *Transport) markResourceExceeded() {
	t.mu.Lock()
	t.resourceExceeded = true
	t.mu.Unlock()
	t.kill()
}

func (t *Transport) kill() {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// onExit runs when the child terminates for any reason. It owns the
// restart decision.
func (t *Transport) onExit(gen int, waitErr error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.running = false
	if t.monitorStop != nil {
		close(t.monitorStop)
		t.monitorStop = nil
	}

	switch {
	case t.shuttingDown:
		t.failPendingLocked(ErrTransportStopped)
		t.mu.Unlock()
		t.logger.Info("child process stopped")
		return

	case t.resourceExceeded:
		t.failPendingLocked(ErrResourceExceeded)
		t.mu.Unlock()
		t.logger.Error("transport disabled after resource limit breach")
		return
	}

	t.failPendingLocked(ErrTransportStopped)

	maxRestarts := t.limits.MaxRestarts
	if t.restarts >= maxRestarts {
		t.crashed = true
		t.mu.Unlock()
		t.logger.Error("restart budget exhausted, transport stays down",
			zap.Int("restarts", maxRestarts), zap.Error(waitErr))
		if t.hooks.OnCrash != nil {
			t.hooks.OnCrash(t.name)
		}
		return
	}
	t.restarts++
	attempt := t.restarts
	delay := t.respawn.NextBackOff()
	t.mu.Unlock()

	t.logger.Warn("child exited, restarting",
		zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(waitErr))
	if t.hooks.OnRestart != nil {
		t.hooks.OnRestart(t.name, attempt)
	}

	time.Sleep(delay)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shuttingDown || t.running {
		return
	}
	if err := t.startLocked(); err != nil {
		t.crashed = true
		t.logger.Error("respawn failed, transport stays down", zap.Error(err))
		if t.hooks.OnCrash != nil {
			t.hooks.OnCrash(t.name)
		}
	}
}

// failPendingLocked settles every outstanding call with err. Caller
// holds t.mu.
func (t *Transport) failPendingLocked(err error) {
	for id, ch := range t.pending {
		ch <- callResult{err: err}
		delete(t.pending, id)
	}
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace
// period.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.shuttingDown = true
		t.mu.Unlock()
		return
	}
	t.shuttingDown = true
	cmd := t.cmd
	t.mu.Unlock()

	grace := time.Duration(t.limits.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	deadline := time.After(grace)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = cmd.Process.Kill()
			return
		case <-tick.C:
			t.mu.Lock()
			stopped := !t.running
			t.mu.Unlock()
			if stopped {
				return
			}
		}
	}
}

// Restart kills the child; the exit path respawns it under the
// restart budget.
func (t *Transport) Restart() {
	t.kill()
}

// Status is a point-in-time view of the transport.
type Status struct {
	Name             string    `json:"name"`
	Running          bool      `json:"running"`
	PID              int       `json:"pid,omitempty"`
	Restarts         int       `json:"restarts"`
	Crashed          bool      `json:"crashed"`
	ResourceExceeded bool      `json:"resource_exceeded"`
	PendingCalls     int       `json:"pending_calls"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
}

// Status returns the transport state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		Name:             t.name,
		Running:          t.running,
		Restarts:         t.restarts,
		Crashed:          t.crashed,
		ResourceExceeded: t.resourceExceeded,
		PendingCalls:     len(t.pending),
		LastHeartbeat:    time.Unix(0, t.lastHeartbeat.Load()),
	}
	if t.running && t.cmd != nil && t.cmd.Process != nil {
		s.PID = t.cmd.Process.Pid
	}
	return s
}

// Running reports whether the child is alive.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
