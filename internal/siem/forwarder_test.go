package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/audit"
	"github.com/sark-io/sark/internal/breaker"
	"github.com/sark-io/sark/internal/retry"
)

func mkEvent(i int) *audit.Event {
	return &audit.Event{
		ID:          "e" + strconv.Itoa(i),
		Timestamp:   time.Unix(1700000000, 123000000).UTC(),
		EventType:   audit.EventAuthorizationDenied,
		Severity:    audit.SeverityHigh,
		PrincipalID: "alice",
		ResourceID:  "r1",
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastRetry(attempts int) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Base:         2.0,
		Classify:     retry.StatusRetryable,
	}
}

func newForwarder(t *testing.T, cfg config.SIEMConfig) *Forwarder {
	t.Helper()
	if cfg.FallbackDir == "" {
		cfg.FallbackDir = t.TempDir()
	}
	f, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.Close)
	return f
}

func TestHECPayloadShape(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Splunk tok-1" {
			t.Errorf("expected Splunk token header, got %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
	}))
	defer srv.Close()

	sink := NewHECSink(config.SinkConfig{
		Name: "splunk", Type: "hec", URL: srv.URL, Token: "tok-1",
		Index: "main", Host: "gw1",
	}, 0)

	events := []*audit.Event{mkEvent(1), mkEvent(2)}
	if err := sink.Send(context.Background(), events); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(body.Load().(string)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 newline-delimited envelopes, got %d", len(lines))
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope["time"].(float64) != 1700000000.123 {
		t.Errorf("expected epoch float time, got %v", envelope["time"])
	}
	if envelope["source"] != "sark" || envelope["sourcetype"] != "sark:audit" {
		t.Errorf("expected default source/sourcetype, got %v/%v", envelope["source"], envelope["sourcetype"])
	}
	if envelope["index"] != "main" || envelope["host"] != "gw1" {
		t.Errorf("expected index/host from config, got %v/%v", envelope["index"], envelope["host"])
	}
	ev := envelope["event"].(map[string]any)
	if ev["id"] != "e1" || ev["event_type"] != audit.EventAuthorizationDenied {
		t.Errorf("expected nested audit event, got %v", ev)
	}
}

func TestTagLogPayloadShape(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("DD-API-KEY"); got != "dd-tok" {
			t.Errorf("expected api key header, got %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
	}))
	defer srv.Close()

	sink := NewTagLogSink(config.SinkConfig{
		Name: "datadog", Type: "taglog", URL: srv.URL, Token: "dd-tok",
		Service: "sark-gw", Host: "gw1",
		Tags: map[string]string{"team": "core", "env": "prod"},
	}, 0)

	ev := mkEvent(7)
	ev.PrincipalEmail = "alice@example.com"
	if err := sink.Send(context.Background(), []*audit.Event{ev}); err != nil {
		t.Fatal(err)
	}

	var lines []map[string]any
	if err := json.Unmarshal([]byte(body.Load().(string)), &lines); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected array of 1 line, got %d", len(lines))
	}
	line := lines[0]
	if line["ddsource"] != "sark" {
		t.Errorf("expected ddsource sark, got %v", line["ddsource"])
	}
	if line["ddtags"] != "env:prod,team:core" {
		t.Errorf("expected sorted ddtags, got %v", line["ddtags"])
	}
	if line["service"] != "sark-gw" || line["hostname"] != "gw1" {
		t.Errorf("expected service/hostname, got %v/%v", line["service"], line["hostname"])
	}
	if line["timestamp"].(float64) != 1700000000123 {
		t.Errorf("expected epoch millis, got %v", line["timestamp"])
	}
	nested := line["sark"].(map[string]any)
	if nested["id"] != "e7" {
		t.Errorf("expected nested audit record, got %v", nested)
	}
	if line["event_id"] != "e7" || line["severity"] != "high" {
		t.Errorf("expected promoted fields, got %v/%v", line["event_id"], line["severity"])
	}
	if line["principal_email"] != "alice@example.com" {
		t.Errorf("expected principal email promoted, got %v", line["principal_email"])
	}
}

func TestGzipOverThreshold(t *testing.T) {
	var encoding, payload atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding.Store(r.Header.Get("Content-Encoding"))
		b, _ := io.ReadAll(r.Body)
		payload.Store(b)
	}))
	defer srv.Close()

	sink := NewHECSink(config.SinkConfig{Name: "s", Type: "hec", URL: srv.URL}, 16)
	if err := sink.Send(context.Background(), []*audit.Event{mkEvent(1)}); err != nil {
		t.Fatal(err)
	}

	if encoding.Load() != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", encoding.Load())
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload.Load().([]byte)))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(plain), `"id":"e1"`) {
		t.Errorf("expected decompressed payload to carry the event, got %s", plain)
	}
}

func TestGzipBelowThresholdSkipped(t *testing.T) {
	var encoding atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding.Store(r.Header.Get("Content-Encoding"))
	}))
	defer srv.Close()

	sink := NewHECSink(config.SinkConfig{Name: "s", Type: "hec", URL: srv.URL}, 1<<20)
	if err := sink.Send(context.Background(), []*audit.Event{mkEvent(1)}); err != nil {
		t.Fatal(err)
	}
	if encoding.Load() != "" {
		t.Errorf("expected no compression under threshold, got %q", encoding.Load())
	}
}

func TestProbeClassification(t *testing.T) {
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed) // reachable counts as healthy
	}))
	defer alive.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client := &http.Client{Timeout: time.Second}
	if !probe(context.Background(), client, alive.URL) {
		t.Error("expected 405 endpoint healthy")
	}
	if probe(context.Background(), client, down.URL) {
		t.Error("expected 503 endpoint unhealthy")
	}
	if probe(context.Background(), client, "http://127.0.0.1:1") {
		t.Error("expected unreachable endpoint unhealthy")
	}
}

func TestEnqueueDropOldest(t *testing.T) {
	w := &sinkWorker{
		sink:  &fakeSink{},
		queue: make(chan *audit.Event, 3),
	}

	for i := 0; i < 5; i++ {
		if !w.enqueue(mkEvent(i)) {
			t.Errorf("event %d: expected drop-oldest to make room", i)
		}
	}
	if len(w.queue) != 3 {
		t.Errorf("expected queue bounded at 3, got %d", len(w.queue))
	}
	if w.dropped.Load() != 2 {
		t.Errorf("expected 2 drops, got %d", w.dropped.Load())
	}
	if w.enqueued.Load() != 5 {
		t.Errorf("expected 5 accepted, got %d", w.enqueued.Load())
	}
	// Oldest two were evicted: head of queue is e2.
	if got := <-w.queue; got.ID != "e2" {
		t.Errorf("expected oldest survivor e2, got %s", got.ID)
	}
}

func TestForwarderFlushesBySize(t *testing.T) {
	var requests, events atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		b, _ := io.ReadAll(r.Body)
		events.Add(int64(strings.Count(string(b), `"id"`)))
	}))
	defer srv.Close()

	f := newForwarder(t, config.SIEMConfig{
		BatchSize:           2,
		BatchTimeoutSeconds: 30, // size must trigger, not the ticker
		QueueMax:            100,
		Sinks:               []config.SinkConfig{{Name: "s1", Type: "hec", URL: srv.URL}},
	})

	for i := 0; i < 4; i++ {
		if got := f.Enqueue(mkEvent(i)); got != 1 {
			t.Fatalf("expected 1 sink accepting, got %d", got)
		}
	}

	waitFor(t, 3*time.Second, "4 events flushed", func() bool { return events.Load() == 4 })
	if requests.Load() != 2 {
		t.Errorf("expected 2 size-triggered batches, got %d", requests.Load())
	}
}

func TestForwarderFlushesOnTimeout(t *testing.T) {
	var events atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		events.Add(int64(strings.Count(string(b), `"id"`)))
	}))
	defer srv.Close()

	f := newForwarder(t, config.SIEMConfig{
		BatchSize:           100, // never reached
		BatchTimeoutSeconds: 1,
		QueueMax:            100,
		Sinks:               []config.SinkConfig{{Name: "s1", Type: "hec", URL: srv.URL}},
	})

	f.Enqueue(mkEvent(0))
	waitFor(t, 3*time.Second, "timeout flush", func() bool { return events.Load() == 1 })
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer srv.Close()

	f := newForwarder(t, config.SIEMConfig{
		BatchSize: 1, BatchTimeoutSeconds: 30, QueueMax: 10, RetryAttempts: 3,
		Sinks: []config.SinkConfig{{Name: "s1", Type: "hec", URL: srv.URL}},
	})
	f.workers[0].retry = fastRetry(3)

	f.Enqueue(mkEvent(0))
	waitFor(t, 3*time.Second, "flush after retries", func() bool {
		return f.workers[0].flushed.Load() == 1
	})
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if f.workers[0].fallbackN.Load() != 0 {
		t.Errorf("expected no fallback on eventual success, got %d", f.workers[0].fallbackN.Load())
	}
}

func TestTerminal4xxGoesToFallbackWithoutRetry(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := newForwarder(t, config.SIEMConfig{
		BatchSize: 1, BatchTimeoutSeconds: 30, QueueMax: 10, RetryAttempts: 3,
		FallbackDir: dir,
		Sinks:       []config.SinkConfig{{Name: "s1", Type: "hec", URL: srv.URL}},
	})
	f.workers[0].retry = fastRetry(3)

	f.Enqueue(mkEvent(0))
	waitFor(t, 3*time.Second, "fallback write", func() bool {
		return f.workers[0].fallbackN.Load() == 1
	})
	if attempts.Load() != 1 {
		t.Errorf("expected 4xx terminal (1 attempt), got %d", attempts.Load())
	}
}

// Primary sink hard-down: breaker opens after 5 failed flushes, later
// batches divert to the day file without touching the network, and a
// passing health probe closes the breaker again.
func TestBreakerOpensThenFallbackThenRecovers(t *testing.T) {
	var posts atomic.Int64
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			if failing.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		posts.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := newForwarder(t, config.SIEMConfig{
		BatchSize: 2, BatchTimeoutSeconds: 30, QueueMax: 100, RetryAttempts: 1,
		FallbackDir: dir,
		Sinks:       []config.SinkConfig{{Name: "primary", Type: "hec", URL: srv.URL}},
	})
	w := f.workers[0]
	w.retry = fastRetry(1)
	w.breaker = breaker.New("primary", config.BreakerConfig{
		FailureThreshold: 5,
		RecoverySeconds:  1,
		HalfOpenMax:      1,
		SuccessThreshold: 1,
	})

	// 12 events = 6 batches; breaker opens on the 5th failure, so the
	// 6th batch must not reach the network.
	for i := 0; i < 12; i++ {
		f.Enqueue(mkEvent(i))
	}
	waitFor(t, 5*time.Second, "all batches handled", func() bool {
		return w.fallbackN.Load() == 12
	})
	if posts.Load() != 5 {
		t.Errorf("expected 5 network attempts before fast-fail, got %d", posts.Load())
	}
	if w.breaker.State() != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", w.breaker.State())
	}
	if w.flushed.Load() != 0 {
		t.Errorf("expected nothing flushed while down, got %d", w.flushed.Load())
	}

	// No events lost: everything we enqueued is on disk.
	day := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, day+".jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 12 {
		t.Errorf("expected 12 fallback lines, got %d", lines)
	}

	// Sink recovers; a health probe pass closes the breaker.
	failing.Store(false)
	time.Sleep(1100 * time.Millisecond) // recovery window
	f.probeSinks()
	if w.breaker.State() != breaker.StateClosed {
		t.Fatalf("expected breaker closed after probe, got %s", w.breaker.State())
	}

	f.Enqueue(mkEvent(100))
	f.Enqueue(mkEvent(101))
	waitFor(t, 3*time.Second, "forwarding resumed", func() bool {
		return w.flushed.Load() == 2
	})
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]*audit.Event
	delay   time.Duration
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Send(_ context.Context, events []*audit.Event) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.batches = append(s.batches, events)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Healthy(context.Context) bool { return true }

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

// Throughput shape: 2000 events against a sink taking 5ms per batch of
// 100 must drain in well under the 10k events/min budget.
func TestThroughputShape(t *testing.T) {
	sink := &fakeSink{delay: 5 * time.Millisecond}
	w := &sinkWorker{
		sink:         sink,
		queue:        make(chan *audit.Event, 10000),
		batchSize:    100,
		batchTimeout: time.Second,
		breaker:      breaker.New("fake", config.BreakerConfig{}),
		retry:        fastRetry(1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go w.flushLoop()

	start := time.Now()
	for i := 0; i < 2000; i++ {
		w.enqueue(mkEvent(i))
	}
	w.close() // drains the queue
	elapsed := time.Since(start)

	if got := sink.total(); got != 2000 {
		t.Fatalf("expected 2000 events delivered, got %d", got)
	}
	if w.dropped.Load() != 0 {
		t.Errorf("expected no drops, got %d", w.dropped.Load())
	}
	if elapsed > 3*time.Second {
		t.Errorf("expected drain well under budget, took %v", elapsed)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, b := range sink.batches {
		if len(b) > 100 {
			t.Errorf("batch %d: expected at most 100 events, got %d", i, len(b))
		}
	}
}

func TestAlertFiresOnSustainedFailure(t *testing.T) {
	m, err := newAlertMonitor(config.AlertConfig{
		Expression:    "error_rate > 0.5 && window_events >= 3",
		WindowSeconds: 300,
	})
	if err != nil {
		t.Fatal(err)
	}

	var fired []AlertState
	m.setCallback(func(s AlertState) { fired = append(fired, s) })

	m.record("primary", true)
	m.record("primary", false)
	m.record("primary", false)
	if len(fired) != 0 {
		t.Fatalf("expected no alert at 2/3 failures, got %d", len(fired))
	}

	m.record("primary", false)
	if len(fired) != 1 {
		t.Fatalf("expected alert on sustained failure, got %d", len(fired))
	}
	if fired[0].ConsecutiveFailures != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", fired[0].ConsecutiveFailures)
	}
	if fired[0].ErrorRate <= 0.5 {
		t.Errorf("expected error rate above threshold, got %v", fired[0].ErrorRate)
	}

	// Within the same window the alert must not re-fire.
	m.record("primary", false)
	if len(fired) != 1 {
		t.Errorf("expected single alert per window, got %d", len(fired))
	}
}

func TestAlertDisabledWithoutExpression(t *testing.T) {
	m, err := newAlertMonitor(config.AlertConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatal("expected nil monitor for empty expression")
	}
	m.record("x", false) // nil-safe
}

func TestAlertRejectsBadExpression(t *testing.T) {
	_, err := newAlertMonitor(config.AlertConfig{Expression: "error_rate >"})
	if err == nil {
		t.Fatal("expected compile error surfaced")
	}
}

func TestFallbackDayFiles(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFallback(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer fb.Close()

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	fb.nowFn = func() time.Time { return day1 }
	if err := fb.Append([]*audit.Event{mkEvent(1), mkEvent(2)}); err != nil {
		t.Fatal(err)
	}

	fb.nowFn = func() time.Time { return day1.Add(2 * time.Minute) } // crosses midnight
	if err := fb.Append([]*audit.Event{mkEvent(3)}); err != nil {
		t.Fatal(err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "2026-03-01.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(first), "\n") != 2 {
		t.Errorf("expected 2 lines in day one file, got %q", first)
	}
	second, err := os.ReadFile(filepath.Join(dir, "2026-03-02.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(second), "\n") != 1 {
		t.Errorf("expected 1 line in day two file, got %q", second)
	}
	if fb.Written() != 3 {
		t.Errorf("expected 3 written, got %d", fb.Written())
	}
}

func TestEnqueueCountsAcceptingSinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newForwarder(t, config.SIEMConfig{
		BatchSize: 100, BatchTimeoutSeconds: 30, QueueMax: 10,
		Sinks: []config.SinkConfig{
			{Name: "a", Type: "hec", URL: srv.URL},
			{Name: "b", Type: "taglog", URL: srv.URL},
		},
	})

	if got := f.Enqueue(mkEvent(0)); got != 2 {
		t.Errorf("expected both sinks to accept, got %d", got)
	}

	stats := f.Stats()
	sinks := stats["sinks"].(map[string]any)
	if len(sinks) != 2 {
		t.Errorf("expected stats for 2 sinks, got %d", len(sinks))
	}
}
