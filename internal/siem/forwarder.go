// Package siem ships high-severity audit events to external SIEM
// backends: per-sink bounded queues with drop-oldest, batching by size
// and age, gzip over a threshold, circuit breaking per sink, and a
// day-file JSONL fallback so no accepted event is lost.
package siem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/audit"
	"github.com/sark-io/sark/internal/breaker"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/metrics"
	"github.com/sark-io/sark/internal/retry"
)

// Forwarder fans audit events out to every configured sink. Each sink
// gets its own queue, batcher goroutine, and circuit breaker so one
// slow backend cannot stall the others.
type Forwarder struct {
	cfg      config.SIEMConfig
	workers  []*sinkWorker
	fallback *Fallback
	breakers *breaker.Group
	alert    *alertMonitor
	metrics  *metrics.Collector

	stopHealth chan struct{}
	healthDone chan struct{}
	closeOnce  sync.Once
}

// New builds the forwarder and starts one worker per sink plus the
// health prober. collector may be nil.
func New(cfg config.SIEMConfig, collector *metrics.Collector) (*Forwarder, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeoutSeconds <= 0 {
		cfg.BatchTimeoutSeconds = 2
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 10000
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.HealthIntervalSeconds <= 0 {
		cfg.HealthIntervalSeconds = 30
	}

	var fallback *Fallback
	if cfg.FallbackDir != "" {
		var err error
		fallback, err = NewFallback(cfg.FallbackDir)
		if err != nil {
			return nil, err
		}
	}

	alert, err := newAlertMonitor(cfg.Alert)
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		cfg:        cfg,
		fallback:   fallback,
		alert:      alert,
		metrics:    collector,
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	f.breakers = breaker.NewGroup(config.BreakerConfig{}, func(name string, _, to breaker.State) {
		if collector != nil {
			collector.SetBreakerState("siem:"+name, int(to))
		}
		logging.Info("siem sink breaker state change",
			zap.String("sink", name),
			zap.String("state", to.String()),
		)
	})

	for _, sc := range cfg.Sinks {
		sink, err := buildSink(sc, cfg.MinCompressBytes)
		if err != nil {
			return nil, err
		}
		w := &sinkWorker{
			sink:         sink,
			queue:        make(chan *audit.Event, cfg.QueueMax),
			batchSize:    cfg.BatchSize,
			batchTimeout: time.Duration(cfg.BatchTimeoutSeconds) * time.Second,
			breaker:      f.breakers.Get(sink.Name()),
			retry: &retry.Policy{
				MaxAttempts:  cfg.RetryAttempts,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				Base:         2.0,
				Classify:     retry.StatusRetryable,
			},
			fallback: fallback,
			alert:    alert,
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
		}
		w.healthy.Store(true)
		f.workers = append(f.workers, w)
		go w.flushLoop()
	}

	go f.healthLoop()
	return f, nil
}

// OnAlert installs the sustained-failure callback.
func (f *Forwarder) OnAlert(fn AlertFunc) {
	f.alert.setCallback(fn)
}

// Enqueue offers the event to every sink queue without blocking and
// returns how many accepted it. The audit emitter treats a non-zero
// return as "forwarding attempted".
func (f *Forwarder) Enqueue(ev *audit.Event) int {
	accepted := 0
	for _, w := range f.workers {
		if w.enqueue(ev) {
			accepted++
		}
	}
	return accepted
}

// healthLoop probes each sink and nudges open breakers back to closed
// when the backend answers again, so recovery does not wait for live
// traffic to burn probe batches.
func (f *Forwarder) healthLoop() {
	defer close(f.healthDone)
	interval := time.Duration(f.cfg.HealthIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.probeSinks()
		case <-f.stopHealth:
			return
		}
	}
}

func (f *Forwarder) probeSinks() {
	for _, w := range f.workers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok := w.sink.Healthy(ctx)
		cancel()
		w.healthy.Store(ok)

		if ok && w.breaker.State() != breaker.StateClosed {
			// Count the probe as a half-open success if the
			// recovery window has elapsed.
			if err := w.breaker.Allow(); err == nil {
				w.breaker.RecordSuccess()
			}
		}
		if f.metrics != nil {
			f.metrics.RecordSIEM(w.sink.Name(),
				w.enqueued.Load(), w.dropped.Load(), w.flushed.Load(), w.fallbackN.Load())
		}
	}
}

// Healthy reports whether every sink worker currently believes its
// endpoint is reachable.
func (f *Forwarder) Healthy() bool {
	for _, w := range f.workers {
		if !w.healthy.Load() {
			return false
		}
	}
	return true
}

// Stats returns per-sink counters plus the alert window view.
func (f *Forwarder) Stats() map[string]any {
	sinks := make(map[string]any, len(f.workers))
	for _, w := range f.workers {
		sinks[w.sink.Name()] = map[string]any{
			"enqueued":      w.enqueued.Load(),
			"dropped":       w.dropped.Load(),
			"flushed":       w.flushed.Load(),
			"fallback":      w.fallbackN.Load(),
			"send_errors":   w.sendErrors.Load(),
			"queue_len":     len(w.queue),
			"breaker_state": w.breaker.State().String(),
			"healthy":       w.healthy.Load(),
		}
	}
	out := map[string]any{"sinks": sinks}
	if f.fallback != nil {
		out["fallback_written"] = f.fallback.Written()
	}
	if f.alert != nil {
		out["alert_window"] = f.alert.snapshot()
	}
	return out
}

// Close drains every queue, stops the prober, and closes the fallback.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() {
		close(f.stopHealth)
		<-f.healthDone
		for _, w := range f.workers {
			w.close()
		}
		if f.fallback != nil {
			f.fallback.Close()
		}
	})
}

// sinkWorker owns one sink: its queue, batcher, breaker, and counters.
type sinkWorker struct {
	sink         Sink
	queue        chan *audit.Event
	batchSize    int
	batchTimeout time.Duration
	breaker      *breaker.Breaker
	retry        *retry.Policy
	fallback     *Fallback
	alert        *alertMonitor

	enqueued   atomic.Int64
	dropped    atomic.Int64
	flushed    atomic.Int64
	fallbackN  atomic.Int64
	sendErrors atomic.Int64
	healthy    atomic.Bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// enqueue offers ev to the queue. When full it drops the oldest queued
// event to make room; the drop counter moves exactly once per evicted
// or rejected event.
func (w *sinkWorker) enqueue(ev *audit.Event) bool {
	select {
	case w.queue <- ev:
		w.enqueued.Add(1)
		return true
	default:
	}

	select {
	case <-w.queue:
		w.dropped.Add(1)
	default:
	}

	select {
	case w.queue <- ev:
		w.enqueued.Add(1)
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// flushLoop batches queued events and flushes on size or age. On stop
// it drains whatever remains before exiting.
func (w *sinkWorker) flushLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.batchTimeout)
	defer ticker.Stop()

	batch := make([]*audit.Event, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = make([]*audit.Event, 0, w.batchSize)
	}

	for {
		select {
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			for {
				select {
				case ev := <-w.queue:
					batch = append(batch, ev)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush sends one batch through the breaker and retry policy. Batches
// the sink cannot take go to the fallback file instead of being lost.
func (w *sinkWorker) flush(batch []*audit.Event) {
	if err := w.breaker.Allow(); err != nil {
		w.toFallback(batch, "breaker open")
		w.alert.record(w.sink.Name(), false)
		return
	}

	err := w.retry.Run(context.Background(), func(ctx context.Context) error {
		return w.sink.Send(ctx, batch)
	})
	if err != nil {
		w.breaker.RecordFailure()
		w.sendErrors.Add(1)
		w.toFallback(batch, err.Error())
		w.alert.record(w.sink.Name(), false)
		return
	}
	w.breaker.RecordSuccess()
	w.flushed.Add(int64(len(batch)))
	w.alert.record(w.sink.Name(), true)
}

func (w *sinkWorker) toFallback(batch []*audit.Event, reason string) {
	if w.fallback == nil {
		w.dropped.Add(int64(len(batch)))
		logging.Warn("siem batch dropped, no fallback configured",
			zap.String("sink", w.sink.Name()),
			zap.Int("events", len(batch)),
			zap.String("reason", reason),
		)
		return
	}
	if err := w.fallback.Append(batch); err != nil {
		w.dropped.Add(int64(len(batch)))
		logging.Error("siem fallback append failed",
			zap.String("sink", w.sink.Name()),
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
		return
	}
	w.fallbackN.Add(int64(len(batch)))
	logging.Warn("siem batch diverted to fallback",
		zap.String("sink", w.sink.Name()),
		zap.Int("events", len(batch)),
		zap.String("reason", reason),
	)
}

func (w *sinkWorker) close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
	})
}

var _ audit.Forwarder = (*Forwarder)(nil)
