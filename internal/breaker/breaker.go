package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sark-io/sark/config"
)

// ErrOpen is returned when the breaker rejects a call. Half-open
// saturation wraps it, so errors.Is(err, ErrOpen) covers both.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateHook observes state transitions. It is called with the
// breaker's mutex held and must not call back into the breaker.
type StateHook func(name string, from, to State)

// Breaker implements the circuit breaker pattern. All state
// transitions are serialized under one mutex.
type Breaker struct {
	name string

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	failureThreshold int
	successThreshold int
	halfOpenMax      int
	recovery         time.Duration
	openedAt         time.Time
	onState          StateHook

	// Counters (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a circuit breaker from config, filling zero values
// with defaults.
func New(name string, cfg config.BreakerConfig) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}

	recoverySeconds := cfg.RecoverySeconds
	if recoverySeconds <= 0 {
		recoverySeconds = 60
	}

	halfOpenMax := cfg.HalfOpenMax
	if halfOpenMax <= 0 {
		halfOpenMax = 1
	}

	return &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		halfOpenMax:      halfOpenMax,
		recovery:         time.Duration(recoverySeconds) * time.Second,
	}
}

// OnStateChange registers a transition hook.
func (b *Breaker) OnStateChange(hook StateHook) {
	b.mu.Lock()
	b.onState = hook
	b.mu.Unlock()
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onState != nil {
		b.onState(b.name, from, to)
	}
}

// Allow checks whether a call may proceed. A half-open admission
// must be settled with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// Recovery window elapsed: admit one probe.
		if time.Since(b.openedAt) >= b.recovery {
			b.setState(StateHalfOpen)
			b.halfOpenInFlight = 1
			b.successCount = 0
			b.failureCount = 0
			return nil
		}
		b.totalRejected.Add(1)
		return ErrOpen

	case StateHalfOpen:
		if b.halfOpenInFlight < b.halfOpenMax {
			b.halfOpenInFlight++
			return nil
		}
		b.totalRejected.Add(1)
		return fmt.Errorf("%w: max half-open probes in flight", ErrOpen)
	}

	return fmt.Errorf("%w: unknown state", ErrOpen)
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenInFlight = 0
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.setState(StateOpen)
			b.openedAt = time.Now()
		}

	case StateHalfOpen:
		// Any probe failure reopens and restarts the recovery timer.
		b.setState(StateOpen)
		b.openedAt = time.Now()
		b.halfOpenInFlight = 0
		b.successCount = 0
	}
}

// Call runs fn under the breaker. Context cancellation by the caller
// is not counted as a backend failure.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err == nil {
		b.RecordSuccess()
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// Settle the half-open slot without biasing the counts.
		b.settleCancelled()
		return err
	}
	b.RecordFailure()
	return err
}

func (b *Breaker) settleCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker
type Snapshot struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	TotalRequests    int64  `json:"total_requests"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalRejected    int64  `json:"total_rejected"`
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}
