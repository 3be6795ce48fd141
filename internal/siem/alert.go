package siem

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sark-io/sark/config"
)

// AlertState is the environment the alert predicate sees, plus the
// sink whose outcome triggered evaluation.
type AlertState struct {
	Sink                string  `json:"sink"`
	ErrorRate           float64 `json:"error_rate"`
	WindowEvents        int     `json:"window_events"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// AlertFunc receives the state that satisfied the predicate.
type AlertFunc func(AlertState)

type flushOutcome struct {
	at time.Time
	ok bool
}

// alertMonitor evaluates a compiled expr predicate over a sliding
// window of flush outcomes and fires the callback on sustained failure.
// At most one alert fires per window to avoid storms.
type alertMonitor struct {
	mu          sync.Mutex
	program     *vm.Program
	window      time.Duration
	outcomes    []flushOutcome
	consecutive int
	lastFired   time.Time
	onAlert     AlertFunc
	nowFn       func() time.Time
}

func alertEnv() map[string]any {
	return map[string]any{
		"error_rate":           0.0,
		"window_events":        0,
		"consecutive_failures": 0,
	}
}

// newAlertMonitor compiles the predicate. An empty expression disables
// alerting and returns nil.
func newAlertMonitor(cfg config.AlertConfig) (*alertMonitor, error) {
	if cfg.Expression == "" {
		return nil, nil
	}
	program, err := expr.Compile(cfg.Expression, expr.Env(alertEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("siem: compile alert expression: %w", err)
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &alertMonitor{
		program: program,
		window:  window,
		nowFn:   time.Now,
	}, nil
}

// setCallback installs the alert receiver.
func (m *alertMonitor) setCallback(fn AlertFunc) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// record adds one flush outcome and evaluates the predicate.
func (m *alertMonitor) record(sink string, ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()

	now := m.nowFn()
	m.outcomes = append(m.outcomes, flushOutcome{at: now, ok: ok})
	if ok {
		m.consecutive = 0
	} else {
		m.consecutive++
	}

	// Prune outcomes that fell out of the window.
	cutoff := now.Add(-m.window)
	keep := m.outcomes[:0]
	for _, o := range m.outcomes {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	m.outcomes = keep

	failures := 0
	for _, o := range m.outcomes {
		if !o.ok {
			failures++
		}
	}
	state := AlertState{
		Sink:                sink,
		WindowEvents:        len(m.outcomes),
		ConsecutiveFailures: m.consecutive,
	}
	if state.WindowEvents > 0 {
		state.ErrorRate = float64(failures) / float64(state.WindowEvents)
	}

	fire := false
	if m.onAlert != nil && now.Sub(m.lastFired) >= m.window {
		out, err := expr.Run(m.program, map[string]any{
			"error_rate":           state.ErrorRate,
			"window_events":        state.WindowEvents,
			"consecutive_failures": state.ConsecutiveFailures,
		})
		if err == nil {
			fire, _ = out.(bool)
		}
	}
	var cb AlertFunc
	if fire {
		m.lastFired = now
		cb = m.onAlert
	}
	m.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

// snapshot returns the current window view for stats.
func (m *alertMonitor) snapshot() AlertState {
	if m == nil {
		return AlertState{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	failures := 0
	for _, o := range m.outcomes {
		if !o.ok {
			failures++
		}
	}
	state := AlertState{
		WindowEvents:        len(m.outcomes),
		ConsecutiveFailures: m.consecutive,
	}
	if state.WindowEvents > 0 {
		state.ErrorRate = float64(failures) / float64(state.WindowEvents)
	}
	return state
}
