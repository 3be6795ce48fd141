package server

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/bulk"
	"github.com/sark-io/sark/internal/injection"
	"github.com/sark-io/sark/internal/pipeline"
	"github.com/sark-io/sark/internal/policy"
	"github.com/sark-io/sark/internal/scanner"
	"github.com/sark-io/sark/internal/siem"
)

// reloadHistoryMax bounds the reload audit trail kept for the admin
// endpoint.
const reloadHistoryMax = 50

// plane bundles the hot-reloadable governance components. A reload
// builds a fresh plane and swaps the pointer; requests in flight keep
// the plane they started with.
type plane struct {
	policy   *policy.Client
	detector *injection.Detector
	scanner  *scanner.Scanner
	pipeline *pipeline.Pipeline
	bulk     *bulk.Executor
}

// buildPlane constructs the governance plane from cfg against the
// server's long-lived infrastructure.
func (s *Server) buildPlane(cfg *config.Config) (*plane, error) {
	detector, err := injection.New(cfg.Injection)
	if err != nil {
		return nil, err
	}

	var scan *scanner.Scanner
	if cfg.Scanner.Enabled != nil && !*cfg.Scanner.Enabled {
		scan = scanner.Disabled()
	} else {
		scan, err = scanner.New(cfg.Scanner.CustomPatterns)
		if err != nil {
			return nil, err
		}
	}

	pol := policy.New(cfg.Policy)

	var remote pipeline.Remote
	if s.router != nil {
		remote = s.router
	}
	pl := pipeline.New(pipeline.Options{
		Auth:     s.auth,
		Detector: detector,
		Policy:   pol,
		Registry: s.registry,
		Adapters: s.adapters,
		Scanner:  scan,
		Audit:    s.emitter,
		Metrics:  s.metrics,
		Tracer:   s.tracer,
		Remote:   remote,
		NodeID:   s.nodeID,
	})
	exec := bulk.New(bulk.Options{
		Policy:   pol,
		Detector: detector,
		Adapters: s.adapters,
		Registry: s.registry,
		Scanner:  scan,
		Audit:    s.emitter,
		Metrics:  s.metrics,
		NodeID:   s.nodeID,
	})

	return &plane{
		policy:   pol,
		detector: detector,
		scanner:  scan,
		pipeline: pl,
		bulk:     exec,
	}, nil
}

// ReloadResult records one reload attempt for the admin endpoint.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// ReloadConfig re-reads the config file and applies the hot sections.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		res := ReloadResult{Timestamp: time.Now(), Error: "no config file to reload from"}
		s.appendReloadHistory(res)
		return res
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		res := ReloadResult{Timestamp: time.Now(), Error: err.Error()}
		s.appendReloadHistory(res)
		return res
	}
	return s.Reload(cfg)
}

// Reload swaps the governance plane for one built from next: policy
// client and cache settings, injection rules, scanner patterns, and
// the executors riding on them. When the SIEM section changed the
// forwarder is rebuilt too. Listener addresses, auth providers, and
// static resources are not hot-reloadable; changes there are reported
// as requiring a restart.
func (s *Server) Reload(next *config.Config) ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	res := ReloadResult{Timestamp: time.Now()}

	newPlane, err := s.buildPlane(next)
	if err != nil {
		res.Error = err.Error()
		s.appendReloadHistory(res)
		return res
	}

	prev := s.currentConfig()

	var oldFwd *siem.Forwarder
	if !reflect.DeepEqual(prev.SIEM, next.SIEM) {
		var fwd *siem.Forwarder
		if len(next.SIEM.Sinks) > 0 {
			fwd, err = siem.New(next.SIEM, s.metrics)
			if err != nil {
				newPlane.policy.Close()
				res.Error = err.Error()
				s.appendReloadHistory(res)
				return res
			}
			fwd.OnAlert(s.onSIEMAlert)
		}
		oldFwd = s.siem.fwd.Swap(fwd)
	}

	old := s.plane.Swap(newPlane)

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	// Requests in flight keep the old plane; closing only stops its
	// cache sweeper, evaluation stays usable until they drain.
	if old != nil {
		old.policy.Close()
	}
	if oldFwd != nil {
		oldFwd.Close()
	}

	res.Success = true
	res.Changes = diffConfig(prev, next)
	s.appendReloadHistory(res)
	s.logger.Info("Reload applied", zap.Int("changes", len(res.Changes)))
	return res
}

func (s *Server) appendReloadHistory(res ReloadResult) {
	s.mu.Lock()
	s.reloadHistory = append(s.reloadHistory, res)
	if len(s.reloadHistory) > reloadHistoryMax {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-reloadHistoryMax:]
	}
	s.mu.Unlock()
}

func (s *Server) reloadHistorySnapshot() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

// diffConfig summarizes what a reload changed, in sorted order. Hot
// sections report what took effect; cold sections report that a
// restart is required.
func diffConfig(old, next *config.Config) []string {
	var changes []string
	if old == nil {
		return changes
	}

	if !reflect.DeepEqual(old.Policy, next.Policy) {
		changes = append(changes, "policy client rebuilt")
	}
	if !reflect.DeepEqual(old.Injection, next.Injection) {
		changes = append(changes, fmt.Sprintf("injection rules reloaded: mode=%s rules=%d",
			next.Injection.Mode, len(next.Injection.Rules)))
	}
	if !reflect.DeepEqual(old.Scanner, next.Scanner) {
		changes = append(changes, fmt.Sprintf("scanner patterns reloaded: custom=%d",
			len(next.Scanner.CustomPatterns)))
	}
	if !reflect.DeepEqual(old.SIEM, next.SIEM) {
		changes = append(changes, fmt.Sprintf("siem sinks reloaded: %d -> %d",
			len(old.SIEM.Sinks), len(next.SIEM.Sinks)))
	}
	if old.Federation.RateLimitPerHour != next.Federation.RateLimitPerHour {
		changes = append(changes, fmt.Sprintf("federation rate limit: %d -> %d per hour",
			old.Federation.RateLimitPerHour, next.Federation.RateLimitPerHour))
	}
	if !reflect.DeepEqual(old.Adapters, next.Adapters) {
		changes = append(changes, "adapter guard defaults updated (applies to new resources)")
	}

	cold := []struct {
		changed bool
		what    string
	}{
		{old.Server.Listen != next.Server.Listen, "server.listen"},
		{!reflect.DeepEqual(old.Server.TLS, next.Server.TLS), "server.tls"},
		{old.Admin.Listen != next.Admin.Listen, "admin.listen"},
		{!reflect.DeepEqual(old.Auth, next.Auth), "auth"},
		{old.Sessions.Backend != next.Sessions.Backend, "sessions.backend"},
		{old.Federation.Listen != next.Federation.Listen, "federation.listen"},
		{old.Federation.Enabled != next.Federation.Enabled, "federation.enabled"},
		{!reflect.DeepEqual(old.Resources, next.Resources), "resources"},
	}
	for _, c := range cold {
		if c.changed {
			changes = append(changes, c.what+" changed (restart required)")
		}
	}

	sort.Strings(changes)
	return changes
}
