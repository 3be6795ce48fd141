// Package server assembles the gateway's three HTTP surfaces: the
// public data plane, the mTLS federation listener, and the loopback
// admin listener. Long-lived infrastructure (stores, adapters, trust,
// metrics) is wired once at construction; the governance plane
// (policy client, injection detector, secret scanner, pipeline) hangs
// behind an atomic pointer so reloads swap it without pausing traffic.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/adapter/grpcadapter"
	"github.com/sark-io/sark/internal/adapter/httpadapter"
	"github.com/sark-io/sark/internal/adapter/mcp"
	"github.com/sark-io/sark/internal/audit"
	"github.com/sark-io/sark/internal/breaker"
	"github.com/sark-io/sark/internal/discovery"
	"github.com/sark-io/sark/internal/federation"
	"github.com/sark-io/sark/internal/identity"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/metrics"
	"github.com/sark-io/sark/internal/ratelimit"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/siem"
	"github.com/sark-io/sark/internal/tracing"
)

// Server owns the listeners and the component graph behind them.
type Server struct {
	configPath string
	startTime  time.Time
	nodeID     string

	registry *registry.Registry
	metrics  *metrics.Collector
	store    audit.Store
	siem     *siemHandle
	emitter  *audit.Emitter
	auth     *identity.Authenticator
	oidc     *identity.OIDCProvider
	adapters *adapter.Set
	trust    *federation.TrustStore
	router   *federation.Router
	tracer   *tracing.Tracer
	discover *discovery.Discoverer

	// fedWindow enforces per-peer hourly invocation budgets on the
	// federation listener.
	fedWindow *ratelimit.MemoryWindow
	keyWindow *ratelimit.MemoryWindow
	redis     *redis.Client

	plane atomic.Pointer[plane]

	public *http.Server
	fed    *http.Server
	admin  *http.Server

	cancelBG context.CancelFunc

	mu            sync.Mutex
	cfg           *config.Config
	reloadHistory []ReloadResult

	// reloadMu serializes whole reload attempts; s.mu only guards the
	// config pointer and history slice.
	reloadMu sync.Mutex

	logger *zap.Logger
}

// New builds the full component graph from cfg. configPath is kept for
// SIGHUP and admin-triggered reloads; it may be empty when the config
// did not come from a file.
func New(cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		configPath: configPath,
		startTime:  time.Now(),
		cfg:        cfg,
		logger:     logging.With(zap.String("component", "server")),
	}
	s.nodeID = cfg.Federation.NodeID
	if s.nodeID == "" {
		s.nodeID = uuid.NewString()
	}

	reg, err := registry.FromConfig(cfg.Resources)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	s.metrics = metrics.NewCollector()

	store, err := newAuditStore(cfg.Audit)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.siem = &siemHandle{}
	if len(cfg.SIEM.Sinks) > 0 {
		fwd, err := siem.New(cfg.SIEM, s.metrics)
		if err != nil {
			return nil, err
		}
		fwd.OnAlert(s.onSIEMAlert)
		s.siem.fwd.Store(fwd)
	}
	s.emitter = audit.NewEmitter(store, s.siem)

	if err := s.buildIdentity(cfg); err != nil {
		return nil, err
	}
	if err := s.buildAdapters(cfg); err != nil {
		return nil, err
	}

	trust, err := federation.NewTrustStore(cfg.Federation)
	if err != nil {
		return nil, err
	}
	s.trust = trust
	s.fedWindow = ratelimit.NewMemoryWindow(time.Hour)

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	s.tracer = tracer

	if cfg.Federation.Enabled {
		router, err := federation.NewRouter(cfg.Federation, federation.RouterOptions{
			Trust:    trust,
			Registry: reg,
			Audit:    s.emitter,
			Metrics:  s.metrics,
			Breaker:  cfg.Adapters.Defaults.Breaker,
			OnState:  s.onBreakerState,
		})
		if err != nil {
			return nil, err
		}
		s.router = router
	}

	if len(cfg.Discovery.Methods) > 0 {
		d, err := discovery.New(cfg.Discovery, reg)
		if err != nil {
			return nil, err
		}
		s.discover = d
	}

	pl, err := s.buildPlane(cfg)
	if err != nil {
		return nil, err
	}
	s.plane.Store(pl)

	s.public = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.publicHandler(cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Federation.Enabled {
		tlsCfg, err := trust.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		s.fed = &http.Server{
			Addr:         cfg.Federation.Listen,
			Handler:      s.federationHandler(),
			TLSConfig:    tlsCfg,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
	}
	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         cfg.Admin.Listen,
			Handler:      s.adminHandler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}
	return s, nil
}

// newAuditStore builds the configured audit backend.
func newAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return audit.NewMemoryStore(cfg.Capacity), nil
	case "file":
		return audit.NewFileStore(cfg.Path)
	default:
		return nil, fmt.Errorf("audit: unknown store %q", cfg.Store)
	}
}

// buildIdentity wires session and key stores, the authenticator, and
// the login providers.
func (s *Server) buildIdentity(cfg *config.Config) error {
	var sessions identity.SessionStore
	var window ratelimit.KeyedWindow
	if cfg.Sessions.Backend == "redis" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sessions = identity.NewRedisSessionStore(s.redis)
		window = ratelimit.NewRedisWindow(s.redis, "sark:keyrate:", time.Minute)
	} else {
		sessions = identity.NewMemorySessionStore()
		s.keyWindow = ratelimit.NewMemoryWindow(time.Minute)
		window = s.keyWindow
	}

	keys := identity.NewAPIKeyStore(cfg.Auth.AppName, cfg.Auth.Environment, window)
	s.auth = identity.NewAuthenticator(cfg.Auth, sessions, keys)

	if cfg.Auth.Providers.Local.Enabled {
		local, err := identity.NewLocalProvider(cfg.Auth.Providers.Local)
		if err != nil {
			return err
		}
		s.auth.RegisterProvider(local)
	}
	if cfg.Auth.Providers.OIDC.Enabled {
		oidc, err := identity.NewOIDCProvider(cfg.Auth.Providers.OIDC)
		if err != nil {
			return err
		}
		s.auth.RegisterProvider(oidc)
		s.oidc = oidc
	}
	return nil
}

// buildAdapters registers the four protocol adapters and announces the
// statically configured resources so per-resource state (auth
// appliers, schema validators, stdio processes) exists before traffic.
func (s *Server) buildAdapters(cfg *config.Config) error {
	defaults := cfg.Adapters.Defaults
	set := adapter.NewSet()
	set.Register(httpadapter.New(defaults, s.onBreakerState))
	set.Register(grpcadapter.New(defaults, s.onBreakerState))
	set.Register(mcp.NewHTTP(defaults, s.onBreakerState))
	set.Register(mcp.NewStdio(defaults, cfg.Stdio, s.onBreakerState, func(resource string) {
		s.metrics.RecordStdioRestart(resource)
	}))
	s.adapters = set

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, res := range s.registry.Resources() {
		if err := set.ResourceRegistered(ctx, res); err != nil {
			return fmt.Errorf("resource %s: %w", res.ID, err)
		}
	}
	return nil
}

// onBreakerState mirrors breaker transitions into the metrics gauge.
func (s *Server) onBreakerState(name string, from, to breaker.State) {
	s.metrics.SetBreakerState(name, int(to))
	s.logger.Info("Breaker state change",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// onSIEMAlert records a sustained sink delivery failure as a critical
// audit event. The event still rides the normal emit path: the store
// append is what matters, forwarding it to the failing sink is
// bounded by its queue.
func (s *Server) onSIEMAlert(state siem.AlertState) {
	s.logger.Error("SIEM delivery alert",
		zap.String("sink", state.Sink),
		zap.Float64("error_rate", state.ErrorRate),
		zap.Int("window_events", state.WindowEvents),
		zap.Int("consecutive_failures", state.ConsecutiveFailures))

	ev := &audit.Event{
		EventType:  audit.EventInternalError,
		Severity:   audit.SeverityCritical,
		Decision:   "alert",
		SourceNode: s.nodeID,
	}
	ev.Detail("alert", "siem_delivery").
		Detail("sink", state.Sink).
		Detail("error_rate", state.ErrorRate).
		Detail("consecutive_failures", state.ConsecutiveFailures)
	if err := s.emitter.Emit(context.Background(), ev); err != nil {
		s.logger.Error("Failed to audit SIEM alert", zap.Error(err))
	}
}

// siemHandle is the audit emitter's stable view of a swappable SIEM
// forwarder. Enqueue on an empty handle reports zero sinks, which the
// emitter treats as forwarding disabled.
type siemHandle struct {
	fwd atomic.Pointer[siem.Forwarder]
}

func (h *siemHandle) Enqueue(ev *audit.Event) int {
	if f := h.fwd.Load(); f != nil {
		return f.Enqueue(ev)
	}
	return 0
}

func (h *siemHandle) get() *siem.Forwarder { return h.fwd.Load() }

// currentConfig returns the live configuration snapshot.
func (s *Server) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// NodeID returns this gateway's federation identity.
func (s *Server) NodeID() string { return s.nodeID }

// Start launches the listeners and background loops. It returns once
// every listener is accepting, or the first bind error.
func (s *Server) Start() error {
	errCh := make(chan error, 3)

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBG = cancel

	cfg := s.currentConfig()
	go func() {
		s.logger.Info("Public listener starting",
			zap.String("addr", s.public.Addr),
			zap.Bool("tls", cfg.Server.TLS.Enabled))
		var err error
		if cfg.Server.TLS.Enabled {
			err = s.public.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = s.public.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()

	if s.fed != nil {
		go func() {
			s.logger.Info("Federation listener starting",
				zap.String("addr", s.fed.Addr),
				zap.String("node_id", s.nodeID))
			// Certificates come from the trust store's TLS config.
			if err := s.fed.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("federation listener: %w", err)
			}
		}()
		go s.router.MonitorHealth(bgCtx, 30*time.Second)
	}

	if s.admin != nil {
		go func() {
			s.logger.Info("Admin listener starting", zap.String("addr", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	go s.sessionCleanupLoop(bgCtx)
	if s.discover != nil {
		go s.discoverySweepLoop(bgCtx)
	}
	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, config.NewLoader(), func(next *config.Config) {
			res := s.Reload(next)
			if res.Success {
				s.logger.Info("Config file change applied", zap.Strings("changes", res.Changes))
			} else {
				s.logger.Error("Config file change rejected", zap.String("error", res.Error))
			}
		})
		if err != nil {
			s.logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			go w.Run(bgCtx)
		}
	}

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Run starts the server and blocks until SIGINT or SIGTERM. SIGHUP
// triggers a configuration reload.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			res := s.ReloadConfig()
			if res.Success {
				s.logger.Info("Configuration reloaded", zap.Strings("changes", res.Changes))
			} else {
				s.logger.Error("Configuration reload failed", zap.String("error", res.Error))
			}
			continue
		}
		s.logger.Info("Shutting down", zap.String("signal", sig.String()))
		return s.Shutdown(30 * time.Second)
	}
	return nil
}

// Shutdown drains the listeners and releases component resources. The
// admin listener goes down first so probes stop answering while the
// data plane drains.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.cancelBG != nil {
		s.cancelBG()
	}

	var firstErr error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.fed != nil {
		if err := s.fed.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.public.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if pl := s.plane.Load(); pl != nil {
		pl.policy.Close()
	}
	if fwd := s.siem.get(); fwd != nil {
		fwd.Close()
	}
	if err := s.adapters.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.discover != nil {
		if err := s.discover.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.fedWindow.Close()
	if s.keyWindow != nil {
		s.keyWindow.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.auth.Sessions().Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	logging.Sync()
	return firstErr
}

// sessionCleanupLoop prunes expired sessions. The memory store needs
// this to bound growth; the Redis store only prunes index leftovers.
func (s *Server) sessionCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.auth.Sessions().CleanupExpired(ctx)
			if err != nil {
				s.logger.Warn("Session cleanup failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("Expired sessions removed", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// discoverySweepLoop periodically adopts discovered services into the
// registry. Sweep-adopted resources carry no backend auth config;
// adapters treat them as anonymous endpoints.
func (s *Server) discoverySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.discover.Sweep(ctx)
			if err != nil {
				s.logger.Warn("Discovery sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("Discovery sweep adopted resources", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// healthSnapshot derives the gateway's health from component state:
// any open adapter breaker or unhealthy SIEM sink means degraded. The
// unhealthy tier is reserved for a gateway that cannot serve at all,
// which an answering handler by definition is not; it exists for
// probes that outlive a wedged listener.
func (s *Server) healthSnapshot(ctx context.Context) (string, map[string]any) {
	components := make(map[string]any, 6)
	degraded := false

	snaps := s.adapters.BreakerSnapshots()
	open := 0
	for _, b := range snaps {
		if b.State == breaker.StateOpen.String() {
			open++
		}
	}
	if open > 0 {
		degraded = true
	}
	components["adapters"] = map[string]any{"breakers": len(snaps), "open": open}

	siemStatus := "disabled"
	if fwd := s.siem.get(); fwd != nil {
		if fwd.Healthy() {
			siemStatus = "healthy"
		} else {
			siemStatus = "degraded"
			degraded = true
		}
	}
	components["siem"] = siemStatus

	components["registry"] = s.registry.Stats()
	if n, err := s.auth.Sessions().Count(ctx); err == nil {
		components["sessions"] = n
	}
	components["policy"] = s.plane.Load().policy.Stats()

	if s.router != nil {
		peers := make(map[string]string)
		offline := 0
		for _, n := range s.trust.EnabledNodes() {
			h := s.router.NodeHealth(n.NodeID)
			peers[n.NodeID] = h
			if h == federation.HealthOffline {
				offline++
			}
		}
		if offline > 0 && offline == len(peers) && len(peers) > 0 {
			degraded = true
		}
		components["federation"] = peers
	}

	status := "healthy"
	if degraded {
		status = "degraded"
	}
	return status, components
}
