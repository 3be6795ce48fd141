package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/audit"
	"github.com/sark-io/sark/internal/breaker"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/identity"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/metrics"
	"github.com/sark-io/sark/internal/pipeline"
	"github.com/sark-io/sark/internal/registry"
)

// Node health statuses as reported by peer /health probes.
const (
	HealthOnline   = "online"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
	HealthUnknown  = "unknown"
)

const (
	routeCacheSize = 512
	routeCacheTTL  = 5 * time.Minute
	probeFanout    = 8

	// maxPeerResponseBytes bounds what a peer can make us buffer.
	maxPeerResponseBytes = 4 << 20
)

// RouteEntry records where a resource can be invoked. The local node
// appears as a synthetic entry with zero latency and no endpoint.
type RouteEntry struct {
	ResourceID   string    `json:"resource_id"`
	NodeID       string    `json:"node_id"`
	Endpoint     string    `json:"endpoint,omitempty"`
	LastVerified time.Time `json:"last_verified"`
	HealthStatus string    `json:"health_status"`
	LatencyMS    int64     `json:"latency_ms"`
}

// FederatedRequest describes an invocation to forward to a peer.
// ParentCorrelationID links the caller's audit trail to the fresh
// correlation id minted for the cross-node hop.
type FederatedRequest struct {
	ResourceID          string
	CapabilityID        string
	PrincipalID         string
	Arguments           map[string]any
	ParentCorrelationID string
}

// InvokePayload is the wire form of a cross-node invocation. Inbound
// federation handlers decode the same shape.
type InvokePayload struct {
	ResourceID   string         `json:"resource_id"`
	CapabilityID string         `json:"capability_id"`
	PrincipalID  string         `json:"principal_id"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Context      InvokeContext  `json:"context"`
}

// InvokeContext carries the cross-node provenance of an invocation.
type InvokeContext struct {
	SourceNodeID  string `json:"source_node_id"`
	CorrelationID string `json:"correlation_id"`
}

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	Trust    *TrustStore
	Registry *registry.Registry
	Audit    *audit.Emitter
	Metrics  *metrics.Collector
	Breaker  config.BreakerConfig
	OnState  breaker.StateHook
}

// Router resolves resources across the federation and forwards
// invocations to peers over mTLS. Each peer gets its own circuit
// breaker; open breakers drop the peer from routing and invocation.
type Router struct {
	nodeID        string
	trust         *TrustStore
	registry      *registry.Registry
	audit         *audit.Emitter
	metrics       *metrics.Collector
	breakers      *breaker.Group
	client        *http.Client
	routes        *expirable.LRU[string, []*RouteEntry]
	peerTimeout   time.Duration
	healthTimeout time.Duration
	logger        *zap.Logger

	healthMu   sync.RWMutex
	nodeHealth map[string]string
}

// NewRouter builds the federation router, including the shared mTLS
// HTTP client used for probes, invocations, and health checks.
func NewRouter(cfg config.FederationConfig, opts RouterOptions) (*Router, error) {
	tlsCfg, err := opts.Trust.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsCfg,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	peerTimeout := time.Duration(cfg.PeerTimeoutSeconds) * time.Second
	if peerTimeout <= 0 {
		peerTimeout = 30 * time.Second
	}
	healthTimeout := time.Duration(cfg.HealthTimeoutSeconds) * time.Second
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	return &Router{
		nodeID:        cfg.NodeID,
		trust:         opts.Trust,
		registry:      opts.Registry,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		breakers:      breaker.NewGroup(opts.Breaker, opts.OnState),
		client:        &http.Client{Transport: transport},
		routes:        expirable.NewLRU[string, []*RouteEntry](routeCacheSize, nil, routeCacheTTL),
		peerTimeout:   peerTimeout,
		healthTimeout: healthTimeout,
		logger:        logging.With(zap.String("component", "federation"), zap.String("node_id", cfg.NodeID)),
		nodeHealth:    make(map[string]string),
	}, nil
}

// Breakers exposes the per-peer breaker group for admin snapshots.
func (r *Router) Breakers() *breaker.Group { return r.breakers }

// FlushRoutes empties the route cache. Config reloads and resource
// registrations call this so stale placements age out immediately.
func (r *Router) FlushRoutes() { r.routes.Purge() }

// FindRoute resolves every placement of a resource, ranked by latency
// with the preferred node first. A local registry hit yields a
// synthetic zero-latency route. Peers behind an open breaker are
// dropped; unhealthy peers are dropped unless includeUnhealthy is set.
func (r *Router) FindRoute(ctx context.Context, resourceID, preferredNode string, includeUnhealthy bool) []*RouteEntry {
	var routes []*RouteEntry
	if res, ok := r.registry.Resource(resourceID); ok {
		routes = append(routes, &RouteEntry{
			ResourceID:   res.ID,
			NodeID:       r.nodeID,
			LastVerified: time.Now().UTC(),
			HealthStatus: HealthOnline,
		})
	}
	peers, ok := r.routes.Get(resourceID)
	if !ok {
		peers = r.probePeers(ctx, resourceID)
		// Empty results are cached too, so a missing resource does not
		// hammer the federation on every lookup.
		r.routes.Add(resourceID, peers)
	}
	routes = append(routes, peers...)
	return r.rank(routes, preferredNode, includeUnhealthy)
}

// probePeers asks every enabled peer whether it hosts the resource.
func (r *Router) probePeers(ctx context.Context, resourceID string) []*RouteEntry {
	var (
		mu      sync.Mutex
		entries []*RouteEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeFanout)
	for _, n := range r.trust.EnabledNodes() {
		if n.NodeID == r.nodeID || n.Endpoint == "" {
			continue
		}
		n := n
		g.Go(func() error {
			// A peer miss or outage never fails the sweep.
			if entry := r.probeNode(gctx, n, resourceID); entry != nil {
				mu.Lock()
				entries = append(entries, entry)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return entries
}

func (r *Router) probeNode(ctx context.Context, n *Node, resourceID string) *RouteEntry {
	ctx, cancel := context.WithTimeout(ctx, r.peerTimeout)
	defer cancel()
	target := strings.TrimRight(n.Endpoint, "/") + "/federation/resources/" + url.PathEscape(resourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil
	}
	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("peer probe failed", zap.String("peer", n.NodeID), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxPeerResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	return &RouteEntry{
		ResourceID:   resourceID,
		NodeID:       n.NodeID,
		Endpoint:     n.Endpoint,
		LastVerified: time.Now().UTC(),
		HealthStatus: HealthOnline,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
}

// rank copies entries before filtering so cached slices are never
// mutated. Never-probed peers rank as online until the health monitor
// says otherwise.
func (r *Router) rank(routes []*RouteEntry, preferred string, includeUnhealthy bool) []*RouteEntry {
	out := make([]*RouteEntry, 0, len(routes))
	for _, rt := range routes {
		e := *rt
		if e.NodeID != r.nodeID {
			if r.breakers.Get(e.NodeID).State() == breaker.StateOpen {
				continue
			}
			if status := r.healthOf(e.NodeID); status != HealthUnknown {
				e.HealthStatus = status
			}
		}
		if !includeUnhealthy && e.HealthStatus != HealthOnline {
			continue
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].NodeID == preferred, out[j].NodeID == preferred
		if pi != pj {
			return pi
		}
		return out[i].LatencyMS < out[j].LatencyMS
	})
	return out
}

func (r *Router) healthOf(nodeID string) string {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	if status, ok := r.nodeHealth[nodeID]; ok {
		return status
	}
	return HealthUnknown
}

// InvokeFederated forwards an invocation to the named peer with a
// freshly minted correlation id and records a federated audit event
// for both outcomes. Failures are normalized into the result the way
// adapters do, so callers never branch on an error return.
func (r *Router) InvokeFederated(ctx context.Context, nodeID string, req *FederatedRequest) *adapter.InvocationResult {
	node, ok := r.trust.Node(nodeID)
	if !ok {
		return adapter.Fail(gwerrors.KindValidation, fmt.Errorf("unknown federation node %s", nodeID))
	}
	if !node.Enabled {
		return adapter.Fail(gwerrors.KindAuthorization, fmt.Errorf("federation node %s is revoked", nodeID))
	}
	if node.Endpoint == "" {
		return adapter.Fail(gwerrors.KindValidation, fmt.Errorf("federation node %s has no endpoint", nodeID))
	}
	b := r.breakers.Get(nodeID)
	if err := b.Allow(); err != nil {
		return adapter.Fail(gwerrors.KindCircuitOpen, fmt.Errorf("federation node %s: %w", nodeID, err))
	}

	correlationID := uuid.NewString()
	payload := &InvokePayload{
		ResourceID:   req.ResourceID,
		CapabilityID: req.CapabilityID,
		PrincipalID:  req.PrincipalID,
		Arguments:    req.Arguments,
		Context: InvokeContext{
			SourceNodeID:  r.nodeID,
			CorrelationID: correlationID,
		},
	}

	start := time.Now()
	result, err := r.post(ctx, node, payload)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		b.RecordFailure()
		r.metrics.RecordFederationInvoke(nodeID, "failure")
		result = adapter.Fail(adapter.ErrorType(err), err)
		result.DurationMS = elapsed
		r.auditFederated(ctx, node, req, correlationID, result)
		return result
	}

	// The peer answered; a governance denial on the far side is not a
	// peer outage.
	b.RecordSuccess()
	if result.Success {
		r.metrics.RecordFederationInvoke(nodeID, "success")
	} else {
		r.metrics.RecordFederationInvoke(nodeID, "denied")
	}
	if result.DurationMS == 0 {
		result.DurationMS = elapsed
	}
	r.auditFederated(ctx, node, req, correlationID, result)
	return result
}

func (r *Router) post(ctx context.Context, node *Node, payload *InvokePayload) (*adapter.InvocationResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("federation: marshal payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.peerTimeout)
	defer cancel()
	target := strings.TrimRight(node.Endpoint, "/") + "/federation/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("federation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federation: %s: %w", node.NodeID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("federation: read response from %s: %w", node.NodeID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation: %s returned status %d", node.NodeID, resp.StatusCode)
	}
	var result adapter.InvocationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("federation: decode result from %s: %w", node.NodeID, err)
	}
	return &result, nil
}

func (r *Router) auditFederated(ctx context.Context, node *Node, req *FederatedRequest, correlationID string, result *adapter.InvocationResult) {
	ev := &audit.Event{
		EventType:     audit.EventFederatedInvocation,
		Severity:      audit.DeriveSeverity(result.Success, "", 0, 0),
		PrincipalID:   req.PrincipalID,
		ResourceID:    req.ResourceID,
		CapabilityID:  req.CapabilityID,
		CorrelationID: correlationID,
		SourceNode:    r.nodeID,
		TargetNode:    node.NodeID,
		DurationMS:    result.DurationMS,
	}
	ev.Detail("action", "invoke")
	ev.Detail("success", result.Success)
	if req.ParentCorrelationID != "" && req.ParentCorrelationID != correlationID {
		ev.Detail("parent_correlation_id", req.ParentCorrelationID)
	}
	if !result.Success {
		ev.Detail("error", result.Error)
		ev.Detail("error_type", result.ErrorType)
	}
	if err := r.audit.Emit(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Error("federated audit failed",
			zap.String("peer", node.NodeID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}

// InvokeRemote satisfies the pipeline's federation hook: find a peer
// hosting the capability's resource and invoke there. Local-only
// placements report unhandled so the pipeline rejects normally.
func (r *Router) InvokeRemote(ctx context.Context, principal *identity.Principal, inv *pipeline.Invocation, args map[string]any) (*adapter.InvocationResult, string, bool) {
	var target *RouteEntry
	for _, rt := range r.FindRoute(ctx, inv.ResourceID, "", false) {
		if rt.NodeID != r.nodeID {
			target = rt
			break
		}
	}
	if target == nil {
		return nil, "", false
	}
	result := r.InvokeFederated(ctx, target.NodeID, &FederatedRequest{
		ResourceID:          inv.ResourceID,
		CapabilityID:        inv.CapabilityID,
		PrincipalID:         principal.ID,
		Arguments:           args,
		ParentCorrelationID: inv.CorrelationID,
	})
	return result, target.NodeID, true
}

// CheckNodeHealth probes a peer's /health endpoint and records the
// status: online on 200, degraded on any other response, offline when
// unreachable.
func (r *Router) CheckNodeHealth(ctx context.Context, nodeID string) string {
	node, ok := r.trust.Node(nodeID)
	if !ok || node.Endpoint == "" {
		return HealthUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()
	target := strings.TrimRight(node.Endpoint, "/") + "/health"
	status := HealthOffline
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err == nil {
		resp, err := r.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				status = HealthOnline
			} else {
				status = HealthDegraded
			}
		}
	}
	r.healthMu.Lock()
	r.nodeHealth[nodeID] = status
	r.healthMu.Unlock()
	return status
}

// NodeHealth returns the last recorded status for a peer.
func (r *Router) NodeHealth(nodeID string) string {
	return r.healthOf(nodeID)
}

// MonitorHealth probes every enabled peer at the given interval until
// the context is cancelled.
func (r *Router) MonitorHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range r.trust.EnabledNodes() {
				if n.NodeID == r.nodeID || n.Endpoint == "" {
					continue
				}
				r.CheckNodeHealth(ctx, n.NodeID)
			}
		}
	}
}

// CorrelateAuditEvents merges matching events from the local store and
// every enabled peer, ordered by timestamp. A peer that cannot answer
// drops its slice, never the whole correlation.
func (r *Router) CorrelateAuditEvents(ctx context.Context, q audit.Query) ([]*audit.Event, error) {
	events, err := r.audit.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeFanout)
	for _, n := range r.trust.EnabledNodes() {
		if n.NodeID == r.nodeID || n.Endpoint == "" {
			continue
		}
		n := n
		g.Go(func() error {
			remote, err := r.peerAudit(gctx, n, q)
			if err != nil {
				r.logger.Warn("peer audit query failed", zap.String("peer", n.NodeID), zap.Error(err))
				return nil
			}
			mu.Lock()
			events = append(events, remote...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return events, nil
}

func (r *Router) peerAudit(ctx context.Context, n *Node, q audit.Query) ([]*audit.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.peerTimeout)
	defer cancel()
	u, err := url.Parse(strings.TrimRight(n.Endpoint, "/") + "/federation/audit")
	if err != nil {
		return nil, err
	}
	vals := url.Values{}
	if q.CorrelationID != "" {
		vals.Set("correlation_id", q.CorrelationID)
	}
	if q.PrincipalID != "" {
		vals.Set("principal_id", q.PrincipalID)
	}
	if q.ResourceID != "" {
		vals.Set("resource_id", q.ResourceID)
	}
	if q.EventType != "" {
		vals.Set("event_type", q.EventType)
	}
	if !q.Since.IsZero() {
		vals.Set("since", q.Since.Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		vals.Set("until", q.Until.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var events []*audit.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

var _ pipeline.Remote = (*Router)(nil)
