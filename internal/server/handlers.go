package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/audit"
	"github.com/sark-io/sark/internal/bulk"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/federation"
	"github.com/sark-io/sark/internal/identity"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/pipeline"
	"github.com/sark-io/sark/internal/registry"
)

// publicHandler builds the data-plane surface: login flows, invocation,
// and health.
func (s *Server) publicHandler(cfg *config.Config) http.Handler {
	r := newRouter()

	r.HandlerFunc(http.MethodPost, "/auth/login", s.handleLogin)
	r.HandlerFunc(http.MethodGet, "/auth/oidc/authorize", s.handleOIDCAuthorize)
	r.HandlerFunc(http.MethodGet, "/auth/oidc/callback", s.handleOIDCCallback)
	r.HandlerFunc(http.MethodPost, "/auth/logout", s.handleLogout)
	r.HandlerFunc(http.MethodPost, "/auth/logout/all", s.handleLogoutAll)
	r.HandlerFunc(http.MethodGet, "/auth/status", s.handleAuthStatus)

	r.HandlerFunc(http.MethodPost, "/invoke", s.handleInvoke)
	r.HandlerFunc(http.MethodPost, "/invoke/stream", s.handleInvokeStream)
	r.HandlerFunc(http.MethodPost, "/invoke/bulk", s.handleInvokeBulk)

	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)

	mws := []middleware{
		recoveryMW(),
		requestIDMW(),
		accessLogMW(map[string]bool{"/health": true}),
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		mws = append(mws, corsMW(cfg.Server.CORSOrigins))
	}
	mws = append(mws, bodyLimitMW(cfg.Server.MaxBodyBytes))
	return chain(r, mws...)
}

// federationHandler builds the mTLS peer surface. Every route except
// health requires the client certificate to resolve to a trusted node;
// the TLS layer has already rejected strangers, so a miss here means a
// first-contact peer that may only establish trust.
func (s *Server) federationHandler() http.Handler {
	r := newRouter()

	r.HandlerFunc(http.MethodPost, "/federation/trust/establish", s.handleTrustEstablish)
	r.HandlerFunc(http.MethodPost, "/federation/trust/challenge", s.handleTrustChallenge)
	r.HandlerFunc(http.MethodPost, "/federation/invoke", s.handleFederatedInvoke)
	r.HandlerFunc(http.MethodGet, "/federation/resources/:id", s.handleFederatedResource)
	r.HandlerFunc(http.MethodGet, "/federation/audit", s.handleFederatedAudit)
	r.HandlerFunc(http.MethodGet, "/federation/health", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)

	return chain(r,
		recoveryMW(),
		requestIDMW(),
		accessLogMW(map[string]bool{"/health": true, "/federation/health": true}),
	)
}

// adminHandler builds the loopback operations surface.
func (s *Server) adminHandler() http.Handler {
	r := newRouter()

	r.HandlerFunc(http.MethodGet, "/metrics", s.handleMetrics)
	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)

	r.HandlerFunc(http.MethodGet, "/admin/config", s.handleAdminConfig)
	r.HandlerFunc(http.MethodPost, "/admin/reload", s.handleAdminReload)
	r.HandlerFunc(http.MethodGet, "/admin/reload/status", s.handleAdminReloadStatus)
	r.HandlerFunc(http.MethodGet, "/admin/breakers", s.handleAdminBreakers)
	r.HandlerFunc(http.MethodGet, "/admin/siem/stats", s.handleAdminSIEMStats)

	r.HandlerFunc(http.MethodGet, "/admin/resources", s.handleAdminResources)
	r.HandlerFunc(http.MethodPost, "/admin/resources", s.handleAdminResourceCreate)
	r.HandlerFunc(http.MethodGet, "/admin/resources/:id", s.handleAdminResourceGet)
	r.HandlerFunc(http.MethodDelete, "/admin/resources/:id", s.handleAdminResourceDelete)
	r.HandlerFunc(http.MethodPost, "/admin/resources/:id/discover", s.handleAdminResourceDiscover)

	r.HandlerFunc(http.MethodGet, "/admin/audit/events", s.handleAdminAuditEvents)

	r.HandlerFunc(http.MethodGet, "/admin/federation/nodes", s.handleAdminFederationNodes)
	r.HandlerFunc(http.MethodPost, "/admin/federation/nodes", s.handleAdminFederationNodeAdd)
	r.HandlerFunc(http.MethodDelete, "/admin/federation/nodes/:id", s.handleAdminFederationNodeRevoke)
	r.HandlerFunc(http.MethodGet, "/admin/federation/routes", s.handleAdminFederationRoutes)

	r.HandlerFunc(http.MethodGet, "/admin/apikeys", s.handleAdminAPIKeys)
	r.HandlerFunc(http.MethodPost, "/admin/apikeys", s.handleAdminAPIKeyProvision)
	r.HandlerFunc(http.MethodDelete, "/admin/apikeys/:id", s.handleAdminAPIKeyRevoke)

	r.HandlerFunc(http.MethodGet, "/admin/sessions/:principal", s.handleAdminSessions)

	return chain(r,
		recoveryMW(),
		requestIDMW(),
		accessLogMW(map[string]bool{"/metrics": true, "/health": true}),
	)
}

// newRouter builds an httprouter with JSON error responses.
func newRouter() *httprouter.Router {
	r := httprouter.New()
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gwerrors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gwerrors.ErrMethodNotAllowed.WriteJSON(w)
	})
	return r
}

func pathParam(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already committed; nothing to send the client.
		logging.Debug("Response encode failed", zap.Error(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		gwerrors.ErrBadRequest.
			WithDetails(err.Error()).
			WithRequestID(requestID(r)).
			WriteJSON(w)
		return false
	}
	return true
}

// --- authentication ---

type loginRequest struct {
	Provider   string `json:"provider"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" {
		req.Provider = "local"
	}

	sess, err := s.auth.Login(r.Context(), req.Provider, req.Username, req.Password,
		req.RememberMe, identity.ClientIP(r), r.UserAgent())
	if err != nil {
		s.metrics.RecordAuth("session", "failure")
		if errors.Is(err, identity.ErrUnknownProvider) {
			gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
			return
		}
		// Credential errors all collapse to 401; the provider's reason
		// stays in the server log only.
		s.logger.Info("Login failed",
			zap.String("provider", req.Provider),
			zap.String("username", req.Username),
			zap.String("ip", identity.ClientIP(r)))
		gwerrors.ErrUnauthorized.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	s.metrics.RecordAuth("session", "success")
	s.setSessionCookie(w, sess.ID, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.currentConfig().Server.TLS.Enabled,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "session_id",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func (s *Server) handleOIDCAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.oidc == nil {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	state, err := s.oidc.NewState()
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	http.Redirect(w, r, s.oidc.AuthorizeURL(state), http.StatusTemporaryRedirect)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if s.oidc == nil {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		gwerrors.ErrBadRequest.WithDetails("code and state are required").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	if err := s.oidc.ConsumeState(state); err != nil {
		gwerrors.ErrUnauthorized.WithDetails("invalid state").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	tok, err := s.oidc.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn("OIDC code exchange failed", zap.Error(err))
		gwerrors.ErrUnauthorized.WithDetails("code exchange failed").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	info, err := s.oidc.VerifyIDToken(r.Context(), tok.IDToken)
	if err != nil {
		s.logger.Warn("OIDC token verification failed", zap.Error(err))
		gwerrors.ErrUnauthorized.WithDetails("token verification failed").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	sess, err := s.auth.CreateSession(r.Context(), "oidc", info, false,
		identity.ClientIP(r), r.UserAgent())
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	s.metrics.RecordAuth("session", "success")
	s.setSessionCookie(w, sess.ID, sess.ExpiresAt)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := identity.ExtractCredentials(r)
	if sessionID == "" {
		gwerrors.ErrUnauthorized.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	if err := s.auth.Logout(r.Context(), sessionID); err != nil {
		s.logger.Debug("Logout of unknown session", zap.Error(err))
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	auth, err := s.auth.Authenticate(r.Context(), r, identity.ScopeInvoke)
	if err != nil {
		gwerrors.ErrUnauthorized.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	n, err := s.auth.LogoutAll(r.Context(), auth.Principal.ID)
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"logged_out": true, "sessions_invalidated": n})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	auth, err := s.auth.Authenticate(r.Context(), r, identity.ScopeInvoke)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	resp := map[string]any{
		"authenticated": true,
		"principal_id":  auth.Principal.ID,
		"method":        auth.Method,
	}
	if auth.Session != nil {
		resp["session"] = auth.Session
		resp["provider"] = auth.Session.Provider
		resp["expires_at"] = auth.Session.ExpiresAt
	}
	if auth.Key != nil {
		resp["key_prefix"] = auth.Key.Prefix
		if auth.Key.ExpiresAt != nil {
			resp["expires_at"] = auth.Key.ExpiresAt
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- invocation ---

type invokeRequest struct {
	CapabilityID string         `json:"capability_id"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Arguments    map[string]any `json:"arguments"`
	Context      map[string]any `json:"context,omitempty"`
	TimeoutMS    int64          `json:"timeout_ms,omitempty"`
}

func (req *invokeRequest) invocation(r *http.Request) *pipeline.Invocation {
	inv := &pipeline.Invocation{
		RequestID:    requestID(r),
		CapabilityID: req.CapabilityID,
		ResourceID:   req.ResourceID,
		Arguments:    req.Arguments,
	}
	if req.TimeoutMS > 0 {
		inv.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if cid, ok := req.Context["correlation_id"].(string); ok {
		inv.CorrelationID = cid
	}
	return inv
}

// handleInvoke runs one capability call through the pipeline. The
// response is always a structured InvocationResult; only transport
// level failures (bad JSON, missing credentials) surface as HTTP
// errors.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CapabilityID == "" {
		gwerrors.ErrBadRequest.WithDetails("capability_id is required").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	result := s.plane.Load().pipeline.Execute(r.Context(), r, req.invocation(r))
	writeJSON(w, resultStatus(result), result)
}

// resultStatus maps a rejection's taxonomy tag onto the HTTP status.
// Authentication and validation failures keep their conventional
// codes; everything else, policy denials included, is a completed
// invocation and answers 200 with the structured result.
func resultStatus(result *adapter.InvocationResult) int {
	switch result.ErrorType {
	case gwerrors.KindAuthentication:
		return http.StatusUnauthorized
	case gwerrors.KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// handleInvokeStream opens an SSE stream of response chunks. Rejections
// before the stream starts surface as a single JSON InvocationResult;
// once streaming, failures arrive as a terminal error frame.
func (s *Server) handleInvokeStream(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CapabilityID == "" {
		gwerrors.ErrBadRequest.WithDetails("capability_id is required").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		gwerrors.ErrInternalServer.WithDetails("streaming unsupported").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	chunks, rejection := s.plane.Load().pipeline.ExecuteStream(r.Context(), r, req.invocation(r))
	if rejection != nil {
		writeJSON(w, resultStatus(rejection), rejection)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk.Event != "" {
			fmt.Fprintf(w, "event: %s\n", chunk.Event)
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
		flusher.Flush()
	}
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

func (s *Server) handleInvokeBulk(w http.ResponseWriter, r *http.Request) {
	auth, err := s.auth.Authenticate(r.Context(), r, identity.ScopeInvoke)
	if err != nil {
		s.metrics.RecordAuth(credentialLabel(r), "failure")
		gwerrors.ErrUnauthorized.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	s.metrics.RecordAuth(string(auth.Method), "success")

	var req bulk.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := &bulk.Caller{
		Principal:  auth.Principal,
		AuthMethod: string(auth.Method),
		IP:         identity.ClientIP(r),
	}
	result, err := s.plane.Load().bulk.Execute(r.Context(), caller, &req)
	if err != nil {
		gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func credentialLabel(r *http.Request) string {
	if sessionID, _ := identity.ExtractCredentials(r); sessionID != "" {
		return "session"
	}
	return "api_key"
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, components := s.healthSnapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"node_id":    s.nodeID,
		"uptime":     time.Since(s.startTime).String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

// --- federation surface ---

// peerNode resolves the mTLS client certificate to a trusted node.
func (s *Server) peerNode(r *http.Request) (*federation.Node, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, false
	}
	fp := federation.Fingerprint(r.TLS.PeerCertificates[0])
	return s.trust.NodeByFingerprint(fp)
}

func (s *Server) handleTrustEstablish(w http.ResponseWriter, r *http.Request) {
	var req federation.EstablishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.trust.EstablishTrust(&req)
	if err != nil {
		s.logger.Warn("Trust establishment rejected",
			zap.String("node_id", req.NodeID),
			zap.Error(err))
		gwerrors.ErrForbidden.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type challengeRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) handleTrustChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		gwerrors.ErrBadRequest.WithDetails("node_id is required").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	token, err := s.trust.GenerateChallenge(req.NodeID)
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":  token,
		"expires_in": 300,
	})
}

// handleFederatedInvoke serves invocations arriving from peers. The
// principal is asserted by the source node; local policy still decides
// whether it may touch the capability.
func (s *Server) handleFederatedInvoke(w http.ResponseWriter, r *http.Request) {
	node, ok := s.peerNode(r)
	if !ok || !node.Enabled {
		gwerrors.ErrForbidden.WithDetails("unrecognized federation peer").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	if limit := node.RateLimitPerHour; limit > 0 {
		allowed, _, _, err := s.fedWindow.Allow(r.Context(), node.NodeID, limit)
		if err == nil && !allowed {
			gwerrors.ErrTooManyRequests.WithRequestID(requestID(r)).WriteJSON(w)
			return
		}
	}

	var payload federation.InvokePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.CapabilityID == "" || payload.Context.CorrelationID == "" {
		gwerrors.ErrBadRequest.
			WithDetails("capability_id and context.correlation_id are required").
			WithRequestID(requestID(r)).WriteJSON(w)
		return
	}

	auth := &identity.AuthResult{
		Principal: &identity.Principal{
			ID:         payload.PrincipalID,
			Kind:       identity.KindAgent,
			Role:       "federated",
			TrustLevel: identity.TrustTrusted,
		},
		Method: identity.MethodFederation,
	}
	inv := &pipeline.Invocation{
		RequestID:     requestID(r),
		CorrelationID: payload.Context.CorrelationID,
		CapabilityID:  payload.CapabilityID,
		ResourceID:    payload.ResourceID,
		Arguments:     payload.Arguments,
		IP:            identity.ClientIP(r),
		UserAgent:     r.UserAgent(),
		SourceNode:    payload.Context.SourceNodeID,
	}
	result := s.plane.Load().pipeline.ExecuteAs(r.Context(), auth, inv)
	s.metrics.RecordFederationInvoke(node.NodeID, outcomeLabel(result.Success))
	writeJSON(w, http.StatusOK, result)
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// handleFederatedResource answers peer route probes: 200 with the
// resource when hosted here, 404 otherwise.
func (s *Server) handleFederatedResource(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.peerNode(r); !ok {
		gwerrors.ErrForbidden.WithDetails("unrecognized federation peer").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	res, ok := s.registry.Resource(pathParam(r, "id"))
	if !ok {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFederatedAudit serves cross-node audit correlation queries from
// peers. Only the local store is consulted; fan-out is the caller's
// job, or every pair of nodes would query each other forever.
func (s *Server) handleFederatedAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.peerNode(r); !ok {
		gwerrors.ErrForbidden.WithDetails("unrecognized federation peer").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	events, err := s.emitter.Query(r.Context(), auditQueryFrom(r))
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "node_id": s.nodeID})
}

func auditQueryFrom(r *http.Request) audit.Query {
	q := r.URL.Query()
	out := audit.Query{
		CorrelationID: q.Get("correlation_id"),
		PrincipalID:   q.Get("principal_id"),
		ResourceID:    q.Get("resource_id"),
		EventType:     q.Get("event_type"),
		MinSeverity:   audit.Severity(q.Get("min_severity")),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.Until = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			out.Limit = n
		}
	}
	return out
}

// --- admin surface ---

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.WritePrometheus(w)
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	redacted, err := config.RedactConfig(s.currentConfig())
	if err != nil {
		gwerrors.ErrInternalServer.WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	res := s.ReloadConfig()
	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

func (s *Server) handleAdminReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": s.reloadHistorySnapshot()})
}

func (s *Server) handleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"adapters": s.adapters.BreakerSnapshots()}
	if s.router != nil {
		resp["federation"] = s.router.Breakers().Snapshots()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminSIEMStats(w http.ResponseWriter, r *http.Request) {
	fwd := s.siem.get()
	if fwd == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, fwd.Stats())
}

func (s *Server) handleAdminResources(w http.ResponseWriter, r *http.Request) {
	resources := s.registry.Resources()
	out := make([]map[string]any, 0, len(resources))
	for _, res := range resources {
		out = append(out, map[string]any{
			"resource":     res,
			"capabilities": len(s.registry.CapabilitiesFor(res.ID)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": out, "stats": s.registry.Stats()})
}

type adminResourceRequest struct {
	Resource     *registry.Resource     `json:"resource"`
	Capabilities []*registry.Capability `json:"capabilities,omitempty"`
}

func (s *Server) handleAdminResourceCreate(w http.ResponseWriter, r *http.Request) {
	var req adminResourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Resource == nil || req.Resource.ID == "" {
		gwerrors.ErrBadRequest.WithDetails("resource.id is required").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	req.Resource.Source = "admin"
	if err := s.registry.AddResource(req.Resource); err != nil {
		gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	for _, c := range req.Capabilities {
		c.ResourceID = req.Resource.ID
		if c.ID == "" {
			c.ID = req.Resource.ID + "." + c.Name
		}
		if err := s.registry.AddCapability(c); err != nil {
			s.registry.RemoveResource(req.Resource.ID)
			gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
			return
		}
	}
	if err := s.adapters.ResourceRegistered(r.Context(), req.Resource); err != nil {
		s.registry.RemoveResource(req.Resource.ID)
		gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, req.Resource)
}

func (s *Server) handleAdminResourceGet(w http.ResponseWriter, r *http.Request) {
	res, ok := s.registry.Resource(pathParam(r, "id"))
	if !ok {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":     res,
		"capabilities": s.registry.CapabilitiesFor(res.ID),
	})
}

func (s *Server) handleAdminResourceDelete(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	res, ok := s.registry.Resource(id)
	if !ok {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	s.adapters.ResourceUnregistered(res)
	if err := s.registry.RemoveResource(id); err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

// handleAdminResourceDiscover re-runs capability discovery for one
// resource and adopts the result into the registry.
func (s *Server) handleAdminResourceDiscover(w http.ResponseWriter, r *http.Request) {
	res, ok := s.registry.Resource(pathParam(r, "id"))
	if !ok {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	ad, err := s.adapters.ForResource(res)
	if err != nil {
		gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	caps, err := ad.Capabilities(r.Context(), res)
	if err != nil {
		gwerrors.ErrServiceUnavailable.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	if err := s.registry.AdoptDiscovered(res.ID, caps); err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id":  res.ID,
		"capabilities": caps,
	})
}

// handleAdminAuditEvents queries the local audit trail, or the whole
// federation when federated=true.
func (s *Server) handleAdminAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := auditQueryFrom(r)

	var (
		events []*audit.Event
		err    error
	)
	if r.URL.Query().Get("federated") == "true" && s.router != nil {
		events, err = s.router.CorrelateAuditEvents(r.Context(), q)
	} else {
		events, err = s.emitter.Query(r.Context(), q)
	}
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAdminFederationNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.trust.Nodes()
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		entry := map[string]any{"node": n}
		if s.router != nil {
			entry["health"] = s.router.NodeHealth(n.NodeID)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// handleAdminFederationNodeAdd establishes trust with a peer from the
// operator side, using the same validation path as the wire endpoint.
func (s *Server) handleAdminFederationNodeAdd(w http.ResponseWriter, r *http.Request) {
	var req federation.EstablishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.trust.EstablishTrust(&req)
	if err != nil {
		gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAdminFederationNodeRevoke(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := s.trust.RevokeTrust(id); err != nil {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

func (s *Server) handleAdminFederationRoutes(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	q := r.URL.Query()
	resourceID := q.Get("resource_id")
	if resourceID == "" {
		gwerrors.ErrBadRequest.WithDetails("resource_id is required").WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	routes := s.router.FindRoute(r.Context(), resourceID,
		q.Get("preferred_node"), q.Get("include_unhealthy") == "true")
	writeJSON(w, http.StatusOK, map[string]any{"resource_id": resourceID, "routes": routes})
}

type provisionKeyRequest struct {
	PrincipalID     string   `json:"principal_id"`
	TeamID          string   `json:"team_id,omitempty"`
	Name            string   `json:"name"`
	Scopes          []string `json:"scopes"`
	RateLimitPerMin int      `json:"rate_limit_per_min,omitempty"`
	TTLSeconds      int      `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleAdminAPIKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.auth.Keys().List()})
}

// handleAdminAPIKeyProvision mints a key. The full key appears in this
// response and nowhere else; only its hash is stored.
func (s *Server) handleAdminAPIKeyProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, fullKey, err := s.auth.Keys().Provision(r.Context(), identity.ProvisionRequest{
		PrincipalID:     req.PrincipalID,
		TeamID:          req.TeamID,
		Name:            req.Name,
		Scopes:          req.Scopes,
		RateLimitPerMin: req.RateLimitPerMin,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		gwerrors.ErrBadRequest.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": fullKey, "api_key": key})
}

func (s *Server) handleAdminAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := s.auth.Keys().Revoke(r.Context(), id); err != nil {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(pathParam(r, "principal"))
	sessions, err := s.auth.Sessions().Sessions(r.Context(), principal)
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WithRequestID(requestID(r)).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal_id": principal, "sessions": sessions})
}
