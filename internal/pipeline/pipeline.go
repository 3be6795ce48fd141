// Package pipeline orchestrates one governed invocation end to end:
// authenticate, screen for prompt injection, authorize against policy,
// filter parameters, invoke through the protocol adapter, sanitize the
// response, and audit. The audit event is durable before any success
// result reaches the caller.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/audit"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/identity"
	"github.com/sark-io/sark/internal/injection"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/metrics"
	"github.com/sark-io/sark/internal/policy"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/scanner"
	"github.com/sark-io/sark/internal/tracing"
)

// State tracks an invocation through the pipeline. Terminal states
// always leave an audit event behind.
type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateScreened      State = "screened"
	StateAuthorized    State = "authorized"
	StateInvoking      State = "invoking"
	StateScanned       State = "scanned"
	StateAudited       State = "audited"
	StateReturned      State = "returned"

	StateRejectedAuth     State = "rejected_auth"
	StateRejectedPolicy   State = "rejected_policy"
	StateInvocationFailed State = "invocation_failed"
)

// Invocation is one capability call entering the pipeline.
type Invocation struct {
	RequestID     string
	CorrelationID string
	CapabilityID  string
	ResourceID    string // derived from CapabilityID when empty
	Arguments     map[string]any
	Timeout       time.Duration
	IP            string
	UserAgent     string
	SourceNode    string // set on inbound federated calls
}

// Remote invokes capabilities hosted on trusted peer nodes. It reports
// handled=false when no peer advertises the resource; targetNode names
// the peer that served the call.
type Remote interface {
	InvokeRemote(ctx context.Context, principal *identity.Principal, inv *Invocation, args map[string]any) (result *adapter.InvocationResult, targetNode string, handled bool)
}

// Options wires the pipeline's collaborators. Tracer and Remote may be
// nil; everything else is required.
type Options struct {
	Auth     *identity.Authenticator
	Detector *injection.Detector
	Policy   *policy.Client
	Registry *registry.Registry
	Adapters *adapter.Set
	Scanner  *scanner.Scanner
	Audit    *audit.Emitter
	Metrics  *metrics.Collector
	Tracer   *tracing.Tracer
	Remote   Remote
	NodeID   string
}

// Pipeline is the invocation orchestrator. One instance serves all
// requests; per-invocation state lives on the stack.
type Pipeline struct {
	auth     *identity.Authenticator
	detector *injection.Detector
	policy   *policy.Client
	registry *registry.Registry
	adapters *adapter.Set
	scanner  *scanner.Scanner
	audit    *audit.Emitter
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	remote   Remote
	nodeID   string
	logger   *zap.Logger
}

// New assembles a pipeline from its collaborators.
func New(opts Options) *Pipeline {
	return &Pipeline{
		auth:     opts.Auth,
		detector: opts.Detector,
		policy:   opts.Policy,
		registry: opts.Registry,
		adapters: opts.Adapters,
		scanner:  opts.Scanner,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		remote:   opts.Remote,
		nodeID:   opts.NodeID,
		logger:   logging.With(zap.String("component", "pipeline")),
	}
}

// execution is the per-invocation scratch state.
type execution struct {
	inv      *Invocation
	auth     *identity.AuthResult
	cap      *registry.Capability
	res      *registry.Resource
	sens     config.Sensitivity
	screen   injection.Result
	decision *policy.AuthorizationDecision
	args     map[string]any
	remote   bool
	target   string
	secrets  []scanner.Finding
	state    State
	start    time.Time
}

func (ex *execution) to(s State) { ex.state = s }

// Execute runs the full pipeline, resolving the principal from the
// HTTP request's credentials. Failures come back as results, never as
// errors; the caller maps ErrorType to a status code.
func (p *Pipeline) Execute(ctx context.Context, r *http.Request, inv *Invocation) *adapter.InvocationResult {
	p.fill(inv, r)

	auth, err := p.auth.Authenticate(ctx, r, identity.ScopeInvoke)
	if err != nil {
		return p.rejectAuth(ctx, inv, credentialKind(r), err)
	}
	p.metrics.RecordAuth(string(auth.Method), "success")
	return p.ExecuteAs(ctx, auth, inv)
}

// ExecuteAs runs the pipeline for an already-authenticated principal.
// Bulk items and inbound federated calls enter here.
func (p *Pipeline) ExecuteAs(ctx context.Context, auth *identity.AuthResult, inv *Invocation) (result *adapter.InvocationResult) {
	ex := p.begin(auth, inv)

	defer func() {
		if rec := recover(); rec != nil {
			result = p.recovered(ctx, ex, rec)
		}
	}()

	if p.tracer != nil {
		sctx, span := p.tracer.StartSpan(ctx, "pipeline.execute")
		defer span.End()
		ctx = sctx
	}

	if failure := p.prepare(ctx, ex); failure != nil {
		return failure
	}

	ex.to(StateInvoking)
	result = p.invoke(ctx, ex)
	p.metrics.RecordInvocation(ex.inv.ResourceID, ex.protocol(), outcome(result), time.Since(ex.start))

	p.sanitize(ex, result)
	ex.to(StateScanned)

	if err := p.auditOutcome(ctx, ex, result); err != nil && result.Success {
		// A success the audit trail cannot account for must not be
		// returned.
		r := adapter.Fail(gwerrors.KindInternal, errors.New("audit persistence failed"))
		r.DurationMS = time.Since(ex.start).Milliseconds()
		return r
	}
	ex.to(StateAudited)
	ex.to(StateReturned)
	return result
}

// ExecuteStream runs steps one through four, then opens the adapter
// stream. A non-nil result is a pre-invoke rejection; otherwise chunks
// flow on the channel and the audit event is emitted when the stream
// ends.
func (p *Pipeline) ExecuteStream(ctx context.Context, r *http.Request, inv *Invocation) (<-chan adapter.StreamChunk, *adapter.InvocationResult) {
	p.fill(inv, r)

	auth, err := p.auth.Authenticate(ctx, r, identity.ScopeInvoke)
	if err != nil {
		return nil, p.rejectAuth(ctx, inv, credentialKind(r), err)
	}
	p.metrics.RecordAuth(string(auth.Method), "success")

	ex := p.begin(auth, inv)
	if p.tracer != nil {
		// The span covers authorization and stream connect; chunks flow
		// after it ends.
		sctx, span := p.tracer.StartSpan(ctx, "pipeline.stream")
		defer span.End()
		ctx = sctx
	}
	if failure := p.prepare(ctx, ex); failure != nil {
		return nil, failure
	}
	if ex.remote {
		return nil, p.fail(ctx, ex, gwerrors.KindValidation,
			fmt.Errorf("capability %s is not local; streaming does not federate", inv.CapabilityID))
	}

	ex.to(StateInvoking)
	ad, err := p.adapters.ForResource(ex.res)
	if err != nil {
		return nil, p.fail(ctx, ex, gwerrors.KindValidation, err)
	}
	req := ex.request()
	if err := ad.Validate(req); err != nil {
		return nil, p.fail(ctx, ex, gwerrors.KindValidation, err)
	}
	src, err := ad.Stream(ctx, req)
	if err != nil {
		return nil, p.fail(ctx, ex, adapter.ErrorType(err), err)
	}

	out := make(chan adapter.StreamChunk, 8)
	go p.pumpStream(ctx, ex, src, out)
	return out, nil
}

// begin initializes per-invocation state and assigns identifiers.
func (p *Pipeline) begin(auth *identity.AuthResult, inv *Invocation) *execution {
	if inv.RequestID == "" {
		inv.RequestID = uuid.NewString()
	}
	if inv.CorrelationID == "" {
		inv.CorrelationID = uuid.NewString()
	}
	return &execution{
		inv:   inv,
		auth:  auth,
		sens:  config.SensitivityMedium,
		args:  inv.Arguments,
		state: StateReceived,
		start: time.Now(),
	}
}

// fill copies transport facts from the HTTP request onto the
// invocation when the caller has not set them.
func (p *Pipeline) fill(inv *Invocation, r *http.Request) {
	if inv.IP == "" {
		inv.IP = identity.ClientIP(r)
	}
	if inv.UserAgent == "" {
		inv.UserAgent = r.UserAgent()
	}
}

// prepare runs screen, resolve, authorize, and parameter filtering.
// A non-nil result is a terminal rejection, already audited.
func (p *Pipeline) prepare(ctx context.Context, ex *execution) *adapter.InvocationResult {
	ex.to(StateAuthenticated)

	if p.detector.Enabled() {
		ex.screen = p.detector.Screen(ex.inv.Arguments)
		if ex.screen.Flagged(p.detector.Threshold()) && p.detector.Mode() == injection.ModeBlock {
			p.detector.RecordBlocked()
			return p.rejectInjection(ctx, ex)
		}
	}
	ex.to(StateScreened)

	if failure := p.resolve(ctx, ex); failure != nil {
		return failure
	}

	ex.decision = p.policy.Evaluate(ctx, p.policyInput(ex))
	p.countDecision(ex.decision)
	if !ex.decision.Allow {
		return p.rejectPolicy(ctx, ex)
	}
	ex.to(StateAuthorized)

	if ex.decision.FilteredParameters != nil {
		ex.args = ex.decision.FilteredParameters
	}
	return nil
}

// resolve binds the invocation to a local capability and resource, or
// marks it remote when a federation router is wired.
func (p *Pipeline) resolve(ctx context.Context, ex *execution) *adapter.InvocationResult {
	if c, ok := p.registry.Capability(ex.inv.CapabilityID); ok {
		res, ok := p.registry.Resource(c.ResourceID)
		if !ok {
			return p.fail(ctx, ex, gwerrors.KindInternal,
				fmt.Errorf("capability %s references missing resource %s", c.ID, c.ResourceID))
		}
		ex.cap = c
		ex.res = res
		ex.sens = effectiveSensitivity(c, res)
		ex.inv.ResourceID = res.ID
		return nil
	}

	if p.remote == nil {
		return p.fail(ctx, ex, gwerrors.KindValidation,
			fmt.Errorf("unknown capability %s", ex.inv.CapabilityID))
	}
	ex.remote = true
	if ex.inv.ResourceID == "" {
		ex.inv.ResourceID = resourceOf(ex.inv.CapabilityID)
	}
	return nil
}

// invoke performs step five through the owning adapter or the
// federation router.
func (p *Pipeline) invoke(ctx context.Context, ex *execution) *adapter.InvocationResult {
	if ex.remote {
		result, target, handled := p.remote.InvokeRemote(ctx, ex.auth.Principal, ex.inv, ex.args)
		if !handled {
			r := adapter.Fail(gwerrors.KindValidation,
				fmt.Errorf("unknown capability %s", ex.inv.CapabilityID))
			r.DurationMS = time.Since(ex.start).Milliseconds()
			return r
		}
		ex.target = target
		return result
	}

	ad, err := p.adapters.ForResource(ex.res)
	if err != nil {
		r := adapter.Fail(gwerrors.KindValidation, err)
		r.DurationMS = time.Since(ex.start).Milliseconds()
		return r
	}
	req := ex.request()
	if err := ad.Validate(req); err != nil {
		r := adapter.Fail(gwerrors.KindValidation, err)
		r.DurationMS = time.Since(ex.start).Milliseconds()
		return r
	}
	return ad.Invoke(ctx, req)
}

// request builds the adapter request from filtered arguments.
func (ex *execution) request() *adapter.InvocationRequest {
	return &adapter.InvocationRequest{
		ID:            ex.inv.RequestID,
		CorrelationID: ex.inv.CorrelationID,
		Principal:     ex.auth.Principal.ID,
		Resource:      ex.res,
		Capability:    ex.cap,
		Arguments:     ex.args,
		Timeout:       ex.inv.Timeout,
	}
}

func (ex *execution) protocol() string {
	if ex.res != nil {
		return string(ex.res.Protocol)
	}
	return "federated"
}

// sanitize scans a successful result for secret material and redacts
// it when the target's sensitivity is medium or above.
func (p *Pipeline) sanitize(ex *execution, result *adapter.InvocationResult) {
	if !result.Success || result.Result == nil {
		return
	}
	ex.secrets = p.scanner.Scan(result.Result)
	if len(ex.secrets) > 0 && ex.sens.AtLeast(config.SensitivityMedium) {
		result.Result = p.scanner.Redact(result.Result)
		result.WithMeta("redacted", true)
	}
}

// pumpStream forwards chunks, redacting secret material per chunk for
// sensitive targets, and audits once the stream terminates.
func (p *Pipeline) pumpStream(ctx context.Context, ex *execution, src <-chan adapter.StreamChunk, out chan<- adapter.StreamChunk) {
	defer close(out)
	defer func() {
		if rec := recover(); rec != nil {
			p.recovered(ctx, ex, rec)
		}
	}()

	redact := ex.sens.AtLeast(config.SensitivityMedium)
	var chunks int
	var streamErr error
	for chunk := range src {
		if chunk.Err != nil {
			streamErr = chunk.Err
		} else if redact && len(chunk.Data) > 0 {
			chunk.Data = p.redactChunk(ex, chunk.Data)
		}
		chunks++
		select {
		case out <- chunk:
		case <-ctx.Done():
			streamErr = ctx.Err()
			p.auditStream(ctx, ex, chunks, streamErr)
			return
		}
	}
	p.auditStream(ctx, ex, chunks, streamErr)
}

// redactChunk scans one chunk payload, rewriting it when findings
// surface. Non-JSON payloads are treated as a single string.
func (p *Pipeline) redactChunk(ex *execution, data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		v = string(data)
	}
	findings := p.scanner.Scan(v)
	if len(findings) == 0 {
		return data
	}
	ex.secrets = append(ex.secrets, findings...)
	clean, err := json.Marshal(p.scanner.Redact(v))
	if err != nil {
		// Refuse to forward material we could not rewrite.
		return []byte(`"` + scanner.Redacted + `"`)
	}
	return clean
}

// auditStream emits the terminal event for a streamed invocation.
func (p *Pipeline) auditStream(ctx context.Context, ex *execution, chunks int, streamErr error) {
	ex.to(StateScanned)
	result := adapter.Succeed(nil)
	if streamErr != nil {
		result = adapter.Fail(gwerrors.KindStreaming, streamErr)
	}
	result.DurationMS = time.Since(ex.start).Milliseconds()
	result.WithMeta("streamed", true).WithMeta("chunks", chunks)
	if err := p.auditOutcome(context.WithoutCancel(ctx), ex, result); err != nil {
		p.logger.Error("stream audit failed", zap.String("request_id", ex.inv.RequestID), zap.Error(err))
	}
	ex.to(StateAudited)
}

// policyInput assembles the engine input for step three.
func (p *Pipeline) policyInput(ex *execution) *policy.AuthorizationInput {
	// Request-unique identifiers stay out of the input: the serialized
	// form is the decision cache key.
	in := &policy.AuthorizationInput{
		Principal:   ex.auth.Principal.PolicyInput(),
		Action:      "invoke",
		Sensitivity: ex.sens,
		Context: map[string]any{
			"ip":          ex.inv.IP,
			"auth_method": string(ex.auth.Method),
			"node_id":     p.nodeID,
		},
	}
	if ex.inv.SourceNode != "" {
		in.Context["source_node"] = ex.inv.SourceNode
	}
	if len(ex.screen.Matches) > 0 {
		in.Context["injection_score"] = ex.screen.Score
	}
	if ex.res != nil {
		in.Resource = map[string]any{
			"id":          ex.res.ID,
			"name":        ex.res.Name,
			"protocol":    string(ex.res.Protocol),
			"sensitivity": string(ex.res.Sensitivity),
		}
	} else {
		in.Resource = map[string]any{"id": ex.inv.ResourceID, "federated": true}
	}
	if ex.cap != nil {
		in.Tool = map[string]any{
			"id":          ex.cap.ID,
			"name":        ex.cap.Name,
			"sensitivity": string(ex.cap.Sensitivity),
		}
	} else {
		in.Tool = map[string]any{"id": ex.inv.CapabilityID}
	}
	return in
}

func (p *Pipeline) countDecision(d *policy.AuthorizationDecision) {
	if d.Cached {
		p.metrics.RecordPolicyCacheHit()
	} else {
		p.metrics.RecordPolicyCacheMiss()
	}
	if d.Allow {
		p.metrics.RecordPolicyDecision("allow")
	} else {
		p.metrics.RecordPolicyDecision("deny")
	}
}

// rejectAuth audits a failed authentication and builds the terminal
// result. The error detail stays in the audit trail; callers see the
// sentinel message only.
func (p *Pipeline) rejectAuth(ctx context.Context, inv *Invocation, method string, cause error) *adapter.InvocationResult {
	p.metrics.RecordAuth(method, "failure")

	ev := &audit.Event{
		EventType:     audit.EventAuthenticationFailed,
		Severity:      audit.DeriveSeverity(false, "", 0, 0),
		CapabilityID:  inv.CapabilityID,
		Decision:      "deny",
		CorrelationID: inv.CorrelationID,
		SourceNode:    inv.SourceNode,
		IP:            inv.IP,
		UserAgent:     inv.UserAgent,
		RequestID:     inv.RequestID,
	}
	ev.Detail("error", cause.Error())
	ev.Detail("auth_method", method)
	ev.Detail("state", string(StateRejectedAuth))
	if err := p.audit.Emit(ctx, ev); err != nil {
		p.logger.Error("auth rejection audit failed", zap.Error(err))
	}

	return adapter.Fail(gwerrors.KindAuthentication, cause)
}

// rejectInjection audits a blocked invocation and builds the terminal
// result.
func (p *Pipeline) rejectInjection(ctx context.Context, ex *execution) *adapter.InvocationResult {
	ex.to(StateInvocationFailed)

	ev := p.baseEvent(ex, audit.EventInjectionBlocked)
	ev.Severity = audit.DeriveSeverity(true, ex.sens, len(ex.screen.Matches), 0)
	ev.Decision = "deny"
	ev.Detail("injection_score", ex.screen.Score)
	ev.Detail("injection_matches", ex.screen.Matches)
	ev.Detail("state", string(StateInvocationFailed))
	if err := p.audit.Emit(ctx, ev); err != nil {
		p.logger.Error("injection audit failed", zap.Error(err))
	}

	r := adapter.Fail(gwerrors.KindInjectionBlocked,
		fmt.Errorf("arguments rejected by injection screen (score %.2f)", ex.screen.Score))
	r.DurationMS = time.Since(ex.start).Milliseconds()
	return r
}

// rejectPolicy audits a denial and builds the terminal result.
// Fail-closed denials surface as policy evaluation errors so callers
// can distinguish 403 from 503.
func (p *Pipeline) rejectPolicy(ctx context.Context, ex *execution) *adapter.InvocationResult {
	ex.to(StateRejectedPolicy)

	ev := p.baseEvent(ex, audit.EventAuthorizationDenied)
	ev.Severity = audit.DeriveSeverity(false, ex.sens, p.flaggedMatches(ex), 0)
	ev.Decision = "deny"
	ev.Detail("reason", ex.decision.Reason)
	ev.Detail("state", string(StateRejectedPolicy))
	if len(ex.decision.Violations) > 0 {
		ev.Detail("violations", ex.decision.Violations)
	}
	if len(ex.decision.PoliciesEvaluated) > 0 {
		ev.Detail("policies_evaluated", ex.decision.PoliciesEvaluated)
	}
	if ex.decision.Cause != "" {
		ev.Detail("evaluation_error", ex.decision.Cause)
	}
	if err := p.audit.Emit(ctx, ev); err != nil {
		p.logger.Error("denial audit failed", zap.Error(err))
	}

	kind := gwerrors.KindAuthorization
	if ex.decision.Cause != "" {
		kind = gwerrors.KindPolicyEval
	}
	r := adapter.Fail(kind, errors.New(ex.decision.Reason))
	r.DurationMS = time.Since(ex.start).Milliseconds()
	return r
}

// fail audits a terminal pipeline failure and builds the result.
func (p *Pipeline) fail(ctx context.Context, ex *execution, kind string, cause error) *adapter.InvocationResult {
	ex.to(StateInvocationFailed)

	ev := p.baseEvent(ex, audit.EventInvocationFailed)
	ev.Severity = audit.DeriveSeverity(true, ex.sens, p.flaggedMatches(ex), 0)
	ev.Decision = decisionOf(ex)
	ev.Detail("error", cause.Error())
	ev.Detail("error_type", kind)
	ev.Detail("state", string(StateInvocationFailed))
	if err := p.audit.Emit(ctx, ev); err != nil {
		p.logger.Error("failure audit failed", zap.Error(err))
	}

	r := adapter.Fail(kind, cause)
	r.DurationMS = time.Since(ex.start).Milliseconds()
	return r
}

// recovered converts a panic into a critical audit event and an opaque
// internal failure. The audit write survives caller cancellation.
func (p *Pipeline) recovered(ctx context.Context, ex *execution, rec any) *adapter.InvocationResult {
	p.logger.Error("pipeline panic",
		zap.String("request_id", ex.inv.RequestID),
		zap.String("capability", ex.inv.CapabilityID),
		zap.Any("panic", rec),
		zap.ByteString("stack", debug.Stack()),
	)
	ex.to(StateInvocationFailed)

	ev := p.baseEvent(ex, audit.EventInternalError)
	ev.Severity = audit.SeverityCritical
	ev.Decision = "error"
	ev.Detail("panic", fmt.Sprint(rec))
	ev.Detail("state", string(StateInvocationFailed))
	if err := p.audit.Emit(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Error("panic audit failed", zap.Error(err))
	}

	r := adapter.Fail(gwerrors.KindInternal, errors.New("internal error"))
	r.DurationMS = time.Since(ex.start).Milliseconds()
	return r
}

// auditOutcome emits the terminal event for an invoked request. The
// emitter routes severity ≥ high to the SIEM forwarder before the
// store write returns.
func (p *Pipeline) auditOutcome(ctx context.Context, ex *execution, result *adapter.InvocationResult) error {
	eventType := audit.EventInvocationCompleted
	if !result.Success {
		eventType = audit.EventInvocationFailed
	}

	ev := p.baseEvent(ex, eventType)
	ev.Severity = audit.DeriveSeverity(true, ex.sens, p.flaggedMatches(ex), len(ex.secrets))
	ev.Decision = "allow"
	if result.DurationMS > 0 {
		ev.DurationMS = result.DurationMS
	}
	ev.Detail("state", string(ex.state))
	if !result.Success {
		ev.Detail("error", result.Error)
		ev.Detail("error_type", result.ErrorType)
	}
	if v, ok := result.Metadata["streamed"]; ok {
		ev.Detail("streamed", v)
		ev.Detail("chunks", result.Metadata["chunks"])
	}
	if len(ex.screen.Matches) > 0 {
		ev.Detail("injection_score", ex.screen.Score)
		ev.Detail("injection_matches", ex.screen.Matches)
	}
	if len(ex.secrets) > 0 {
		// Pattern names and paths only; the matched substrings are the
		// secrets themselves.
		ev.Detail("secret_findings", len(ex.secrets))
		ev.Detail("secret_patterns", patternNames(ex.secrets))
		ev.Detail("redacted", ex.sens.AtLeast(config.SensitivityMedium))
	}
	if ex.decision != nil && ex.decision.Cached {
		ev.Detail("decision_cached", true)
	}
	return p.audit.Emit(ctx, ev)
}

// baseEvent fills the identity and addressing fields shared by every
// pipeline event.
func (p *Pipeline) baseEvent(ex *execution, eventType string) *audit.Event {
	ev := &audit.Event{
		EventType:     eventType,
		ResourceID:    ex.inv.ResourceID,
		CapabilityID:  ex.inv.CapabilityID,
		CorrelationID: ex.inv.CorrelationID,
		SourceNode:    ex.inv.SourceNode,
		TargetNode:    ex.target,
		IP:            ex.inv.IP,
		UserAgent:     ex.inv.UserAgent,
		RequestID:     ex.inv.RequestID,
		DurationMS:    time.Since(ex.start).Milliseconds(),
	}
	if ex.auth != nil && ex.auth.Principal != nil {
		ev.PrincipalID = ex.auth.Principal.ID
		ev.PrincipalEmail = ex.auth.Principal.Email
	}
	return ev
}

// flaggedMatches counts injection findings only when the screen score
// met the threshold; sub-threshold noise must not inflate severity.
func (p *Pipeline) flaggedMatches(ex *execution) int {
	if ex.screen.Flagged(p.detector.Threshold()) {
		return len(ex.screen.Matches)
	}
	return 0
}

// decisionOf reports the authorization outcome, empty before step
// three has run.
func decisionOf(ex *execution) string {
	if ex.decision == nil {
		return ""
	}
	if ex.decision.Allow {
		return "allow"
	}
	return "deny"
}

// effectiveSensitivity picks the capability tier, falling back to the
// resource tier, then medium.
func effectiveSensitivity(c *registry.Capability, res *registry.Resource) config.Sensitivity {
	if c != nil && c.Sensitivity.Valid() {
		return c.Sensitivity
	}
	if res != nil && res.Sensitivity.Valid() {
		return res.Sensitivity
	}
	return config.SensitivityMedium
}

// resourceOf derives a resource id from a dotted capability id.
func resourceOf(capabilityID string) string {
	if i := strings.LastIndex(capabilityID, "."); i > 0 {
		return capabilityID[:i]
	}
	return capabilityID
}

// credentialKind names the credential present on a request for auth
// metrics.
func credentialKind(r *http.Request) string {
	sessionID, apiKey := identity.ExtractCredentials(r)
	switch {
	case apiKey != "":
		return string(identity.MethodAPIKey)
	case sessionID != "":
		return string(identity.MethodSession)
	}
	return "none"
}

func outcome(result *adapter.InvocationResult) string {
	if result.Success {
		return "success"
	}
	return "failure"
}

func patternNames(findings []scanner.Finding) []string {
	seen := make(map[string]struct{}, len(findings))
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.Pattern]; ok {
			continue
		}
		seen[f.Pattern] = struct{}{}
		names = append(names, f.Pattern)
	}
	return names
}
