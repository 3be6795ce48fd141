// Package bulk executes batches of capability invocations. Best-effort
// mode evaluates policy for the whole batch in one engine round trip
// and runs allowed items independently, returning partial results.
// Transactional mode requires a transaction-capable adapter and a
// single target resource: every item applies or none do.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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
)

// Mode selects the batch execution strategy.
type Mode string

const (
	ModeBestEffort    Mode = "best_effort"
	ModeTransactional Mode = "transactional"
)

const (
	// MaxItems bounds a single batch. Larger workloads split client-side.
	MaxItems = 100

	defaultParallel = 8
)

// Tx is one open batch transaction on an adapter. Invocations through
// it stay invisible until Commit; Rollback discards all of them.
type Tx interface {
	Invoke(ctx context.Context, req *adapter.InvocationRequest) *adapter.InvocationResult
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactional is implemented by adapters whose backend can apply a
// batch atomically. Adapters without it reject transactional mode.
type Transactional interface {
	Begin(ctx context.Context) (Tx, error)
}

// Item is one invocation in a batch.
type Item struct {
	CapabilityID string         `json:"capability_id"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

// Request is a batch of invocations under one mode.
type Request struct {
	Mode  Mode   `json:"mode,omitempty"`
	Items []Item `json:"items"`
}

// ItemResult pairs an item with its outcome, preserving request order.
type ItemResult struct {
	Index        int                       `json:"index"`
	CapabilityID string                    `json:"capability_id"`
	Result       *adapter.InvocationResult `json:"result"`
}

// Result summarizes a batch. Items appear in request order.
type Result struct {
	Mode          Mode          `json:"mode"`
	CorrelationID string        `json:"correlation_id"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Items         []*ItemResult `json:"items"`
	DurationMS    int64         `json:"duration_ms"`
}

// Caller carries the authenticated identity facts policy inputs need.
type Caller struct {
	Principal  *identity.Principal
	AuthMethod string
	IP         string
}

// Options wires the executor's collaborators. All are required except
// Parallel, which defaults to 8 concurrent items.
type Options struct {
	Policy   *policy.Client
	Detector *injection.Detector
	Adapters *adapter.Set
	Registry *registry.Registry
	Scanner  *scanner.Scanner
	Audit    *audit.Emitter
	Metrics  *metrics.Collector
	NodeID   string
	Parallel int
}

// Executor runs batches through the same governance steps as single
// invocations: screen, authorize (batched), invoke, sanitize, audit.
type Executor struct {
	policy   *policy.Client
	detector *injection.Detector
	adapters *adapter.Set
	registry *registry.Registry
	scanner  *scanner.Scanner
	audit    *audit.Emitter
	metrics  *metrics.Collector
	nodeID   string
	parallel int
	logger   *zap.Logger
}

// New builds a bulk executor.
func New(opts Options) *Executor {
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = defaultParallel
	}
	return &Executor{
		policy:   opts.Policy,
		detector: opts.Detector,
		adapters: opts.Adapters,
		registry: opts.Registry,
		scanner:  opts.Scanner,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		nodeID:   opts.NodeID,
		parallel: parallel,
		logger:   logging.With(zap.String("component", "bulk")),
	}
}

type itemExec struct {
	index    int
	capID    string
	args     map[string]any
	cap      *registry.Capability
	res      *registry.Resource
	sens     config.Sensitivity
	screen   injection.Result
	decision *policy.AuthorizationDecision
	secrets  []scanner.Finding
	start    time.Time
	result   *adapter.InvocationResult
}

// Execute runs a batch. The error return covers malformed requests and
// audit persistence failures only; per-item outcomes live in the
// result, and every item is audited before Execute returns.
func (e *Executor) Execute(ctx context.Context, caller *Caller, req *Request) (*Result, error) {
	if caller == nil || caller.Principal == nil {
		return nil, errors.New("bulk: caller principal is required")
	}
	if len(req.Items) == 0 {
		return nil, errors.New("bulk: request has no items")
	}
	if len(req.Items) > MaxItems {
		return nil, fmt.Errorf("bulk: %d items exceeds the limit of %d", len(req.Items), MaxItems)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeBestEffort
	}
	if mode != ModeBestEffort && mode != ModeTransactional {
		return nil, fmt.Errorf("bulk: unknown mode %q", mode)
	}

	start := time.Now()
	correlationID := uuid.NewString()
	items := e.prepare(ctx, caller, req.Items)

	if mode == ModeTransactional {
		e.transactional(ctx, caller, correlationID, items)
	} else {
		e.bestEffort(ctx, caller, correlationID, items)
	}

	result := &Result{
		Mode:          mode,
		CorrelationID: correlationID,
		Total:         len(items),
		Items:         make([]*ItemResult, len(items)),
		DurationMS:    time.Since(start).Milliseconds(),
	}
	auditCtx := context.WithoutCancel(ctx)
	var auditErr error
	for i, it := range items {
		result.Items[i] = &ItemResult{Index: it.index, CapabilityID: it.capID, Result: it.result}
		if it.result != nil && it.result.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		if err := e.auditItem(auditCtx, caller, correlationID, mode, it); err != nil {
			auditErr = err
		}
	}
	if err := e.auditSummary(auditCtx, caller, correlationID, mode, result); err != nil {
		auditErr = err
	}
	// The audit trail is part of the contract: results whose records
	// did not persist are not reported as success.
	if auditErr != nil {
		e.logger.Error("bulk audit failed", zap.String("correlation_id", correlationID), zap.Error(auditErr))
		return nil, errors.New("bulk: audit persistence failed")
	}
	return result, nil
}

// prepare resolves, screens, and batch-authorizes every item. Items
// that fail any step get their result set; the rest run.
func (e *Executor) prepare(ctx context.Context, caller *Caller, reqItems []Item) []*itemExec {
	items := make([]*itemExec, len(reqItems))
	var (
		inputs  []*policy.AuthorizationInput
		pending []*itemExec
	)
	for i, ri := range reqItems {
		it := &itemExec{index: i, capID: ri.CapabilityID, args: ri.Arguments, sens: config.SensitivityMedium, start: time.Now()}
		items[i] = it

		if ri.CapabilityID == "" {
			it.result = adapter.Fail(gwerrors.KindValidation, errors.New("capability_id is required"))
			continue
		}
		c, ok := e.registry.Capability(ri.CapabilityID)
		if !ok {
			it.result = adapter.Fail(gwerrors.KindValidation, fmt.Errorf("unknown capability %s", ri.CapabilityID))
			continue
		}
		res, ok := e.registry.Resource(c.ResourceID)
		if !ok {
			it.result = adapter.Fail(gwerrors.KindInternal, fmt.Errorf("capability %s references missing resource %s", c.ID, c.ResourceID))
			continue
		}
		it.cap, it.res = c, res
		it.sens = effectiveSensitivity(c, res)

		if e.detector.Enabled() {
			it.screen = e.detector.Screen(it.args)
			if it.screen.Flagged(e.detector.Threshold()) && e.detector.Mode() == injection.ModeBlock {
				e.detector.RecordBlocked()
				it.result = adapter.Fail(gwerrors.KindInjectionBlocked, errors.New("arguments flagged by injection screening"))
				continue
			}
		}

		inputs = append(inputs, e.policyInput(caller, it))
		pending = append(pending, it)
	}

	if len(pending) == 0 {
		return items
	}
	decisions := e.policy.EvaluateBatch(ctx, inputs)
	for i, d := range decisions {
		it := pending[i]
		it.decision = d
		if !d.Allow {
			kind := gwerrors.KindAuthorization
			if d.Cause != "" {
				kind = gwerrors.KindPolicyEval
			}
			it.result = adapter.Fail(kind, errors.New(d.Reason))
			continue
		}
		if d.FilteredParameters != nil {
			it.args = d.FilteredParameters
		}
	}
	return items
}

// policyInput mirrors the single-invocation input shape so one policy
// corpus governs both paths. Request-unique identifiers stay out: the
// serialized form is the decision cache key.
func (e *Executor) policyInput(caller *Caller, it *itemExec) *policy.AuthorizationInput {
	in := &policy.AuthorizationInput{
		Principal:   caller.Principal.PolicyInput(),
		Action:      "invoke",
		Sensitivity: it.sens,
		Context: map[string]any{
			"ip":          caller.IP,
			"auth_method": caller.AuthMethod,
			"node_id":     e.nodeID,
		},
	}
	if len(it.screen.Matches) > 0 {
		in.Context["injection_score"] = it.screen.Score
	}
	in.Resource = map[string]any{
		"id":          it.res.ID,
		"name":        it.res.Name,
		"protocol":    string(it.res.Protocol),
		"sensitivity": string(it.res.Sensitivity),
	}
	in.Tool = map[string]any{
		"id":          it.cap.ID,
		"name":        it.cap.Name,
		"sensitivity": string(it.cap.Sensitivity),
	}
	return in
}

func (e *Executor) bestEffort(ctx context.Context, caller *Caller, correlationID string, items []*itemExec) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, it := range items {
		if it.result != nil {
			continue
		}
		it := it
		g.Go(func() error {
			it.result = e.invokeItem(gctx, caller, correlationID, it)
			e.sanitizeItem(it)
			return nil
		})
	}
	g.Wait()
}

// transactional applies the batch through one adapter transaction.
// Any pre-execution failure aborts before the transaction opens, and
// any invocation failure rolls everything back.
func (e *Executor) transactional(ctx context.Context, caller *Caller, correlationID string, items []*itemExec) {
	for _, it := range items {
		if it.result != nil {
			e.abortPending(items, fmt.Sprintf("transaction aborted: item %d failed %s", it.index, it.result.ErrorType))
			return
		}
	}

	res := items[0].res
	for _, it := range items[1:] {
		if it.res.ID != res.ID {
			e.failAll(items, gwerrors.KindValidation, errors.New("transactional mode requires a single target resource"))
			return
		}
	}

	ad, err := e.adapters.ForResource(res)
	if err != nil {
		e.failAll(items, gwerrors.KindValidation, err)
		return
	}
	txa, ok := ad.(Transactional)
	if !ok {
		e.failAll(items, gwerrors.KindValidation, fmt.Errorf("resource %s does not support transactional invocation", res.ID))
		return
	}
	tx, err := txa.Begin(ctx)
	if err != nil {
		e.failAll(items, adapter.ErrorType(err), fmt.Errorf("begin transaction: %w", err))
		return
	}

	for _, it := range items {
		result := tx.Invoke(ctx, it.request(caller, correlationID))
		if result == nil || !result.Success {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				e.logger.Error("rollback failed", zap.String("resource", res.ID), zap.Error(rbErr))
			}
			it.result = result
			if it.result == nil {
				it.result = adapter.Fail(gwerrors.KindInternal, errors.New("adapter returned no result"))
			}
			reason := fmt.Sprintf("transaction rolled back: item %d failed", it.index)
			for _, other := range items {
				if other != it {
					other.result = adapter.Fail(gwerrors.KindValidation, errors.New(reason))
				}
			}
			return
		}
		it.result = result
	}

	if err := tx.Commit(ctx); err != nil {
		e.failAll(items, adapter.ErrorType(err), fmt.Errorf("commit transaction: %w", err))
		return
	}
	for _, it := range items {
		e.sanitizeItem(it)
	}
}

// abortPending fails every item that has no result yet, preserving the
// triggering item's own failure.
func (e *Executor) abortPending(items []*itemExec, reason string) {
	for _, it := range items {
		if it.result == nil {
			it.result = adapter.Fail(gwerrors.KindValidation, errors.New(reason))
		}
	}
}

func (e *Executor) failAll(items []*itemExec, kind string, err error) {
	for _, it := range items {
		it.result = adapter.Fail(kind, err)
	}
}

func (e *Executor) invokeItem(ctx context.Context, caller *Caller, correlationID string, it *itemExec) *adapter.InvocationResult {
	ad, err := e.adapters.ForResource(it.res)
	if err != nil {
		return adapter.Fail(gwerrors.KindValidation, err)
	}
	req := it.request(caller, correlationID)
	if err := ad.Validate(req); err != nil {
		return adapter.Fail(gwerrors.KindValidation, err)
	}
	return ad.Invoke(ctx, req)
}

func (it *itemExec) request(caller *Caller, correlationID string) *adapter.InvocationRequest {
	return &adapter.InvocationRequest{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Principal:     caller.Principal.ID,
		Resource:      it.res,
		Capability:    it.cap,
		Arguments:     it.args,
	}
}

// sanitizeItem scans a successful result for secret material and
// redacts it when the item's sensitivity is medium or above.
func (e *Executor) sanitizeItem(it *itemExec) {
	if it.result == nil || !it.result.Success || it.result.Result == nil {
		return
	}
	it.secrets = e.scanner.Scan(it.result.Result)
	if len(it.secrets) > 0 && it.sens.AtLeast(config.SensitivityMedium) {
		it.result.Result = e.scanner.Redact(it.result.Result)
		it.result.WithMeta("redacted", true)
	}
}

func (e *Executor) auditItem(ctx context.Context, caller *Caller, correlationID string, mode Mode, it *itemExec) error {
	success := it.result != nil && it.result.Success
	eventType := audit.EventInvocationCompleted
	decision := "allow"
	if !success {
		decision = "deny"
		switch {
		case it.result == nil:
			eventType = audit.EventInternalError
		case it.result.ErrorType == gwerrors.KindInjectionBlocked:
			eventType = audit.EventInjectionBlocked
		case it.result.ErrorType == gwerrors.KindAuthorization, it.result.ErrorType == gwerrors.KindPolicyEval:
			eventType = audit.EventAuthorizationDenied
		default:
			eventType = audit.EventInvocationFailed
		}
	}

	ev := &audit.Event{
		EventType:      eventType,
		Severity:       audit.DeriveSeverity(success, it.sens, len(it.screen.Matches), len(it.secrets)),
		PrincipalID:    caller.Principal.ID,
		PrincipalEmail: caller.Principal.Email,
		CapabilityID:   it.capID,
		Decision:       decision,
		CorrelationID:  correlationID,
		SourceNode:     e.nodeID,
		IP:             caller.IP,
	}
	if it.res != nil {
		ev.ResourceID = it.res.ID
	}
	if it.result != nil {
		ev.DurationMS = it.result.DurationMS
	}
	ev.Detail("bulk", true)
	ev.Detail("mode", string(mode))
	ev.Detail("index", it.index)
	if it.result != nil && !it.result.Success {
		ev.Detail("error_type", it.result.ErrorType)
		ev.Detail("error", it.result.Error)
	}
	if it.decision != nil && !it.decision.Allow {
		ev.Detail("reason", it.decision.Reason)
	}
	if len(it.secrets) > 0 {
		ev.Detail("secret_findings", len(it.secrets))
	}

	protocol := "unknown"
	resource := it.capID
	if it.res != nil {
		protocol = string(it.res.Protocol)
		resource = it.res.ID
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	e.metrics.RecordInvocation(resource, protocol, outcome, time.Since(it.start))

	return e.audit.Emit(ctx, ev)
}

func (e *Executor) auditSummary(ctx context.Context, caller *Caller, correlationID string, mode Mode, result *Result) error {
	ev := &audit.Event{
		EventType:     audit.EventBulkInvocation,
		Severity:      audit.DeriveSeverity(result.Failed == 0, "", 0, 0),
		PrincipalID:   caller.Principal.ID,
		Decision:      "allow",
		CorrelationID: correlationID,
		SourceNode:    e.nodeID,
		IP:            caller.IP,
		DurationMS:    result.DurationMS,
	}
	if result.Failed == result.Total {
		ev.Decision = "deny"
	}
	ev.Detail("mode", string(mode))
	ev.Detail("total", result.Total)
	ev.Detail("succeeded", result.Succeeded)
	ev.Detail("failed", result.Failed)
	return e.audit.Emit(ctx, ev)
}

func effectiveSensitivity(c *registry.Capability, res *registry.Resource) config.Sensitivity {
	if c != nil && c.Sensitivity != "" {
		return c.Sensitivity
	}
	if res != nil && res.Sensitivity != "" {
		return res.Sensitivity
	}
	return config.SensitivityMedium
}
