// Package audit persists governance audit events and routes high-severity
// ones to the SIEM forwarder. Emit is synchronous: the event is durably in
// the store before control returns to the pipeline.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
)

// Severity classifies an audit event for routing and retention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Event types produced by the pipeline and federation layer.
const (
	EventInvocationCompleted  = "InvocationCompleted"
	EventInvocationFailed     = "InvocationFailed"
	EventAuthenticationFailed = "AuthenticationFailed"
	EventAuthorizationDenied  = "AuthorizationDenied"
	EventInjectionBlocked     = "InjectionBlocked"
	EventInternalError        = "InternalError"
	EventFederatedInvocation  = "FederatedInvocation"
	EventTrustEstablished     = "TrustEstablished"
	EventTrustRevoked         = "TrustRevoked"
	EventBulkInvocation       = "BulkInvocation"
)

// Event is one audit record. Field names are the canonical wire shape;
// the same JSON goes to the store, the admin API, and SIEM sinks.
type Event struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	EventType       string         `json:"event_type"`
	Severity        Severity       `json:"severity"`
	PrincipalID     string         `json:"principal_id,omitempty"`
	PrincipalEmail  string         `json:"principal_email,omitempty"`
	ResourceID      string         `json:"resource_id,omitempty"`
	CapabilityID    string         `json:"capability_id,omitempty"`
	Decision        string         `json:"decision,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	SourceNode      string         `json:"source_node,omitempty"`
	TargetNode      string         `json:"target_node,omitempty"`
	IP              string         `json:"ip,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	Details         map[string]any `json:"details,omitempty"`
	SIEMForwardedAt *time.Time     `json:"siem_forwarded_at,omitempty"`
}

// Detail sets one details key, allocating the map on first use.
func (e *Event) Detail(key string, value any) *Event {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// DeriveSeverity computes event severity from the authorization outcome,
// the capability sensitivity, and what the screens found. Denials and
// injection hits rank at least high; leaked secrets at least medium.
func DeriveSeverity(allowed bool, sensitivity config.Sensitivity, injectionFindings, secretFindings int) Severity {
	s := SeverityLow
	switch sensitivity {
	case config.SensitivityMedium:
		s = SeverityMedium
	case config.SensitivityHigh:
		s = SeverityHigh
	case config.SensitivityCritical:
		s = SeverityCritical
	}
	if !allowed {
		s = maxSeverity(s, SeverityHigh)
	}
	if injectionFindings > 0 {
		s = maxSeverity(s, SeverityHigh)
	}
	if secretFindings > 0 {
		s = maxSeverity(s, SeverityMedium)
	}
	return s
}

// Forwarder accepts high-severity events for asynchronous SIEM delivery.
// Enqueue must not block; it returns how many sinks accepted the event.
type Forwarder interface {
	Enqueue(ev *Event) int
}

// Emitter writes events to the store and fans high/critical ones out to
// the SIEM forwarder.
type Emitter struct {
	store     Store
	forwarder Forwarder
	nowFn     func() time.Time
}

// NewEmitter creates an emitter. forwarder may be nil (no SIEM configured).
func NewEmitter(store Store, forwarder Forwarder) *Emitter {
	return &Emitter{store: store, forwarder: forwarder, nowFn: time.Now}
}

// Emit assigns event identity, attempts SIEM enqueue for severity ≥ high,
// and persists the event. It returns only after the store write: callers
// holding an Emit return know the event is durable.
func (e *Emitter) Emit(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.nowFn().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}

	if e.forwarder != nil && ev.Severity.AtLeast(SeverityHigh) {
		if accepted := e.forwarder.Enqueue(ev); accepted > 0 {
			at := e.nowFn().UTC()
			ev.SIEMForwardedAt = &at
		}
	}

	if err := e.store.Append(ctx, ev); err != nil {
		logging.Error("audit store append failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Query proxies to the underlying store.
func (e *Emitter) Query(ctx context.Context, q Query) ([]*Event, error) {
	return e.store.Query(ctx, q)
}
