package policy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sark-io/sark/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(config.PolicyConfig{
		Endpoint: srv.URL,
		Path:     "sark/authz",
		Timeout:  2 * time.Second,
	})
	t.Cleanup(c.Close)
	return c, srv
}

func input(sensitivity config.Sensitivity) *AuthorizationInput {
	return &AuthorizationInput{
		Principal:   map[string]any{"id": "u-1", "role": "developer"},
		Action:      "invoke",
		Resource:    map[string]any{"id": "res-1"},
		Tool:        map[string]any{"id": "cap-1"},
		Sensitivity: sensitivity,
	}
}

func TestEvaluateAllow(t *testing.T) {
	var gotPath, gotBody atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.Write([]byte(`{"result":{"allow":true,"reason":"role_match","policies_evaluated":["rbac"]}}`))
	}))

	d := c.Evaluate(context.Background(), input(config.SensitivityCritical))
	if !d.Allow {
		t.Fatalf("expected allow, got deny: %s", d.Reason)
	}
	if d.Reason != "role_match" {
		t.Errorf("expected reason role_match, got %q", d.Reason)
	}
	if len(d.PoliciesEvaluated) != 1 || d.PoliciesEvaluated[0] != "rbac" {
		t.Errorf("expected policies [rbac], got %v", d.PoliciesEvaluated)
	}
	if gotPath.Load() != "/v1/data/sark/authz" {
		t.Errorf("expected OPA data path, got %s", gotPath.Load())
	}
	if body := gotBody.Load().(string); !strings.Contains(body, `"input"`) {
		t.Errorf("expected input wrapper, got %s", body)
	}
}

func TestEvaluateDeny(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"allow":false,"reason":"insufficient_permissions","violations":["needs admin"]}}`))
	}))

	d := c.Evaluate(context.Background(), input(config.SensitivityCritical))
	if d.Allow {
		t.Fatal("expected deny")
	}
	if d.Reason != "insufficient_permissions" {
		t.Errorf("expected reason insufficient_permissions, got %q", d.Reason)
	}
	if len(d.Violations) != 1 {
		t.Errorf("expected 1 violation, got %v", d.Violations)
	}
}

func TestEvaluateFilteredParameters(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"allow":true,"filtered_parameters":{"limit":10,"fields":"id,name"}}}`))
	}))

	d := c.Evaluate(context.Background(), input(config.SensitivityCritical))
	if !d.Allow {
		t.Fatal("expected allow")
	}
	if d.FilteredParameters == nil {
		t.Fatal("expected filtered parameters passed through")
	}
	if d.FilteredParameters["fields"] != "id,name" {
		t.Errorf("expected filtered field preserved, got %v", d.FilteredParameters)
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"undefined decision", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}},
		{"malformed decision", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"result":"yes"}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			d := c.Evaluate(context.Background(), input(config.SensitivityLow))
			if d.Allow {
				t.Fatal("expected fail-closed deny")
			}
			if d.Reason != DenyReasonEvalError {
				t.Errorf("expected reason %q, got %q", DenyReasonEvalError, d.Reason)
			}
			if d.Cause == "" {
				t.Error("expected cause preserved for audit details")
			}
		})
	}
}

func TestEvaluateTimeoutDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	c := New(config.PolicyConfig{Endpoint: srv.URL, Path: "sark/authz", Timeout: 20 * time.Millisecond})
	defer c.Close()

	d := c.Evaluate(context.Background(), input(config.SensitivityLow))
	if d.Allow {
		t.Fatal("expected timeout to deny")
	}
	if d.Reason != DenyReasonEvalError {
		t.Errorf("expected reason %q, got %q", DenyReasonEvalError, d.Reason)
	}
}

func TestDecisionCache(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))

	in := input(config.SensitivityLow)
	first := c.Evaluate(context.Background(), in)
	second := c.Evaluate(context.Background(), in)

	if calls.Load() != 1 {
		t.Errorf("expected 1 engine call, got %d", calls.Load())
	}
	if first.Cached {
		t.Error("expected first decision not cached")
	}
	if !second.Cached {
		t.Error("expected second decision served from cache")
	}
	if c.CacheHits() != 1 || c.CacheMisses() != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", c.CacheHits(), c.CacheMisses())
	}
}

func TestCriticalNeverCached(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))

	in := input(config.SensitivityCritical)
	c.Evaluate(context.Background(), in)
	c.Evaluate(context.Background(), in)

	if calls.Load() != 2 {
		t.Errorf("expected critical decisions re-evaluated, got %d calls", calls.Load())
	}
}

func TestCacheExpiry(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))

	now := time.Now()
	c.nowFn = func() time.Time { return now }

	in := input(config.SensitivityHigh) // 1 minute TTL
	c.Evaluate(context.Background(), in)

	now = now.Add(30 * time.Second)
	c.Evaluate(context.Background(), in)
	if calls.Load() != 1 {
		t.Fatalf("expected cache hit within TTL, got %d calls", calls.Load())
	}

	now = now.Add(31 * time.Second)
	c.Evaluate(context.Background(), in)
	if calls.Load() != 2 {
		t.Errorf("expected re-evaluation after TTL, got %d calls", calls.Load())
	}
}

func TestCacheTTLBySensitivity(t *testing.T) {
	tests := []struct {
		sensitivity config.Sensitivity
		want        time.Duration
	}{
		{config.SensitivityLow, 30 * time.Minute},
		{config.SensitivityMedium, 5 * time.Minute},
		{config.SensitivityHigh, time.Minute},
		{config.SensitivityCritical, 0},
		{config.Sensitivity("bogus"), 0},
	}
	for _, tt := range tests {
		if got := cacheTTL(tt.sensitivity); got != tt.want {
			t.Errorf("cacheTTL(%s): expected %v, got %v", tt.sensitivity, tt.want, got)
		}
	}
}

func TestEvaluateBatch(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/batch") {
			t.Errorf("expected batch path, got %s", r.URL.Path)
		}
		// Middle decision is garbage: it must deny-map alone.
		w.Write([]byte(`{"result":{"decisions":[{"allow":true},"garbage",{"allow":false,"reason":"blocked"}]}}`))
	}))

	inputs := []*AuthorizationInput{
		input(config.SensitivityCritical),
		input(config.SensitivityCritical),
		input(config.SensitivityCritical),
	}
	inputs[1].Action = "delete"
	inputs[2].Action = "export"

	out := c.EvaluateBatch(context.Background(), inputs)
	if len(out) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(out))
	}
	if !out[0].Allow {
		t.Error("expected first item allowed")
	}
	if out[1].Allow || out[1].Reason != DenyReasonEvalError {
		t.Errorf("expected malformed item deny-mapped, got %+v", out[1])
	}
	if out[2].Allow || out[2].Reason != "blocked" {
		t.Errorf("expected third item denied with engine reason, got %+v", out[2])
	}
}

func TestEvaluateBatchTransportError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	out := c.EvaluateBatch(context.Background(), []*AuthorizationInput{
		input(config.SensitivityCritical),
		input(config.SensitivityCritical),
	})
	for i, d := range out {
		if d.Allow {
			t.Errorf("item %d: expected fail-closed deny", i)
		}
		if d.Reason != DenyReasonEvalError {
			t.Errorf("item %d: expected reason %q, got %q", i, DenyReasonEvalError, d.Reason)
		}
	}
}

func TestEvaluateBatchServesCacheHits(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.HasSuffix(r.URL.Path, "/batch") {
			w.Write([]byte(`{"result":{"decisions":[{"allow":false,"reason":"no"}]}}`))
			return
		}
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))

	warm := input(config.SensitivityLow)
	c.Evaluate(context.Background(), warm)

	cold := input(config.SensitivityLow)
	cold.Action = "export"

	out := c.EvaluateBatch(context.Background(), []*AuthorizationInput{warm, cold})
	if calls.Load() != 2 {
		t.Errorf("expected warm item served from cache (2 total calls), got %d", calls.Load())
	}
	if !out[0].Allow || !out[0].Cached {
		t.Errorf("expected cached allow for warm item, got %+v", out[0])
	}
	if out[1].Allow || out[1].Reason != "no" {
		t.Errorf("expected engine deny for cold item, got %+v", out[1])
	}
}

func TestFlushCache(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))

	in := input(config.SensitivityLow)
	c.Evaluate(context.Background(), in)
	c.FlushCache()
	c.Evaluate(context.Background(), in)

	if calls.Load() != 2 {
		t.Errorf("expected re-evaluation after flush, got %d calls", calls.Load())
	}
}
