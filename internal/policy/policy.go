package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"

	"github.com/sark-io/sark/config"
)

// DenyReasonEvalError is the reason on fail-closed denials. The underlying
// cause goes to audit details, never to the caller.
const DenyReasonEvalError = "policy evaluation error"

// AuthorizationInput describes one requested action for the policy engine.
// Map fields marshal with sorted keys, so the serialized form doubles as
// the canonical cache-key material.
type AuthorizationInput struct {
	Principal   map[string]any     `json:"principal"`
	Action      string             `json:"action"`
	Resource    map[string]any     `json:"resource"`
	Tool        map[string]any     `json:"tool,omitempty"`
	Context     map[string]any     `json:"context,omitempty"`
	Sensitivity config.Sensitivity `json:"sensitivity,omitempty"`
}

// AuthorizationDecision is the policy engine's answer for one input.
type AuthorizationDecision struct {
	Allow              bool           `json:"allow"`
	Reason             string         `json:"reason,omitempty"`
	FilteredParameters map[string]any `json:"filtered_parameters,omitempty"`
	PoliciesEvaluated  []string       `json:"policies_evaluated,omitempty"`
	Violations         []string       `json:"violations,omitempty"`
	CacheTTLSeconds    int            `json:"cache_ttl_seconds,omitempty"`

	// Cause carries the evaluation error on fail-closed denials, for
	// audit details only.
	Cause string `json:"-"`
	// Cached reports whether this decision came from the decision cache.
	Cached bool `json:"-"`
}

// Client evaluates authorization inputs against an external policy
// endpoint speaking the OPA data API: POST {endpoint}/v1/data/{path}
// with {"input": ...}, decision under the "result" key.
//
// Every evaluation failure — transport error, non-200, timeout,
// undefined decision — maps to a deny. The client never fails open.
type Client struct {
	endpoint string
	path     string
	timeout  time.Duration
	caching  bool
	client   *http.Client

	cache sync.Map // uint64 -> *cacheEntry
	nowFn func() time.Time

	evaluations atomic.Int64
	allowed     atomic.Int64
	denied      atomic.Int64
	evalErrors  atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	stopSweep chan struct{}
	closeOnce sync.Once
}

// cacheEntry is one cached decision with its own deadline.
type cacheEntry struct {
	decision *AuthorizationDecision
	expiry   time.Time
}

// New creates a policy client from config. Callers must Close it to
// stop the cache sweeper.
func New(cfg config.PolicyConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	c := &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		path:      strings.Trim(cfg.Path, "/"),
		timeout:   timeout,
		caching:   cfg.CacheEnabled == nil || *cfg.CacheEnabled,
		client:    &http.Client{Timeout: timeout},
		nowFn:     time.Now,
		stopSweep: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// cacheTTL maps a sensitivity tier to its decision cache lifetime.
// Critical (and unknown) decisions are never cached.
func cacheTTL(s config.Sensitivity) time.Duration {
	switch s {
	case config.SensitivityLow:
		return 30 * time.Minute
	case config.SensitivityMedium:
		return 5 * time.Minute
	case config.SensitivityHigh:
		return time.Minute
	}
	return 0
}

// Evaluate returns the engine's decision for input, serving repeat
// inputs from cache within the sensitivity TTL. It always returns a
// decision; errors become denials with reason DenyReasonEvalError.
func (c *Client) Evaluate(ctx context.Context, input *AuthorizationInput) *AuthorizationDecision {
	c.evaluations.Add(1)

	body, err := json.Marshal(input)
	if err != nil {
		return c.denyError(fmt.Errorf("policy: marshal input: %w", err))
	}

	ttl := cacheTTL(input.Sensitivity)
	cacheable := c.caching && ttl > 0
	var key uint64
	if cacheable {
		key = xxhash.Sum64(body)
		if d, ok := c.lookup(key); ok {
			c.cacheHits.Add(1)
			return d
		}
		c.cacheMisses.Add(1)
	}

	decision, err := c.query(ctx, body)
	if err != nil {
		return c.denyError(err)
	}
	decision.CacheTTLSeconds = int(ttl / time.Second)
	c.count(decision)

	if cacheable {
		c.cache.Store(key, &cacheEntry{decision: decision, expiry: c.nowFn().Add(ttl)})
	}
	return decision
}

// EvaluateBatch evaluates inputs in one engine round trip (cache hits
// excepted). A failing item deny-maps independently; the rest of the
// batch is unaffected. The result slice is positional with inputs.
func (c *Client) EvaluateBatch(ctx context.Context, inputs []*AuthorizationInput) []*AuthorizationDecision {
	out := make([]*AuthorizationDecision, len(inputs))
	pending := make([]int, 0, len(inputs))
	bodies := make([]json.RawMessage, 0, len(inputs))
	keys := make([]uint64, len(inputs))

	for i, input := range inputs {
		c.evaluations.Add(1)
		body, err := json.Marshal(input)
		if err != nil {
			out[i] = c.denyError(fmt.Errorf("policy: marshal input: %w", err))
			continue
		}
		if c.caching && cacheTTL(input.Sensitivity) > 0 {
			keys[i] = xxhash.Sum64(body)
			if d, ok := c.lookup(keys[i]); ok {
				c.cacheHits.Add(1)
				out[i] = d
				continue
			}
			c.cacheMisses.Add(1)
		}
		pending = append(pending, i)
		bodies = append(bodies, body)
	}
	if len(pending) == 0 {
		return out
	}

	decisions, err := c.queryBatch(ctx, bodies)
	if err != nil {
		for _, i := range pending {
			out[i] = c.denyError(err)
		}
		return out
	}
	for n, i := range pending {
		if n >= len(decisions) || decisions[n] == nil {
			out[i] = c.denyError(fmt.Errorf("policy: batch decision %d undefined", n))
			continue
		}
		d := decisions[n]
		ttl := cacheTTL(inputs[i].Sensitivity)
		d.CacheTTLSeconds = int(ttl / time.Second)
		c.count(d)
		if c.caching && ttl > 0 {
			c.cache.Store(keys[i], &cacheEntry{decision: d, expiry: c.nowFn().Add(ttl)})
		}
		out[i] = d
	}
	return out
}

// lookup returns a copy of the cached decision for key if still live.
func (c *Client) lookup(key uint64) (*AuthorizationDecision, bool) {
	v, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	ce := v.(*cacheEntry)
	if !c.nowFn().Before(ce.expiry) {
		c.cache.Delete(key)
		return nil, false
	}
	d := *ce.decision
	d.Cached = true
	return &d, true
}

func (c *Client) count(d *AuthorizationDecision) {
	if d.Allow {
		c.allowed.Add(1)
	} else {
		c.denied.Add(1)
	}
}

func (c *Client) denyError(err error) *AuthorizationDecision {
	c.evalErrors.Add(1)
	c.denied.Add(1)
	return &AuthorizationDecision{
		Allow:  false,
		Reason: DenyReasonEvalError,
		Cause:  err.Error(),
	}
}

// query sends one input to the engine and plucks the decision.
func (c *Client) query(ctx context.Context, input []byte) (*AuthorizationDecision, error) {
	payload, err := json.Marshal(map[string]json.RawMessage{"input": input})
	if err != nil {
		return nil, fmt.Errorf("policy: marshal payload: %w", err)
	}
	body, err := c.post(ctx, fmt.Sprintf("%s/v1/data/%s", c.endpoint, c.path), payload)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("policy: undefined decision")
	}
	var decision AuthorizationDecision
	if err := json.Unmarshal([]byte(result.Raw), &decision); err != nil {
		return nil, fmt.Errorf("policy: unmarshal decision: %w", err)
	}
	return &decision, nil
}

// queryBatch sends pending inputs as {"input":{"items":[...]}} to the
// batch rule path and plucks result.decisions. Items that fail to
// decode are left nil for the caller to deny-map.
func (c *Client) queryBatch(ctx context.Context, items []json.RawMessage) ([]*AuthorizationDecision, error) {
	payload, err := json.Marshal(map[string]any{"input": map[string]any{"items": items}})
	if err != nil {
		return nil, fmt.Errorf("policy: marshal batch payload: %w", err)
	}
	body, err := c.post(ctx, fmt.Sprintf("%s/v1/data/%s/batch", c.endpoint, c.path), payload)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "result.decisions")
	if !result.IsArray() {
		return nil, fmt.Errorf("policy: undefined batch decision")
	}
	arr := result.Array()
	decisions := make([]*AuthorizationDecision, len(arr))
	for i, item := range arr {
		var d AuthorizationDecision
		if err := json.Unmarshal([]byte(item.Raw), &d); err != nil {
			continue
		}
		decisions[i] = &d
	}
	return decisions, nil
}

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("policy: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("policy: read response: %w", err)
	}
	return body, nil
}

// sweep drops expired cache entries so abandoned inputs do not pin
// memory between evaluations.
func (c *Client) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.nowFn()
			c.cache.Range(func(key, value any) bool {
				if !now.Before(value.(*cacheEntry).expiry) {
					c.cache.Delete(key)
				}
				return true
			})
		case <-c.stopSweep:
			return
		}
	}
}

// FlushCache drops every cached decision. Used on config reload.
func (c *Client) FlushCache() {
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		return true
	})
}

// Close stops the cache sweeper.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.stopSweep) })
}

// Stats returns evaluation counters for the admin endpoint.
func (c *Client) Stats() map[string]any {
	size := 0
	c.cache.Range(func(_, _ any) bool {
		size++
		return true
	})
	return map[string]any{
		"evaluations":  c.evaluations.Load(),
		"allowed":      c.allowed.Load(),
		"denied":       c.denied.Load(),
		"errors":       c.evalErrors.Load(),
		"cache_hits":   c.cacheHits.Load(),
		"cache_misses": c.cacheMisses.Load(),
		"cache_size":   size,
	}
}

// CacheHits returns the number of decisions served from cache.
func (c *Client) CacheHits() int64 { return c.cacheHits.Load() }

// CacheMisses returns the number of evaluations that missed the cache.
func (c *Client) CacheMisses() int64 { return c.cacheMisses.Load() }
