package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks gateway metrics for Prometheus-compatible export
type Collector struct {
	mu sync.RWMutex

	// Invocation metrics
	invocationsTotal    map[string]int64          // key: resource|protocol|outcome
	invocationDurations map[string]*HistogramData // key: resource

	// Policy metrics
	policyDecisions  map[string]int64 // key: decision (allow|deny|error)
	policyCacheHits  int64
	policyCacheMiss  int64

	// Resilience metrics
	breakerState map[string]int   // key: breaker name; 0=closed, 1=open, 2=half_open
	retryTotal   map[string]int64 // key: adapter

	// Auth metrics
	authTotal map[string]int64 // key: method|outcome

	// SIEM metrics
	siemEnqueued map[string]int64 // key: sink
	siemDropped  map[string]int64 // key: sink
	siemFlushed  map[string]int64 // key: sink
	siemFallback map[string]int64 // key: sink

	// Transport metrics
	stdioRestarts map[string]int64 // key: transport

	// Federation metrics
	federationInvokes map[string]int64 // key: node|outcome
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		invocationsTotal:    make(map[string]int64),
		invocationDurations: make(map[string]*HistogramData),
		policyDecisions:     make(map[string]int64),
		breakerState:        make(map[string]int),
		retryTotal:          make(map[string]int64),
		authTotal:           make(map[string]int64),
		siemEnqueued:        make(map[string]int64),
		siemDropped:         make(map[string]int64),
		siemFlushed:         make(map[string]int64),
		siemFallback:        make(map[string]int64),
		stdioRestarts:       make(map[string]int64),
		federationInvokes:   make(map[string]int64),
	}
}

// RecordInvocation records a completed capability invocation
func (c *Collector) RecordInvocation(resource, protocol, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := resource + "|" + protocol + "|" + outcome
	c.invocationsTotal[key]++

	hd, ok := c.invocationDurations[resource]
	if !ok {
		hd = &HistogramData{
			Buckets: make(map[float64]int64),
		}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.invocationDurations[resource] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordPolicyDecision records a policy evaluation outcome
func (c *Collector) RecordPolicyDecision(decision string) {
	c.mu.Lock()
	c.policyDecisions[decision]++
	c.mu.Unlock()
}

// RecordPolicyCacheHit records a decision cache hit
func (c *Collector) RecordPolicyCacheHit() {
	c.mu.Lock()
	c.policyCacheHits++
	c.mu.Unlock()
}

// RecordPolicyCacheMiss records a decision cache miss
func (c *Collector) RecordPolicyCacheMiss() {
	c.mu.Lock()
	c.policyCacheMiss++
	c.mu.Unlock()
}

// SetBreakerState sets the circuit breaker state for a named breaker
func (c *Collector) SetBreakerState(name string, state int) {
	c.mu.Lock()
	c.breakerState[name] = state
	c.mu.Unlock()
}

// RecordRetry records a retry attempt for an adapter
func (c *Collector) RecordRetry(adapter string) {
	c.mu.Lock()
	c.retryTotal[adapter]++
	c.mu.Unlock()
}

// RecordAuth records an authentication attempt
func (c *Collector) RecordAuth(method, outcome string) {
	c.mu.Lock()
	c.authTotal[method+"|"+outcome]++
	c.mu.Unlock()
}

// RecordSIEM records per-sink forwarder counters
func (c *Collector) RecordSIEM(sink string, enqueued, dropped, flushed, fallback int64) {
	c.mu.Lock()
	c.siemEnqueued[sink] = enqueued
	c.siemDropped[sink] = dropped
	c.siemFlushed[sink] = flushed
	c.siemFallback[sink] = fallback
	c.mu.Unlock()
}

// RecordStdioRestart records a child-process restart
func (c *Collector) RecordStdioRestart(transport string) {
	c.mu.Lock()
	c.stdioRestarts[transport]++
	c.mu.Unlock()
}

// RecordFederationInvoke records a cross-node invocation outcome
func (c *Collector) RecordFederationInvoke(node, outcome string) {
	c.mu.Lock()
	c.federationInvokes[node+"|"+outcome]++
	c.mu.Unlock()
}

// Snapshot holds a point-in-time copy of all metrics
type Snapshot struct {
	InvocationsTotal    map[string]int64              `json:"invocations_total"`
	InvocationDurations map[string]*HistogramSnapshot `json:"invocation_durations"`
	PolicyDecisions     map[string]int64              `json:"policy_decisions"`
	PolicyCacheHits     int64                         `json:"policy_cache_hits"`
	PolicyCacheMisses   int64                         `json:"policy_cache_misses"`
	BreakerState        map[string]int                `json:"breaker_state"`
	RetryTotal          map[string]int64              `json:"retry_total"`
	AuthTotal           map[string]int64              `json:"auth_total"`
	SIEMEnqueued        map[string]int64              `json:"siem_enqueued"`
	SIEMDropped         map[string]int64              `json:"siem_dropped"`
	SIEMFlushed         map[string]int64              `json:"siem_flushed"`
	SIEMFallback        map[string]int64              `json:"siem_fallback"`
	StdioRestarts       map[string]int64              `json:"stdio_restarts"`
	FederationInvokes   map[string]int64              `json:"federation_invokes"`
}

// HistogramSnapshot is a snapshot of histogram data
type HistogramSnapshot struct {
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[float64]int64 `json:"buckets"`
}

// TakeSnapshot returns a point-in-time snapshot of all metrics
func (c *Collector) TakeSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{
		InvocationsTotal:    copyCounts(c.invocationsTotal),
		InvocationDurations: make(map[string]*HistogramSnapshot),
		PolicyDecisions:     copyCounts(c.policyDecisions),
		PolicyCacheHits:     c.policyCacheHits,
		PolicyCacheMisses:   c.policyCacheMiss,
		BreakerState:        make(map[string]int, len(c.breakerState)),
		RetryTotal:          copyCounts(c.retryTotal),
		AuthTotal:           copyCounts(c.authTotal),
		SIEMEnqueued:        copyCounts(c.siemEnqueued),
		SIEMDropped:         copyCounts(c.siemDropped),
		SIEMFlushed:         copyCounts(c.siemFlushed),
		SIEMFallback:        copyCounts(c.siemFallback),
		StdioRestarts:       copyCounts(c.stdioRestarts),
		FederationInvokes:   copyCounts(c.federationInvokes),
	}

	for k, v := range c.invocationDurations {
		hs := &HistogramSnapshot{
			Count:   v.Count,
			Sum:     v.Sum,
			Buckets: make(map[float64]int64),
		}
		for b, cnt := range v.Buckets {
			hs.Buckets[b] = cnt
		}
		snap.InvocationDurations[k] = hs
	}
	for k, v := range c.breakerState {
		snap.BreakerState[k] = v
	}

	return snap
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeHelp(w, "sark_invocations_total", "Total capability invocations", "counter")
	for key, count := range c.invocationsTotal {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "sark_invocations_total", count,
				"resource", parts[0], "protocol", parts[1], "outcome", parts[2])
		}
	}

	writeHelp(w, "sark_invocation_duration_seconds", "Invocation duration in seconds", "histogram")
	for resource, hd := range c.invocationDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "sark_invocation_duration_seconds_bucket", float64(cnt),
				"resource", resource, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "sark_invocation_duration_seconds_bucket", float64(hd.Count),
			"resource", resource, "le", "+Inf")
		writeMetricFloat(w, "sark_invocation_duration_seconds_sum", hd.Sum,
			"resource", resource)
		writeMetric(w, "sark_invocation_duration_seconds_count", hd.Count,
			"resource", resource)
	}

	writeHelp(w, "sark_policy_decisions_total", "Policy evaluation outcomes", "counter")
	for decision, count := range c.policyDecisions {
		writeMetric(w, "sark_policy_decisions_total", count, "decision", decision)
	}

	writeHelp(w, "sark_policy_cache_hits_total", "Decision cache hits", "counter")
	writeMetric(w, "sark_policy_cache_hits_total", c.policyCacheHits)
	writeHelp(w, "sark_policy_cache_misses_total", "Decision cache misses", "counter")
	writeMetric(w, "sark_policy_cache_misses_total", c.policyCacheMiss)

	writeHelp(w, "sark_breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half_open)", "gauge")
	for name, state := range c.breakerState {
		writeMetric(w, "sark_breaker_state", int64(state), "breaker", name)
	}

	writeHelp(w, "sark_retry_total", "Total retry attempts", "counter")
	for adapter, count := range c.retryTotal {
		writeMetric(w, "sark_retry_total", count, "adapter", adapter)
	}

	writeHelp(w, "sark_auth_total", "Authentication attempts", "counter")
	for key, count := range c.authTotal {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "sark_auth_total", count, "method", parts[0], "outcome", parts[1])
		}
	}

	writeSinkCounter(w, "sark_siem_enqueued_total", "Events enqueued per sink", c.siemEnqueued)
	writeSinkCounter(w, "sark_siem_dropped_total", "Events dropped per sink", c.siemDropped)
	writeSinkCounter(w, "sark_siem_flushed_total", "Events flushed per sink", c.siemFlushed)
	writeSinkCounter(w, "sark_siem_fallback_total", "Events written to fallback per sink", c.siemFallback)

	writeHelp(w, "sark_stdio_restarts_total", "Child process restarts", "counter")
	for transport, count := range c.stdioRestarts {
		writeMetric(w, "sark_stdio_restarts_total", count, "transport", transport)
	}

	writeHelp(w, "sark_federation_invokes_total", "Cross-node invocations", "counter")
	for key, count := range c.federationInvokes {
		parts := splitKey(key, 2)
		if len(parts) == 2 {
			writeMetric(w, "sark_federation_invokes_total", count, "node", parts[0], "outcome", parts[1])
		}
	}
}

func writeSinkCounter(w http.ResponseWriter, name, help string, counts map[string]int64) {
	writeHelp(w, name, help, "counter")
	for sink, count := range counts {
		writeMetric(w, name, count, "sink", sink)
	}
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
