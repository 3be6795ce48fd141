package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/breaker"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/keyed"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
)

const maxResponseBytes = 16 << 20

// Adapter invokes HTTP backends. Capabilities bind to endpoints via
// http_method/http_path metadata; arguments split into path, query,
// header, and body parts.
type Adapter struct {
	client  *http.Client
	guards  *adapter.GuardSet
	auth    *keyed.Manager[*authApplier]
	schemas *keyed.Manager[*compiledSchema]
	logger  *zap.Logger
}

// New creates the HTTP adapter with its own tuned client.
func New(defaults config.AdapterGuardConfig, onState breaker.StateHook) *Adapter {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Adapter{
		client:  &http.Client{Transport: transport},
		guards:  adapter.NewGuardSet(defaults, retry.StatusRetryable, onState),
		auth:    keyed.New[*authApplier](),
		schemas: keyed.New[*compiledSchema](),
		logger:  logging.With(zap.String("adapter", "http")),
	}
}

func (a *Adapter) Protocol() config.Protocol { return config.ProtocolHTTP }

// Invoke performs the bound HTTP call under the resource guards.
func (a *Adapter) Invoke(ctx context.Context, req *adapter.InvocationRequest) *adapter.InvocationResult {
	start := time.Now()

	call, err := a.buildCall(req)
	if err != nil {
		return adapter.Fail(gwerrors.KindValidation, err).
			WithMeta("capability", req.Capability.ID)
	}

	var (
		status  int
		payload any
	)
	guardErr := a.guards.For(req.Resource).Do(ctx, func(ctx context.Context) error {
		s, p, err := a.send(ctx, req, call)
		if err != nil {
			return err
		}
		status, payload = s, p
		return nil
	})

	result := a.resultFrom(guardErr, payload)
	result.DurationMS = time.Since(start).Milliseconds()
	if status != 0 {
		result.WithMeta("http_status", status)
	}
	return result
}

// send executes one attempt. Non-2xx statuses come back as
// *retry.StatusError so the classifier sees them.
func (a *Adapter) send(ctx context.Context, req *adapter.InvocationRequest, call *boundCall) (int, any, error) {
	httpReq, err := call.request(ctx)
	if err != nil {
		return 0, nil, err
	}
	if applier, ok := a.auth.Get(req.Resource.ID); ok {
		applier.apply(ctx, httpReq)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, &retry.StatusError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	return resp.StatusCode, decodeBody(resp.Header.Get("Content-Type"), body), nil
}

// resultFrom normalizes a guard error into the result taxonomy. A
// bare status error is a terminal 4xx; retried 5xx failures surface
// as retry exhaustion.
func (a *Adapter) resultFrom(err error, payload any) *adapter.InvocationResult {
	if err == nil {
		return adapter.Succeed(payload)
	}
	var se *retry.StatusError
	if errors.As(err, &se) && !retry.IsExhausted(err) {
		return adapter.Fail(gwerrors.KindProtocol, se).WithMeta("http_status", se.Status)
	}
	return adapter.FailFrom(err)
}

// Health reports whether the endpoint answers at all. Any HTTP
// response short of 5xx counts as alive.
func (a *Adapter) Health(ctx context.Context, res *registry.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, res.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < 500
}

// OnResourceRegistered prepares per-resource outbound auth.
func (a *Adapter) OnResourceRegistered(ctx context.Context, res *registry.Resource) error {
	applier, err := newAuthApplier(res.ID, res.Auth)
	if err != nil {
		return fmt.Errorf("resource %s auth: %w", res.ID, err)
	}
	if applier != nil {
		a.auth.Add(res.ID, applier)
	}
	a.guards.For(res)
	return nil
}

// OnResourceUnregistered drops per-resource state.
func (a *Adapter) OnResourceUnregistered(res *registry.Resource) {
	a.auth.Delete(res.ID)
	a.guards.Drop(res.ID)
	caps := res.ID + "."
	for _, id := range a.schemas.Names() {
		if strings.HasPrefix(id, caps) {
			a.schemas.Delete(id)
		}
	}
}

// BreakerSnapshots exposes per-resource breaker state.
func (a *Adapter) BreakerSnapshots() []breaker.Snapshot {
	return a.guards.BreakerSnapshots()
}

// Close releases idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// decodeBody parses JSON responses into structured values and keeps
// everything else as a string.
func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.HasPrefix(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
