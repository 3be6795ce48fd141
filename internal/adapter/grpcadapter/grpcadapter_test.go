package grpcadapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
)

func TestStatusRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "backend down"), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "too slow"), true},
		{"not found", status.Error(codes.NotFound, "missing"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"internal", status.Error(codes.Internal, "boom"), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
		{"wrapped unavailable", fmt.Errorf("attempt: %w", status.Error(codes.Unavailable, "down")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusRetryable(tt.err); got != tt.want {
				t.Errorf("statusRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBinding(t *testing.T) {
	c := &registry.Capability{
		ID: "svc.op",
		Metadata: map[string]string{
			metaService: "pkg.UserService",
			metaMethod:  "GetUser",
		},
	}
	service, method, err := binding(c)
	if err != nil {
		t.Fatalf("binding failed: %v", err)
	}
	if service != "pkg.UserService" || method != "GetUser" {
		t.Errorf("unexpected binding %s/%s", service, method)
	}

	for _, broken := range []*registry.Capability{
		{ID: "svc.a", Metadata: map[string]string{metaService: "pkg.Svc"}},
		{ID: "svc.b", Metadata: map[string]string{metaMethod: "Get"}},
		{ID: "svc.c"},
	} {
		if _, _, err := binding(broken); err == nil {
			t.Errorf("expected binding error for %s", broken.ID)
		}
	}
}

func TestKindForCode(t *testing.T) {
	tests := []struct {
		code codes.Code
		want string
	}{
		{codes.InvalidArgument, gwerrors.KindValidation},
		{codes.OutOfRange, gwerrors.KindValidation},
		{codes.DeadlineExceeded, gwerrors.KindTimeout},
		{codes.Unavailable, gwerrors.KindConnection},
		{codes.ResourceExhausted, gwerrors.KindResourceExceeded},
		{codes.NotFound, gwerrors.KindProtocol},
		{codes.Unimplemented, gwerrors.KindProtocol},
		{codes.Internal, gwerrors.KindProtocol},
	}
	for _, tt := range tests {
		if got := kindForCode(tt.code); got != tt.want {
			t.Errorf("kindForCode(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestDialTarget(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"grpc://10.0.0.1:50051", "10.0.0.1:50051"},
		{"http://svc:50051", "svc:50051"},
		{"https://svc:50051", "svc:50051"},
		{"svc:50051", "svc:50051"},
	}
	for _, tt := range tests {
		if got := dialTarget(tt.in); got != tt.want {
			t.Errorf("dialTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncodeArguments(t *testing.T) {
	data, err := encodeArguments(nil)
	if err != nil || data != nil {
		t.Errorf("expected no body for empty arguments, got %q, %v", data, err)
	}

	data, err = encodeArguments(map[string]any{"user_id": "7"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(data) != `{"user_id":"7"}` {
		t.Errorf("unexpected body %s", data)
	}
}

func TestResultFrom(t *testing.T) {
	a := New(config.AdapterGuardConfig{}, nil)
	defer a.Close()

	ok := a.resultFrom(nil, map[string]any{"id": "7"})
	if !ok.Success {
		t.Fatal("expected success for nil error")
	}

	r := a.resultFrom(status.Error(codes.NotFound, "no such user"), nil)
	if r.ErrorType != gwerrors.KindProtocol {
		t.Errorf("expected %s, got %s", gwerrors.KindProtocol, r.ErrorType)
	}
	if r.Metadata["grpc_code"] != "NotFound" {
		t.Errorf("expected grpc_code NotFound, got %v", r.Metadata["grpc_code"])
	}
	if !strings.Contains(r.Error, "no such user") {
		t.Errorf("expected backend message carried through, got %q", r.Error)
	}

	r = a.resultFrom(fmt.Errorf("%w: field mismatch", errBadArguments), nil)
	if r.ErrorType != gwerrors.KindValidation {
		t.Errorf("expected %s, got %s", gwerrors.KindValidation, r.ErrorType)
	}

	exhausted := &retry.ExhaustedError{Attempts: 3, Last: status.Error(codes.Unavailable, "down")}
	r = a.resultFrom(exhausted, nil)
	if r.ErrorType != gwerrors.KindRetryExhausted {
		t.Errorf("expected %s for exhausted retries, got %s", gwerrors.KindRetryExhausted, r.ErrorType)
	}
}

func TestValidate(t *testing.T) {
	a := New(config.AdapterGuardConfig{}, nil)
	defer a.Close()

	res := &registry.Resource{ID: "svc", Protocol: config.ProtocolGRPC, Endpoint: "127.0.0.1:50051"}
	good := &registry.Capability{
		ID:       "svc.get",
		Metadata: map[string]string{metaService: "pkg.Svc", metaMethod: "Get"},
	}
	if err := a.Validate(&adapter.InvocationRequest{Resource: res, Capability: good}); err != nil {
		t.Errorf("expected valid binding, got %v", err)
	}
	bad := &registry.Capability{ID: "svc.bad"}
	if err := a.Validate(&adapter.InvocationRequest{Resource: res, Capability: bad}); err == nil {
		t.Error("expected error for missing binding metadata")
	}
}

func TestDynamicCodecRoundTrip(t *testing.T) {
	codec := dynamicCodec{}

	msg := &healthpb.HealthCheckRequest{Service: "sark"}
	data, err := codec.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out healthpb.HealthCheckRequest
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !proto.Equal(msg, &out) {
		t.Errorf("expected round trip equality, got %v", &out)
	}

	if _, err := codec.Marshal("not a proto"); err == nil {
		t.Error("expected error for non-proto value")
	}
	if err := codec.Unmarshal(data, "not a proto"); err == nil {
		t.Error("expected error for non-proto target")
	}
	if codec.Name() != "proto" {
		t.Errorf("expected codec name proto, got %s", codec.Name())
	}
}
