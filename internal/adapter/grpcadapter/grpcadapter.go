package grpcadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/breaker"
	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/registry"
	"github.com/sark-io/sark/internal/retry"
)

const (
	metaService   = "grpc_service"
	metaMethod    = "grpc_method"
	metaStreaming = "grpc_streaming"
)

var errBadArguments = errors.New("arguments do not match method input")

// Adapter invokes gRPC backends through server reflection. Capability
// metadata binds to a method via grpc_service/grpc_method; requests
// build dynamically from the argument map.
type Adapter struct {
	guards *adapter.GuardSet
	desc   *descriptorCache
	conns  sync.Map // endpoint -> *grpc.ClientConn
	logger *zap.Logger

	marshalOpts   protojson.MarshalOptions
	unmarshalOpts protojson.UnmarshalOptions
}

// New creates the gRPC adapter. Only UNAVAILABLE and DEADLINE_EXCEEDED
// statuses retry.
func New(defaults config.AdapterGuardConfig, onState breaker.StateHook) *Adapter {
	return &Adapter{
		guards: adapter.NewGuardSet(defaults, statusRetryable, onState),
		desc:   newDescriptorCache(5 * time.Minute),
		logger: logging.With(zap.String("adapter", "grpc")),
		marshalOpts: protojson.MarshalOptions{
			UseProtoNames: true,
		},
		unmarshalOpts: protojson.UnmarshalOptions{
			DiscardUnknown: true,
		},
	}
}

func (a *Adapter) Protocol() config.Protocol { return config.ProtocolGRPC }

// statusRetryable treats only transient transport statuses as
// retryable.
func statusRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// binding reads the method coordinates off capability metadata.
func binding(c *registry.Capability) (service, method string, err error) {
	service = c.Metadata[metaService]
	method = c.Metadata[metaMethod]
	if service == "" || method == "" {
		return "", "", fmt.Errorf("capability %s missing %s/%s metadata", c.ID, metaService, metaMethod)
	}
	return service, method, nil
}

// Validate checks the capability binding. Argument shape is enforced
// by the proto descriptor at invoke time.
func (a *Adapter) Validate(req *adapter.InvocationRequest) error {
	_, _, err := binding(req.Capability)
	return err
}

// Invoke performs a unary call under the resource guards.
func (a *Adapter) Invoke(ctx context.Context, req *adapter.InvocationRequest) *adapter.InvocationResult {
	start := time.Now()

	service, method, err := binding(req.Capability)
	if err != nil {
		return adapter.Fail(gwerrors.KindValidation, err).
			WithMeta("capability", req.Capability.ID)
	}
	jsonBody, err := encodeArguments(req.Arguments)
	if err != nil {
		return adapter.Fail(gwerrors.KindValidation, err)
	}

	var payload any
	guardErr := a.guards.For(req.Resource).Do(ctx, func(ctx context.Context) error {
		conn, err := a.connection(req.Resource.Endpoint)
		if err != nil {
			return err
		}
		md, err := a.desc.method(ctx, conn, req.Resource.Endpoint, service, method)
		if err != nil {
			return err
		}
		if md.IsStreamingClient() || md.IsStreamingServer() {
			return fmt.Errorf("%w: method %s streams", errBadArguments, method)
		}
		out, err := a.invokeUnary(ctx, conn, md, jsonBody)
		if err != nil {
			return err
		}
		payload = out
		return nil
	})

	result := a.resultFrom(guardErr, payload)
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// invokeUnary builds the dynamic request, calls the method, and
// decodes the response.
func (a *Adapter) invokeUnary(ctx context.Context, conn *grpc.ClientConn, md protoreflect.MethodDescriptor, jsonBody []byte) (any, error) {
	in := dynamicpb.NewMessage(md.Input())
	if len(jsonBody) > 0 {
		if err := a.unmarshalOpts.Unmarshal(jsonBody, in); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArguments, err)
		}
	}

	out := dynamicpb.NewMessage(md.Output())
	if err := conn.Invoke(ctx, fullMethodName(md), in, out); err != nil {
		return nil, err
	}

	raw, err := a.marshalOpts.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), nil
	}
	return v, nil
}

// resultFrom maps guard errors into the result taxonomy, attaching
// the backend status code when one exists.
func (a *Adapter) resultFrom(err error, payload any) *adapter.InvocationResult {
	if err == nil {
		return adapter.Succeed(payload)
	}
	if errors.Is(err, errBadArguments) {
		return adapter.Fail(gwerrors.KindValidation, err)
	}
	if st, ok := status.FromError(err); ok && !retry.IsExhausted(err) {
		return adapter.Fail(kindForCode(st.Code()),
			fmt.Errorf("backend returned %s: %s", st.Code(), st.Message())).
			WithMeta("grpc_code", st.Code().String())
	}
	return adapter.FailFrom(err)
}

func kindForCode(c codes.Code) string {
	switch c {
	case codes.InvalidArgument, codes.OutOfRange:
		return gwerrors.KindValidation
	case codes.DeadlineExceeded:
		return gwerrors.KindTimeout
	case codes.Unavailable:
		return gwerrors.KindConnection
	case codes.ResourceExhausted:
		return gwerrors.KindResourceExceeded
	default:
		return gwerrors.KindProtocol
	}
}

// Discover confirms the endpoint answers reflection. One endpoint is
// one resource.
func (a *Adapter) Discover(ctx context.Context, seed *registry.Resource) ([]*registry.Resource, error) {
	conn, err := a.connection(seed.Endpoint)
	if err != nil {
		return nil, err
	}
	services, err := a.desc.services(ctx, conn, seed.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", seed.ID, err)
	}
	a.logger.Debug("reflection listed services",
		zap.String("resource", seed.ID), zap.Int("services", len(services)))
	return []*registry.Resource{seed}, nil
}

// Capabilities derives one capability per reflected method. Streaming
// shapes are tagged so callers pick the right entry point.
func (a *Adapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	conn, err := a.connection(res.Endpoint)
	if err != nil {
		return nil, err
	}
	services, err := a.desc.services(ctx, conn, res.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", res.ID, err)
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	var caps []*registry.Capability
	for _, svcName := range names {
		sd := services[svcName]
		methods := sd.Methods()
		for i := 0; i < methods.Len(); i++ {
			md := methods.Get(i)
			name := string(sd.Name()) + "." + string(md.Name())
			meta := map[string]string{
				metaService: string(sd.FullName()),
				metaMethod:  string(md.Name()),
			}
			if shape := streamingShape(md); shape != "" {
				meta[metaStreaming] = shape
			}
			caps = append(caps, &registry.Capability{
				ID:         res.ID + "." + name,
				ResourceID: res.ID,
				Name:       name,
				Metadata:   meta,
			})
		}
	}
	return caps, nil
}

func streamingShape(md protoreflect.MethodDescriptor) string {
	switch {
	case md.IsStreamingClient() && md.IsStreamingServer():
		return "bidi"
	case md.IsStreamingClient():
		return "client"
	case md.IsStreamingServer():
		return "server"
	}
	return ""
}

// Health checks grpc.health.v1. Backends without the health service
// still count as alive when they answer at all.
func (a *Adapter) Health(ctx context.Context, res *registry.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := a.connection(res.Endpoint)
	if err != nil {
		return false
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return status.Code(err) == codes.Unimplemented
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// OnResourceRegistered warms the resource guards.
func (a *Adapter) OnResourceRegistered(ctx context.Context, res *registry.Resource) error {
	a.guards.For(res)
	return nil
}

// OnResourceUnregistered drops guards, descriptors, and the pooled
// connection.
func (a *Adapter) OnResourceUnregistered(res *registry.Resource) {
	a.guards.Drop(res.ID)
	a.desc.forget(res.Endpoint)
	if conn, ok := a.conns.LoadAndDelete(res.Endpoint); ok {
		conn.(*grpc.ClientConn).Close()
	}
}

// BreakerSnapshots exposes per-resource breaker state.
func (a *Adapter) BreakerSnapshots() []breaker.Snapshot {
	return a.guards.BreakerSnapshots()
}

// Close tears down every pooled connection.
func (a *Adapter) Close() error {
	a.conns.Range(func(k, v any) bool {
		v.(*grpc.ClientConn).Close()
		a.conns.Delete(k)
		return true
	})
	return nil
}

// connection returns the pooled connection for an endpoint, dialing
// lazily.
func (a *Adapter) connection(endpoint string) (*grpc.ClientConn, error) {
	if existing, ok := a.conns.Load(endpoint); ok {
		return existing.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(dialTarget(endpoint),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(dynamicCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	actual, loaded := a.conns.LoadOrStore(endpoint, conn)
	if loaded {
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// dialTarget strips scheme prefixes down to host:port.
func dialTarget(endpoint string) string {
	target := strings.TrimPrefix(endpoint, "grpc://")
	target = strings.TrimPrefix(target, "http://")
	target = strings.TrimPrefix(target, "https://")
	return target
}

func fullMethodName(md protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
}

// encodeArguments renders the argument map for protojson. Empty maps
// produce no body so zero-field messages stay valid.
func encodeArguments(args map[string]any) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return data, nil
}

// dynamicCodec marshals dynamic proto messages on the wire.
type dynamicCodec struct{}

func (dynamicCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("dynamicCodec: expected proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (dynamicCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("dynamicCodec: expected proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (dynamicCodec) Name() string {
	return "proto"
}
