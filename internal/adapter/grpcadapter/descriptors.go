package grpcadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// cachedDescriptors holds the reflected services of one endpoint.
type cachedDescriptors struct {
	services  map[string]protoreflect.ServiceDescriptor
	expiresAt time.Time
	mu        sync.RWMutex
}

// descriptorCache caches reflection results per endpoint with a TTL.
type descriptorCache struct {
	cache sync.Map // endpoint -> *cachedDescriptors
	ttl   time.Duration
}

func newDescriptorCache(ttl time.Duration) *descriptorCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &descriptorCache{ttl: ttl}
}

// services returns the reflected service map for an endpoint, fetching
// when the cache is cold or expired.
func (dc *descriptorCache) services(ctx context.Context, conn *grpc.ClientConn, endpoint string) (map[string]protoreflect.ServiceDescriptor, error) {
	if cached, ok := dc.cache.Load(endpoint); ok {
		cd := cached.(*cachedDescriptors)
		cd.mu.RLock()
		if time.Now().Before(cd.expiresAt) {
			services := cd.services
			cd.mu.RUnlock()
			return services, nil
		}
		cd.mu.RUnlock()
	}

	services, err := fetchServices(ctx, conn)
	if err != nil {
		return nil, err
	}
	dc.cache.Store(endpoint, &cachedDescriptors{
		services:  services,
		expiresAt: time.Now().Add(dc.ttl),
	})
	return services, nil
}

// method resolves a single method descriptor.
func (dc *descriptorCache) method(ctx context.Context, conn *grpc.ClientConn, endpoint, serviceName, methodName string) (protoreflect.MethodDescriptor, error) {
	services, err := dc.services(ctx, conn, endpoint)
	if err != nil {
		return nil, err
	}
	sd, ok := services[serviceName]
	if !ok {
		return nil, fmt.Errorf("service %q not found on %s", serviceName, endpoint)
	}
	methods := sd.Methods()
	for i := 0; i < methods.Len(); i++ {
		md := methods.Get(i)
		if string(md.Name()) == methodName {
			return md, nil
		}
	}
	return nil, fmt.Errorf("method %q not found in service %q", methodName, serviceName)
}

func (dc *descriptorCache) forget(endpoint string) {
	dc.cache.Delete(endpoint)
}

// fetchServices walks server reflection: list services, then pull the
// file descriptors behind each symbol and assemble the registry.
func fetchServices(ctx context.Context, conn *grpc.ClientConn) (map[string]protoreflect.ServiceDescriptor, error) {
	client := rpb.NewServerReflectionClient(conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create reflection stream: %w", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{},
	}); err != nil {
		return nil, fmt.Errorf("failed to send list services request: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive list services response: %w", err)
	}
	listResp, ok := resp.MessageResponse.(*rpb.ServerReflectionResponse_ListServicesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type for list services")
	}

	seenFiles := make(map[string]bool)
	var fileDescProtos []*descriptorpb.FileDescriptorProto

	for _, svc := range listResp.ListServicesResponse.Service {
		if svc.Name == "grpc.reflection.v1alpha.ServerReflection" || svc.Name == "grpc.reflection.v1.ServerReflection" {
			continue
		}

		if err := stream.Send(&rpb.ServerReflectionRequest{
			MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{
				FileContainingSymbol: svc.Name,
			},
		}); err != nil {
			return nil, fmt.Errorf("failed to send file request for %s: %w", svc.Name, err)
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, fmt.Errorf("failed to receive file descriptor for %s: %w", svc.Name, err)
		}
		fdResp, ok := resp.MessageResponse.(*rpb.ServerReflectionResponse_FileDescriptorResponse)
		if !ok {
			continue
		}

		for _, fdBytes := range fdResp.FileDescriptorResponse.FileDescriptorProto {
			fdProto := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(fdBytes, fdProto); err != nil {
				continue
			}
			if !seenFiles[fdProto.GetName()] {
				seenFiles[fdProto.GetName()] = true
				fileDescProtos = append(fileDescProtos, fdProto)
			}
		}
	}

	files, err := protodesc.NewFiles(&descriptorpb.FileDescriptorSet{File: fileDescProtos})
	if err != nil {
		return nil, fmt.Errorf("failed to build file descriptors: %w", err)
	}

	services := make(map[string]protoreflect.ServiceDescriptor)
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		for i := 0; i < fd.Services().Len(); i++ {
			sd := fd.Services().Get(i)
			services[string(sd.FullName())] = sd
		}
		return true
	})
	return services, nil
}
