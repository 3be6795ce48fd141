package grpcadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/sark-io/sark/internal/adapter"
)

// Stream performs a server-streaming call: one request in, messages
// out until the server closes. The breaker scores the connect phase
// (descriptor resolution through CloseSend); an open stream is never
// retried.
func (a *Adapter) Stream(ctx context.Context, req *adapter.InvocationRequest) (<-chan adapter.StreamChunk, error) {
	service, method, err := binding(req.Capability)
	if err != nil {
		return nil, err
	}
	jsonBody, err := encodeArguments(req.Arguments)
	if err != nil {
		return nil, err
	}

	g := a.guards.For(req.Resource)
	if err := g.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var (
		stream  grpc.ClientStream
		outDesc protoreflect.MessageDescriptor
	)
	err = g.Breaker.Call(func() error {
		conn, err := a.connection(req.Resource.Endpoint)
		if err != nil {
			return err
		}
		md, err := a.desc.method(ctx, conn, req.Resource.Endpoint, service, method)
		if err != nil {
			return err
		}
		if !md.IsStreamingServer() || md.IsStreamingClient() {
			return fmt.Errorf("%w: method %s is not server-streaming", errBadArguments, method)
		}

		in := dynamicpb.NewMessage(md.Input())
		if len(jsonBody) > 0 {
			if err := a.unmarshalOpts.Unmarshal(jsonBody, in); err != nil {
				return fmt.Errorf("%w: %v", errBadArguments, err)
			}
		}

		desc := &grpc.StreamDesc{
			StreamName:    string(md.Name()),
			ServerStreams: true,
		}
		s, err := conn.NewStream(ctx, desc, fullMethodName(md))
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		if err := s.SendMsg(in); err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		if err := s.CloseSend(); err != nil {
			return fmt.Errorf("failed to close send: %w", err)
		}

		stream = s
		outDesc = md.Output()
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamChunk, 8)
	go a.consume(ctx, stream, outDesc, ch)
	return ch, nil
}

// consume receives messages until EOF, forwarding each as a JSON
// chunk. Failures surface as a final chunk before close.
func (a *Adapter) consume(ctx context.Context, stream grpc.ClientStream, outDesc protoreflect.MessageDescriptor, ch chan<- adapter.StreamChunk) {
	defer close(ch)

	for {
		out := dynamicpb.NewMessage(outDesc)
		if err := stream.RecvMsg(out); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return
			}
			ch <- adapter.StreamChunk{Err: fmt.Errorf("stream read: %w", err)}
			return
		}

		raw, err := a.marshalOpts.Marshal(out)
		if err != nil {
			ch <- adapter.StreamChunk{Err: fmt.Errorf("encoding message: %w", err)}
			return
		}
		select {
		case ch <- adapter.StreamChunk{Data: json.RawMessage(raw)}:
		case <-ctx.Done():
			return
		}
	}
}
