package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName    = "continuation.transport.Binder"
	transactMethod = "/" + serviceName + "/Transact"
	linkMethod     = "/" + serviceName + "/Link"

	// clientHeader carries the link id on unary calls
	clientHeader = "x-binder-client"
)

// BinderServer is implemented by the server side of the transport.
type BinderServer interface {
	// Transact delivers one call frame and returns its reply frame.
	Transact(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	// Link holds the stream that carries calls back to the client.
	Link(grpc.BidiStreamingServer[wrapperspb.BytesValue, wrapperspb.BytesValue]) error
}

// RegisterBinderServer registers srv with s.
func RegisterBinderServer(s grpc.ServiceRegistrar, srv BinderServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*BinderServer)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Transact",
				Handler:    transactHandler,
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Link",
				Handler:       linkHandler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "continuation/transport/binder",
	}, srv)
}

func transactHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BinderServer).Transact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: transactMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BinderServer).Transact(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func linkHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BinderServer).Link(&grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// binderClient issues raw frames against a connection.
type binderClient struct {
	cc grpc.ClientConnInterface
}

func (c binderClient) transact(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, transactMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c binderClient) link(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[wrapperspb.BytesValue, wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "Link",
		ServerStreams: true,
		ClientStreams: true,
	}, linkMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.BytesValue]{ClientStream: stream}, nil
}
