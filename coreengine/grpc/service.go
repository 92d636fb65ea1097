package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentcore.v1.OrchestrationService"

// Full method names.
const (
	MethodSubmitEnsemble  = "/" + ServiceName + "/SubmitEnsemble"
	MethodSubmitExecution = "/" + ServiceName + "/SubmitExecution"
	MethodGetResult       = "/" + ServiceName + "/GetResult"
	MethodPublish         = "/" + ServiceName + "/Publish"
	MethodSubscribe       = "/" + ServiceName + "/Subscribe"
	MethodGetMetrics      = "/" + ServiceName + "/GetMetrics"
	MethodGetHealth       = "/" + ServiceName + "/GetHealth"
)

// OrchestrationServer is the server API. Messages are google.protobuf.Struct
// so the service needs no generated code.
type OrchestrationServer interface {
	SubmitEnsemble(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitExecution(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream SubscribeServer) error
	GetMetrics(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	GetHealth(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// SubscribeServer is the server side of a Subscribe stream.
type SubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type subscribeServer struct {
	grpc.ServerStream
}

func (s *subscribeServer) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterOrchestrationServer registers srv on s.
func RegisterOrchestrationServer(s grpc.ServiceRegistrar, srv OrchestrationServer) {
	s.RegisterService(&OrchestrationServiceDesc, srv)
}

// OrchestrationServiceDesc describes the service for grpc.Server.
var OrchestrationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEnsemble", Handler: structHandler(MethodSubmitEnsemble, OrchestrationServer.SubmitEnsemble)},
		{MethodName: "SubmitExecution", Handler: structHandler(MethodSubmitExecution, OrchestrationServer.SubmitExecution)},
		{MethodName: "GetResult", Handler: structHandler(MethodGetResult, OrchestrationServer.GetResult)},
		{MethodName: "Publish", Handler: structHandler(MethodPublish, OrchestrationServer.Publish)},
		{MethodName: "GetMetrics", Handler: emptyHandler(MethodGetMetrics, OrchestrationServer.GetMetrics)},
		{MethodName: "GetHealth", Handler: emptyHandler(MethodGetHealth, OrchestrationServer.GetHealth)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

// subscribeStreamDesc is the client view of the Subscribe stream.
var subscribeStreamDesc = grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}

type structMethod func(OrchestrationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

type emptyMethod func(OrchestrationServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func structHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrchestrationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrchestrationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func emptyHandler(fullMethod string, call emptyMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrchestrationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrchestrationServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OrchestrationServer).Subscribe(in, &subscribeServer{stream})
}
