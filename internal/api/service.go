package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Cache"

// CacheServer is the handler type the service descriptor dispatches to.
type CacheServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[WatchEvent]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListChats", (*CacheService).ListChats),
		unary("GetChat", (*CacheService).GetChat),
		unary("ListMessages", (*CacheService).ListMessages),
		unary("LoadOlder", (*CacheService).LoadOlder),
		unary("Send", (*CacheService).Send),
		unary("Edit", (*CacheService).Edit),
		unary("Delete", (*CacheService).Delete),
		unary("React", (*CacheService).React),
		unary("MarkRead", (*CacheService).MarkRead),
		unary("Retry", (*CacheService).Retry),
		unary("Discard", (*CacheService).Discard),
		unary("CreateChat", (*CacheService).CreateChat),
		unary("SetActive", (*CacheService).SetActive),
		unary("SetTyping", (*CacheService).SetTyping),
		unary("Search", (*CacheService).Search),
		unary("Status", (*CacheService).Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/cache",
}

// Register adds the cache service to a gRPC server.
func Register(s grpc.ServiceRegistrar, svc *CacheService) {
	s.RegisterService(&serviceDesc, svc)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed method to the descriptor's handler signature.
func unary[Req, Resp any](name string, call func(*CacheService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*CacheService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CacheServer).Watch(in, &grpc.GenericServerStream[WatchRequest, WatchEvent]{ServerStream: stream})
}
