package api

import (
	"context"

	"github.com/matheus3301/courier/internal/model"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name of the control API.
const ServiceName = "courier.v1.Courier"

// CourierServer is the control API served by courierd on its unix socket.
type CourierServer interface {
	SendText(context.Context, *SendTextRequest) (*SendTextResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	ListFailed(context.Context, *ListFailedRequest) (*ListFailedResponse, error)
	Retry(context.Context, *RetryRequest) (*Empty, error)
	QueueStats(context.Context, *Empty) (*QueueStatsResponse, error)
	SessionStatus(context.Context, *Empty) (*SessionStatusResponse, error)
	Connect(context.Context, *Empty) (*SessionStatusResponse, error)
	Logout(context.Context, *Empty) (*Empty, error)
	MarkRead(context.Context, *ConversationRequest) (*MarkReadResponse, error)
	Join(context.Context, *ConversationRequest) (*Empty, error)
	Presence(context.Context, *PresenceRequest) (*model.Presence, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	Watch(*WatchRequest, WatchServer) error
}

// WatchServer is the server side of the Watch stream.
type WatchServer interface {
	Send(*WatchEvent) error
	Context() context.Context
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e *WatchEvent) error {
	return w.ServerStream.SendMsg(e)
}

func unary[Req, Resp any](name string, call func(CourierServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CourierServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CourierServer), ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CourierServer).Watch(in, &watchServer{stream})
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the control API for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CourierServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendText", CourierServer.SendText),
		unary("ListMessages", CourierServer.ListMessages),
		unary("ListConversations", CourierServer.ListConversations),
		unary("ListFailed", CourierServer.ListFailed),
		unary("Retry", CourierServer.Retry),
		unary("QueueStats", CourierServer.QueueStats),
		unary("SessionStatus", CourierServer.SessionStatus),
		unary("Connect", CourierServer.Connect),
		unary("Logout", CourierServer.Logout),
		unary("MarkRead", CourierServer.MarkRead),
		unary("Join", CourierServer.Join),
		unary("Presence", CourierServer.Presence),
		unary("Search", CourierServer.Search),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "courier/v1/courier.json",
}

// RegisterCourierServer registers srv on s.
func RegisterCourierServer(s grpc.ServiceRegistrar, srv CourierServer) {
	s.RegisterService(&ServiceDesc, srv)
}
