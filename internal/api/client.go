package api

import (
	"context"
	"fmt"

	"github.com/matheus3301/courier/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a running courierd over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is lazy; the first call
// reports an unreachable daemon.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) SendText(ctx context.Context, req *SendTextRequest) (*SendTextResponse, error) {
	out := new(SendTextResponse)
	return out, c.invoke(ctx, "SendText", req, out)
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	out := new(ListMessagesResponse)
	return out, c.invoke(ctx, "ListMessages", req, out)
}

func (c *Client) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	out := new(ListConversationsResponse)
	return out, c.invoke(ctx, "ListConversations", req, out)
}

func (c *Client) ListFailed(ctx context.Context, req *ListFailedRequest) (*ListFailedResponse, error) {
	out := new(ListFailedResponse)
	return out, c.invoke(ctx, "ListFailed", req, out)
}

func (c *Client) Retry(ctx context.Context, id string) error {
	return c.invoke(ctx, "Retry", &RetryRequest{ID: id}, &Empty{})
}

func (c *Client) QueueStats(ctx context.Context) (*QueueStatsResponse, error) {
	out := new(QueueStatsResponse)
	return out, c.invoke(ctx, "QueueStats", &Empty{}, out)
}

func (c *Client) SessionStatus(ctx context.Context) (*SessionStatusResponse, error) {
	out := new(SessionStatusResponse)
	return out, c.invoke(ctx, "SessionStatus", &Empty{}, out)
}

func (c *Client) Connect(ctx context.Context) (*SessionStatusResponse, error) {
	out := new(SessionStatusResponse)
	return out, c.invoke(ctx, "Connect", &Empty{}, out)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, "Logout", &Empty{}, &Empty{})
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	out := new(MarkReadResponse)
	if err := c.invoke(ctx, "MarkRead", &ConversationRequest{ConversationID: conversationID}, out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (c *Client) Join(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, "Join", &ConversationRequest{ConversationID: conversationID}, &Empty{})
}

func (c *Client) Presence(ctx context.Context, user string) (*model.Presence, error) {
	out := new(model.Presence)
	return out, c.invoke(ctx, "Presence", &PresenceRequest{UserID: user}, out)
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	out := new(SearchResponse)
	return out, c.invoke(ctx, "Search", req, out)
}

// WatchStream receives daemon events until its context ends.
type WatchStream struct {
	stream grpc.ClientStream
}

func (w *WatchStream) Recv() (*WatchEvent, error) {
	evt := new(WatchEvent)
	if err := w.stream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Watch opens the event stream filtered by kind prefix.
func (c *Client) Watch(ctx context.Context, prefix string) (*WatchStream, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{Prefix: prefix}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}
