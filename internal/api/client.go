package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the cache service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Req, Resp any](ctx context.Context, c *Client, method string, in *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListChats(ctx context.Context, in *ListChatsRequest) (*ListChatsResponse, error) {
	return call[ListChatsRequest, ListChatsResponse](ctx, c, "ListChats", in)
}

func (c *Client) GetChat(ctx context.Context, in *GetChatRequest) (*GetChatResponse, error) {
	return call[GetChatRequest, GetChatResponse](ctx, c, "GetChat", in)
}

func (c *Client) ListMessages(ctx context.Context, in *ListMessagesRequest) (*ListMessagesResponse, error) {
	return call[ListMessagesRequest, ListMessagesResponse](ctx, c, "ListMessages", in)
}

func (c *Client) LoadOlder(ctx context.Context, in *ListMessagesRequest) (*ListMessagesResponse, error) {
	return call[ListMessagesRequest, ListMessagesResponse](ctx, c, "LoadOlder", in)
}

func (c *Client) Send(ctx context.Context, in *SendRequest) (*ActionResponse, error) {
	return call[SendRequest, ActionResponse](ctx, c, "Send", in)
}

func (c *Client) Edit(ctx context.Context, in *EditRequest) (*ActionResponse, error) {
	return call[EditRequest, ActionResponse](ctx, c, "Edit", in)
}

func (c *Client) Delete(ctx context.Context, in *DeleteRequest) (*ActionResponse, error) {
	return call[DeleteRequest, ActionResponse](ctx, c, "Delete", in)
}

func (c *Client) React(ctx context.Context, in *ReactRequest) (*ActionResponse, error) {
	return call[ReactRequest, ActionResponse](ctx, c, "React", in)
}

func (c *Client) MarkRead(ctx context.Context, in *MarkReadRequest) (*ActionResponse, error) {
	return call[MarkReadRequest, ActionResponse](ctx, c, "MarkRead", in)
}

func (c *Client) CreateChat(ctx context.Context, in *CreateChatRequest) (*ActionResponse, error) {
	return call[CreateChatRequest, ActionResponse](ctx, c, "CreateChat", in)
}

func (c *Client) Retry(ctx context.Context, in *ActionRequest) (*ActionResponse, error) {
	return call[ActionRequest, ActionResponse](ctx, c, "Retry", in)
}

func (c *Client) Discard(ctx context.Context, in *ActionRequest) (*DiscardResponse, error) {
	return call[ActionRequest, DiscardResponse](ctx, c, "Discard", in)
}

func (c *Client) SetActive(ctx context.Context, in *SetActiveRequest) (*SetActiveResponse, error) {
	return call[SetActiveRequest, SetActiveResponse](ctx, c, "SetActive", in)
}

func (c *Client) SetTyping(ctx context.Context, in *SetTypingRequest) (*SetTypingResponse, error) {
	return call[SetTypingRequest, SetTypingResponse](ctx, c, "SetTyping", in)
}

func (c *Client) Search(ctx context.Context, in *SearchRequest) (*SearchResponse, error) {
	return call[SearchRequest, SearchResponse](ctx, c, "Search", in)
}

func (c *Client) Status(ctx context.Context, in *StatusRequest) (*StatusResponse, error) {
	return call[StatusRequest, StatusResponse](ctx, c, "Status", in)
}

// Watch opens an event stream. Cancel ctx to end it.
func (c *Client) Watch(ctx context.Context, in *WatchRequest) (grpc.ServerStreamingClient[WatchEvent], error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, WatchEvent]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
