// Package client talks to a running daemon over its Unix domain socket.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/linkchat/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := api.ToStruct(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	if err := api.FromStruct(out, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	resp := new(api.StatusResponse)
	return resp, c.invoke(ctx, api.MethodStatus, &api.Empty{}, resp)
}

func (c *Client) ListContacts(ctx context.Context) (*api.ContactsResponse, error) {
	resp := new(api.ContactsResponse)
	return resp, c.invoke(ctx, api.MethodListContacts, &api.Empty{}, resp)
}

func (c *Client) AddContact(ctx context.Context, req *api.AddContactRequest) (*api.ContactResponse, error) {
	resp := new(api.ContactResponse)
	return resp, c.invoke(ctx, api.MethodAddContact, req, resp)
}

func (c *Client) DeleteContact(ctx context.Context, linkKey string) (*api.ContactResponse, error) {
	resp := new(api.ContactResponse)
	return resp, c.invoke(ctx, api.MethodDeleteContact, &api.LinkKeyRequest{LinkKey: linkKey}, resp)
}

func (c *Client) ListConversations(ctx context.Context, decode bool) (*api.ConversationsResponse, error) {
	resp := new(api.ConversationsResponse)
	return resp, c.invoke(ctx, api.MethodListConversations, &api.ListConversationsRequest{Decode: decode}, resp)
}

func (c *Client) GetConversation(ctx context.Context, linkKey string, decode bool) (*api.ConversationResponse, error) {
	resp := new(api.ConversationResponse)
	return resp, c.invoke(ctx, api.MethodGetConversation, &api.GetConversationRequest{LinkKey: linkKey, Decode: decode}, resp)
}

func (c *Client) OpenConversation(ctx context.Context, linkKey string, decode bool) (*api.ConversationResponse, error) {
	resp := new(api.ConversationResponse)
	return resp, c.invoke(ctx, api.MethodOpenConversation, &api.GetConversationRequest{LinkKey: linkKey, Decode: decode}, resp)
}

func (c *Client) CloseConversation(ctx context.Context, linkKey string) error {
	return c.invoke(ctx, api.MethodCloseConversation, &api.LinkKeyRequest{LinkKey: linkKey}, &api.Empty{})
}

func (c *Client) SendText(ctx context.Context, linkKey, text string) (*api.ConversationResponse, error) {
	resp := new(api.ConversationResponse)
	return resp, c.invoke(ctx, api.MethodSendText, &api.SendTextRequest{LinkKey: linkKey, Text: text}, resp)
}

func (c *Client) DeleteMessages(ctx context.Context, linkKey string, ids []string) (*api.ConversationResponse, error) {
	resp := new(api.ConversationResponse)
	return resp, c.invoke(ctx, api.MethodDeleteMessages, &api.DeleteMessagesRequest{LinkKey: linkKey, MessageIDs: ids}, resp)
}

func (c *Client) DeleteConversation(ctx context.Context, linkKey string) error {
	return c.invoke(ctx, api.MethodDeleteConversation, &api.LinkKeyRequest{LinkKey: linkKey}, &api.Empty{})
}

func (c *Client) DeliverPush(ctx context.Context, payload []byte) (*api.ConversationResponse, error) {
	resp := new(api.ConversationResponse)
	return resp, c.invoke(ctx, api.MethodDeliverPush, &api.DeliverPushRequest{Payload: string(payload)}, resp)
}

// Watcher receives streamed events until its context ends.
type Watcher struct {
	stream grpc.ClientStream
}

// WatchEvents opens the event stream. prefixes may be empty for the
// daemon's default selection.
func (c *Client) WatchEvents(ctx context.Context, prefixes ...string) (*Watcher, error) {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	req, err := api.ToStruct(&api.WatchRequest{Prefixes: prefixes})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Watcher{stream: stream}, nil
}

// Recv blocks for the next event. It returns io.EOF when the daemon ends
// the stream.
func (w *Watcher) Recv() (*api.EventEnvelope, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	env := new(api.EventEnvelope)
	if err := api.FromStruct(out, env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return env, nil
}
