// Package api exposes the daemon over gRPC. Requests and responses travel
// as google.protobuf.Struct values holding the JSON form of the Go types
// in this package, so no generated code is needed on either side.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/linkchat/internal/chaterr"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "linkchat.v1.Chat"

// Method names.
const (
	MethodStatus             = "Status"
	MethodListContacts       = "ListContacts"
	MethodAddContact         = "AddContact"
	MethodDeleteContact      = "DeleteContact"
	MethodListConversations  = "ListConversations"
	MethodGetConversation    = "GetConversation"
	MethodOpenConversation   = "OpenConversation"
	MethodCloseConversation  = "CloseConversation"
	MethodSendText           = "SendText"
	MethodDeleteMessages     = "DeleteMessages"
	MethodDeleteConversation = "DeleteConversation"
	MethodDeliverPush        = "DeliverPush"
	MethodWatchEvents        = "WatchEvents"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ChatServer is implemented by Service.
type ChatServer interface {
	Status(ctx context.Context, req *Empty) (*StatusResponse, error)
	ListContacts(ctx context.Context, req *Empty) (*ContactsResponse, error)
	AddContact(ctx context.Context, req *AddContactRequest) (*ContactResponse, error)
	DeleteContact(ctx context.Context, req *LinkKeyRequest) (*ContactResponse, error)
	ListConversations(ctx context.Context, req *ListConversationsRequest) (*ConversationsResponse, error)
	GetConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error)
	OpenConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error)
	CloseConversation(ctx context.Context, req *LinkKeyRequest) (*Empty, error)
	SendText(ctx context.Context, req *SendTextRequest) (*ConversationResponse, error)
	DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*ConversationResponse, error)
	DeleteConversation(ctx context.Context, req *LinkKeyRequest) (*Empty, error)
	DeliverPush(ctx context.Context, req *DeliverPushRequest) (*ConversationResponse, error)
	WatchEvents(req *WatchRequest, stream EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Context() context.Context
	Send(evt *EventEnvelope) error
}

// ServiceDesc describes the Chat service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ChatServer.Status),
		unary(MethodListContacts, ChatServer.ListContacts),
		unary(MethodAddContact, ChatServer.AddContact),
		unary(MethodDeleteContact, ChatServer.DeleteContact),
		unary(MethodListConversations, ChatServer.ListConversations),
		unary(MethodGetConversation, ChatServer.GetConversation),
		unary(MethodOpenConversation, ChatServer.OpenConversation),
		unary(MethodCloseConversation, ChatServer.CloseConversation),
		unary(MethodSendText, ChatServer.SendText),
		unary(MethodDeleteMessages, ChatServer.DeleteMessages),
		unary(MethodDeleteConversation, ChatServer.DeleteConversation),
		unary(MethodDeliverPush, ChatServer.DeliverPush),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "linkchat/v1/chat",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := FromStruct(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
				}
				resp, err := call(srv.(ChatServer), ctx, req)
				if err != nil {
					return nil, ToStatus(err)
				}
				out, err := ToStruct(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "encode %s response: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := FromStruct(in, req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode %s request: %v", MethodWatchEvents, err)
	}
	if err := srv.(ChatServer).WatchEvents(req, &eventStream{stream}); err != nil {
		return ToStatus(err)
	}
	return nil
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(evt *EventEnvelope) error {
	out, err := ToStruct(evt)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(out)
}

// ToStruct converts v through its JSON form. v must marshal to a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("struct from json: %w", err)
	}
	return out, nil
}

// FromStruct fills v from s through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = new(structpb.Struct)
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("struct to json: %w", err)
	}
	return json.Unmarshal(b, v)
}

// ToStatus maps an error to a gRPC status by its chaterr kind. Errors that
// already carry a status pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	if kind, ok := chaterr.KindOf(err); ok {
		switch kind {
		case chaterr.Validation, chaterr.Decode:
			code = codes.InvalidArgument
		case chaterr.TransportUnavailable:
			code = codes.Unavailable
		case chaterr.NotFound:
			code = codes.NotFound
		}
	}
	return grpcstatus.Error(code, err.Error())
}
