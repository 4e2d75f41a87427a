package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/codec"
	"github.com/matheus3301/linkchat/internal/contacts"
	"github.com/matheus3301/linkchat/internal/delivery"
	"github.com/matheus3301/linkchat/internal/index"
	"github.com/matheus3301/linkchat/internal/outbox"
	"github.com/matheus3301/linkchat/internal/status"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
	"github.com/matheus3301/linkchat/internal/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	joined    []string
	sent      []transport.OutgoingMessage
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) JoinChat(_ context.Context, linkKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, linkKey)
	return nil
}

func (f *fakeTransport) RequestHistory(context.Context, string, string) error { return nil }

func (f *fakeTransport) RequestChatList(context.Context) error { return nil }

func (f *fakeTransport) SendMessage(_ context.Context, out transport.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeTransport) DeleteMessages(context.Context, string, []string) error { return nil }

type harness struct {
	conn *grpc.ClientConn
	tr   *fakeTransport
	bus  *bus.Bus
	db   *store.DB
}

func newHarness(t *testing.T, connected bool) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	tr := &fakeTransport{connected: connected}
	engine := intsync.NewEngine(db, b, nil)
	book := contacts.NewBook(db, engine, b, nil)
	views := intsync.NewViews()
	ix := index.New(db, engine, b, nil)
	ix.Start(context.Background())
	t.Cleanup(ix.Stop)
	presence := delivery.NewPresence(b)

	svc := NewService(Deps{
		Profile:  "test",
		DeviceID: "device_1_1",
		Machine:  status.NewMachine(b),
		DB:       db,
		Engine:   engine,
		Book:     book,
		Index:    ix,
		Views:    views,
		Listener: delivery.NewListener(engine, views, tr, presence, db, "device_1_1", nil),
		Presence: presence,
		Push:     delivery.NewPushHandler(engine, views, nil),
		Sender:   outbox.NewSender(engine, codec.Plain{}, tr, book, "device_1_1", b, nil),
		Bus:      b,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterChatServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &harness{conn: conn, tr: tr, bus: b, db: db}
}

func (h *harness) call(t *testing.T, method string, req, resp any) error {
	t.Helper()
	in, err := ToStruct(req)
	if err != nil {
		t.Fatal(err)
	}
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return FromStruct(out, resp)
}

func TestStatusAndContacts(t *testing.T) {
	h := newHarness(t, false)

	var added ContactResponse
	if err := h.call(t, MethodAddContact, &AddContactRequest{Name: "Ana", LinkKey: "ana123"}, &added); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if added.Contact.LinkKey != "ANA123" || added.Link == "" {
		t.Errorf("added = %+v", added)
	}

	var st StatusResponse
	if err := h.call(t, MethodStatus, &Empty{}, &st); err != nil {
		t.Fatal(err)
	}
	if st.Profile != "test" || st.DeviceID != "device_1_1" || st.Transport != string(status.Idle) {
		t.Errorf("status = %+v", st)
	}
	if st.Contacts != 1 || len(st.Tracked) != 1 || st.Tracked[0] != "ANA123" {
		t.Errorf("status counts = %+v", st)
	}

	err := h.call(t, MethodAddContact, &AddContactRequest{Name: "ana", LinkKey: "ZZZ999"}, nil)
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("duplicate name code = %v, want InvalidArgument", grpcstatus.Code(err))
	}

	err = h.call(t, MethodDeleteContact, &LinkKeyRequest{LinkKey: "NOPE00"}, nil)
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("delete unknown code = %v, want NotFound", grpcstatus.Code(err))
	}
}

func TestAddContactFromLink(t *testing.T) {
	h := newHarness(t, false)
	link := contacts.Link{Name: "Bruno", Key: "BRU001", LinkKey: "BRU777"}.String()

	var added ContactResponse
	if err := h.call(t, MethodAddContact, &AddContactRequest{Link: link}, &added); err != nil {
		t.Fatal(err)
	}
	if added.Contact.DisplayName != "Bruno" || added.Contact.LocalKey != "BRU001" || added.Contact.LinkKey != "BRU777" {
		t.Errorf("contact = %+v", added.Contact)
	}
}

func TestOpenSendAndList(t *testing.T) {
	h := newHarness(t, true)
	if err := h.call(t, MethodAddContact, &AddContactRequest{Name: "Ana", LinkKey: "ANA123"}, nil); err != nil {
		t.Fatal(err)
	}

	var opened ConversationResponse
	if err := h.call(t, MethodOpenConversation, &GetConversationRequest{LinkKey: "ANA123"}, &opened); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if !opened.Active || opened.Conversation.Contact.DisplayName != "Ana" || len(opened.Conversation.Messages) != 0 {
		t.Errorf("opened = %+v", opened)
	}

	var sent ConversationResponse
	if err := h.call(t, MethodSendText, &SendTextRequest{LinkKey: "ANA123", Text: "hola"}, &sent); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(sent.Conversation.Messages) != 1 || sent.Conversation.LastMessage != "hola" {
		t.Fatalf("sent = %+v", sent.Conversation)
	}
	if sent.Conversation.LastTimestamp < 1_600_000_000_000 {
		t.Errorf("lastTimestamp = %d, want unix millis", sent.Conversation.LastTimestamp)
	}

	deadline := time.After(2 * time.Second)
	for {
		var list ConversationsResponse
		if err := h.call(t, MethodListConversations, &ListConversationsRequest{}, &list); err != nil {
			t.Fatal(err)
		}
		if len(list.Conversations) == 1 && list.Conversations[0].MessageCount == 1 {
			if !list.Conversations[0].Active {
				t.Error("expected listed conversation to be active")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("index never showed the sent message: %+v", list)
		case <-time.After(10 * time.Millisecond):
		}
	}

	var closed Empty
	if err := h.call(t, MethodCloseConversation, &LinkKeyRequest{LinkKey: "ANA123"}, &closed); err != nil {
		t.Fatal(err)
	}
	var got ConversationResponse
	if err := h.call(t, MethodGetConversation, &GetConversationRequest{LinkKey: "ANA123"}, &got); err != nil {
		t.Fatal(err)
	}
	if got.Active || got.Subscription != string(delivery.Unsubscribed) {
		t.Errorf("after close = active %v, subscription %q", got.Active, got.Subscription)
	}
}

func TestSendWhileDisconnectedIsUnavailable(t *testing.T) {
	h := newHarness(t, false)
	if err := h.call(t, MethodAddContact, &AddContactRequest{Name: "Ana", LinkKey: "ANA123"}, nil); err != nil {
		t.Fatal(err)
	}
	err := h.call(t, MethodSendText, &SendTextRequest{LinkKey: "ANA123", Text: "hola"}, nil)
	if grpcstatus.Code(err) != codes.Unavailable {
		t.Fatalf("code = %v, want Unavailable", grpcstatus.Code(err))
	}
}

func TestGetUnknownConversation(t *testing.T) {
	h := newHarness(t, false)
	err := h.call(t, MethodGetConversation, &GetConversationRequest{LinkKey: "NOPE00"}, nil)
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("code = %v, want NotFound", grpcstatus.Code(err))
	}
	err = h.call(t, MethodGetConversation, &GetConversationRequest{}, nil)
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty linkKey code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
}

func TestConversationReportsHistoryCheckpoint(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if err := h.db.AdvanceCheckpoint(ctx, delivery.HistoryCheckpointPrefix+"PSH002", 1_700_000_000_500); err != nil {
		t.Fatal(err)
	}
	inner, _ := json.Marshal(store.Message{ID: "p2", Body: "hey", SenderID: "device_9_9", LinkKey: "PSH002", CreatedAt: 1_700_000_000_400})
	payload, _ := json.Marshal(map[string]any{"data": map[string]string{"mensaje": string(inner)}})
	if err := h.call(t, MethodDeliverPush, &DeliverPushRequest{Payload: string(payload)}, nil); err != nil {
		t.Fatal(err)
	}

	var got ConversationResponse
	if err := h.call(t, MethodGetConversation, &GetConversationRequest{LinkKey: "PSH002"}, &got); err != nil {
		t.Fatal(err)
	}
	if got.HistoryCheckpoint != 1_700_000_000_500 {
		t.Errorf("HistoryCheckpoint = %d", got.HistoryCheckpoint)
	}
}

func TestDeliverPushAndDelete(t *testing.T) {
	h := newHarness(t, false)
	inner, _ := json.Marshal(store.Message{ID: "p1", Body: "hola", SenderID: "device_9_9", LinkKey: "PSH001", CreatedAt: 1_700_000_000_123})
	payload, _ := json.Marshal(map[string]any{"data": map[string]string{"mensaje": string(inner)}})

	var pushed ConversationResponse
	if err := h.call(t, MethodDeliverPush, &DeliverPushRequest{Payload: string(payload)}, &pushed); err != nil {
		t.Fatalf("DeliverPush: %v", err)
	}
	if pushed.LinkKey != "PSH001" || pushed.Conversation.UnreadCount != 1 || pushed.Subscription != string(delivery.Unsubscribed) {
		t.Errorf("pushed = %+v", pushed)
	}
	if got := pushed.Conversation.Messages[0].CreatedAt; got != 1_700_000_000_123 {
		t.Errorf("timestamp = %d, survived the struct round trip badly", got)
	}

	err := h.call(t, MethodDeliverPush, &DeliverPushRequest{Payload: "not json"}, nil)
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("bad payload code = %v, want InvalidArgument", grpcstatus.Code(err))
	}

	var after ConversationResponse
	if err := h.call(t, MethodDeleteMessages, &DeleteMessagesRequest{LinkKey: "PSH001", MessageIDs: []string{"p1"}}, &after); err != nil {
		t.Fatal(err)
	}
	if len(after.Conversation.Messages) != 0 || after.Conversation.LastTimestamp != 0 {
		t.Errorf("after delete = %+v", after.Conversation)
	}
	if c, _ := h.db.GetConversation(context.Background(), "PSH001"); c != nil {
		t.Errorf("empty conversation still stored: %+v", c)
	}
}

func TestGetConversationDecodes(t *testing.T) {
	h := newHarness(t, false)
	sealed, err := codec.NewSealed("secret")
	if err != nil {
		t.Fatal(err)
	}
	body, err := sealed.Encode("hola")
	if err != nil {
		t.Fatal(err)
	}
	// The harness decodes with Plain, so the body comes back unchanged.
	inner, _ := json.Marshal(store.Message{ID: "p1", Body: body, SenderID: "x", LinkKey: "PSH001", CreatedAt: 5})
	payload, _ := json.Marshal(map[string]string{"mensaje": string(inner)})
	if err := h.call(t, MethodDeliverPush, &DeliverPushRequest{Payload: string(payload)}, nil); err != nil {
		t.Fatal(err)
	}
	var got ConversationResponse
	if err := h.call(t, MethodGetConversation, &GetConversationRequest{LinkKey: "PSH001", Decode: true}, &got); err != nil {
		t.Fatal(err)
	}
	if got.Conversation.Messages[0].Body != body {
		t.Errorf("body = %q, want %q", got.Conversation.Messages[0].Body, body)
	}
}

func TestWatchEventsStreamsConversationUpdates(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchEvents))
	if err != nil {
		t.Fatal(err)
	}
	req, _ := ToStruct(&WatchRequest{Prefixes: []string{"conversation."}})
	if err := stream.SendMsg(req); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	// The server subscribes after reading the request; publish until the
	// first event arrives.
	got := make(chan EventEnvelope, 1)
	go func() {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			return
		}
		var env EventEnvelope
		_ = FromStruct(out, &env)
		got <- env
	}()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case env := <-got:
			if env.Kind != bus.ConversationDeleted || env.ID == "" {
				t.Errorf("envelope = %+v", env)
			}
			var lk string
			if err := json.Unmarshal(env.Payload, &lk); err != nil || lk != "K1" {
				t.Errorf("payload = %s", env.Payload)
			}
			return
		case <-tick.C:
			h.bus.Emit(bus.PresenceChanged, nil)
			h.bus.Emit(bus.ConversationDeleted, "K1")
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{chaterr.Newf(chaterr.Validation, "op", "bad"), codes.InvalidArgument},
		{chaterr.Newf(chaterr.Decode, "op", "bad"), codes.InvalidArgument},
		{chaterr.Newf(chaterr.TransportUnavailable, "op", "down"), codes.Unavailable},
		{chaterr.Newf(chaterr.NotFound, "op", "gone"), codes.NotFound},
		{chaterr.Newf(chaterr.StorageWrite, "op", "disk"), codes.Internal},
		{errors.New("plain"), codes.Internal},
		{grpcstatus.Error(codes.Canceled, "x"), codes.Canceled},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(ToStatus(tt.err)); got != tt.want {
			t.Errorf("ToStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if ToStatus(nil) != nil {
		t.Error("ToStatus(nil) should be nil")
	}
}
