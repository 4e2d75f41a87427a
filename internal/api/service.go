package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/codec"
	"github.com/matheus3301/linkchat/internal/contacts"
	"github.com/matheus3301/linkchat/internal/delivery"
	"github.com/matheus3301/linkchat/internal/index"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/outbox"
	"github.com/matheus3301/linkchat/internal/status"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
)

// DefaultWatchPrefixes are the event kinds streamed when a watcher names none.
var DefaultWatchPrefixes = []string{"conversation.", "index.", "presence.", "contact.", "message.", "transport."}

const watchBuffer = 256

// Deps are the daemon components the service fronts.
type Deps struct {
	Profile  string
	DeviceID string
	Machine  *status.Machine
	DB       *store.DB
	Engine   *intsync.Engine
	Book     *contacts.Book
	Index    *index.Index
	Views    *intsync.Views
	Listener *delivery.Listener
	Presence *delivery.Presence
	Push     *delivery.PushHandler
	Sender   *outbox.Sender
	Codec    codec.Codec
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service implements ChatServer.
type Service struct {
	Deps
	startedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

var _ ChatServer = (*Service)(nil)

// NewService creates the chat service.
func NewService(d Deps) *Service {
	d.Logger = logging.OrNop(d.Logger)
	if d.Codec == nil {
		d.Codec = codec.Plain{}
	}
	return &Service{Deps: d, startedAt: time.Now(), closed: make(chan struct{})}
}

// Shutdown ends every open event stream.
func (s *Service) Shutdown() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Service) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:   s.Profile,
		DeviceID:  s.DeviceID,
		Transport: string(s.Machine.Current()),
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
		Tracked:   s.Listener.Tracked(),
		Active:    s.Views.Active(),
	}
	if n, err := s.DB.CountConversations(ctx); err == nil {
		resp.Conversations = n
	}
	if list, err := s.Book.List(ctx); err == nil {
		resp.Contacts = len(list)
	}
	return resp, nil
}

func (s *Service) ListContacts(ctx context.Context, _ *Empty) (*ContactsResponse, error) {
	list, err := s.Book.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []store.Contact{}
	}
	return &ContactsResponse{Contacts: list}, nil
}

func (s *Service) AddContact(ctx context.Context, req *AddContactRequest) (*ContactResponse, error) {
	name, localKey, linkKey := req.Name, req.LocalKey, req.LinkKey
	if req.Link != "" {
		l, err := contacts.ParseLink(req.Link)
		if err != nil {
			return nil, err
		}
		name, localKey, linkKey = l.Name, l.Key, l.LinkKey
	}
	c, err := s.Book.Add(ctx, name, localKey, linkKey)
	if err != nil {
		return nil, err
	}
	s.Listener.Track(c.LinkKey)
	return contactResponse(c), nil
}

func (s *Service) DeleteContact(ctx context.Context, req *LinkKeyRequest) (*ContactResponse, error) {
	c, err := s.Book.Delete(ctx, req.LinkKey)
	if err != nil {
		return nil, err
	}
	s.Listener.Untrack(c.LinkKey)
	return contactResponse(c), nil
}

func contactResponse(c store.Contact) *ContactResponse {
	link := contacts.Link{Name: c.DisplayName, Key: c.LocalKey, LinkKey: c.LinkKey}
	return &ContactResponse{Contact: c, Link: link.String()}
}

func (s *Service) ListConversations(_ context.Context, req *ListConversationsRequest) (*ConversationsResponse, error) {
	entries := s.Index.Entries()
	out := make([]ConversationSummary, 0, len(entries))
	for _, e := range entries {
		if req.Decode {
			e.LastMessage = codec.Display(s.Codec, e.LastMessage)
		}
		out = append(out, ConversationSummary{
			Entry:  e,
			Online: s.Presence.Online(e.LinkKey),
			Active: s.Views.IsActive(e.LinkKey),
		})
	}
	return &ConversationsResponse{Conversations: out}, nil
}

func (s *Service) GetConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error) {
	conv, err := s.load(ctx, "api.get_conversation", req.LinkKey)
	if err != nil {
		return nil, err
	}
	return s.conversationResponse(ctx, req.LinkKey, conv, req.Decode), nil
}

// OpenConversation focuses a conversation. A known contact without a
// stored record gets the default empty record first.
func (s *Service) OpenConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error) {
	const op = "api.open_conversation"
	linkKey := req.LinkKey
	if linkKey == "" {
		return nil, chaterr.Newf(chaterr.Validation, op, "linkKey is required")
	}
	contact, known, err := s.Book.Get(ctx, linkKey)
	if err != nil {
		return nil, err
	}
	if known {
		if _, err := s.Engine.Ensure(ctx, contact); err != nil {
			return nil, err
		}
	} else if conv, err := s.Engine.Conversation(ctx, linkKey); err != nil {
		return nil, err
	} else if conv == nil {
		return nil, chaterr.Newf(chaterr.NotFound, op, "no conversation for %q", linkKey)
	}

	s.Listener.Track(linkKey)
	if err := s.Listener.Open(ctx, linkKey); err != nil {
		return nil, err
	}
	conv, err := s.load(ctx, op, linkKey)
	if err != nil {
		return nil, err
	}
	return s.conversationResponse(ctx, linkKey, conv, req.Decode), nil
}

func (s *Service) CloseConversation(_ context.Context, req *LinkKeyRequest) (*Empty, error) {
	s.Listener.Close(req.LinkKey)
	return &Empty{}, nil
}

func (s *Service) SendText(ctx context.Context, req *SendTextRequest) (*ConversationResponse, error) {
	conv, err := s.Sender.Send(ctx, req.LinkKey, req.Text)
	if err != nil {
		return nil, err
	}
	return s.conversationResponse(ctx, req.LinkKey, conv, false), nil
}

func (s *Service) DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*ConversationResponse, error) {
	conv, err := s.Sender.DeleteMessages(ctx, req.LinkKey, req.MessageIDs)
	if err != nil {
		return nil, err
	}
	return s.conversationResponse(ctx, req.LinkKey, conv, false), nil
}

// DeleteConversation removes the stored record. The link key stays tracked
// while its contact exists.
func (s *Service) DeleteConversation(ctx context.Context, req *LinkKeyRequest) (*Empty, error) {
	if req.LinkKey == "" {
		return nil, chaterr.Newf(chaterr.Validation, "api.delete_conversation", "linkKey is required")
	}
	if err := s.Engine.DeleteConversation(ctx, req.LinkKey); err != nil {
		return nil, err
	}
	if _, known, err := s.Book.Get(ctx, req.LinkKey); err == nil && !known {
		s.Listener.Untrack(req.LinkKey)
	}
	return &Empty{}, nil
}

// DeliverPush handles a push received while the daemon runs. The sender's
// conversation is tracked afterwards so its realtime messages are accepted.
func (s *Service) DeliverPush(ctx context.Context, req *DeliverPushRequest) (*ConversationResponse, error) {
	conv, err := s.Push.Handle(ctx, []byte(req.Payload))
	if err != nil {
		return nil, err
	}
	linkKey := conv.Contact.LinkKey
	s.Listener.Track(linkKey)
	return s.conversationResponse(ctx, linkKey, conv, false), nil
}

func (s *Service) WatchEvents(req *WatchRequest, stream EventStream) error {
	prefixes := req.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultWatchPrefixes
	}
	ctx := stream.Context()
	ch, unsubscribe := s.Bus.Subscribe("", watchBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if !matchesAny(evt.Kind, prefixes) {
				continue
			}
			env, err := newEnvelope(evt)
			if err != nil {
				s.Logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		}
	}
}

func matchesAny(kind string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

func newEnvelope(evt bus.Event) (*EventEnvelope, error) {
	env := &EventEnvelope{
		ID:        uuid.NewString(),
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp.UnixMilli(),
	}
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return env, nil
}

// load reads the record for linkKey, falling back to the default empty
// record of a known contact.
func (s *Service) load(ctx context.Context, op, linkKey string) (*store.Conversation, error) {
	if linkKey == "" {
		return nil, chaterr.Newf(chaterr.Validation, op, "linkKey is required")
	}
	conv, err := s.Engine.Conversation(ctx, linkKey)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	contact, known, err := s.Book.Get(ctx, linkKey)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, chaterr.Newf(chaterr.NotFound, op, "no conversation for %q", linkKey)
	}
	return store.NewConversation(contact), nil
}

func (s *Service) conversationResponse(ctx context.Context, linkKey string, conv *store.Conversation, decode bool) *ConversationResponse {
	c := conv.Clone()
	if decode {
		for i := range c.Messages {
			c.Messages[i].Body = codec.Display(s.Codec, c.Messages[i].Body)
		}
		c.LastMessage = codec.Display(s.Codec, c.LastMessage)
	}
	resp := &ConversationResponse{
		LinkKey:      linkKey,
		Conversation: *c,
		Online:       s.Presence.Online(linkKey),
		Active:       s.Views.IsActive(linkKey),
	}
	if st, ok := s.Listener.State(linkKey); ok {
		resp.Subscription = string(st)
	}
	if s.DB != nil {
		ms, err := s.DB.Checkpoint(ctx, delivery.HistoryCheckpointPrefix+linkKey)
		if err != nil {
			s.Logger.Warn("read history checkpoint", zap.String("link_key", linkKey), zap.Error(err))
		}
		resp.HistoryCheckpoint = ms
	}
	return resp
}
