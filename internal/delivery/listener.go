// Package delivery turns inbound realtime and push events into engine merges.
package delivery

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/index"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
	"github.com/matheus3301/linkchat/internal/transport"
)

// SubState is the per link key subscription state.
type SubState string

const (
	Unsubscribed SubState = "UNSUBSCRIBED"
	Joining      SubState = "JOINING"
	Subscribed   SubState = "SUBSCRIBED"
)

// HistoryCheckpointPrefix prefixes the sync_state key holding the newest
// timestamp seen in a history response.
const HistoryCheckpointPrefix = "history."

// Transport is the outbound half of the realtime channel the listener needs.
type Transport interface {
	Connected() bool
	JoinChat(ctx context.Context, linkKey string) error
	RequestHistory(ctx context.Context, linkKey, userID string) error
	RequestChatList(ctx context.Context) error
}

// ChatList is the conversation list fed by the relay's chat-list events.
type ChatList interface {
	ApplyUpdate(partial store.Conversation)
	Get(linkKey string) (index.Entry, bool)
}

// Listener tracks a subscription per known link key and feeds realtime
// events into the engine. Every tracked key accepts single message events;
// only focused keys count as viewed, so only they skip unread accounting.
type Listener struct {
	engine    *intsync.Engine
	views     *intsync.Views
	transport Transport
	presence  *Presence
	db        *store.DB
	deviceID  string
	logger    *zap.Logger

	mu   sync.Mutex
	subs map[string]SubState
	list ChatList
}

// NewListener creates a listener. db is used only for history checkpoints
// and may be nil.
func NewListener(engine *intsync.Engine, views *intsync.Views, t Transport, presence *Presence, db *store.DB, deviceID string, logger *zap.Logger) *Listener {
	return &Listener{
		engine:    engine,
		views:     views,
		transport: t,
		presence:  presence,
		db:        db,
		deviceID:  deviceID,
		logger:    logging.OrNop(logger),
		subs:      make(map[string]SubState),
	}
}

// FollowChatList makes the listener request the relay's chat list on every
// connect and fold its updates into list.
func (l *Listener) FollowChatList(list ChatList) {
	l.mu.Lock()
	l.list = list
	l.mu.Unlock()
}

func (l *Listener) chatList() ChatList {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list
}

// Track registers linkKey so its inbound messages are accepted.
func (l *Listener) Track(linkKey string) {
	l.mu.Lock()
	if _, ok := l.subs[linkKey]; !ok {
		l.subs[linkKey] = Unsubscribed
	}
	l.mu.Unlock()
}

// Untrack forgets linkKey entirely.
func (l *Listener) Untrack(linkKey string) {
	l.mu.Lock()
	delete(l.subs, linkKey)
	l.mu.Unlock()
	l.views.Blur(linkKey)
}

// State returns the subscription state of linkKey and whether it is tracked.
func (l *Listener) State(linkKey string) (SubState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.subs[linkKey]
	return s, ok
}

// Tracked lists tracked link keys in sorted order.
func (l *Listener) Tracked() []string {
	l.mu.Lock()
	out := make([]string, 0, len(l.subs))
	for k := range l.subs {
		out = append(out, k)
	}
	l.mu.Unlock()
	slices.Sort(out)
	return out
}

// Open focuses linkKey: it becomes the active view, joins its room and
// requests history when connected, and clears unread. When offline the
// subscription stays Joining and completes on the next connect.
func (l *Listener) Open(ctx context.Context, linkKey string) error {
	l.mu.Lock()
	l.subs[linkKey] = Joining
	l.mu.Unlock()
	l.views.Focus(linkKey)

	if l.transport.Connected() {
		l.join(ctx, linkKey)
	}
	return l.engine.ResetUnread(ctx, linkKey)
}

// Close blurs linkKey. Inbound messages keep merging, now as unread.
func (l *Listener) Close(linkKey string) {
	l.views.Blur(linkKey)
	l.mu.Lock()
	if _, ok := l.subs[linkKey]; ok {
		l.subs[linkKey] = Unsubscribed
	}
	l.mu.Unlock()
}

// OnConnect joins the device room, asks for the chat list and rejoins every
// open subscription.
func (l *Listener) OnConnect(ctx context.Context) {
	if l.deviceID != "" {
		if err := l.transport.JoinChat(ctx, l.deviceID); err != nil {
			l.logger.Warn("join device room failed", zap.Error(err))
		}
	}

	if l.chatList() != nil {
		if err := l.transport.RequestChatList(ctx); err != nil {
			l.logger.Warn("chat list request failed", zap.Error(err))
		}
	}

	l.mu.Lock()
	var pending []string
	for k, s := range l.subs {
		if s != Unsubscribed {
			pending = append(pending, k)
		}
	}
	l.mu.Unlock()

	for _, k := range pending {
		l.join(ctx, k)
	}
}

func (l *Listener) join(ctx context.Context, linkKey string) {
	if err := l.transport.JoinChat(ctx, linkKey); err != nil {
		l.logger.Warn("join chat failed", zap.String("link_key", linkKey), zap.Error(err))
		return
	}
	if err := l.transport.RequestHistory(ctx, linkKey, l.deviceID); err != nil {
		l.logger.Warn("history request failed", zap.String("link_key", linkKey), zap.Error(err))
		return
	}
	l.mu.Lock()
	if s, ok := l.subs[linkKey]; ok && s == Joining {
		l.subs[linkKey] = Subscribed
	}
	l.mu.Unlock()
}

// OnHistory merges a full history response.
func (l *Listener) OnHistory(ctx context.Context, resp transport.HistoryResponse) {
	if resp.LinkKey == "" {
		l.logger.Warn("dropping history response without link key")
		return
	}
	if _, tracked := l.State(resp.LinkKey); !tracked {
		l.logger.Debug("dropping history for untracked conversation", zap.String("link_key", resp.LinkKey))
		return
	}
	conv, err := l.engine.MergeIncoming(ctx, resp.LinkKey, resp.Messages, l.views.IsActive(resp.LinkKey))
	if err != nil {
		l.logger.Error("history merge failed", zap.String("link_key", resp.LinkKey), zap.Error(err))
		return
	}
	l.logger.Debug("history merged", zap.String("link_key", resp.LinkKey), zap.Int("messages", len(conv.Messages)))

	if l.db != nil && conv.LastTimestamp > 0 {
		key := HistoryCheckpointPrefix + resp.LinkKey
		if err := l.db.AdvanceCheckpoint(ctx, key, conv.LastTimestamp); err != nil {
			l.logger.Warn("history checkpoint failed", zap.String("link_key", resp.LinkKey), zap.Error(err))
		}
	}
}

// OnMessage merges one realtime message for a tracked link key. Messages
// for unknown link keys are dropped.
func (l *Listener) OnMessage(ctx context.Context, msg store.Message) {
	if msg.ID == "" || msg.LinkKey == "" {
		l.logger.Warn("dropping message without id or link key", zap.String("msg_id", msg.ID))
		return
	}
	if _, tracked := l.State(msg.LinkKey); !tracked {
		l.logger.Debug("dropping message for untracked conversation",
			zap.String("link_key", msg.LinkKey), zap.String("msg_id", msg.ID))
		return
	}
	if _, err := l.engine.MergeIncoming(ctx, msg.LinkKey, []store.Message{msg}, l.views.IsActive(msg.LinkKey)); err != nil {
		l.logger.Error("message merge failed",
			zap.String("link_key", msg.LinkKey), zap.String("msg_id", msg.ID), zap.Error(err))
	}
}

// OnUserStatus updates presence. It never touches conversations.
func (l *Listener) OnUserStatus(_ context.Context, st transport.UserStatus) {
	if st.LinkKey == "" || l.presence == nil {
		return
	}
	l.presence.Set(st.LinkKey, st.Online())
}

// OnChatListHistory compares the relay's newest message per conversation
// with the list and requests full history for tracked conversations that
// are behind. Conversations with no local entry are skipped.
func (l *Listener) OnChatListHistory(ctx context.Context, hist transport.ChatListHistory) {
	list := l.chatList()
	if list == nil {
		return
	}
	keys := slices.Sorted(maps.Keys(hist))
	for _, linkKey := range keys {
		latest := hist[linkKey]
		e, ok := list.Get(linkKey)
		if !ok || latest.Timestamp <= e.LastTimestamp {
			continue
		}
		if _, tracked := l.State(linkKey); !tracked {
			continue
		}
		if err := l.transport.RequestHistory(ctx, linkKey, l.deviceID); err != nil {
			l.logger.Warn("history request failed", zap.String("link_key", linkKey), zap.Error(err))
		}
	}
}

// OnChatListUpdate shows a new message announced for any conversation,
// joined or not, in the list. The entry is provisional: the engine's next
// canonical state for the key replaces it.
func (l *Listener) OnChatListUpdate(_ context.Context, u transport.ChatListUpdate) {
	list := l.chatList()
	if list == nil {
		return
	}
	if u.LinkKey == "" || u.Timestamp <= 0 {
		l.logger.Warn("dropping chat list update", zap.String("link_key", u.LinkKey), zap.Int64("timestamp", u.Timestamp))
		return
	}
	list.ApplyUpdate(store.Conversation{
		Contact: store.Contact{ID: u.Sender, LinkKey: u.LinkKey},
		Messages: []store.Message{{
			ID:        ListUpdateID(u),
			Body:      u.LastMessage,
			SenderID:  u.Sender,
			LinkKey:   u.LinkKey,
			CreatedAt: u.Timestamp,
		}},
	})
}

// ListUpdateID names the list-only message built from a chat list update.
// Redelivery of the same update yields the same id, so it counts once.
func ListUpdateID(u transport.ChatListUpdate) string {
	return "list_" + strconv.FormatInt(u.Timestamp, 10) + "_" + u.Sender
}
