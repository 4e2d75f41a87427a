package sync

import (
	"context"
	"errors"
	stdsync "sync"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/store"
	"go.uber.org/zap"
)

// DefaultContactName labels a conversation created by an inbound message
// from someone not in the contact book.
const DefaultContactName = "Contacto"

// ContactResolver looks up the contact book entry for a conversation.
type ContactResolver interface {
	ContactByLinkKey(ctx context.Context, linkKey string) (store.Contact, bool)
}

// Update is the payload of bus.ConversationUpdated.
type Update struct {
	LinkKey      string              `json:"linkKey"`
	Conversation *store.Conversation `json:"conversation"`
	Admitted     int                 `json:"admitted"`
}

// Engine is the single writer of conversation records. Every mutation for
// one link key runs under that key's mutex and inside one store
// transaction, so merges from the realtime channel, the push handler and
// outgoing sends never interleave their read-modify-write.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	locks  keyedMutex

	mu       stdsync.RWMutex
	contacts ContactResolver
}

// NewEngine creates a new reconciliation engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logging.OrNop(logger),
	}
}

// UseContacts sets the resolver used to label new conversations.
func (e *Engine) UseContacts(r ContactResolver) {
	e.mu.Lock()
	e.contacts = r
	e.mu.Unlock()
}

type outcome int

const (
	persist outcome = iota
	skip
	remove
)

// MergeIncoming merges incoming into the stored timeline for linkKey.
// Newly admitted messages raise the unread count unless activeView is set,
// in which case it drops to zero. An empty incoming set against a missing
// record writes nothing and returns the default shape.
func (e *Engine) MergeIncoming(ctx context.Context, linkKey string, incoming []store.Message, activeView bool) (*store.Conversation, error) {
	peer := ""
	if len(incoming) > 0 {
		peer = incoming[0].SenderID
	}
	return e.mutate(ctx, "sync.merge_incoming", linkKey, peer, func(c *store.Conversation, exists bool) (outcome, int) {
		if !exists && len(incoming) == 0 {
			return skip, 0
		}
		merged, admitted := Merge(c.Messages, incoming)
		c.Messages = merged
		if activeView {
			c.UnreadCount = 0
		} else {
			c.UnreadCount += admitted
		}
		return persist, admitted
	})
}

// AppendOutgoing merges a locally composed message. Sending implies the
// conversation is open, so unread is cleared.
func (e *Engine) AppendOutgoing(ctx context.Context, linkKey string, msg store.Message) (*store.Conversation, error) {
	if msg.ID == "" {
		return nil, chaterr.Newf(chaterr.Validation, "sync.append_outgoing", "message id is required")
	}
	return e.mutate(ctx, "sync.append_outgoing", linkKey, msg.RecipientID, func(c *store.Conversation, _ bool) (outcome, int) {
		merged, admitted := Merge(c.Messages, []store.Message{msg})
		c.Messages = merged
		c.UnreadCount = 0
		return persist, admitted
	})
}

// DeleteMessages removes ids from the timeline. A conversation left with
// no messages is removed from storage; the returned value is then the
// empty shape.
func (e *Engine) DeleteMessages(ctx context.Context, linkKey string, ids []string) (*store.Conversation, error) {
	return e.mutate(ctx, "sync.delete_messages", linkKey, "", func(c *store.Conversation, exists bool) (outcome, int) {
		if !exists {
			return skip, 0
		}
		c.Messages, _ = Remove(c.Messages, ids)
		if len(c.Messages) == 0 {
			c.UnreadCount = 0
			return remove, 0
		}
		return persist, 0
	})
}

// ResetUnread zeroes the unread count without touching messages.
func (e *Engine) ResetUnread(ctx context.Context, linkKey string) error {
	_, err := e.mutate(ctx, "sync.reset_unread", linkKey, "", func(c *store.Conversation, exists bool) (outcome, int) {
		if !exists || c.UnreadCount == 0 {
			return skip, 0
		}
		c.UnreadCount = 0
		return persist, 0
	})
	return err
}

// Ensure creates the default empty record for contact when none exists
// and refreshes the stored contact when it has changed.
func (e *Engine) Ensure(ctx context.Context, contact store.Contact) (*store.Conversation, error) {
	return e.mutate(ctx, "sync.ensure", contact.LinkKey, "", func(c *store.Conversation, exists bool) (outcome, int) {
		if !exists {
			c.Contact = contact
			return persist, 0
		}
		if contact.DisplayName == "" || c.Contact == contact {
			return skip, 0
		}
		c.Contact = contact
		return persist, 0
	})
}

// DeleteConversation removes the entire record.
func (e *Engine) DeleteConversation(ctx context.Context, linkKey string) error {
	if linkKey == "" {
		return chaterr.Newf(chaterr.Validation, "sync.delete_conversation", "link key is required")
	}
	unlock := e.locks.Lock(linkKey)
	defer unlock()

	if err := e.db.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteConversation(ctx, linkKey)
	}); err != nil {
		return err
	}
	e.bus.Emit(bus.ConversationDeleted, linkKey)
	return nil
}

// DiscardIfAbandoned removes the record for linkKey when it is corrupt,
// has no contact name or has no messages. The check runs under the key's
// lock so a merge that lands first keeps the record alive.
func (e *Engine) DiscardIfAbandoned(ctx context.Context, linkKey string) (bool, error) {
	unlock := e.locks.Lock(linkKey)
	defer unlock()

	discarded := false
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetConversation(ctx, linkKey)
		switch {
		case errors.Is(err, store.ErrCorrupt):
		case err != nil:
			return err
		case cur == nil:
			return nil
		case cur.Contact.DisplayName != "" && len(cur.Messages) > 0:
			return nil
		}
		discarded = true
		return tx.DeleteConversation(ctx, linkKey)
	})
	if err != nil {
		return false, err
	}
	if discarded {
		e.logger.Info("discarded abandoned conversation", zap.String("link_key", linkKey))
		e.bus.Emit(bus.ConversationDeleted, linkKey)
	}
	return discarded, nil
}

// Conversation reads the stored record for display. It returns nil when
// the record is absent or corrupt.
func (e *Engine) Conversation(ctx context.Context, linkKey string) (*store.Conversation, error) {
	c, err := e.db.GetConversation(ctx, linkKey)
	if errors.Is(err, store.ErrCorrupt) {
		e.logger.Warn("corrupt conversation record", zap.String("link_key", linkKey), zap.Error(err))
		return nil, nil
	}
	if err != nil || c == nil {
		return nil, err
	}
	Derive(c)
	return c, nil
}

func (e *Engine) mutate(ctx context.Context, op, linkKey, peer string, fn func(c *store.Conversation, exists bool) (outcome, int)) (*store.Conversation, error) {
	if linkKey == "" {
		return nil, chaterr.Newf(chaterr.Validation, op, "link key is required")
	}
	unlock := e.locks.Lock(linkKey)
	defer unlock()

	// The book takes its own mutex and then the store's write lock, so it
	// must be consulted before the transaction opens.
	known, isKnown := e.resolve(ctx, linkKey)

	var (
		result   *store.Conversation
		out      outcome
		admitted int
	)
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetConversation(ctx, linkKey)
		if err != nil {
			if !errors.Is(err, store.ErrCorrupt) {
				return err
			}
			e.logger.Warn("discarding corrupt conversation record",
				zap.String("link_key", linkKey), zap.Error(err))
			cur = nil
		}
		exists := cur != nil
		switch {
		case !exists && isKnown:
			cur = store.NewConversation(known)
		case !exists:
			cur = store.NewConversation(placeholder(linkKey, peer))
		case cur.Contact.DisplayName == "" && isKnown:
			cur.Contact = known
		}

		out, admitted = fn(cur, exists)
		Derive(cur)
		result = cur

		switch out {
		case persist:
			return tx.PutConversation(ctx, cur)
		case remove:
			return tx.DeleteConversation(ctx, linkKey)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("conversation update failed",
			zap.String("op", op), zap.String("link_key", linkKey), zap.Error(err))
		return nil, err
	}

	switch out {
	case persist:
		e.bus.Emit(bus.ConversationUpdated, Update{LinkKey: linkKey, Conversation: result.Clone(), Admitted: admitted})
	case remove:
		e.bus.Emit(bus.ConversationDeleted, linkKey)
	}
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, linkKey string) (store.Contact, bool) {
	e.mu.RLock()
	r := e.contacts
	e.mu.RUnlock()
	if r == nil {
		return store.Contact{}, false
	}
	return r.ContactByLinkKey(ctx, linkKey)
}

// placeholder names a conversation opened by someone not in the book.
func placeholder(linkKey, peer string) store.Contact {
	return store.Contact{
		ID:          peer,
		DisplayName: DefaultContactName,
		LocalKey:    peer,
		LinkKey:     linkKey,
	}
}
