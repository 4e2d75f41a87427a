// Package outbox composes and sends outgoing messages.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/codec"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
	"github.com/matheus3301/linkchat/internal/transport"
)

// Transport is the outbound realtime channel.
type Transport interface {
	Connected() bool
	SendMessage(ctx context.Context, out transport.OutgoingMessage) error
	DeleteMessages(ctx context.Context, linkKey string, ids []string) error
}

// SendResult is the payload of bus.MessageSent and bus.MessageSendFailed.
type SendResult struct {
	LinkKey string `json:"linkKey"`
	MsgID   string `json:"msgId"`
	Error   string `json:"error,omitempty"`
}

// Sender reconciles a new message locally, then hands it to the transport.
// There is no queue: a send while disconnected fails before anything is
// written.
type Sender struct {
	engine    *intsync.Engine
	codec     codec.Codec
	transport Transport
	contacts  intsync.ContactResolver
	deviceID  string
	bus       *bus.Bus
	logger    *zap.Logger
	drafts    *Drafts
	now       func() time.Time
}

// NewSender creates a new sender. contacts may be nil.
func NewSender(engine *intsync.Engine, c codec.Codec, t Transport, contacts intsync.ContactResolver, deviceID string, b *bus.Bus, logger *zap.Logger) *Sender {
	if c == nil {
		c = codec.Plain{}
	}
	return &Sender{
		engine:    engine,
		codec:     c,
		transport: t,
		contacts:  contacts,
		deviceID:  deviceID,
		bus:       b,
		logger:    logging.OrNop(logger),
		drafts:    NewDrafts(),
		now:       time.Now,
	}
}

// Drafts returns the per-conversation input buffers.
func (s *Sender) Drafts() *Drafts { return s.drafts }

// SendDraft sends the draft for linkKey. The draft is cleared only once the
// message is reconciled locally; on any error it is kept for a retry.
func (s *Sender) SendDraft(ctx context.Context, linkKey string) (*store.Conversation, error) {
	conv, err := s.Send(ctx, linkKey, s.drafts.Get(linkKey))
	if err != nil {
		return nil, err
	}
	s.drafts.Clear(linkKey)
	return conv, nil
}

// Send encodes text, appends it to the conversation and emits it.
func (s *Sender) Send(ctx context.Context, linkKey, text string) (*store.Conversation, error) {
	const op = "outbox.send"

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, chaterr.Newf(chaterr.Validation, op, "message text is empty")
	}
	if linkKey == "" {
		return nil, chaterr.Newf(chaterr.Validation, op, "link key is required")
	}
	if !s.transport.Connected() {
		return nil, chaterr.New(chaterr.TransportUnavailable, op, errors.New("not connected to the relay"))
	}

	recipient, err := s.recipient(ctx, linkKey)
	if err != nil {
		return nil, err
	}
	body, err := s.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}

	now := s.now()
	msg := store.Message{
		ID:          NewMessageID(now),
		Body:        body,
		SenderID:    s.deviceID,
		RecipientID: recipient,
		LinkKey:     linkKey,
		CreatedAt:   now.UnixMilli(),
	}
	conv, err := s.engine.AppendOutgoing(ctx, linkKey, msg)
	if err != nil {
		return nil, err
	}

	out := transport.OutgoingMessage{LinkKey: linkKey, Message: msg, Sender: s.deviceID, To: recipient}
	if err := s.transport.SendMessage(ctx, out); err != nil {
		s.logger.Warn("message kept locally, relay send failed",
			zap.String("link_key", linkKey), zap.String("msg_id", msg.ID), zap.Error(err))
		s.bus.Emit(bus.MessageSendFailed, SendResult{LinkKey: linkKey, MsgID: msg.ID, Error: err.Error()})
		return conv, nil
	}
	s.bus.Emit(bus.MessageSent, SendResult{LinkKey: linkKey, MsgID: msg.ID})
	return conv, nil
}

// DeleteMessages removes ids locally and, when connected, asks the relay
// to drop them too. The local deletion does not depend on the relay.
func (s *Sender) DeleteMessages(ctx context.Context, linkKey string, ids []string) (*store.Conversation, error) {
	if len(ids) == 0 {
		return nil, chaterr.Newf(chaterr.Validation, "outbox.delete_messages", "no message ids given")
	}
	conv, err := s.engine.DeleteMessages(ctx, linkKey, ids)
	if err != nil {
		return nil, err
	}
	if s.transport.Connected() {
		if err := s.transport.DeleteMessages(ctx, linkKey, ids); err != nil {
			s.logger.Warn("relay delete failed", zap.String("link_key", linkKey), zap.Error(err))
		}
	}
	return conv, nil
}

// recipient is the contact id messages for linkKey are addressed to.
func (s *Sender) recipient(ctx context.Context, linkKey string) (string, error) {
	if s.contacts != nil {
		if c, ok := s.contacts.ContactByLinkKey(ctx, linkKey); ok {
			return c.ID, nil
		}
	}
	conv, err := s.engine.Conversation(ctx, linkKey)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", chaterr.Newf(chaterr.Validation, "outbox.send", "unknown conversation %q", linkKey)
	}
	return conv.Contact.ID, nil
}

// NewMessageID builds a message id from the creation time and a random suffix.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}
