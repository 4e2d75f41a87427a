package delivery

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
)

// PushEnvelope is a push notification as delivered by the platform.
// Data values are strings; the message is JSON inside one of them.
type PushEnvelope struct {
	Data         map[string]string `json:"data"`
	Notification *struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification,omitempty"`
}

// pushMessageKeys are the data fields that may carry the message, in
// lookup order.
var pushMessageKeys = []string{"mensaje", "message"}

// ActiveChecker reports whether a conversation is on screen.
type ActiveChecker interface {
	IsActive(linkKey string) bool
}

// PushHandler merges push-delivered messages straight into the store
// through an engine. It needs no listener or transport, so it runs both
// inside the daemon and in a cold-started process.
type PushHandler struct {
	engine *intsync.Engine
	active ActiveChecker
	logger *zap.Logger
}

// NewPushHandler creates a handler. active may be nil, meaning nothing is
// on screen.
func NewPushHandler(engine *intsync.Engine, active ActiveChecker, logger *zap.Logger) *PushHandler {
	return &PushHandler{engine: engine, active: active, logger: logging.OrNop(logger)}
}

// Handle decodes an envelope and merges its message. Redelivery of the
// same notification is a no-op.
func (h *PushHandler) Handle(ctx context.Context, envelope []byte) (*store.Conversation, error) {
	msg, err := DecodePush(envelope)
	if err != nil {
		h.logger.Warn("dropping push payload", zap.Error(err))
		return nil, err
	}
	activeView := h.active != nil && h.active.IsActive(msg.LinkKey)
	conv, err := h.engine.MergeIncoming(ctx, msg.LinkKey, []store.Message{msg}, activeView)
	if err != nil {
		return nil, err
	}
	h.logger.Info("push message merged", zap.String("link_key", msg.LinkKey), zap.String("msg_id", msg.ID))
	return conv, nil
}

// DecodePush extracts the message from a push envelope. A bare data
// object (the map itself, without the envelope) is accepted too.
func DecodePush(envelope []byte) (store.Message, error) {
	const op = "delivery.decode_push"

	var env PushEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return store.Message{}, chaterr.New(chaterr.Decode, op, err)
	}
	data := env.Data
	if data == nil {
		if err := json.Unmarshal(envelope, &data); err != nil {
			return store.Message{}, chaterr.New(chaterr.Decode, op, errors.New("no data field"))
		}
	}

	var raw string
	for _, k := range pushMessageKeys {
		if v, ok := data[k]; ok && v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return store.Message{}, chaterr.New(chaterr.Decode, op, errors.New("no message in data"))
	}

	var msg store.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return store.Message{}, chaterr.New(chaterr.Decode, op, err)
	}
	if msg.ID == "" || msg.LinkKey == "" {
		return store.Message{}, chaterr.New(chaterr.Decode, op, errors.New("message is missing id or linkKey"))
	}
	return msg, nil
}
