package api

import (
	"encoding/json"

	"github.com/matheus3301/linkchat/internal/index"
	"github.com/matheus3301/linkchat/internal/store"
)

// Empty is the request or response of methods without fields.
type Empty struct{}

type StatusResponse struct {
	Profile       string   `json:"profile"`
	DeviceID      string   `json:"deviceId"`
	Transport     string   `json:"transport"`
	UptimeMs      int64    `json:"uptimeMs"`
	Conversations int      `json:"conversations"`
	Contacts      int      `json:"contacts"`
	Tracked       []string `json:"tracked"`
	Active        []string `json:"active"`
}

// AddContactRequest adds a contact either from explicit fields or from a
// contact link, which takes precedence when set.
type AddContactRequest struct {
	Name     string `json:"name,omitempty"`
	LocalKey string `json:"key,omitempty"`
	LinkKey  string `json:"linkKey,omitempty"`
	Link     string `json:"link,omitempty"`
}

type LinkKeyRequest struct {
	LinkKey string `json:"linkKey"`
}

type ContactResponse struct {
	Contact store.Contact `json:"contact"`
	Link    string        `json:"link"`
}

type ContactsResponse struct {
	Contacts []store.Contact `json:"contacts"`
}

type ListConversationsRequest struct {
	Decode bool `json:"decode,omitempty"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	index.Entry
	Online bool `json:"online"`
	Active bool `json:"active"`
}

type ConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type GetConversationRequest struct {
	LinkKey string `json:"linkKey"`
	Decode  bool   `json:"decode,omitempty"`
}

type ConversationResponse struct {
	LinkKey      string             `json:"linkKey"`
	Conversation store.Conversation `json:"conversation"`
	Online       bool               `json:"online"`
	Active       bool               `json:"active"`
	Subscription string             `json:"subscription,omitempty"`
	// HistoryCheckpoint is the newest timestamp merged from a history
	// response, 0 until one arrives.
	HistoryCheckpoint int64 `json:"historyCheckpoint,omitempty"`
}

type SendTextRequest struct {
	LinkKey string `json:"linkKey"`
	Text    string `json:"text"`
}

type DeleteMessagesRequest struct {
	LinkKey    string   `json:"linkKey"`
	MessageIDs []string `json:"messageIds"`
}

// DeliverPushRequest carries a raw push envelope or its bare data object.
type DeliverPushRequest struct {
	Payload string `json:"payload"`
}

// WatchRequest selects event kinds by prefix. Empty means DefaultWatchPrefixes.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// EventEnvelope is one bus event as streamed to clients.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
