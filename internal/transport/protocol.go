package transport

import (
	"encoding/json"

	"github.com/matheus3301/linkchat/internal/store"
)

// Event names on the wire.
const (
	EventJoinChat            = "joinChat"
	EventRequestChatHistory  = "requestChatHistory"
	EventChatHistoryResponse = "chatHistoryResponse"
	EventReceiveMessage      = "receiveMessage"
	EventSendMessage         = "sendMessage"
	EventDeleteMessages      = "deleteMessages"
	EventUserStatus          = "userStatus"

	EventRequestChatList = "requestChatListHistory"
	EventChatListHistory = "chatListHistoryResponse"
	EventChatListUpdate  = "chatListUpdate"
)

// Frame is one websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type HistoryRequest struct {
	LinkKey string `json:"linkKey"`
	UserID  string `json:"userId"`
}

type HistoryResponse struct {
	LinkKey  string          `json:"linkKey"`
	Messages []store.Message `json:"messages"`
}

// OutgoingMessage is the sendMessage payload. To is the recipient contact id.
type OutgoingMessage struct {
	LinkKey string        `json:"linkKey"`
	Message store.Message `json:"message"`
	Sender  string        `json:"sender"`
	To      string        `json:"to"`
}

type DeleteRequest struct {
	LinkKey    string   `json:"linkKey"`
	MessageIDs []string `json:"messageIds"`
}

type UserStatus struct {
	LinkKey string `json:"linkKey"`
	Status  string `json:"status"`
}

// Online reports whether the status string means reachable.
func (s UserStatus) Online() bool { return s.Status == "online" }

// ChatListLatest is the relay's newest message for one conversation.
type ChatListLatest struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ChatListHistory maps each link key the relay knows to its newest message.
type ChatListHistory map[string]ChatListLatest

// ChatListUpdate announces a new message in some conversation, whether or
// not this device has joined its room.
type ChatListUpdate struct {
	LinkKey     string `json:"linkKey"`
	LastMessage string `json:"lastMessage"`
	Timestamp   int64  `json:"timestamp"`
	Sender      string `json:"sender"`
}
