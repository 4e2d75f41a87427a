package store

// Contact identifies the remote participant of a conversation.
// JSON names follow the stored wire format.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	LocalKey    string `json:"key"`
	LinkKey     string `json:"linkKey"`
}

// Message is immutable once created. ID is the deduplication key.
type Message struct {
	ID          string `json:"id"`
	Body        string `json:"text"`
	SenderID    string `json:"sender"`
	RecipientID string `json:"to,omitempty"`
	LinkKey     string `json:"linkKey,omitempty"`
	CreatedAt   int64  `json:"timestamp"`
}

// Conversation is the persisted record for one linkKey. LastMessage,
// LastTimestamp and UnreadCount are derived from Messages by the engine.
type Conversation struct {
	Contact       Contact   `json:"contact"`
	Messages      []Message `json:"messages"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp int64     `json:"lastTimestamp"`
	UnreadCount   int       `json:"unreadCount"`
}

// NewConversation returns the default empty record for contact.
func NewConversation(contact Contact) *Conversation {
	return &Conversation{Contact: contact, Messages: []Message{}}
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return &out
}

// Record is a stored conversation as returned by a full scan. Err is set
// when the payload could not be parsed.
type Record struct {
	Key          string
	LinkKey      string
	Conversation *Conversation
	Err          error
}
