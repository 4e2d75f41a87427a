package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by the dotted prefix.
const (
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"

	IndexChanged = "index.changed"

	ContactAdded   = "contact.added"
	ContactRemoved = "contact.removed"

	PresenceChanged = "presence.changed"

	MessageSent       = "message.sent"
	MessageSendFailed = "message.send_failed"

	TransportStateChanged = "transport.state_changed"
)
