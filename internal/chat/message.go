package chat

import "time"

// MessageState tracks a message's position in the optimistic-send lifecycle.
type MessageState int

const (
	// MessagePending is a locally-originated message awaiting server confirmation.
	MessagePending MessageState = iota
	// MessageConfirmed carries a server-assigned id and authoritative timestamp.
	MessageConfirmed
	// MessageFailed is a local message whose send failed; it stays visible until
	// the user retries or dismisses it.
	MessageFailed
)

// Message is the domain model for a single chat message.
type Message struct {
	// ID is the server-assigned identifier. Empty while the message is pending.
	ID string
	// ClientID is the client-supplied correlation id, set on every local send
	// and echoed back by the server on confirmation and push.
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	// Attachments are opaque references; ordering is preserved.
	Attachments []string
	// Icon is an optional single reaction token.
	Icon      string
	CreatedAt time.Time
	ReadAt    *time.Time
	State     MessageState
	// Synthetic marks a placeholder materialized from a conversation preview
	// when history came back empty.
	Synthetic bool
}

// Confirmed reports whether the message carries a server identity.
func (m *Message) Confirmed() bool {
	return m.State == MessageConfirmed && m.ID != ""
}
