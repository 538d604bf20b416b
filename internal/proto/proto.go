package proto

import (
	"encoding/json"
	"time"
)

const ProtocolVersion = 1

// Push event names (server -> client, room-scoped).
const (
	EventMessageNew = "conversation:message:new"
	EventTyping     = "conversation:typing"
	EventRead       = "conversation:read"
)

// Outbound intent names (client -> server).
const (
	OutboundJoin   = "join"
	OutboundLeave  = "leave"
	OutboundTyping = "conversation:typing"
	OutboundRead   = "conversation:read"
)

// Push is the envelope for events arriving on the duplex channel.
type Push struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbound is the envelope for intents sent on the duplex channel.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Message is the wire shape of a chat message.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"clientId,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Body           string     `json:"body,omitempty"`
	Attachments    []string   `json:"attachments,omitempty"`
	Icon           string     `json:"icon,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// MessageNewData is the payload of a conversation:message:new push.
type MessageNewData struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// TypingData is the payload of a conversation:typing event, both directions.
// From is empty on the outbound side; the server stamps the sender.
type TypingData struct {
	ConversationID string `json:"conversationId"`
	From           string `json:"from,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadData is the payload of a conversation:read event, both directions.
type ReadData struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// JoinData subscribes or unsubscribes a room.
type JoinData struct {
	Room string `json:"room"`
}
