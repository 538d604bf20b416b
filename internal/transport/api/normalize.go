package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rentglass/chatsync/internal/chat"
)

// The snapshot API predates a stable schema: lists arrive bare or wrapped,
// ids arrive as strings, numbers, or nested objects. Everything is resolved
// to one canonical internal shape here; ambiguity never crosses this file.

// CreateResult is the normalized outcome of a conversation create call.
type CreateResult struct {
	ConversationID string
	// Conversation is non-nil when the server returned the full object.
	Conversation *chat.Conversation
	// Message is the confirmed preset message, when one was sent and delivered.
	Message *chat.Message
	// MessageError is a non-fatal delivery failure for the preset message;
	// the conversation itself was still created.
	MessageError string
}

// flexID decodes an id that may arrive as a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	return fmt.Errorf("id is neither string nor number: %s", string(b))
}

type wireParticipant struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

type wireConversation struct {
	ID              flexID            `json:"id"`
	Participants    []wireParticipant `json:"participants"`
	SubjectRef      flexID            `json:"subjectRef"`
	LastMessageText string            `json:"lastMessageText"`
	LastMessageAt   *time.Time        `json:"lastMessageAt"`
	Unread          int               `json:"unread"`
}

type wireMessage struct {
	ID             flexID     `json:"id"`
	ClientID       string     `json:"clientId"`
	ConversationID flexID     `json:"conversationId"`
	SenderID       flexID     `json:"senderId"`
	Body           string     `json:"body"`
	Attachments    []string   `json:"attachments"`
	Icon           string     `json:"icon"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt"`
}

func (w *wireConversation) toDomain() chat.Conversation {
	conv := chat.Conversation{
		ID:                 string(w.ID),
		SubjectRef:         string(w.SubjectRef),
		LastMessagePreview: w.LastMessageText,
		LastMessageAt:      w.LastMessageAt,
		Unread:             w.Unread,
	}
	for _, p := range w.Participants {
		conv.Participants = append(conv.Participants, chat.Participant{ID: string(p.ID), Name: p.Name})
	}
	return conv
}

func (w *wireMessage) toDomain() chat.Message {
	return chat.Message{
		ID:             string(w.ID),
		ClientID:       w.ClientID,
		ConversationID: string(w.ConversationID),
		SenderID:       string(w.SenderID),
		Body:           w.Body,
		Attachments:    w.Attachments,
		Icon:           w.Icon,
		CreatedAt:      w.CreatedAt,
		ReadAt:         w.ReadAt,
		State:          chat.MessageConfirmed,
	}
}

// normalizeConversationList accepts a bare array, {"data":[...]}, or
// {"conversations":[...]}. Any other shape resolves to an empty list.
func normalizeConversationList(raw []byte) []chat.Conversation {
	var bare []wireConversation
	if err := json.Unmarshal(raw, &bare); err == nil {
		return conversationsToDomain(bare)
	}

	var wrapped struct {
		Data          []wireConversation `json:"data"`
		Conversations []wireConversation `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.Data) > 0 {
			return conversationsToDomain(wrapped.Data)
		}
		if len(wrapped.Conversations) > 0 {
			return conversationsToDomain(wrapped.Conversations)
		}
	}
	return nil
}

func conversationsToDomain(wire []wireConversation) []chat.Conversation {
	out := make([]chat.Conversation, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toDomain())
	}
	return out
}

// normalizeMessageList accepts a bare array or {"data":[...]}; empty input
// is a valid empty history.
func normalizeMessageList(raw []byte) []chat.Message {
	var bare []wireMessage
	if err := json.Unmarshal(raw, &bare); err == nil {
		return messagesToDomain(bare)
	}

	var wrapped struct {
		Data     []wireMessage `json:"data"`
		Messages []wireMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.Data) > 0 {
			return messagesToDomain(wrapped.Data)
		}
		if len(wrapped.Messages) > 0 {
			return messagesToDomain(wrapped.Messages)
		}
	}
	return nil
}

func messagesToDomain(wire []wireMessage) []chat.Message {
	out := make([]chat.Message, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toDomain())
	}
	return out
}

func decodeMessage(raw []byte) (*chat.Message, bool) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil || wire.ID == "" {
		return nil, false
	}
	msg := wire.toDomain()
	return &msg, true
}

// normalizeCreateResponse resolves a conversation create response. The id may
// be a direct field, a numeric literal, or nested under a conversation
// object; if none resolves, the call fails with the ambiguity error rather
// than letting the unknown shape propagate.
func normalizeCreateResponse(raw []byte) (*CreateResult, error) {
	// Oldest deployments answer with the bare id alone.
	var bare flexID
	if err := json.Unmarshal(raw, &bare); err == nil && bare != "" {
		return &CreateResult{ConversationID: string(bare)}, nil
	}

	var wire struct {
		ID             flexID            `json:"id"`
		ConversationID flexID            `json:"conversationId"`
		Conversation   *wireConversation `json:"conversation"`
		Message        *wireMessage      `json:"message"`
		MessageError   string            `json:"messageError"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", chat.ErrCreationAmbiguous, err)
	}

	res := &CreateResult{MessageError: wire.MessageError}

	switch {
	case wire.Conversation != nil && wire.Conversation.ID != "":
		conv := wire.Conversation.toDomain()
		res.Conversation = &conv
		res.ConversationID = conv.ID
	case wire.ID != "":
		res.ConversationID = string(wire.ID)
	case wire.ConversationID != "":
		res.ConversationID = string(wire.ConversationID)
	default:
		return nil, fmt.Errorf("%w: no id in response", chat.ErrCreationAmbiguous)
	}

	if wire.Message != nil && wire.Message.ID != "" {
		msg := wire.Message.toDomain()
		res.Message = &msg
	}
	return res, nil
}
