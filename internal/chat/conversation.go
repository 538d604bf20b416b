package chat

import (
	"sort"
	"strings"
	"time"
)

// Participant is a member of a conversation.
type Participant struct {
	ID   string
	Name string
}

// Conversation is a durable thread between a fixed set of participants,
// optionally scoped to a subject (e.g. a listing id).
type Conversation struct {
	ID           string
	Participants []Participant
	// SubjectRef is an optional external reference such as a listing id.
	SubjectRef         string
	LastMessagePreview string
	LastMessageAt      *time.Time
	Unread             int
}

// HasParticipant reports whether the given user id is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ParticipantKey returns a stable key for the participant set, independent
// of ordering. Used to detect an existing conversation for the same pair.
func ParticipantKey(ids []string, subjectRef string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")
	if subjectRef != "" {
		key += "#" + subjectRef
	}
	return key
}

// UserRoom is the push-channel room scoped to a single user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ConversationRoom is the push-channel room scoped to one conversation.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}
