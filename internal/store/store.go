package store

import (
	"context"
	"errors"
	"time"

	"github.com/rentglass/chatsync/internal/chat"
)

// ErrNotFound is returned when a cached conversation does not exist.
var ErrNotFound = errors.New("not found")

// Cache is the local conversation cache. It backs the cold-start list,
// the bootstrapper's create-dedupe lookup, and unread bookkeeping.
// It is evicted wholesale on logout, never entry-by-entry.
type Cache interface {
	// UpsertConversation inserts or refreshes a conversation.
	UpsertConversation(ctx context.Context, conv chat.Conversation) error
	// ListConversations returns conversations ordered by last activity, newest first.
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	// GetConversation fetches one conversation by id.
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)
	// FindByParticipantKey looks up a conversation by its participant-set key
	// (see chat.ParticipantKey).
	FindByParticipantKey(ctx context.Context, key string) (*chat.Conversation, error)
	// TouchPreview updates the last-message preview and timestamp.
	TouchPreview(ctx context.Context, id, preview string, at time.Time) error
	// SetUnread overwrites the unread counter.
	SetUnread(ctx context.Context, id string, unread int) error
	// Reset evicts every cached conversation (logout).
	Reset(ctx context.Context) error
	Close() error
}
