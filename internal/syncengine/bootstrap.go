package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/store"
)

// Bootstrapper resolves create-or-reuse semantics when the user wants a
// conversation with a given counterpart (and optional subject). The server
// is the source of truth for idempotency; the local cache is checked first
// so repeating the action quickly never issues a redundant create call.
type Bootstrapper struct {
	api   SnapshotAPI
	cache store.Cache
	self  auth.Identity
	log   *zerolog.Logger
	warn  func(string)

	// Serializes ensure calls; two quick invocations for the same pair must
	// resolve to one conversation, not race into two create calls.
	mu sync.Mutex
}

// NewBootstrapper wires the snapshot API and the local cache. warn receives
// non-fatal, user-visible warnings and may be nil.
func NewBootstrapper(snapshot SnapshotAPI, cache store.Cache, self auth.Identity, logger *zerolog.Logger, warn func(string)) *Bootstrapper {
	if warn == nil {
		warn = func(string) {}
	}
	return &Bootstrapper{api: snapshot, cache: cache, self: self, log: logger, warn: warn}
}

// EnsureConversation returns the conversation id for the given counterpart
// and optional subject, creating one server-side only when none exists.
// A preset message that fails to deliver while the conversation itself was
// created is a non-fatal warning, not an error.
func (b *Bootstrapper) EnsureConversation(ctx context.Context, counterpartID, subjectRef, presetMessage string) (string, error) {
	if counterpartID == "" || counterpartID == b.self.UserID {
		return "", fmt.Errorf("%w: invalid counterpart", chat.ErrBadRequest)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := chat.ParticipantKey([]string{b.self.UserID, counterpartID}, subjectRef)
	if cached, err := b.cache.FindByParticipantKey(ctx, key); err == nil {
		return cached.ID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		b.log.Warn().Err(err).Msg("cache lookup failed; falling through to server")
	}

	clientID := ""
	if presetMessage != "" {
		clientID = "tmp-" + uuid.NewString()
	}

	res, err := b.api.CreateConversation(ctx, []string{b.self.UserID, counterpartID}, subjectRef, presetMessage, clientID)
	if err != nil {
		if errors.Is(err, chat.ErrCreationAmbiguous) {
			return "", err
		}
		return "", fmt.Errorf("create conversation: %w", err)
	}

	if res.MessageError != "" {
		b.warn("initial message not delivered: " + res.MessageError)
	}

	conv := chat.Conversation{
		ID: res.ConversationID,
		Participants: []chat.Participant{
			{ID: b.self.UserID, Name: b.self.Name},
			{ID: counterpartID},
		},
		SubjectRef: subjectRef,
	}
	if res.Conversation != nil {
		conv = *res.Conversation
		if conv.SubjectRef == "" {
			conv.SubjectRef = subjectRef
		}
	}

	// Optimistic cache insert so the UI reflects the conversation before the
	// next snapshot poll.
	if err := b.cache.UpsertConversation(ctx, conv); err != nil {
		b.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to cache new conversation")
	}

	return res.ConversationID, nil
}
