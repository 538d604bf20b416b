package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/store"
)

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConversation(id string, lastAt *time.Time) chat.Conversation {
	return chat.Conversation{
		ID: id,
		Participants: []chat.Participant{
			{ID: "u1", Name: "Alice"},
			{ID: "u2", Name: "Bob"},
		},
		SubjectRef:         "listing-9",
		LastMessagePreview: "hello",
		LastMessageAt:      lastAt,
		Unread:             2,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Now().Truncate(time.Millisecond)
	if err := s.UpsertConversation(ctx, sampleConversation("c1", &at)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "c1" || got.SubjectRef != "listing-9" || got.Unread != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Participants) != 2 || got.Participants[0].Name != "Alice" {
		t.Fatalf("participants not preserved: %+v", got.Participants)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(at) {
		t.Fatalf("last message time mismatch: %v vs %v", got.LastMessageAt, at)
	}

	// Second upsert with the same id replaces, never duplicates.
	updated := sampleConversation("c1", &at)
	updated.LastMessagePreview = "bye"
	updated.Unread = 0
	if err := s.UpsertConversation(ctx, updated); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].LastMessagePreview != "bye" || list[0].Unread != 0 {
		t.Fatalf("upsert did not replace: %+v", list)
	}
}

func TestListOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	if err := s.UpsertConversation(ctx, sampleConversation("older", &old)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertConversation(ctx, sampleConversation("newer", &recent)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertConversation(ctx, sampleConversation("empty", nil)); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(list))
	}
	if list[0].ID != "newer" || list[1].ID != "older" || list[2].ID != "empty" {
		t.Fatalf("wrong order: %s, %s, %s", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestFindByParticipantKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConversation(ctx, sampleConversation("c1", nil)); err != nil {
		t.Fatal(err)
	}

	// Lookup order must not matter.
	key := chat.ParticipantKey([]string{"u2", "u1"}, "listing-9")
	got, err := s.FindByParticipantKey(ctx, key)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("wrong conversation: %s", got.ID)
	}

	// Same pair, different subject is a different conversation.
	if _, err := s.FindByParticipantKey(ctx, chat.ParticipantKey([]string{"u1", "u2"}, "listing-10")); !IsNotFound(err) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestTouchPreviewAndUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertConversation(ctx, sampleConversation("c1", nil)); err != nil {
		t.Fatal(err)
	}

	at := time.Now().Truncate(time.Millisecond)
	if err := s.TouchPreview(ctx, "c1", "newest text", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.SetUnread(ctx, "c1", 7); err != nil {
		t.Fatalf("set unread: %v", err)
	}

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessagePreview != "newest text" || got.Unread != 7 {
		t.Fatalf("updates not applied: %+v", got)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(at) {
		t.Fatalf("timestamp not applied: %v", got.LastMessageAt)
	}

	if err := s.TouchPreview(ctx, "missing", "x", at); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SetUnread(ctx, "missing", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.UpsertConversation(ctx, sampleConversation(id, nil)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	list, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty cache, got %d rows", len(list))
	}
	if _, err := s.GetConversation(ctx, "a"); !IsNotFound(err) {
		t.Fatalf("expected miss after reset, got %v", err)
	}
}
