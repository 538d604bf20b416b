package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/log"
	"github.com/rentglass/chatsync/internal/proto"
	"github.com/rentglass/chatsync/internal/store"
	"github.com/rentglass/chatsync/internal/transport/api"
)

// fakeAPI is an in-memory SnapshotAPI.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []chat.Conversation
	history       map[string][]chat.Message
	gates         map[string]chan struct{}
	createResult  *api.CreateResult
	createErr     error
	createCalls   int
	postErr       error
	nextID        int64
	readCalls     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[string][]chat.Message),
		gates:   make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) ListMine(context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) GetMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	f.mu.Lock()
	gate := f.gates[conversationID]
	msgs := append([]chat.Message(nil), f.history[conversationID]...)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return msgs, nil
}

func (f *fakeAPI) CreateConversation(context.Context, []string, string, string, string) (*api.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeAPI) PostMessage(_ context.Context, conversationID, body string, attachments []string, icon, clientID string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.nextID++
	return &chat.Message{
		ID:             strconv.FormatInt(f.nextID, 10),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       "me",
		Body:           body,
		Attachments:    attachments,
		Icon:           icon,
		CreatedAt:      time.Now(),
		State:          chat.MessageConfirmed,
	}, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, conversationID)
	return nil
}

// memCache is an in-memory store.Cache.
type memCache struct {
	mu    sync.Mutex
	convs map[string]chat.Conversation
}

func newMemCache() *memCache {
	return &memCache{convs: make(map[string]chat.Conversation)}
}

func (m *memCache) UpsertConversation(_ context.Context, conv chat.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.ID] = conv
	return nil
}

func (m *memCache) ListConversations(context.Context) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Conversation, 0, len(m.convs))
	for _, conv := range m.convs {
		out = append(out, conv)
	}
	return out, nil
}

func (m *memCache) GetConversation(_ context.Context, id string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &conv, nil
}

func (m *memCache) FindByParticipantKey(_ context.Context, key string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conv := range m.convs {
		ids := make([]string, 0, len(conv.Participants))
		for _, p := range conv.Participants {
			ids = append(ids, p.ID)
		}
		if chat.ParticipantKey(ids, conv.SubjectRef) == key {
			return &conv, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memCache) TouchPreview(_ context.Context, id, preview string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.LastMessagePreview = preview
	conv.LastMessageAt = &at
	m.convs[id] = conv
	return nil
}

func (m *memCache) SetUnread(_ context.Context, id string, unread int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	conv.Unread = unread
	m.convs[id] = conv
	return nil
}

func (m *memCache) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = make(map[string]chat.Conversation)
	return nil
}

func (m *memCache) Close() error { return nil }

// fakeTransport records intents and lets tests inject pushes.
type fakeTransport struct {
	mu      sync.Mutex
	events  chan proto.Push
	states  chan chat.ConnState
	subs    []string
	unsubs  []string
	sent    []proto.Outbound
	lost    bool
	connect int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan proto.Push, 32),
		states: make(chan chat.ConnState, 8),
	}
}

func (f *fakeTransport) Connect(context.Context, auth.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connect++
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, room)
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, room)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, out proto.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeTransport) Events() <-chan proto.Push     { return f.events }
func (f *fakeTransport) States() <-chan chat.ConnState { return f.states }
func (f *fakeTransport) Close() error                  { return nil }

func (f *fakeTransport) Lost() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lost
}

func (f *fakeTransport) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	f.events <- proto.Push{Event: event, Data: raw}
}

func (f *fakeTransport) subscribed(room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub == room {
			return true
		}
	}
	return false
}

func testEngine(t *testing.T) (*Engine, *fakeAPI, *fakeTransport, *memCache) {
	t.Helper()
	apiClient := newFakeAPI()
	transport := newFakeTransport()
	cache := newMemCache()
	engine := New(Options{TypingQuietWindow: 50 * time.Millisecond},
		auth.Identity{UserID: "me", Name: "Me"},
		apiClient, transport, cache,
		log.NewWithOutput("error", io.Discard))
	return engine, apiClient, transport, cache
}

func mustUpdate(t *testing.T, ch <-chan chat.Update, kind chat.UpdateKind) chat.Update {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-ch:
			if update.Kind == kind {
				return update
			}
		case <-deadline:
			t.Fatalf("expected update kind %v not received", kind)
			return chat.Update{}
		}
	}
}

// waitUntil polls cond until it holds or the deadline expires.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
