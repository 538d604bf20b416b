package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/proto"
	"github.com/rentglass/chatsync/internal/store"
	"github.com/rentglass/chatsync/internal/transport/api"
)

// SnapshotAPI is the request/response half of the backend.
type SnapshotAPI interface {
	ListMine(ctx context.Context) ([]chat.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	CreateConversation(ctx context.Context, participantIDs []string, subjectRef, presetMessage, clientID string) (*api.CreateResult, error)
	PostMessage(ctx context.Context, conversationID, body string, attachments []string, icon, clientID string) (*chat.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Transport is the asynchronous push half of the backend.
type Transport interface {
	Connect(ctx context.Context, identity auth.Identity) error
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	Send(ctx context.Context, out proto.Outbound) error
	Events() <-chan proto.Push
	States() <-chan chat.ConnState
	Lost() bool
	Close() error
}

// Options tunes engine behavior.
type Options struct {
	TypingQuietWindow time.Duration
}

// Engine keeps the client's view of conversations and messages consistent
// with the server across the snapshot API and the push channel. A single
// dispatch loop routes inbound pushes to the reconciler, typing controller,
// and read tracking; the UI layer only reads state back through accessors
// and the Updates stream.
type Engine struct {
	self      auth.Identity
	api       SnapshotAPI
	transport Transport
	cache     store.Cache
	log       *zerolog.Logger

	rec    *Reconciler
	typing *TypingController
	boot   *Bootstrapper

	// localReads is what this user has read; remoteReads is how far
	// counterparts have read, driving read receipts on our own messages.
	localReads  *ReadTracker
	remoteReads *ReadTracker

	mu     sync.Mutex
	active string

	updates chan chat.Update
}

// New wires the engine. The api parameter usually is *api.Client and the
// transport usually is *ws.Manager; tests substitute fakes.
func New(opts Options, self auth.Identity, snapshot SnapshotAPI, transport Transport, cache store.Cache, logger *zerolog.Logger) *Engine {
	e := &Engine{
		self:        self,
		api:         snapshot,
		transport:   transport,
		cache:       cache,
		log:         logger,
		rec:         NewReconciler(logger),
		localReads:  NewReadTracker(),
		remoteReads: NewReadTracker(),
		updates:     make(chan chat.Update, 128),
	}

	e.typing = NewTypingController(opts.TypingQuietWindow, self.UserID,
		func(ctx context.Context, conversationID string, isTyping bool) error {
			return transport.Send(ctx, proto.Outbound{
				Event: proto.OutboundTyping,
				Data:  proto.TypingData{ConversationID: conversationID, IsTyping: isTyping},
			})
		},
		e.participantName,
		func(conversationID string) {
			e.emit(chat.Update{Kind: chat.UpdateTyping, ConversationID: conversationID, TypingLabel: e.typing.CurrentLabel(conversationID)})
		},
	)

	e.boot = NewBootstrapper(snapshot, cache, self, logger, func(msg string) {
		e.emit(chat.Update{Kind: chat.UpdateWarning, Warning: msg})
	})

	return e
}

// Start connects the push channel, subscribes the personal room, and starts
// the dispatch loops. The initial conversation snapshot loads asynchronously.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.transport.Connect(ctx, e.self); err != nil {
		return err
	}
	if err := e.transport.Subscribe(ctx, chat.UserRoom(e.self.UserID)); err != nil {
		e.log.Warn().Err(err).Msg("subscribe personal room failed")
	}

	go e.dispatchLoop(ctx)
	go e.stateLoop(ctx)
	go e.refreshConversations(ctx)
	return nil
}

// Updates is the stream the UI layer consumes for change notifications.
func (e *Engine) Updates() <-chan chat.Update {
	return e.updates
}

// Messages returns the ordered, deduplicated message list for a conversation.
func (e *Engine) Messages(conversationID string) []chat.Message {
	return e.rec.Messages(conversationID)
}

// TypingLabel returns the current typing label for a conversation.
func (e *Engine) TypingLabel(conversationID string) string {
	return e.typing.CurrentLabel(conversationID)
}

// Conversations returns the cached conversation list, newest activity first.
func (e *Engine) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	return e.cache.ListConversations(ctx)
}

// EnsureConversation resolves or creates a conversation with a counterpart.
func (e *Engine) EnsureConversation(ctx context.Context, counterpartID, subjectRef, presetMessage string) (string, error) {
	id, err := e.boot.EnsureConversation(ctx, counterpartID, subjectRef, presetMessage)
	if err != nil {
		return "", err
	}
	e.emit(chat.Update{Kind: chat.UpdateConversations})
	return id, nil
}

// SetActive switches the active conversation: the old room is unsubscribed,
// the new one subscribed, and a history load kicked off. A load still in
// flight for a previously active conversation resolves harmlessly; its
// result is discarded when the active id no longer matches.
func (e *Engine) SetActive(ctx context.Context, conversationID string) {
	e.mu.Lock()
	previous := e.active
	if previous == conversationID {
		e.mu.Unlock()
		return
	}
	e.active = conversationID
	e.mu.Unlock()

	if previous != "" {
		if err := e.transport.Unsubscribe(ctx, chat.ConversationRoom(previous)); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", previous).Msg("unsubscribe failed")
		}
	}
	if conversationID == "" {
		return
	}
	if err := e.transport.Subscribe(ctx, chat.ConversationRoom(conversationID)); err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("subscribe failed")
	}

	go e.loadHistory(ctx, conversationID)
}

// Active returns the active conversation id, empty when none.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SendMessage appends an optimistic entry and posts it in the background.
// It never blocks on the network; confirmation arrives via the POST
// response or the push, whichever lands first.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string, attachments []string, icon string) chat.Message {
	msg := e.rec.ApplyLocalSend(Draft{
		ConversationID: conversationID,
		SenderID:       e.self.UserID,
		Body:           body,
		Attachments:    attachments,
		Icon:           icon,
	})
	e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: conversationID})

	go func() {
		confirmed, err := e.api.PostMessage(ctx, conversationID, body, attachments, icon, msg.ClientID)
		if err != nil {
			e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("send failed")
			e.rec.MarkFailed(conversationID, msg.ClientID)
			e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: conversationID})
			e.emit(chat.Update{Kind: chat.UpdateWarning, Warning: "message not delivered"})
			return
		}
		e.rec.ApplyServerConfirmation(conversationID, msg.ClientID, *confirmed)
		e.touchPreview(ctx, conversationID, confirmed.Body, confirmed.CreatedAt)
		e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: conversationID})
	}()

	return msg
}

// RetrySend re-posts a failed entry, keeping its position in the sequence.
func (e *Engine) RetrySend(ctx context.Context, conversationID, clientID string) {
	var failed *chat.Message
	for _, m := range e.rec.Messages(conversationID) {
		if m.ClientID == clientID && m.State == chat.MessageFailed {
			failed = &m
			break
		}
	}
	if failed == nil {
		return
	}

	go func() {
		confirmed, err := e.api.PostMessage(ctx, conversationID, failed.Body, failed.Attachments, failed.Icon, clientID)
		if err != nil {
			e.emit(chat.Update{Kind: chat.UpdateWarning, Warning: "message not delivered"})
			return
		}
		e.rec.ApplyServerConfirmation(conversationID, clientID, *confirmed)
		e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: conversationID})
	}()
}

// DismissFailed drops a failed entry at the user's request.
func (e *Engine) DismissFailed(conversationID, clientID string) {
	if e.rec.Dismiss(conversationID, clientID) {
		e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: conversationID})
	}
}

// EmitTyping forwards a local typing signal for the conversation.
func (e *Engine) EmitTyping(ctx context.Context, conversationID string) error {
	return e.typing.EmitLocalTyping(ctx, conversationID)
}

// StopTyping forwards an explicit local stop signal.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	return e.typing.EmitLocalStopped(ctx, conversationID)
}

// MarkConversationRead reports the read boundary when the conversation's
// message list is in view. The local boundary moves optimistically and
// never regresses.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) {
	now := time.Now()
	if !e.localReads.Advance(conversationID, now) {
		return
	}

	if err := e.cache.SetUnread(ctx, conversationID, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("reset unread failed")
	}
	e.emit(chat.Update{Kind: chat.UpdateConversations})

	if err := e.transport.Send(ctx, proto.Outbound{
		Event: proto.OutboundRead,
		Data:  proto.ReadData{ConversationID: conversationID},
	}); err != nil {
		e.log.Debug().Err(err).Msg("read signal not sent on push channel")
	}
	go func() {
		if err := e.api.MarkRead(ctx, conversationID); err != nil {
			e.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("read receipt call failed")
		}
	}()
}

// Reconnect re-establishes the push channel after a ConnectionLost
// condition, e.g. when the user returns to the app, then resynchronizes.
func (e *Engine) Reconnect(ctx context.Context) error {
	if err := e.transport.Connect(ctx, e.self); err != nil {
		return err
	}
	go e.resync(ctx)
	return nil
}

// Logout evicts all local state and closes the push channel.
func (e *Engine) Logout(ctx context.Context) error {
	e.typing.Reset()
	e.localReads.Reset()
	e.remoteReads.Reset()
	if err := e.cache.Reset(ctx); err != nil {
		e.log.Warn().Err(err).Msg("cache eviction failed")
	}
	return e.transport.Close()
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case push, ok := <-e.transport.Events():
			if !ok {
				return
			}
			e.route(ctx, push)
		}
	}
}

// route fans one push event out to the owning component by conversation id.
func (e *Engine) route(ctx context.Context, push proto.Push) {
	switch push.Event {
	case proto.EventMessageNew:
		var data proto.MessageNewData
		if err := json.Unmarshal(push.Data, &data); err != nil {
			e.log.Warn().Err(err).Msg("bad message push")
			return
		}
		e.onMessagePush(ctx, data)

	case proto.EventTyping:
		var data proto.TypingData
		if err := json.Unmarshal(push.Data, &data); err != nil {
			e.log.Warn().Err(err).Msg("bad typing push")
			return
		}
		e.typing.OnRemoteSignal(data.ConversationID, data.From, data.IsTyping)

	case proto.EventRead:
		var data proto.ReadData
		if err := json.Unmarshal(push.Data, &data); err != nil {
			e.log.Warn().Err(err).Msg("bad read push")
			return
		}
		e.onReadPush(data)

	default:
		e.log.Debug().Str("event", push.Event).Msg("unhandled push event")
	}
}

func (e *Engine) onMessagePush(ctx context.Context, data proto.MessageNewData) {
	msg := fromWire(data.Message)
	if msg.ConversationID == "" {
		msg.ConversationID = data.ConversationID
	}

	if !e.rec.ApplyPush(msg) {
		return
	}

	e.touchPreview(ctx, msg.ConversationID, msg.Body, msg.CreatedAt)
	if msg.SenderID != e.self.UserID && msg.ConversationID != e.Active() {
		e.bumpUnread(ctx, msg.ConversationID)
	}

	e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: msg.ConversationID})
	e.emit(chat.Update{Kind: chat.UpdateConversations})
}

func (e *Engine) onReadPush(data proto.ReadData) {
	if data.UserID == e.self.UserID {
		return
	}
	at := time.Now()
	if data.ReadAt != nil {
		at = *data.ReadAt
	}
	if !e.remoteReads.Advance(data.ConversationID, at) {
		return
	}
	e.rec.MarkReadThrough(data.ConversationID, data.UserID, at)
	e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: data.ConversationID})
}

func (e *Engine) stateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-e.transport.States():
			if !ok {
				return
			}
			e.emit(chat.Update{Kind: chat.UpdateConnState, ConnState: state})
			switch {
			case state == chat.ConnDisconnected && e.transport.Lost():
				e.emit(chat.Update{Kind: chat.UpdateWarning, Warning: "connection lost"})
			case state == chat.ConnConnected:
				// Subscriptions were replayed by the manager; state may have
				// drifted while offline, so resynchronize.
				go e.resync(ctx)
			}
		}
	}
}

// loadHistory fetches a conversation's history. The conversation id is
// captured at request time and compared at resolution time; a result
// arriving after the active conversation changed is discarded.
func (e *Engine) loadHistory(ctx context.Context, conversationID string) {
	history, err := e.api.GetMessages(ctx, conversationID)
	if err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("history load failed")
		return
	}

	if e.Active() != conversationID {
		e.log.Debug().Str("conversation_id", conversationID).Msg("discarding stale history load")
		return
	}

	preview := ""
	var previewAt *time.Time
	if conv, err := e.cache.GetConversation(ctx, conversationID); err == nil {
		preview = conv.LastMessagePreview
		previewAt = conv.LastMessageAt
	}

	e.rec.ApplySnapshot(conversationID, history, preview, previewAt)
	e.emit(chat.Update{Kind: chat.UpdateMessages, ConversationID: conversationID})
}

func (e *Engine) refreshConversations(ctx context.Context) {
	convs, err := e.api.ListMine(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("conversation list load failed")
		return
	}
	for _, conv := range convs {
		if err := e.cache.UpsertConversation(ctx, conv); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("cache upsert failed")
		}
	}
	e.emit(chat.Update{Kind: chat.UpdateConversations})
}

func (e *Engine) resync(ctx context.Context) {
	e.refreshConversations(ctx)
	if active := e.Active(); active != "" {
		e.loadHistory(ctx, active)
	}
}

func (e *Engine) touchPreview(ctx context.Context, conversationID, body string, at time.Time) {
	if err := e.cache.TouchPreview(ctx, conversationID, body, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Push for a conversation we have not cached yet; pull the list.
			go e.refreshConversations(ctx)
			return
		}
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("preview update failed")
	}
}

func (e *Engine) bumpUnread(ctx context.Context, conversationID string) {
	conv, err := e.cache.GetConversation(ctx, conversationID)
	if err != nil {
		return
	}
	if err := e.cache.SetUnread(ctx, conversationID, conv.Unread+1); err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("unread bump failed")
	}
}

func (e *Engine) participantName(conversationID, userID string) string {
	conv, err := e.cache.GetConversation(context.Background(), conversationID)
	if err != nil {
		return ""
	}
	for _, p := range conv.Participants {
		if p.ID == userID {
			return p.Name
		}
	}
	return ""
}

func (e *Engine) emit(update chat.Update) {
	select {
	case e.updates <- update:
	default:
		// Drop if the UI is a slow consumer; accessors always return the
		// current state.
	}
}

func fromWire(w proto.Message) chat.Message {
	return chat.Message{
		ID:             w.ID,
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		Attachments:    w.Attachments,
		Icon:           w.Icon,
		CreatedAt:      w.CreatedAt,
		ReadAt:         w.ReadAt,
		State:          chat.MessageConfirmed,
	}
}
