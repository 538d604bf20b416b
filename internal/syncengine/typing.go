package syncengine

import (
	"context"
	"sync"
	"time"
)

// SignalFunc sends an outbound typing signal for a conversation.
type SignalFunc func(ctx context.Context, conversationID string, isTyping bool) error

// NameFunc resolves a participant id to a display name for the label.
type NameFunc func(conversationID, userID string) string

// TypingController tracks remote typing signals per conversation with
// automatic expiry, and forwards local signals outbound. It does not
// debounce the outbound side; that is the caller's concern.
type TypingController struct {
	quiet    time.Duration
	selfID   string
	send     SignalFunc
	nameFor  NameFunc
	onChange func(conversationID string)

	mu     sync.Mutex
	typing map[string]map[string]*time.Timer
}

// NewTypingController builds a controller with the given quiet window.
// onChange fires whenever a conversation's label may have changed.
func NewTypingController(quiet time.Duration, selfID string, send SignalFunc, nameFor NameFunc, onChange func(string)) *TypingController {
	if quiet <= 0 {
		quiet = 3 * time.Second
	}
	if onChange == nil {
		onChange = func(string) {}
	}
	return &TypingController{
		quiet:    quiet,
		selfID:   selfID,
		send:     send,
		nameFor:  nameFor,
		onChange: onChange,
		typing:   make(map[string]map[string]*time.Timer),
	}
}

// OnRemoteSignal updates the remote typing state for one participant.
// A true signal re-arms the expiry timer; a false signal or the quiet
// window elapsing clears the state, whichever happens first. Signals
// authored by the local user are ignored.
func (t *TypingController) OnRemoteSignal(conversationID, fromID string, isTyping bool) {
	if fromID == t.selfID {
		return
	}

	t.mu.Lock()
	byFrom, ok := t.typing[conversationID]
	if !ok {
		if !isTyping {
			t.mu.Unlock()
			return
		}
		byFrom = make(map[string]*time.Timer)
		t.typing[conversationID] = byFrom
	}

	if timer, ok := byFrom[fromID]; ok {
		timer.Stop()
		delete(byFrom, fromID)
	}

	if isTyping {
		byFrom[fromID] = time.AfterFunc(t.quiet, func() {
			t.expire(conversationID, fromID)
		})
	}
	t.mu.Unlock()

	t.onChange(conversationID)
}

func (t *TypingController) expire(conversationID, fromID string) {
	t.mu.Lock()
	byFrom, ok := t.typing[conversationID]
	if ok {
		delete(byFrom, fromID)
	}
	t.mu.Unlock()

	if ok {
		t.onChange(conversationID)
	}
}

// EmitLocalTyping sends an outbound "typing" signal. Every keystroke may
// call it; outbound debouncing belongs to the UI layer.
func (t *TypingController) EmitLocalTyping(ctx context.Context, conversationID string) error {
	if t.send == nil {
		return nil
	}
	return t.send(ctx, conversationID, true)
}

// EmitLocalStopped sends an explicit stop signal.
func (t *TypingController) EmitLocalStopped(ctx context.Context, conversationID string) error {
	if t.send == nil {
		return nil
	}
	return t.send(ctx, conversationID, false)
}

// CurrentLabel returns the human-facing typing label for a conversation,
// or empty when nobody is typing.
func (t *TypingController) CurrentLabel(conversationID string) string {
	t.mu.Lock()
	ids := make([]string, 0, 2)
	for fromID := range t.typing[conversationID] {
		ids = append(ids, fromID)
	}
	t.mu.Unlock()

	switch len(ids) {
	case 0:
		return ""
	case 1:
		name := ids[0]
		if t.nameFor != nil {
			if n := t.nameFor(conversationID, ids[0]); n != "" {
				name = n
			}
		}
		return name + " is typing…"
	default:
		return "Several people are typing…"
	}
}

// Reset cancels every timer, e.g. on logout or shutdown, so no timer
// leaks across conversation switches.
func (t *TypingController) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, byFrom := range t.typing {
		for _, timer := range byFrom {
			timer.Stop()
		}
	}
	t.typing = make(map[string]map[string]*time.Timer)
}
