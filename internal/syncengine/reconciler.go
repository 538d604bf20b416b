package syncengine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/chat"
)

// heuristicWindow is how far apart a local wall-clock timestamp and the
// server timestamp may be for a push to still match a pending entry when
// the server did not echo the client correlation id.
const heuristicWindow = 10 * time.Second

// Draft is a locally-originated message before it enters the sequence.
type Draft struct {
	ConversationID string
	SenderID       string
	Body           string
	Attachments    []string
	Icon           string
}

// Reconciler merges locally-originated, server-confirmed, and server-pushed
// messages into one deduplicated, ordered sequence per conversation. It is
// the sole owner of those sequences; all mutation goes through it, and
// calls touching the same conversation are serialized on its lock.
type Reconciler struct {
	mu    sync.Mutex
	convs map[string]*conversationLog
	log   *zerolog.Logger
}

// conversationLog holds one conversation's materialized sequence.
// Entries stay sorted by (CreatedAt, seq); seq is assigned at first
// insertion and never changes, giving the insertion-order tiebreak.
type conversationLog struct {
	mu      sync.Mutex
	entries []*chat.Message
	seqs    map[*chat.Message]int
	nextSeq int
}

// NewReconciler builds an empty reconciler.
func NewReconciler(logger *zerolog.Logger) *Reconciler {
	return &Reconciler{
		convs: make(map[string]*conversationLog),
		log:   logger,
	}
}

func (r *Reconciler) conv(conversationID string) *conversationLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		c = &conversationLog{seqs: make(map[*chat.Message]int)}
		r.convs[conversationID] = c
	}
	return c
}

// ApplyLocalSend appends an optimistic entry immediately and returns it.
// The returned ClientID correlates the entry with its later confirmation.
func (r *Reconciler) ApplyLocalSend(draft Draft) chat.Message {
	msg := chat.Message{
		ClientID:       "tmp-" + uuid.NewString(),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		Body:           draft.Body,
		Attachments:    draft.Attachments,
		Icon:           draft.Icon,
		CreatedAt:      time.Now(),
		State:          chat.MessagePending,
	}

	c := r.conv(draft.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.insert(&msg)
	return msg
}

// ApplyServerConfirmation resolves a pending entry against the send
// response. If a matching push already landed, the confirmation is a
// duplicate and is dropped, along with any leftover pending entry.
func (r *Reconciler) ApplyServerConfirmation(conversationID, clientID string, server chat.Message) {
	c := r.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if server.ID != "" && c.findByID(server.ID) != nil {
		c.removePending(clientID)
		c.resort()
		return
	}

	if entry := c.findPending(clientID); entry != nil {
		confirmInto(entry, server)
		c.resort()
		return
	}

	// Confirmation for an entry we no longer hold; treat like a push.
	server.State = chat.MessageConfirmed
	c.insert(&server)
}

// ApplyPush inserts a server-pushed message. Re-delivery of a known server
// id is a no-op; a push matching a pending entry (by correlation id, or
// heuristically by sender, body, and timestamp proximity) is reconciled
// into that entry rather than duplicated. Returns true when the sequence
// changed.
func (r *Reconciler) ApplyPush(msg chat.Message) bool {
	c := r.conv(msg.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ID != "" && c.findByID(msg.ID) != nil {
		return false
	}

	if entry := c.matchPending(&msg); entry != nil {
		confirmInto(entry, msg)
		c.resort()
		return true
	}

	msg.State = chat.MessageConfirmed
	c.dropSynthetic()
	c.insert(&msg)
	return true
}

// ApplySnapshot merges a history load into the sequence. Pending entries
// survive; confirmed entries dedupe by server id. When the snapshot is
// empty but the conversation carries a last-message preview, exactly one
// placeholder is synthesized so the view is never silently blank.
func (r *Reconciler) ApplySnapshot(conversationID string, history []chat.Message, preview string, previewAt *time.Time) {
	c := r.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(history) == 0 {
		if preview != "" && len(c.entries) == 0 {
			at := time.Now()
			if previewAt != nil {
				at = *previewAt
			}
			c.insert(&chat.Message{
				ConversationID: conversationID,
				Body:           preview,
				CreatedAt:      at,
				State:          chat.MessageConfirmed,
				Synthetic:      true,
			})
		}
		return
	}

	c.dropSynthetic()
	for i := range history {
		msg := history[i]
		if msg.ID != "" && c.findByID(msg.ID) != nil {
			continue
		}
		if entry := c.matchPending(&msg); entry != nil {
			confirmInto(entry, msg)
			continue
		}
		msg.State = chat.MessageConfirmed
		c.insert(&msg)
	}
	c.resort()
}

// MarkFailed flags a pending entry after a transport-level send failure.
// The entry is retained, never silently removed.
func (r *Reconciler) MarkFailed(conversationID, clientID string) {
	c := r.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry := c.findPending(clientID); entry != nil {
		entry.State = chat.MessageFailed
	}
}

// Dismiss removes a failed entry at the user's request.
func (r *Reconciler) Dismiss(conversationID, clientID string) bool {
	c := r.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.entries {
		if entry.ClientID == clientID && entry.State == chat.MessageFailed {
			delete(c.seqs, entry)
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// MarkReadThrough sets the read timestamp on confirmed messages up to and
// including the boundary. The reader's own messages are skipped; a receipt
// only covers what the reader received. Already-read entries keep their
// earlier stamp.
func (r *Reconciler) MarkReadThrough(conversationID, readerID string, boundary time.Time) {
	c := r.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.entries {
		if entry.State != chat.MessageConfirmed || entry.ReadAt != nil {
			continue
		}
		if entry.SenderID == readerID {
			continue
		}
		if !entry.CreatedAt.After(boundary) {
			at := boundary
			entry.ReadAt = &at
		}
	}
}

// Messages returns a copy of the conversation's ordered sequence.
func (r *Reconciler) Messages(conversationID string) []chat.Message {
	c := r.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]chat.Message, len(c.entries))
	for i, entry := range c.entries {
		out[i] = *entry
	}
	return out
}

// Drop discards a conversation's sequence, e.g. on logout.
func (r *Reconciler) Drop(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, conversationID)
}

func confirmInto(entry *chat.Message, server chat.Message) {
	entry.ID = server.ID
	entry.SenderID = server.SenderID
	if server.Body != "" {
		entry.Body = server.Body
	}
	if len(server.Attachments) > 0 {
		entry.Attachments = server.Attachments
	}
	if server.Icon != "" {
		entry.Icon = server.Icon
	}
	entry.CreatedAt = server.CreatedAt
	entry.ReadAt = server.ReadAt
	entry.State = chat.MessageConfirmed
}

func (c *conversationLog) findByID(id string) *chat.Message {
	for _, entry := range c.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

func (c *conversationLog) findPending(clientID string) *chat.Message {
	for _, entry := range c.entries {
		if entry.ClientID == clientID && entry.State != chat.MessageConfirmed {
			return entry
		}
	}
	return nil
}

// matchPending finds the pending entry a confirmed message corresponds to:
// exact correlation-id match first, then sender + body + timestamp proximity.
func (c *conversationLog) matchPending(msg *chat.Message) *chat.Message {
	if msg.ClientID != "" {
		if entry := c.findPending(msg.ClientID); entry != nil {
			return entry
		}
	}
	for _, entry := range c.entries {
		if entry.State != chat.MessagePending {
			continue
		}
		if entry.SenderID != msg.SenderID || entry.Body != msg.Body {
			continue
		}
		delta := entry.CreatedAt.Sub(msg.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= heuristicWindow {
			return entry
		}
	}
	return nil
}

func (c *conversationLog) removePending(clientID string) {
	for i, entry := range c.entries {
		if entry.ClientID == clientID && entry.State != chat.MessageConfirmed {
			delete(c.seqs, entry)
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

func (c *conversationLog) dropSynthetic() {
	kept := c.entries[:0]
	for _, entry := range c.entries {
		if entry.Synthetic {
			delete(c.seqs, entry)
			continue
		}
		kept = append(kept, entry)
	}
	c.entries = kept
}

// insert places an entry at its ordered position and assigns its seq.
func (c *conversationLog) insert(msg *chat.Message) {
	c.seqs[msg] = c.nextSeq
	c.nextSeq++
	c.entries = append(c.entries, msg)
	c.resort()
}

func (c *conversationLog) resort() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		a, b := c.entries[i], c.entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return c.seqs[a] < c.seqs[b]
	})
}
