package syncengine

import (
	"sync"
	"time"
)

// ReadTracker keeps the per-conversation read boundary. The boundary only
// ever moves forward; a later smaller value from any source is ignored.
type ReadTracker struct {
	mu         sync.Mutex
	boundaries map[string]time.Time
}

// NewReadTracker builds an empty tracker.
func NewReadTracker() *ReadTracker {
	return &ReadTracker{boundaries: make(map[string]time.Time)}
}

// Advance moves the boundary forward. Returns false when the proposed
// value does not advance it.
func (rt *ReadTracker) Advance(conversationID string, at time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	current, ok := rt.boundaries[conversationID]
	if ok && !at.After(current) {
		return false
	}
	rt.boundaries[conversationID] = at
	return true
}

// Boundary returns the current boundary, if any.
func (rt *ReadTracker) Boundary(conversationID string) (time.Time, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	at, ok := rt.boundaries[conversationID]
	return at, ok
}

// Reset forgets all boundaries (logout).
func (rt *ReadTracker) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.boundaries = make(map[string]time.Time)
}
