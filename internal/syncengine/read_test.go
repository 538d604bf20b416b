package syncengine

import (
	"testing"
	"time"
)

func TestReadBoundaryNeverRegresses(t *testing.T) {
	rt := NewReadTracker()
	base := time.Now()

	if !rt.Advance("c1", base) {
		t.Fatalf("first advance must succeed")
	}
	if rt.Advance("c1", base.Add(-time.Minute)) {
		t.Fatalf("a smaller boundary from any source must be ignored")
	}
	if rt.Advance("c1", base) {
		t.Fatalf("an equal boundary must be ignored")
	}
	if !rt.Advance("c1", base.Add(time.Second)) {
		t.Fatalf("a later boundary must advance")
	}

	at, ok := rt.Boundary("c1")
	if !ok || !at.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected boundary %v ok=%v", at, ok)
	}
}

func TestReadBoundariesPerConversation(t *testing.T) {
	rt := NewReadTracker()
	base := time.Now()

	rt.Advance("c1", base)
	if _, ok := rt.Boundary("c2"); ok {
		t.Fatalf("boundaries must be tracked per conversation")
	}

	rt.Reset()
	if _, ok := rt.Boundary("c1"); ok {
		t.Fatalf("reset must forget all boundaries")
	}
}
