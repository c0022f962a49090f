package hub

import (
	"testing"
	"time"
)

func strptr(s string) *string { return &s }

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcastToAll(t *testing.T) {
	h := New()
	_, ch, unsub := h.Subscribe(nil, nil)
	defer unsub()

	h.Broadcast("memory-saved", "proj-a", "", map[string]string{"id": "m1"})

	ev := recvEvent(t, ch)
	if ev.Type != "memory-saved" {
		t.Errorf("expected memory-saved, got %s", ev.Type)
	}
	if ev.Timestamp == 0 {
		t.Error("expected timestamp to be set")
	}
}

func TestProjectFilter(t *testing.T) {
	h := New()
	_, chA, unsubA := h.Subscribe(strptr("proj-a"), nil)
	defer unsubA()
	_, chB, unsubB := h.Subscribe(strptr("proj-b"), nil)
	defer unsubB()

	h.Broadcast("observation-created", "proj-a", "sess-1", nil)

	if ev := recvEvent(t, chA); ev.Type != "observation-created" {
		t.Errorf("expected observation-created on proj-a, got %s", ev.Type)
	}
	select {
	case ev := <-chB:
		t.Errorf("proj-b subscriber should not receive event, got %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionFilterMatchesAcrossProjects(t *testing.T) {
	h := New()
	_, ch, unsub := h.Subscribe(nil, strptr("sess-1"))
	defer unsub()

	// Project differs but session matches; the union semantics deliver it.
	h.Broadcast("session-completed", "other-project", "sess-1", nil)
	if ev := recvEvent(t, ch); ev.Type != "session-completed" {
		t.Errorf("expected session-completed, got %s", ev.Type)
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := New()
	_, ch, unsub := h.Subscribe(nil, nil)
	defer unsub()

	// Never drain: the buffer fills and the overflowing broadcast drops us.
	for i := 0; i < clientBufferCap+1; i++ {
		h.Broadcast("tick", "p", "", nil)
	}
	if got := h.ClientCount(); got != 0 {
		t.Errorf("expected slow client to be dropped, count=%d", got)
	}

	// Drain until the channel closes.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("dropped client channel never closed")
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := New()
	_, _, unsub := h.Subscribe(nil, nil)
	unsub()
	unsub()
	if got := h.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after unsubscribe, got %d", got)
	}
}

func TestCloseAll(t *testing.T) {
	h := New()
	_, ch1, _ := h.Subscribe(nil, nil)
	_, ch2, _ := h.Subscribe(strptr("p"), nil)

	h.CloseAll()
	if got := h.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after CloseAll, got %d", got)
	}
	if _, ok := <-ch1; ok {
		t.Error("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("expected ch2 closed")
	}
}
