// Package hub fans out memory lifecycle events to SSE subscribers.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// clientBufferCap bounds how far a slow consumer may fall behind before
// it is dropped.
const clientBufferCap = 64

// Event is one broadcast message. Payload is marshaled by the transport
// layer, not the hub.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// client is a single subscriber with optional interest filters. A nil
// project and nil sessionID means the client receives everything.
type client struct {
	project   *string
	sessionID *string
	ch        chan Event
}

func (c *client) wants(project, sessionID string) bool {
	if c.project == nil && c.sessionID == nil {
		return true
	}
	if c.project != nil && *c.project == project {
		return true
	}
	if c.sessionID != nil && sessionID != "" && *c.sessionID == sessionID {
		return true
	}
	return false
}

// Hub is a broadcast registry for event subscribers. Slow subscribers
// whose buffers fill are dropped rather than allowed to stall publishing.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Subscribe registers a client interested in the given project and/or
// session (nil means no filter on that axis; both nil means all events).
// It returns the client id, the event channel, and an unsubscribe
// function. The channel is closed when the client is dropped or
// unsubscribed.
func (h *Hub) Subscribe(project, sessionID *string) (string, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	c := &client{
		project:   project,
		sessionID: sessionID,
		ch:        make(chan Event, clientBufferCap),
	}
	h.clients[id] = c

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.clients[id]; ok {
			delete(h.clients, id)
			close(cur.ch)
		}
	}
	return id, c.ch, unsubscribe
}

// Broadcast delivers an event to every subscriber whose filters match the
// given project or session. A client whose buffer is full is removed and
// its channel closed.
func (h *Hub) Broadcast(eventType string, project, sessionID string, payload any) {
	ev := Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		if !c.wants(project, sessionID) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			delete(h.clients, id)
			close(c.ch)
		}
	}
}

// ClientCount reports how many subscribers are currently registered.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll drops every subscriber, closing their channels. Used during
// shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.ch)
	}
}
