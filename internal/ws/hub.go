package ws

import (
	"context"
	"sync"
	"time"
)

type session struct {
	cancel    context.CancelFunc
	connected time.Time
}

// Hub tracks live websocket sessions per user so they can be cut off, for
// example when the user signs out.
type Hub struct {
	// Map of userID -> sessions of that user
	connected map[string]map[*session]struct{}
	closed    bool

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		connected: make(map[string]map[*session]struct{}),
	}
}

// Join registers a session of userID and returns a context that is canceled
// when the user is disconnected, together with the function to leave.
func (h *Hub) Join(ctx context.Context, userID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, connected: time.Now()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return ctx, func() {}
	}
	if h.connected[userID] == nil {
		h.connected[userID] = make(map[*session]struct{})
	}
	h.connected[userID][s] = struct{}{}
	h.mu.Unlock()

	return ctx, func() {
		cancel()
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.connected[userID], s)
		if len(h.connected[userID]) == 0 {
			delete(h.connected, userID)
		}
	}
}

// DisconnectUser ends every session of userID.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.connected[userID] {
		s.cancel()
	}
	return len(h.connected[userID])
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connected[userID]) > 0
}

// Connections returns the number of open sessions.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.connected {
		n += len(sessions)
	}
	return n
}

// Close ends every session and rejects new ones. Hijacked websocket
// connections are not closed by http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sessions := range h.connected {
		for s := range sessions {
			s.cancel()
		}
	}
}
