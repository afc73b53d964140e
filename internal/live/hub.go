// Package live pushes session state snapshots to open browser tabs over WebSocket.
package live

import (
	"log/slog"
	"sync"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/coder/websocket"
)

// StateMessage is what the browser receives after every state change.
type StateMessage struct {
	Type  string               `json:"type"`
	View  domain.View          `json:"view"`
	State *domain.SessionState `json:"state"`
}

// NewStateMessage wraps a snapshot for the wire.
func NewStateMessage(state *domain.SessionState) StateMessage {
	return StateMessage{Type: "state", View: state.View(), State: state}
}

// subscriber is one socket plus its pending snapshot. send holds at most one
// snapshot; a newer one replaces it.
type subscriber struct {
	conn *websocket.Conn
	send chan *domain.SessionState
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{conn: conn, send: make(chan *domain.SessionState, 1)}
}

func (s *subscriber) offer(state *domain.SessionState) {
	for {
		select {
		case s.send <- state:
			return
		default:
		}
		select {
		case <-s.send:
		default:
		}
	}
}

// Hub tracks the active socket of each user/session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*subscriber),
	}
}

// Register adds a socket for a user/session, closing any socket it replaces.
func (h *Hub) Register(userID, sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*subscriber)
	}

	if existing, exists := h.active[userID][sessionID]; exists && existing != sub {
		_ = existing.conn.Close(websocket.StatusNormalClosure, "session replaced")
	}

	h.active[userID][sessionID] = sub
	slog.Info("Live session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a socket if it is still the active one.
func (h *Hub) Unregister(userID, sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessions, ok := h.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == sub {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.active, userID)
			}
			slog.Info("Live session unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

func (h *Hub) get(userID, sessionID string) *subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessions, ok := h.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Connected reports whether a socket is open for the user/session.
func (h *Hub) Connected(userID, sessionID string) bool {
	return h.get(userID, sessionID) != nil
}

// Publish queues a snapshot for the session's socket. It never blocks.
func (h *Hub) Publish(state *domain.SessionState) {
	if state == nil {
		return
	}
	if sub := h.get(state.UserID, state.SessionID); sub != nil {
		sub.offer(state)
	}
}

// CloseSession terminates the socket of one expired session.
func (h *Hub) CloseSession(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.active[userID]
	if !ok {
		return
	}
	if sub, exists := sessions[sessionID]; exists {
		_ = sub.conn.Close(websocket.StatusNormalClosure, "session expired")
		delete(sessions, sessionID)
		slog.Info("Live session closed", "user_id", userID, "session_id", sessionID)
	}
	if len(sessions) == 0 {
		delete(h.active, userID)
	}
}

// Count returns the number of open sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.active {
		n += len(sessions)
	}
	return n
}
