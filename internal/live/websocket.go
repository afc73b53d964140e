package live

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Snapshotter loads the current state of a session.
type Snapshotter interface {
	Get(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error)
}

// clientMessage is sent by the browser.
type clientMessage struct {
	Type string `json:"type"`
}

// WebSocketHandler streams state snapshots for the requesting session.
type WebSocketHandler struct {
	hub            *Hub
	states         Snapshotter
	allowedOrigins []string
	isDev          bool
}

// NewWebSocketHandler creates a WebSocket handler.
func NewWebSocketHandler(hub *Hub, states Snapshotter, allowedOrigins []string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:            hub,
		states:         states,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := identity.SessionKeyFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", key.UserID, "session_id", key.SessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", key.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", key.UserID)
		}
	}()

	sub := newSubscriber(ws)
	h.hub.Register(key.UserID, key.SessionID, sub)
	defer h.hub.Unregister(key.UserID, key.SessionID, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	state, err := h.states.Get(ctx, key)
	if err != nil {
		slog.Warn("Failed to load session for live updates", "error", err, "user_id", key.UserID)
		_ = h.write(ctx, ws, map[string]string{"type": "error", "error": domain.UserMessage(err)})
		return
	}
	if err := h.write(ctx, ws, NewStateMessage(state)); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, key)
	}()
	h.writeLoop(ctx, ws, sub)
	slog.Info("Live session ended", "user_id", key.UserID, "session_id", key.SessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, key domain.SessionKey) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "user_id", key.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", key.UserID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := h.write(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		case "refresh":
			state, err := h.states.Get(ctx, key)
			if err != nil {
				slog.Warn("Failed to refresh session", "error", err, "user_id", key.UserID)
				continue
			}
			if err := h.write(ctx, ws, NewStateMessage(state)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-sub.send:
			if err := h.write(ctx, ws, NewStateMessage(state)); err != nil {
				slog.Debug("WebSocket write error", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, ws, v)
}
