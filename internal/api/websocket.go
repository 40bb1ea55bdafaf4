package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const wsWriteTimeout = 10 * time.Second

// ConnectionManager tracks one live chat connection per user.
type ConnectionManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnectionManager creates a new connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		active: make(map[string]*websocket.Conn),
	}
}

// Get returns the active connection for a user.
func (m *ConnectionManager) Get(userID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[userID]
}

// Register stores conn for userID, closing any older connection.
func (m *ConnectionManager) Register(userID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[userID]; ok && existing != conn {
		go func() { _ = existing.Close(websocket.StatusPolicyViolation, "connection replaced") }()
		slog.Info("Chat connection replaced", "user_id", userID)
	}
	m.active[userID] = conn
	slog.Info("Chat connection registered", "user_id", userID)
}

// Unregister removes conn if it is still the user's active connection.
func (m *ConnectionManager) Unregister(userID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[userID]; ok && current == conn {
		delete(m.active, userID)
		slog.Info("Chat connection unregistered", "user_id", userID)
	}
}

// CloseAll closes every active connection.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := m.active
	m.active = make(map[string]*websocket.Conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		}(conn)
	}
	wg.Wait()
}

// Len returns the number of active connections.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// wsInbound is a client frame. A frame with Type "ping" is a keepalive,
// anything else is a chat turn.
type wsInbound struct {
	Type     string `json:"type,omitempty"`
	ChatRequest
}

type wsResponse struct {
	Type      string `json:"type"`
	Response  string `json:"response,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type wsError struct {
	Type string `json:"type"`
	ErrorBody
}

// ServeWS handles GET /ws/chat?userId=.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		Error(w, http.StatusBadRequest, KindInvalidRequest, "userId is required")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.wsOrigins,
	})
	if err != nil {
		slog.Error("WebSocket accept failed", "user_id", userID, "error", err)
		return
	}
	ws.SetReadLimit(h.maxBodySize)

	h.conns.Register(userID, ws)
	defer func() {
		h.conns.Unregister(userID, ws)
		_ = ws.Close(websocket.StatusNormalClosure, "chat ended")
	}()

	h.chatLoop(r.Context(), ws, userID, chiMiddleware.GetReqID(r.Context()))
}

// chatLoop serves frames until the peer leaves. Each turn gets its own
// request id, prefixed with the id of the upgrade request.
func (h *Handler) chatLoop(ctx context.Context, ws *websocket.Conn, userID, connID string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("Chat read failed", "user_id", userID, "error", err)
			}
			return
		}

		var in wsInbound
		if typ != websocket.MessageText || json.Unmarshal(data, &in) != nil {
			if err := h.writeFrame(ctx, ws, errorFrame(ErrorBody{
				Error:   KindInvalidRequest,
				Message: "invalid frame",
				Status:  http.StatusBadRequest,
			})); err != nil {
				return
			}
			continue
		}

		if in.Type == "ping" {
			if err := h.writeFrame(ctx, ws, wsResponse{Type: "pong"}); err != nil {
				return
			}
			continue
		}

		// The connection's user is authoritative.
		in.UserID = userID
		in.LegacyUserID = ""
		if err := in.validate(); err != nil {
			if werr := h.writeFrame(ctx, ws, errorFrame(ErrorBody{
				Error:   KindInvalidRequest,
				Message: err.Error(),
				Status:  http.StatusBadRequest,
			})); werr != nil {
				return
			}
			continue
		}

		requestID := uuid.NewString()
		if connID != "" {
			requestID = connID + "/" + requestID
		}
		res, err := h.runChat(ctx, in.ChatRequest, requestID, "chat_ws")
		var frame interface{}
		if err != nil {
			frame = errorFrame(classifyError(err))
		} else {
			frame = wsResponse{
				Type:      "response",
				Response:  res.Reply,
				Timestamp: res.Timestamp.Format(TimestampLayout),
			}
		}
		if err := h.writeFrame(ctx, ws, frame); err != nil {
			slog.Debug("Chat write failed", "user_id", userID, "error", err)
			return
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func errorFrame(body ErrorBody) wsError {
	return wsError{Type: "error", ErrorBody: body}
}

// originPatterns converts CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
