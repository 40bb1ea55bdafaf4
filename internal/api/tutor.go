package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/synapse-tutor/internal/domain"
	"github.com/ashureev/synapse-tutor/internal/tutor"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// noHistoryMessage is returned for users without a learning context.
const noHistoryMessage = "No learning history found for this user"

// ServiceInfo describes runtime facts the API exposes.
type ServiceInfo struct {
	Name                string
	Model               string
	InferenceConfigured bool
	MaxRetries          int
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []domain.Message `json:"messages"`
	UserID   string           `json:"userId"`
	// LegacyUserID accepts the snake_case field older clients send.
	LegacyUserID string `json:"user_id,omitempty"`
}

// ChatResponse is the body of a successful chat reply.
type ChatResponse struct {
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// TimestampLayout formats response timestamps (ISO-8601).
const TimestampLayout = time.RFC3339Nano

func (r *ChatRequest) userID() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.LegacyUserID
}

func (r *ChatRequest) validate() error {
	if r.userID() == "" {
		return tutor.ErrMissingUserID
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Handler serves the tutor HTTP and websocket API.
type Handler struct {
	svc         *tutor.Service
	info        ServiceInfo
	limiter     *RateLimiter
	maxBodySize int64
	conns       *ConnectionManager
	wsOrigins   []string
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Info               ServiceInfo
	Limiter            *RateLimiter
	MaxRequestBodySize int64
	AllowedOrigins     []string
}

// NewHandler creates a new tutor handler.
func NewHandler(svc *tutor.Service, cfg HandlerConfig) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.Info.Name == "" {
		cfg.Info.Name = "Synapse AI Tutor Backend"
	}
	return &Handler{
		svc:         svc,
		info:        cfg.Info,
		limiter:     cfg.Limiter,
		maxBodySize: cfg.MaxRequestBodySize,
		conns:       NewConnectionManager(),
		wsOrigins:   originPatterns(cfg.AllowedOrigins),
	}
}

// RegisterRoutes registers all tutor routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Post("/chat", h.Chat)
		r.Get("/user/{userId}/context", h.GetUserContext)
	})
	r.Get("/ws/chat", h.ServeWS)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.conns.CloseAll()
	h.limiter.Close()
}

// Root returns the static service descriptor.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"message": h.info.Name,
		"status":  "running",
		"endpoints": map[string]string{
			"chat":      "/api/chat",
			"health":    "/health",
			"context":   "/api/user/{userId}/context",
			"config":    "/api/config",
			"websocket": "/ws/chat",
		},
	})
}

// Health reports liveness and whether an inference credential is configured.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":              "healthy",
		"inferenceConfigured": h.info.InferenceConfigured,
	})
}

// GetConfig returns non-secret runtime configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"model":               h.info.Model,
		"inferenceConfigured": h.info.InferenceConfigured,
		"retryPolicy": map[string]int{
			"maxRetries": h.info.MaxRetries,
		},
	})
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, KindInvalidRequest, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, KindInvalidRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		Error(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return
	}

	res, err := h.runChat(r.Context(), req, chiMiddleware.GetReqID(r.Context()), "chat_http")
	if err != nil {
		body := classifyError(err)
		JSON(w, body.Status, body)
		return
	}

	JSON(w, http.StatusOK, ChatResponse{
		Response:  res.Reply,
		Timestamp: res.Timestamp.Format(TimestampLayout),
	})
}

// GetUserContext returns the stored learning context or the no-history marker.
func (h *Handler) GetUserContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	lc, err := h.svc.LearningContext(r.Context(), userID)
	if err != nil {
		body := classifyError(err)
		slog.Error("Failed to load learning context", "user_id", userID, "error", err)
		JSON(w, body.Status, body)
		return
	}
	if lc == nil {
		JSON(w, http.StatusOK, map[string]string{"message": noHistoryMessage})
		return
	}
	JSON(w, http.StatusOK, lc)
}

// runChat applies the rate limit and hands the turn to the tutor service.
func (h *Handler) runChat(ctx context.Context, req ChatRequest, requestID, channel string) (*tutor.ChatResult, error) {
	userID := req.userID()
	if !h.limiter.Allow(userID) {
		slog.Warn("Chat rate limit exceeded", "user_id", userID, "channel", channel)
		return nil, errRateLimited
	}

	slog.Info("Chat request",
		"user_id", userID,
		"request_id", requestID,
		"channel", channel,
		"message_count", len(req.Messages))

	res, err := h.svc.Chat(ctx, tutor.ChatRequest{
		UserID:    userID,
		Messages:  req.Messages,
		RequestID: requestID,
		Channel:   channel,
	})
	if err != nil {
		var chatErr *tutor.ChatError
		stage := ""
		if errors.As(err, &chatErr) {
			stage = chatErr.Stage.String()
		}
		slog.Error("Chat request failed",
			"user_id", userID,
			"request_id", requestID,
			"stage", stage,
			"error", err)
		return nil, err
	}
	return res, nil
}
