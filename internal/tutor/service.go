package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/synapse-tutor/internal/domain"
	"github.com/ashureev/synapse-tutor/internal/store"
)

// Completer sends a composed prompt to the model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, messages []domain.Message) (string, error)
}

// Stage names a step of the chat request lifecycle.
type Stage int

const (
	// StageReceived validates the incoming request.
	StageReceived Stage = iota
	// StageContextLoaded fetches the user's existing learning context, if any.
	StageContextLoaded
	// StagePromptComposed builds the outbound messages.
	StagePromptComposed
	// StageAwaitingInference waits on the completion service.
	StageAwaitingInference
	// StageContextUpdated records the turn after a successful reply.
	StageContextUpdated
	// StageResponded returns the reply to the caller.
	StageResponded
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received_request"
	case StageContextLoaded:
		return "context_loaded"
	case StagePromptComposed:
		return "prompt_composed"
	case StageAwaitingInference:
		return "awaiting_inference"
	case StageContextUpdated:
		return "context_updated"
	case StageResponded:
		return "responded"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ErrMissingUserID is returned for chat requests without a user ID.
var ErrMissingUserID = errors.New("userId is required")

// ChatError records the stage at which a chat request failed.
type ChatError struct {
	Stage Stage
	Err   error
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat failed at %s: %v", e.Stage, e.Err)
}

func (e *ChatError) Unwrap() error { return e.Err }

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	UserID    string
	Messages  domain.Transcript
	RequestID string
	Channel   string
}

// ChatResult is the reply plus the user's context after the update.
type ChatResult struct {
	Reply     string
	Timestamp time.Time
	Context   *domain.LearningContext
	NewTopics []string
}

// Service orchestrates context loading, prompt composition, inference and context updates.
type Service struct {
	repo      store.Repository
	completer Completer
	composer  *PromptComposer
	updater   *ContextUpdater
	log       ConversationLogger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithConversationLogger sets the conversation logger.
func WithConversationLogger(l ConversationLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithVocabulary overrides the topic vocabulary.
func WithVocabulary(rules []TopicRule) Option {
	return func(s *Service) {
		s.updater.extractor = NewTopicExtractor(rules)
	}
}

// NewService creates a new tutor service.
func NewService(repo store.Repository, completer Completer, policy Policy, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		completer: completer,
		composer:  NewPromptComposer(policy),
		log:       noopConversationLogger{},
		now:       time.Now,
	}
	s.updater = NewContextUpdater(nil, func() time.Time { return s.now() })
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Composer returns the prompt composer.
func (s *Service) Composer() *PromptComposer { return s.composer }

// LearningContext returns the stored context for userID, or nil if the user has no history.
func (s *Service) LearningContext(ctx context.Context, userID string) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return s.repo.Get(ctx, userID)
}

// Chat runs one request through the lifecycle. The user's context is updated
// only after inference succeeds, using the transcript exactly as the client sent it.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if req.UserID == "" {
		return nil, &ChatError{Stage: StageReceived, Err: ErrMissingUserID}
	}
	channel := req.Channel
	if channel == "" {
		channel = "chat_http"
	}
	s.logTurn(req, channel, "outbound", "chat_user_message", req.Messages.LastUserUtterance(), map[string]any{
		"message_count": len(req.Messages),
	})

	lc, err := s.repo.Get(ctx, req.UserID)
	if err != nil {
		return nil, &ChatError{Stage: StageContextLoaded, Err: err}
	}

	prompt := s.composer.Compose(lc, req.Messages)

	start := time.Now()
	reply, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		slog.Warn("Inference failed",
			"user_id", req.UserID,
			"request_id", req.RequestID,
			"duration", time.Since(start),
			"error", err)
		s.logTurn(req, channel, "inbound", "chat_error", err.Error(), nil)
		return nil, &ChatError{Stage: StageAwaitingInference, Err: err}
	}

	var added []string
	updated, err := s.repo.Update(ctx, req.UserID, func(lc *domain.LearningContext) error {
		added = s.updater.Apply(lc, req.Messages)
		return nil
	})
	if err != nil {
		return nil, &ChatError{Stage: StageContextUpdated, Err: err}
	}

	slog.Info("Chat turn completed",
		"user_id", req.UserID,
		"request_id", req.RequestID,
		"total_messages", updated.TotalMessages,
		"new_topics", added,
		"duration", time.Since(start))
	s.logTurn(req, channel, "inbound", "chat_assistant_message", reply, map[string]any{
		"new_topics": added,
	})

	return &ChatResult{
		Reply:     reply,
		Timestamp: s.now(),
		Context:   updated,
		NewTopics: added,
	}, nil
}

func (s *Service) logTurn(req ChatRequest, channel, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_id"] = req.RequestID
	s.log.Log(ConversationLogEvent{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
