// Package inference calls the remote chat-completion service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

const (
	// DefaultBaseURL is the OpenAI-compatible Cerebras endpoint.
	DefaultBaseURL = "https://api.cerebras.ai/v1"
	// DefaultModel is the model requested when none is configured.
	DefaultModel = "llama-3.3-70b"
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
	// PlaceholderAPIKey marks an unconfigured credential.
	PlaceholderAPIKey = "your-cerebras-api-key-here"

	maxErrorBodySize = 64 << 10
	maxReplyBodySize = 8 << 20
)

// Config holds inference client configuration.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	TopP        float32
	Timeout     time.Duration
	Retry       RetryPolicy
}

// DefaultConfig returns the sampling parameters the tutor has always used.
func DefaultConfig() Config {
	return Config{
		APIKey:      PlaceholderAPIKey,
		BaseURL:     DefaultBaseURL,
		Model:       DefaultModel,
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        0.9,
		Timeout:     DefaultTimeout,
		Retry:       NoRetry(),
	}
}

// Configured reports whether a real credential is present.
func (c Config) Configured() bool {
	key := strings.TrimSpace(c.APIKey)
	return key != "" && key != PlaceholderAPIKey
}

// Client performs chat completions against an OpenAI-compatible endpoint.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	apiCfg.HTTPClient = &statusRecorder{
		client: &http.Client{Timeout: cfg.Timeout},
	}

	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Configured reports whether a real credential is present.
func (c *Client) Configured() bool { return c.cfg.Configured() }

// RetryPolicy returns the active retry policy.
func (c *Client) RetryPolicy() RetryPolicy { return c.cfg.Retry }

// Complete sends messages to the model and returns the first choice's content.
// Attempts follow the configured RetryPolicy; by default there is exactly one.
func (c *Client) Complete(ctx context.Context, messages []domain.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toWire(messages),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		TopP:        c.cfg.TopP,
	}

	attempts := c.cfg.Retry.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.cfg.Retry.Delay(attempt - 1)
			c.logger.Warn("Retrying inference request",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				// The caller gave up while backing off; report what the upstream said.
				return "", lastErr
			}
		}

		start := time.Now()
		reply, err := c.completeOnce(ctx, req)
		if err == nil {
			c.logger.Debug("Inference request completed",
				"model", c.cfg.Model,
				"attempt", attempt,
				"duration", time.Since(start))
			return reply, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) completeOnce(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	rec := &attemptRecord{}
	resp, err := c.api.CreateChatCompletion(withAttemptRecord(ctx, rec), req)
	if err != nil {
		return "", classify(ctx, rec, err)
	}
	if err := checkReplyPath(rec.body); err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps a go-openai failure onto the error taxonomy using what the
// transport observed for this attempt.
func classify(ctx context.Context, rec *attemptRecord, err error) error {
	if rec.status == 0 {
		return &TransportError{Cause: err, Timeout: isTimeout(ctx, err)}
	}
	if rec.status < 200 || rec.status > 299 {
		body := strings.TrimSpace(string(rec.body))
		if body == "" {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				body = apiErr.Message
			}
		}
		return &UpstreamError{Status: rec.status, Body: body}
	}
	if isTimeout(ctx, err) {
		return &TransportError{Cause: err, Timeout: true}
	}
	return &ProtocolError{Reason: "decode response body", Cause: err}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func toWire(messages []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

type attemptKey struct{}

// attemptRecord captures the HTTP status and error body of one attempt.
type attemptRecord struct {
	status int
	body   []byte
}

func withAttemptRecord(ctx context.Context, rec *attemptRecord) context.Context {
	return context.WithValue(ctx, attemptKey{}, rec)
}

// statusRecorder wraps the HTTP client so non-2xx bodies are preserved
// verbatim for UpstreamError, independent of how the SDK parses them.
type statusRecorder struct {
	client *http.Client
}

func (s *statusRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	rec, _ := req.Context().Value(attemptKey{}).(*attemptRecord)
	if rec == nil {
		return resp, nil
	}
	rec.status = resp.StatusCode

	limit := int64(maxErrorBodySize)
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		limit = maxReplyBodySize
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	if closeErr := resp.Body.Close(); closeErr != nil {
		slog.Debug("failed to close upstream body", "error", closeErr)
	}
	if readErr != nil {
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil, readErr
		}
		body = append(body, fmt.Sprintf(" (read error: %v)", readErr)...)
	}
	rec.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// replyShape mirrors the success path with pointers so absent fields stay nil.
type replyShape struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// checkReplyPath reports a ProtocolError unless choices[0].message.content is present.
// An empty string is a valid reply.
func checkReplyPath(body []byte) error {
	var shape replyShape
	if err := json.Unmarshal(body, &shape); err != nil {
		return &ProtocolError{Reason: "decode response body", Cause: err}
	}
	switch {
	case len(shape.Choices) == 0:
		return &ProtocolError{Reason: "response has no choices"}
	case shape.Choices[0].Message == nil:
		return &ProtocolError{Reason: "choices[0].message missing"}
	case shape.Choices[0].Message.Content == nil:
		return &ProtocolError{Reason: "choices[0].message.content missing"}
	}
	return nil
}
