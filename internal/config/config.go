// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/synapse-tutor/internal/inference"
	"github.com/ashureev/synapse-tutor/internal/store"
)

// MinInferenceTimeout is the lowest accepted per-attempt inference timeout.
const MinInferenceTimeout = inference.DefaultTimeout

// Config holds all application configuration.
type Config struct {
	Port               string
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	PolicyFile         string
	MaxRequestBodySize int64
	GRPCHealthAddr     string
	Inference          InferenceConfig
	Store              StoreConfig
	RateLimit          RateLimitConfig
	ConversationLog    ConversationLogConfig
}

// InferenceConfig configures the remote completion service.
type InferenceConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxTokens      int
	TopP           float64
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// StoreConfig selects the learning-state backend.
type StoreConfig struct {
	Driver string
	DSN    string
}

// RateLimitConfig throttles chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Path      string
	MaxSizeMB int
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiKey := getEnv("INFERENCE_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("CEREBRAS_API_KEY", inference.PlaceholderAPIKey)
	}

	timeout := getEnvDuration("INFERENCE_TIMEOUT", inference.DefaultTimeout)
	if timeout < MinInferenceTimeout {
		slog.Warn("INFERENCE_TIMEOUT below minimum, using minimum", "requested", timeout, "minimum", MinInferenceTimeout)
		timeout = MinInferenceTimeout
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8000"),
		LogLevel:           parseLevel(getEnv("LOG_LEVEL", "info")),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		PolicyFile:         getEnv("TUTOR_POLICY_FILE", ""),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		GRPCHealthAddr:     getEnv("GRPC_HEALTH_ADDR", ""),
		Inference: InferenceConfig{
			APIKey:         apiKey,
			BaseURL:        getEnv("INFERENCE_BASE_URL", inference.DefaultBaseURL),
			Model:          getEnv("INFERENCE_MODEL", inference.DefaultModel),
			Temperature:    getEnvFloat("INFERENCE_TEMPERATURE", 0.7),
			MaxTokens:      getEnvInt("INFERENCE_MAX_TOKENS", 1000),
			TopP:           getEnvFloat("INFERENCE_TOP_P", 0.9),
			Timeout:        timeout,
			MaxRetries:     getEnvInt("INFERENCE_MAX_RETRIES", 0),
			RetryBaseDelay: getEnvDuration("INFERENCE_RETRY_BASE_DELAY", 500*time.Millisecond),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "memory")),
			DSN:    getEnv("STORE_DSN", store.DefaultSQLiteDSN),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Path:      getEnv("CONVERSATION_LOG_PATH", "./data/logs/conversations.ndjson"),
			MaxSizeMB: getEnvInt("CONVERSATION_LOG_MAX_SIZE_MB", 50),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.MaxRequestBodySize <= 0 {
		return errors.New("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Inference.BaseURL == "" {
		return errors.New("INFERENCE_BASE_URL cannot be empty")
	}
	if c.Inference.Model == "" {
		return errors.New("INFERENCE_MODEL cannot be empty")
	}
	if c.Inference.MaxTokens <= 0 {
		return errors.New("INFERENCE_MAX_TOKENS must be > 0")
	}
	// The wire client omits zero sampling values, so zero cannot be sent.
	if c.Inference.Temperature <= 0 {
		return errors.New("INFERENCE_TEMPERATURE must be > 0")
	}
	if c.Inference.TopP <= 0 || c.Inference.TopP > 1 {
		return errors.New("INFERENCE_TOP_P must be in (0, 1]")
	}
	if c.Inference.MaxRetries < 0 {
		return errors.New("INFERENCE_MAX_RETRIES must be >= 0")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "redis":
		if c.Store.DSN == "" || c.Store.DSN == store.DefaultSQLiteDSN {
			return errors.New("STORE_DSN must be a redis:// URL when STORE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("STORE_DRIVER %q is not supported", c.Store.Driver)
	}
	if c.RateLimit.RequestsPerWindow < 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow > 0 && c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled {
		if c.ConversationLog.Path == "" {
			return errors.New("CONVERSATION_LOG_PATH cannot be empty")
		}
		if c.ConversationLog.QueueSize <= 0 {
			return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
		}
	}
	return nil
}

// InferenceClientConfig converts the inference settings for the client.
func (c *Config) InferenceClientConfig() inference.Config {
	return inference.Config{
		APIKey:      c.Inference.APIKey,
		BaseURL:     c.Inference.BaseURL,
		Model:       c.Inference.Model,
		Temperature: float32(c.Inference.Temperature),
		MaxTokens:   c.Inference.MaxTokens,
		TopP:        float32(c.Inference.TopP),
		Timeout:     c.Inference.Timeout,
		Retry: inference.RetryPolicy{
			MaxRetries: c.Inference.MaxRetries,
			BaseDelay:  c.Inference.RetryBaseDelay,
			MaxDelay:   c.Inference.Timeout,
		},
	}
}

// InferenceConfigured reports whether a real API credential is set.
func (c *Config) InferenceConfigured() bool {
	return c.InferenceClientConfig().Configured()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
