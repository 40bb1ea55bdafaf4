package tutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ConversationLogEvent is one NDJSON line in the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records chat turns for later review.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig controls the NDJSON conversation log.
type ConversationLogConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	QueueSize  int
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// asyncConversationLogger writes events from a bounded queue on one goroutine,
// so request handlers never block on disk I/O.
type asyncConversationLogger struct {
	queue     chan ConversationLogEvent
	out       io.WriteCloser
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewConversationLogger returns a rotating NDJSON logger, or a no-op logger when disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("conversation log path is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}

	l := &asyncConversationLogger{
		queue: make(chan ConversationLogEvent, cfg.QueueSize),
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *asyncConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", event.UserID,
			"event_type", event.EventType)
	}
}

func (l *asyncConversationLogger) run() {
	defer close(l.done)
	enc := json.NewEncoder(l.out)
	enc.SetEscapeHTML(false)
	for event := range l.queue {
		if err := enc.Encode(event); err != nil {
			l.logger.Warn("failed to write conversation log event", "error", err, "user_id", event.UserID)
		}
	}
}

// Close drains pending events and closes the file.
func (l *asyncConversationLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
		err = l.out.Close()
	})
	return err
}

// cleanForReadability strips control characters and collapses whitespace.
func cleanForReadability(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
