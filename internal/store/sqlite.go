package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/synapse-tutor/internal/domain"
	_ "modernc.org/sqlite"
)

// DefaultSQLiteDSN keeps the database in shared-cache memory, so it vanishes with the process.
const DefaultSQLiteDSN = "file:synapse?mode=memory&cache=shared"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	userLock *keyedMutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps a shared-cache memory database alive and
	// avoids SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, userLock: newKeyedMutex()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	slog.Info("SQLite learning store opened", "volatile", isMemoryDSN(dsn))

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS learning_contexts (
		user_id TEXT PRIMARY KEY,
		topics_json TEXT NOT NULL DEFAULT '[]',
		struggling_with TEXT,
		last_session INTEGER,
		total_messages INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q queryRower, userID string) (*domain.LearningContext, error) {
	query := `
		SELECT topics_json, struggling_with, last_session, total_messages
		FROM learning_contexts WHERE user_id = ?`

	var topicsJSON string
	var struggling sql.NullString
	var lastSession sql.NullInt64
	lc := domain.NewLearningContext()

	err := q.QueryRowContext(ctx, query, userID).Scan(&topicsJSON, &struggling, &lastSession, &lc.TotalMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan learning context: %w", err)
	}

	if err := json.Unmarshal([]byte(topicsJSON), &lc.TopicsLearned); err != nil {
		return nil, fmt.Errorf("decode topics for %s: %w", userID, err)
	}
	if lc.TopicsLearned == nil {
		lc.TopicsLearned = []string{}
	}
	if struggling.Valid {
		lc.StrugglingWith = &struggling.String
	}
	if lastSession.Valid {
		ts := time.Unix(0, lastSession.Int64)
		lc.LastSession = &ts
	}
	return lc, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) save(ctx context.Context, e execer, userID string, lc *domain.LearningContext) error {
	query := `
	INSERT INTO learning_contexts (user_id, topics_json, struggling_with, last_session, total_messages, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		topics_json = excluded.topics_json,
		struggling_with = excluded.struggling_with,
		last_session = excluded.last_session,
		total_messages = excluded.total_messages,
		updated_at = excluded.updated_at`

	topics, err := json.Marshal(lc.TopicsLearned)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}

	var struggling interface{}
	if lc.StrugglingWith != nil {
		struggling = *lc.StrugglingWith
	}
	var lastSession interface{}
	if lc.LastSession != nil {
		lastSession = lc.LastSession.UnixNano()
	}

	now := time.Now().Unix()
	if _, err := e.ExecContext(ctx, query, userID, string(topics), struggling, lastSession, lc.TotalMessages, now, now); err != nil {
		return fmt.Errorf("upsert learning context: %w", err)
	}
	return nil
}

// Get returns the user's context, or nil if none exists.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	return s.load(ctx, s.db, userID)
}

// GetOrCreate returns the user's context, inserting a zero-valued row on first access.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string) (*domain.LearningContext, error) {
	return s.Update(ctx, userID, func(*domain.LearningContext) error { return nil })
}

// Update runs fn inside a transaction under the user's lock.
// SQLITE_BUSY conflicts are retried with exponential backoff.
func (s *SQLiteStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	unlock := s.userLock.Lock(userID)
	defer unlock()

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lc, err := s.updateOnce(ctx, userID, fn)
		if err == nil {
			return lc, nil
		}
		lastErr = err

		if !isConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Learning context update hit SQLITE_BUSY, retrying",
			"user_id", userID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (s *SQLiteStore) updateOnce(ctx context.Context, userID string, fn UpdateFunc) (*domain.LearningContext, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back learning context transaction", "error", rbErr, "user_id", userID)
		}
	}()

	lc, err := s.load(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if lc == nil {
		lc = domain.NewLearningContext()
	}

	if err := fn(lc); err != nil {
		return nil, err
	}

	if err := s.save(ctx, tx, userID, lc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit learning context: %w", err)
	}
	return lc, nil
}

// Count returns the number of stored contexts.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_contexts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count learning contexts: %w", err)
	}
	return n, nil
}

// isMemoryDSN reports whether dsn points at an in-memory database.
func isMemoryDSN(dsn string) bool {
	return dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
