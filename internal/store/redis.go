package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

const (
	// DefaultRedisKeyPrefix namespaces learning contexts in a shared Redis.
	DefaultRedisKeyPrefix = "synapse:learning:"

	redisMaxTxRetries = 5
)

// RedisStore implements Repository on Redis. Each context is one JSON value;
// updates use WATCH/MULTI so replicas sharing the same Redis never lose writes.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	userLock *keyedMutex
}

// NewRedis connects to the Redis at url (redis://[:password@]host:port/db).
func NewRedis(url string) (*RedisStore, error) {
	return newRedisWithPrefix(url, DefaultRedisKeyPrefix)
}

func newRedisWithPrefix(url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis store requires STORE_DSN")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("Redis learning store connected", "addr", opts.Addr, "db", opts.DB)

	return &RedisStore{client: client, prefix: prefix, userLock: newKeyedMutex()}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get returns the stored context or nil.
func (s *RedisStore) Get(ctx context.Context, userID string) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	return s.load(ctx, s.client, userID)
}

// GetOrCreate returns the stored context, creating an empty one if absent.
func (s *RedisStore) GetOrCreate(ctx context.Context, userID string) (*domain.LearningContext, error) {
	return s.Update(ctx, userID, func(*domain.LearningContext) error { return nil })
}

// Update applies fn inside an optimistic transaction on the user's key.
func (s *RedisStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	unlock := s.userLock.Lock(userID)
	defer unlock()

	key := s.key(userID)
	var result *domain.LearningContext

	txf := func(tx *redis.Tx) error {
		lc, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		if lc == nil {
			lc = domain.NewLearningContext()
		}
		if err := fn(lc); err != nil {
			return err
		}
		data, err := json.Marshal(lc)
		if err != nil {
			return fmt.Errorf("encode learning context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = lc
		return nil
	}

	for attempt := 0; attempt < redisMaxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result.Clone(), nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		slog.Debug("Redis update conflict, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("update learning context for %s: too many concurrent writers", userID)
}

// Count returns the number of stored contexts.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("scan learning contexts: %w", err)
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, userID string) (*domain.LearningContext, error) {
	data, err := c.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get learning context: %w", err)
	}
	lc := domain.NewLearningContext()
	if err := json.Unmarshal(data, lc); err != nil {
		return nil, fmt.Errorf("decode learning context: %w", err)
	}
	if lc.TopicsLearned == nil {
		lc.TopicsLearned = []string{}
	}
	return lc, nil
}
