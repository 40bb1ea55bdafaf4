package store

import (
	"context"
	"sync"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

// MemoryStore keeps learning contexts in process memory. Nothing is evicted;
// records live until the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*domain.LearningContext
	userLock *keyedMutex
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]*domain.LearningContext),
		userLock: newKeyedMutex(),
	}
}

// Get returns a copy of the user's context, or nil if none exists.
func (s *MemoryStore) Get(_ context.Context, userID string) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[userID].Clone(), nil
}

// GetOrCreate returns a copy of the user's context, creating it on first access.
func (s *MemoryStore) GetOrCreate(_ context.Context, userID string) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lc, ok := s.contexts[userID]
	if !ok {
		lc = domain.NewLearningContext()
		s.contexts[userID] = lc
	}
	return lc.Clone(), nil
}

// Update mutates a working copy under the user's lock and commits it only if fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*domain.LearningContext, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	unlock := s.userLock.Lock(userID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	working := s.contexts[userID].Clone()
	s.mu.RUnlock()
	if working == nil {
		working = domain.NewLearningContext()
	}

	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.contexts[userID] = working
	s.mu.Unlock()

	return working.Clone(), nil
}

// Count returns the number of stored contexts.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts), nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
