// Package store provides the learning-state store interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/synapse-tutor/internal/domain"
)

// ErrEmptyUserID is returned when an operation is attempted without a user ID.
var ErrEmptyUserID = errors.New("user id is required")

// UpdateFunc mutates a learning context in place. Returning an error discards the mutation.
type UpdateFunc func(lc *domain.LearningContext) error

// Repository defines the interface for per-user learning contexts.
// Implementations serialize Update calls per user ID.
type Repository interface {
	// Get returns a copy of the user's context, or nil if none exists yet.
	Get(ctx context.Context, userID string) (*domain.LearningContext, error)

	// GetOrCreate returns a copy of the user's context, creating a zero-valued
	// record on first access.
	GetOrCreate(ctx context.Context, userID string) (*domain.LearningContext, error)

	// Update applies fn to the user's context under that user's exclusive lock,
	// creating the record first if needed, and returns a copy of the result.
	Update(ctx context.Context, userID string, fn UpdateFunc) (*domain.LearningContext, error)

	// Count returns the number of users with a learning context.
	Count(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// New returns the repository selected by driver ("memory", "sqlite" or "redis").
func New(driver, dsn string) (Repository, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(dsn)
	case "redis":
		return NewRedis(dsn)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
