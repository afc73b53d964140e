// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
)

// Repository defines the interface for persisting visitors and studio sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetSessionState loads the view flags and full transcript of a session.
	// Returns nil, nil when the session has never been saved.
	GetSessionState(ctx context.Context, key domain.SessionKey) (*domain.SessionState, error)

	// SaveSessionState creates or updates the view flags of a session.
	// The transcript is not touched; use AppendChatTurn for that.
	SaveSessionState(ctx context.Context, state *domain.SessionState) error

	// AppendChatTurn appends one turn to a session transcript and returns it
	// with its assigned sequence number.
	AppendChatTurn(ctx context.Context, key domain.SessionKey, role domain.Role, content string, at time.Time) (domain.ChatTurn, error)

	// DeleteSession removes the view flags and transcript of a session.
	DeleteSession(ctx context.Context, key domain.SessionKey) error

	// GetExpiredSessions returns sessions not updated within ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionState, error)

	// ClearStaleProcessing resets processing flags left behind by a crash.
	ClearStaleProcessing(ctx context.Context) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
