// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"finplan/internal/domain"
)

// AuditEntry records one completed or failed exchange with the remote
// model. The audit trail is operational logging: it is never read back
// to rebuild a conversation.
type AuditEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Model       string    `json:"model"`
	Instruction string    `json:"instruction"`
	Message     string    `json:"message"`
	Reply       string    `json:"reply"`
	Fragments   int       `json:"fragments"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Repository defines the interface for persisting user identity and the
// exchange audit trail.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetIdleUsers retrieves users inactive for longer than ttl.
	GetIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error)

	// InsertAudit appends an exchange audit record.
	InsertAudit(ctx context.Context, entry *AuditEntry) error

	// AuditForUser returns the audit records for a user, oldest first.
	AuditForUser(ctx context.Context, userID string, limit int) ([]*AuditEntry, error)

	// PurgeAuditBefore removes audit records older than cutoff.
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
