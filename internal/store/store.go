// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/alia-gateway/internal/domain"
)

// Repository defines the interface for persisting session bookkeeping and
// conversation transcripts.
type Repository interface {
	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, record *domain.SessionRecord) error

	// GetSession retrieves a session record by its key.
	GetSession(ctx context.Context, sessionKey string) (*domain.SessionRecord, error)

	// AppendTranscript stores one conversation message.
	AppendTranscript(ctx context.Context, entry *domain.TranscriptEntry) error

	// GetTranscript retrieves the transcript for a session in arrival order.
	GetTranscript(ctx context.Context, sessionKey string) ([]*domain.TranscriptEntry, error)

	// CleanupSessions removes session rows (and their transcripts) whose
	// last update is older than the TTL.
	CleanupSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
