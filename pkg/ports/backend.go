package ports

import (
	"context"

	"github.com/aretw0/termstore/pkg/domain"
)

// DurableBackend defines the persistence primitives of the durable tier.
// Implementations store full session rows and know nothing about retries or
// caching; those belong to the provider built on top.
type DurableBackend interface {
	// Name identifies the backend technology (e.g. "redis", "sqlite").
	Name() string

	// Put inserts or replaces the session row and its indexes.
	Put(ctx context.Context, s *domain.Session) error

	// Get returns domain.ErrSessionNotFound if the row does not exist.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Delete removes the row, its indexes and its suspension archive.
	Delete(ctx context.Context, id string) (bool, error)

	ListByProject(ctx context.Context, projectID string) ([]*domain.Session, error)

	// ListAll returns sessions in creation order, at most limit of them when limit > 0.
	ListAll(ctx context.Context, limit int) ([]*domain.Session, error)

	// FocusedIDs queries the focused sessions of a project directly.
	FocusedIDs(ctx context.Context, projectID string) ([]string, error)

	Count(ctx context.Context) (int, error)

	// Batch applies all puts and deletes atomically.
	Batch(ctx context.Context, puts []*domain.Session, deletes []string) error

	// NextTab increments and returns the project's tab counter.
	NextTab(ctx context.Context, projectID string) (int, error)

	// EnsureTab raises the project's tab counter to at least n.
	EnsureTab(ctx context.Context, projectID string, n int) error

	AppendSuspension(ctx context.Context, rec domain.SuspensionRecord) error

	// LatestSuspension returns nil, nil when the session has no archived suspension.
	LatestSuspension(ctx context.Context, sessionID string) (*domain.SuspensionRecord, error)

	RemoveSuspension(ctx context.Context, sessionID, recordID string) error

	// SuspensionHistory returns the archive oldest first.
	SuspensionHistory(ctx context.Context, sessionID string) ([]domain.SuspensionRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
