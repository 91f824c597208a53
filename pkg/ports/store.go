package ports

import (
	"context"

	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/events"
)

// SessionStore is the session storage contract satisfied by every provider
// mode (local, durable, hybrid). All failures are *domain.StorageError values
// whose kind can be tested with errors.Is.
type SessionStore interface {
	// Mode tags the provider variant.
	Mode() domain.ProviderMode

	// CreateSession validates params, assigns an id and the next tab name and
	// stores the session in the connecting state.
	CreateSession(ctx context.Context, params domain.CreateParams) (*domain.Session, error)

	// ImportSession stores a copy of s under its existing identity, replacing
	// any previous copy. The project's tab counter is advanced past s.TabName.
	ImportSession(ctx context.Context, s *domain.Session) error

	// GetSession returns a copy of the session.
	// Returns domain.ErrSessionNotFound if the session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// UpdateSession merges the partial update and refreshes UpdatedAt.
	UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error

	// DeleteSession reports false when the session does not exist, or when it
	// is protected, in which case the error carries domain.ErrProtectedState.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// ListSessions returns the sessions of one project.
	ListSessions(ctx context.Context, projectID string, opts domain.ListOptions) ([]*domain.Session, error)

	// BulkUpdate applies every update or none of them.
	BulkUpdate(ctx context.Context, updates []domain.BulkUpdate) error

	// BulkDelete deletes every listed session or none of them and returns the count.
	BulkDelete(ctx context.Context, ids []string) (int, error)

	SetSessionFocus(ctx context.Context, id string, focused bool) error
	GetFocusedSessions(ctx context.Context, projectID string) ([]string, error)

	SuspendSession(ctx context.Context, id string) error
	ResumeSession(ctx context.Context, id string) (*domain.ResumeResult, error)

	FindSessions(ctx context.Context, q domain.Query) ([]*domain.Session, error)
	CountSessions(ctx context.Context, q domain.Query) (int, error)

	// Sync propagates pending changes to the next tier, if any.
	Sync(ctx context.Context) error
	// Flush persists any buffered state.
	Flush(ctx context.Context) error
	// Cleanup removes expired sessions and stale cache entries, returning how many sessions were removed.
	Cleanup(ctx context.Context) (int, error)
	StorageInfo(ctx context.Context) (*domain.StorageInfo, error)
	HealthCheck(ctx context.Context) domain.Health

	// Subscribe registers an observer for every event the store emits.
	Subscribe(h events.Handler) (unsubscribe func())

	// Close stops background work and releases resources.
	Close() error
}
