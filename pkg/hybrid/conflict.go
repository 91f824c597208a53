package hybrid

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

// ConflictPolicy decides which copy wins when the tiers disagree.
type ConflictPolicy string

const (
	// PolicyLocalWins pushes the local copy to the durable tier.
	PolicyLocalWins ConflictPolicy = "local-wins"
	// PolicyDatabaseWins pulls the durable copy into the local tier.
	PolicyDatabaseWins ConflictPolicy = "database-wins"
	// PolicyLatestWins propagates whichever copy has the later updatedAt.
	PolicyLatestWins ConflictPolicy = "latest-wins"
)

// ParseConflictPolicy validates a policy name.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case PolicyLocalWins, PolicyDatabaseWins, PolicyLatestWins:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown conflict policy %q", domain.ErrValidation, s)
}

// Conflict records a disagreement between the tiers that could not be resolved.
type Conflict struct {
	SessionID        string         `json:"sessionId"`
	LocalUpdatedAt   time.Time      `json:"localUpdatedAt"`
	DurableUpdatedAt time.Time      `json:"durableUpdatedAt"`
	Policy           ConflictPolicy `json:"policy"`
	DetectedAt       time.Time      `json:"detectedAt"`
	Error            string         `json:"error,omitempty"`
}

type conflictLog struct {
	mu      sync.Mutex
	records map[string]Conflict
}

func newConflictLog() *conflictLog {
	return &conflictLog{records: make(map[string]Conflict)}
}

func (l *conflictLog) set(c Conflict) {
	l.mu.Lock()
	l.records[c.SessionID] = c
	l.mu.Unlock()
}

func (l *conflictLog) clear(id string) {
	l.mu.Lock()
	delete(l.records, id)
	l.mu.Unlock()
}

func (l *conflictLog) list() []Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := slices.Sorted(maps.Keys(l.records))
	out := make([]Conflict, len(ids))
	for i, id := range ids {
		out[i] = l.records[id]
	}
	return out
}

func (l *conflictLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Conflicts returns the unresolved conflicts ordered by session id.
func (c *Coordinator) Conflicts() []Conflict {
	return c.conflicts.list()
}

// detect compares the two copies of id and resolves a disagreement per the
// configured policy. It reports whether the tiers agree afterwards. A durable
// copy that cannot be read is recorded as a conflict so a later drain can
// retry it.
func (c *Coordinator) detect(ctx context.Context, id string) bool {
	local, err := c.local.GetSession(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.conflicts.clear(id)
		return false
	}
	if err != nil {
		c.logger.Warn("Conflict check skipped", "session_id", id, "err", err)
		return false
	}
	remote, err := c.durable.GetSession(ctx, id)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		c.conflicts.clear(id)
		return false
	case err != nil:
		c.unresolved(Conflict{
			SessionID:      id,
			LocalUpdatedAt: local.UpdatedAt,
			Policy:         c.policy,
			DetectedAt:     time.Now().UTC(),
		}, local.ProjectID, "read durable", err)
		return false
	}
	return c.compare(ctx, local, remote)
}

// retryConflicts runs detection again for every recorded conflict and
// returns how many were resolved.
func (c *Coordinator) retryConflicts(ctx context.Context) int {
	resolved := 0
	for _, conflict := range c.conflicts.list() {
		if ctx.Err() != nil {
			break
		}
		if c.detect(ctx, conflict.SessionID) {
			c.logger.Info("Sync conflict resolved on retry", "session_id", conflict.SessionID)
			resolved++
		}
	}
	return resolved
}

// compare resolves a disagreement between two present copies.
func (c *Coordinator) compare(ctx context.Context, local, remote *domain.Session) bool {
	if local.UpdatedAt.Equal(remote.UpdatedAt) {
		c.conflicts.clear(local.ID)
		return true
	}
	conflict := Conflict{
		SessionID:        local.ID,
		LocalUpdatedAt:   local.UpdatedAt,
		DurableUpdatedAt: remote.UpdatedAt,
		Policy:           c.policy,
		DetectedAt:       time.Now().UTC(),
	}
	c.conflicts.set(conflict)
	c.logger.Info("Sync conflict detected",
		"session_id", local.ID,
		"policy", string(c.policy),
		"local_updated_at", local.UpdatedAt,
		"durable_updated_at", remote.UpdatedAt,
	)

	err := c.resolve(ctx, local, remote)
	if err == nil {
		c.conflicts.clear(local.ID)
		return true
	}

	c.unresolved(conflict, local.ProjectID, "resolve", err)
	return false
}

// unresolved records conflict with err attached and reports it.
func (c *Coordinator) unresolved(conflict Conflict, projectID, op string, err error) {
	conflict.Error = err.Error()
	c.conflicts.set(conflict)
	serr := &domain.StorageError{
		Kind:      domain.ErrSyncConflict,
		Op:        op,
		SessionID: conflict.SessionID,
		Detail:    string(c.policy),
		Err:       err,
	}
	c.logger.Error("Sync conflict unresolved", "session_id", conflict.SessionID, "err", serr)
	c.emit(domain.Event{Name: domain.EventError, SessionID: conflict.SessionID, ProjectID: projectID, Reason: "conflict", Err: serr})
}

func (c *Coordinator) resolve(ctx context.Context, local, remote *domain.Session) error {
	pushLocal := false
	switch c.policy {
	case PolicyLocalWins:
		pushLocal = true
	case PolicyDatabaseWins:
	case PolicyLatestWins:
		pushLocal = local.UpdatedAt.After(remote.UpdatedAt)
	default:
		return fmt.Errorf("unknown conflict policy %q", c.policy)
	}
	if pushLocal {
		return c.durable.ImportSession(ctx, local)
	}
	return c.local.ImportSession(ctx, tagged(remote))
}

// tagged marks a durable copy imported into the local tier.
func tagged(s *domain.Session) *domain.Session {
	out := s.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[OriginKey] = OriginDurable
	return out
}
