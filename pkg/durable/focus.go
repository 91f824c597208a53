package durable

import (
	"context"
	"slices"

	"github.com/aretw0/termstore/pkg/domain"
)

func focusKey(projectID string) string {
	return "focus:" + projectID
}

// SetSessionFocus focuses or unfocuses a session. At the focus limit the
// focused session of the project updated longest ago loses its focus, in the
// same backend batch.
func (p *Provider) SetSessionFocus(ctx context.Context, id string, focused bool) error {
	current, err := p.load(ctx, id)
	if err != nil {
		return err
	}
	projectID := current.ProjectID

	var changed []*domain.Session
	err = p.locks.WithLock(ctx, focusKey(projectID), func(ctx context.Context) error {
		keys := []string{id}
		var victimID string
		if focused {
			ids, err := retry(ctx, p, "focused", func(ctx context.Context) ([]string, error) {
				return p.backend.FocusedIDs(ctx, projectID)
			})
			if err != nil {
				return err
			}
			if !slices.Contains(ids, id) && len(ids) >= p.maxFocused {
				victimID, err = p.oldestFocused(ctx, ids)
				if err != nil {
					return err
				}
				if victimID != "" {
					keys = append(keys, victimID)
				}
			}
		}

		return p.locks.WithLocks(ctx, keys, func(ctx context.Context) error {
			s, err := p.load(ctx, id)
			if err != nil {
				return err
			}
			if s.IsFocused == focused {
				return nil
			}
			s.IsFocused = focused
			s.Touch(p.clock.Now())
			changed = append(changed, s)
			if victimID != "" {
				v, err := p.load(ctx, victimID)
				if err == nil && v.IsFocused {
					v.IsFocused = false
					v.Touch(p.clock.Now())
					changed = append(changed, v)
				} else if err != nil && !isNotFound(err) {
					return err
				}
			}
			puts := make([]*domain.Session, len(changed))
			for i, c := range changed {
				puts[i] = row(c)
			}
			if err := exec(ctx, p, "focus", func(ctx context.Context) error {
				return p.backend.Batch(ctx, puts, nil)
			}); err != nil {
				changed = nil
				return err
			}
			for _, c := range changed {
				p.invalidate(c.ID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for i := len(changed) - 1; i >= 0; i-- {
		c := changed[i]
		p.emit(domain.Event{
			Name:      domain.EventSessionUpdated,
			SessionID: c.ID,
			ProjectID: c.ProjectID,
			Fields:    []string{"isFocused", "updatedAt"},
		})
	}
	return nil
}

// oldestFocused picks the session of ids with the oldest UpdatedAt, ties by id.
func (p *Provider) oldestFocused(ctx context.Context, ids []string) (string, error) {
	var victim *domain.Session
	for _, id := range ids {
		s, err := retry(ctx, p, "get", func(ctx context.Context) (*domain.Session, error) {
			return p.backend.Get(ctx, id)
		})
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if victim == nil || s.UpdatedAt.Before(victim.UpdatedAt) ||
			(s.UpdatedAt.Equal(victim.UpdatedAt) && s.ID < victim.ID) {
			victim = s
		}
	}
	if victim == nil {
		return "", nil
	}
	return victim.ID, nil
}

// GetFocusedSessions returns the focused session ids of a project, oldest first.
func (p *Provider) GetFocusedSessions(ctx context.Context, projectID string) ([]string, error) {
	ids, err := retry(ctx, p, "focused", func(ctx context.Context) ([]string, error) {
		return p.backend.FocusedIDs(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		s, err := p.GetSession(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	domain.SortSessions(sessions, domain.OrderByCreatedAt, false)
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out, nil
}
