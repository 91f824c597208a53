package memory

import (
	"context"
	"slices"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

// SetSessionFocus focuses or unfocuses a session. Focusing a session of a
// project already at its limit first unfocuses that project's least recently
// active focused session.
func (s *Store) SetSessionFocus(ctx context.Context, id string, focused bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("focus", id)
	}
	if sess.IsFocused == focused {
		s.markActive(id)
		s.mu.Unlock()
		return nil
	}

	var evts []domain.Event
	if focused {
		if set := s.focused[sess.ProjectID]; len(set) >= s.maxFocused {
			if victim := s.leastRecentlyActive(set); victim != nil {
				s.setFocusLocked(victim, false)
				evts = append(evts, focusEvent(victim))
			}
		}
	}
	s.setFocusLocked(sess, focused)
	evts = append(evts, focusEvent(sess))
	s.markActive(id)
	s.mu.Unlock()

	s.dirty.Store(true)
	for _, e := range evts {
		s.emit(e)
	}
	return nil
}

// GetFocusedSessions returns the focused session ids of a project, oldest first.
func (s *Store) GetFocusedSessions(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	sessions := make([]*domain.Session, 0, len(s.focused[projectID]))
	for id := range s.focused[projectID] {
		sessions = append(sessions, s.sessions[id])
	}
	domain.SortSessions(sessions, domain.OrderByCreatedAt, false)
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	s.mu.RUnlock()
	return ids, nil
}

// setFocusLocked flips the flag and the focus index together. Caller holds mu.
func (s *Store) setFocusLocked(sess *domain.Session, focused bool) {
	sess.IsFocused = focused
	sess.Touch(s.clock.Now())
	if focused {
		addToSet(s.focused, sess.ProjectID, sess.ID)
	} else {
		removeFromSet(s.focused, sess.ProjectID, sess.ID)
	}
}

// leastRecentlyActive returns the session of set touched longest ago.
// Caller holds mu.
func (s *Store) leastRecentlyActive(set map[string]struct{}) *domain.Session {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Map iteration order is random; ties resolve by id.
	slices.Sort(ids)

	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	var victim string
	var oldest time.Time
	for _, id := range ids {
		at := s.activity[id]
		if victim == "" || at.Before(oldest) {
			victim, oldest = id, at
		}
	}
	return s.sessions[victim]
}

// markActive records a read or write of the session for the focus policy.
func (s *Store) markActive(id string) {
	s.activityMu.Lock()
	s.activity[id] = s.clock.Now()
	s.activityMu.Unlock()
}

func focusEvent(sess *domain.Session) domain.Event {
	return domain.Event{
		Name:      domain.EventSessionUpdated,
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		Fields:    []string{"isFocused", "updatedAt"},
	}
}
