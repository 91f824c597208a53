package memory

import (
	"fmt"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

const snapshotVersion = 1

// snapshot is the on-disk image of the store. The indexes are written out
// alongside the rows so the file is self-describing for operators.
type snapshot struct {
	Version     int                                `json:"version"`
	SavedAt     time.Time                          `json:"savedAt"`
	Sessions    []*domain.Session                  `json:"sessions"`
	Projects    map[string][]string                `json:"projects"`
	Focused     map[string][]string                `json:"focused"`
	TabCounters map[string]int                     `json:"tabCounters"`
	Suspensions map[string]*domain.SuspensionState `json:"suspensions,omitempty"`
}

func (s *Store) capture() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &snapshot{
		Version:     snapshotVersion,
		SavedAt:     time.Now().UTC(),
		Sessions:    make([]*domain.Session, 0, len(s.sessions)),
		Projects:    make(map[string][]string, len(s.projects)),
		Focused:     make(map[string][]string, len(s.focused)),
		TabCounters: make(map[string]int, len(s.tabs)),
		Suspensions: make(map[string]*domain.SuspensionState),
	}
	for _, sess := range s.sessions {
		c := sess.Clone()
		snap.Sessions = append(snap.Sessions, c)
		if c.SuspensionState != nil {
			snap.Suspensions[c.ID] = c.SuspensionState
		}
	}
	domain.SortSessions(snap.Sessions, domain.OrderByCreatedAt, false)
	for pid, set := range s.projects {
		snap.Projects[pid] = setKeys(set)
	}
	for pid, set := range s.focused {
		snap.Focused[pid] = setKeys(set)
	}
	for pid, n := range s.tabs {
		snap.TabCounters[pid] = n
	}
	return snap
}

// flush writes the snapshot if anything changed since the last write.
func (s *Store) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if !s.dirty.Swap(false) {
		return nil
	}
	if err := s.snapshot.Save(s.capture()); err != nil {
		s.dirty.Store(true)
		msg := err.Error()
		s.flushErr.Store(&msg)
		return fmt.Errorf("failed to flush local sessions: %w", err)
	}
	now := time.Now().UTC()
	s.lastFlush.Store(&now)
	s.flushErr.Store(nil)
	return nil
}

// load restores a previous snapshot, if one exists.
func (s *Store) load() error {
	var snap snapshot
	found, err := s.snapshot.Load(&snap)
	if err != nil {
		return fmt.Errorf("failed to load local sessions: %w", err)
	}
	if !found {
		return nil
	}
	if snap.Version > snapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported version %d", snap.Version, snapshotVersion)
	}

	focused := make(map[string]struct{})
	for _, ids := range snap.Focused {
		for _, id := range ids {
			focused[id] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, n := range snap.TabCounters {
		s.tabs[pid] = n
	}
	for _, sess := range snap.Sessions {
		if sess == nil || sess.ID == "" {
			continue
		}
		_, sess.IsFocused = focused[sess.ID]
		if sess.SuspensionState == nil && sess.Status == domain.StatusSuspended {
			sess.SuspensionState = snap.Suspensions[sess.ID]
		}
		if n := domain.TabNumber(sess.TabName); n > s.tabs[sess.ProjectID] {
			s.tabs[sess.ProjectID] = n
		}
		s.insertLocked(sess)
		s.activity[sess.ID] = sess.UpdatedAt
	}
	s.logger.Debug("Local sessions restored", "path", s.snapshot.Path, "sessions", len(s.sessions))
	return nil
}

func setKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}
