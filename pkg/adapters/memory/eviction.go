package memory

import (
	"strings"

	"github.com/aretw0/termstore/pkg/domain"
)

// evictionTier ranks how readily a session may be evicted. Lower tiers go
// first; zero means the session is never evicted.
func evictionTier(s *domain.Session) int {
	switch {
	case s.Status.IsTerminal():
		return 1
	case s.IsFocused:
		return 0
	case s.Status == domain.StatusInactive:
		return 2
	case s.Status == domain.StatusSuspended:
		return 3
	case s.Status != domain.StatusConnecting:
		return 4
	}
	return 0
}

// evictionCandidate picks the oldest session of the lowest non-empty tier.
// Caller holds mu.
func (s *Store) evictionCandidate() *domain.Session {
	var best *domain.Session
	bestTier := 0
	for _, sess := range s.sessions {
		tier := evictionTier(sess)
		if tier == 0 {
			continue
		}
		if best == nil || tier < bestTier || (tier == bestTier && olderThan(sess, best)) {
			best, bestTier = sess, tier
		}
	}
	return best
}

func olderThan(a, b *domain.Session) bool {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c < 0
	}
	return strings.Compare(a.ID, b.ID) < 0
}
