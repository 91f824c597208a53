package memory

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

// Flush writes the snapshot now when persistence is enabled and the store is dirty.
func (s *Store) Flush(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	return s.flush()
}

// Cleanup deletes closed and errored sessions whose grace period has passed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.grace)

	s.mu.Lock()
	var expired []*domain.Session
	for _, sess := range s.sessions {
		if sess.Status.IsTerminal() && !sess.IsFocused && sess.UpdatedAt.Before(cutoff) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		s.removeLocked(sess.ID)
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.dirty.Store(true)
		s.logger.Debug("Expired sessions swept", "count", len(expired))
	}
	for _, sess := range expired {
		s.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: sess.ID, ProjectID: sess.ProjectID, Reason: "expired"})
	}
	return len(expired), nil
}

// StorageInfo reports counts per status, project and focus.
func (s *Store) StorageInfo(ctx context.Context) (*domain.StorageInfo, error) {
	s.mu.RLock()
	info := &domain.StorageInfo{
		Mode:          domain.ModeLocal,
		TotalSessions: len(s.sessions),
		MaxSessions:   s.maxSessions,
		Projects:      len(s.projects),
		ByStatus:      make(map[domain.Status]int),
		Backend:       "memory",
	}
	for _, sess := range s.sessions {
		info.ByStatus[sess.Status]++
		if sess.SuspensionState != nil {
			info.Suspended++
		}
	}
	for _, set := range s.focused {
		info.FocusedSessions += len(set)
	}
	s.mu.RUnlock()

	info.LastFlush = s.lastFlush.Load()
	return info, nil
}

// HealthCheck reports the store healthy unless the last snapshot write failed.
func (s *Store) HealthCheck(ctx context.Context) domain.Health {
	start := time.Now()
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()

	h := domain.Health{
		Healthy: true,
		Mode:    domain.ModeLocal,
		Details: map[string]string{
			"sessions":    strconv.Itoa(n),
			"maxSessions": strconv.Itoa(s.maxSessions),
		},
	}
	if s.snapshot != nil {
		h.Details["snapshot"] = s.snapshot.Path
		if s.dirty.Load() {
			h.Details["pending"] = "true"
		}
		if msg := s.flushErr.Load(); msg != nil {
			h.Healthy = false
			h.Details["error"] = *msg
		}
	}
	h.Latency = time.Since(start)
	h.CheckedAt = time.Now().UTC()
	return h
}

// every runs fn on a ticker until the store is closed.
func (s *Store) every(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (s *Store) flushTick() {
	guarded(&s.flushing, func() {
		if err := s.flush(); err != nil {
			s.logger.Error("Background flush failed", "op", "flush", "err", err)
			s.emit(domain.Event{Name: domain.EventError, Reason: "flush", Err: err})
		}
	})
}

func (s *Store) sweepTick() {
	guarded(&s.sweeping, func() {
		if _, err := s.Cleanup(context.Background()); err != nil {
			s.logger.Error("Background sweep failed", "op", "sweep", "err", err)
			s.emit(domain.Event{Name: domain.EventError, Reason: "sweep", Err: err})
		}
	})
}

// guarded runs fn unless a previous run is still in progress.
func guarded(running *atomic.Bool, fn func()) {
	if !running.CompareAndSwap(false, true) {
		return
	}
	defer running.Store(false)
	fn()
}
