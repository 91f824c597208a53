package durable

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound)
}

// Cleanup deletes closed and errored sessions older than the retention period
// and drops expired cache entries.
func (p *Provider) Cleanup(ctx context.Context) (int, error) {
	p.cache.sweep()

	sessions, err := retry(ctx, p, "cleanup", func(ctx context.Context) ([]*domain.Session, error) {
		return p.backend.ListAll(ctx, 0)
	})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-p.retention)
	var expired []*domain.Session
	var ids []string
	for _, s := range sessions {
		if s.Status.IsTerminal() && !s.IsFocused && s.UpdatedAt.Before(cutoff) {
			expired = append(expired, s)
			ids = append(ids, s.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := exec(ctx, p, "cleanup", func(ctx context.Context) error {
		return p.backend.Batch(ctx, nil, ids)
	}); err != nil {
		return 0, err
	}
	p.invalidate(ids...)
	p.logger.Debug("Expired sessions removed", "count", len(expired), "backend", p.backend.Name())
	for _, s := range expired {
		p.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: s.ID, ProjectID: s.ProjectID, Reason: "expired"})
	}
	return len(expired), nil
}

// StorageInfo aggregates counts from a full scan of the backend.
func (p *Provider) StorageInfo(ctx context.Context) (*domain.StorageInfo, error) {
	sessions, err := retry(ctx, p, "info", func(ctx context.Context) ([]*domain.Session, error) {
		return p.backend.ListAll(ctx, 0)
	})
	if err != nil {
		return nil, err
	}
	info := &domain.StorageInfo{
		Mode:          domain.ModeDurable,
		TotalSessions: len(sessions),
		MaxSessions:   p.maxSessions,
		ByStatus:      make(map[domain.Status]int),
		CacheEntries:  p.cache.len(),
		Backend:       p.backend.Name(),
	}
	projects := make(map[string]struct{})
	for _, s := range sessions {
		projects[s.ProjectID] = struct{}{}
		info.ByStatus[s.Status]++
		if s.IsFocused {
			info.FocusedSessions++
		}
		if s.Status == domain.StatusSuspended {
			info.Suspended++
		}
	}
	info.Projects = len(projects)
	return info, nil
}

// HealthCheck pings the backend once, without retries.
func (p *Provider) HealthCheck(ctx context.Context) domain.Health {
	start := time.Now()
	err := p.backend.Ping(ctx)
	h := domain.Health{
		Healthy: err == nil,
		Mode:    domain.ModeDurable,
		Latency: time.Since(start),
		Details: map[string]string{
			"backend":      p.backend.Name(),
			"cacheEntries": strconv.Itoa(p.cache.len()),
		},
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		h.Details["error"] = err.Error()
	}
	return h
}

func (p *Provider) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if !p.sweeping.CompareAndSwap(false, true) {
				continue
			}
			if n := p.cache.sweep(); n > 0 {
				p.logger.Debug("Cache entries expired", "count", n)
			}
			p.sweeping.Store(false)
		}
	}
}
