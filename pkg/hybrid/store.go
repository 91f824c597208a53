package hybrid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

// CreateSession creates the session locally and queues it for the durable
// tier. Projects creating sessions faster than the rate limit are refused;
// creations the local tier rejects do not count against the limit.
func (c *Coordinator) CreateSession(ctx context.Context, params domain.CreateParams) (*domain.Session, error) {
	if err := domain.ValidateCreate(params); err != nil {
		return nil, err
	}
	if !c.limiter.allow(params.ProjectID) {
		c.logger.Warn("Session creation rate limited", "project_id", params.ProjectID, "limit", c.rateLimit, "window", c.rateWindow)
		return nil, &domain.StorageError{
			Kind:      domain.ErrRateLimited,
			Op:        "create",
			ProjectID: params.ProjectID,
			Detail:    fmt.Sprintf("more than %d sessions within %s", c.rateLimit, c.rateWindow),
		}
	}
	s, err := c.local.CreateSession(ctx, params)
	if err != nil {
		c.limiter.release(params.ProjectID)
		return nil, err
	}
	c.enqueue(ctx, OpCreate, s.ID, s.Clone())
	return s, nil
}

func (c *Coordinator) ImportSession(ctx context.Context, s *domain.Session) error {
	if err := c.local.ImportSession(ctx, s); err != nil {
		return err
	}
	c.enqueue(ctx, OpCreate, s.ID, s.Clone())
	return nil
}

// GetSession reads the local tier. A local miss falls through to the durable
// tier and the copy found there is cached locally without being queued.
func (c *Coordinator) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, err := c.local.GetSession(ctx, id)
	if !errors.Is(err, domain.ErrSessionNotFound) || c.queue.deleting(id) {
		return s, err
	}
	s, err = c.durable.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.local.ImportSession(ctx, tagged(s)); err != nil {
		c.logger.Warn("Durable copy not cached locally", "session_id", id, "err", err)
	}
	return s, nil
}

// ensureLocal pulls a session into the local tier before a local write.
func (c *Coordinator) ensureLocal(ctx context.Context, id string) error {
	_, err := c.GetSession(ctx, id)
	return err
}

func (c *Coordinator) UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error {
	if err := c.ensureLocal(ctx, id); err != nil {
		return err
	}
	if err := c.local.UpdateSession(ctx, id, update); err != nil {
		return err
	}
	c.enqueueCurrent(ctx, id)
	return nil
}

// DeleteSession deletes locally and queues the delete. A session only the
// durable tier knows is deleted there directly. Protection errors from either
// tier are returned unchanged.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) (bool, error) {
	ok, err := c.local.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		if c.queue.deleting(id) {
			return false, nil
		}
		return c.durable.DeleteSession(ctx, id)
	}
	c.enqueue(ctx, OpDelete, id, nil)
	return true, nil
}

func (c *Coordinator) ListSessions(ctx context.Context, projectID string, opts domain.ListOptions) ([]*domain.Session, error) {
	return c.local.ListSessions(ctx, projectID, opts)
}

func (c *Coordinator) BulkUpdate(ctx context.Context, updates []domain.BulkUpdate) error {
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.ID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		if err := c.ensureLocal(ctx, id); err != nil {
			return err
		}
	}
	if err := c.local.BulkUpdate(ctx, updates); err != nil {
		return err
	}
	for _, id := range ids {
		c.enqueueCurrent(ctx, id)
	}
	return nil
}

// BulkDelete deletes locally and queues a delete for every listed id, so
// copies held only by the durable tier go too.
func (c *Coordinator) BulkDelete(ctx context.Context, ids []string) (int, error) {
	n, err := c.local.BulkDelete(ctx, ids)
	if err != nil {
		return 0, err
	}
	unique := slices.Clone(ids)
	slices.Sort(unique)
	for _, id := range slices.Compact(unique) {
		c.enqueue(ctx, OpDelete, id, nil)
	}
	return n, nil
}

// SetSessionFocus changes focus locally and queues every session whose focus
// changed, including one unfocused to respect the focus limit.
func (c *Coordinator) SetSessionFocus(ctx context.Context, id string, focused bool) error {
	s, err := c.GetSession(ctx, id)
	if err != nil {
		return err
	}
	before, err := c.local.GetFocusedSessions(ctx, s.ProjectID)
	if err != nil {
		return err
	}
	if err := c.local.SetSessionFocus(ctx, id, focused); err != nil {
		return err
	}
	after, err := c.local.GetFocusedSessions(ctx, s.ProjectID)
	if err != nil {
		return err
	}
	changed := []string{id}
	for _, other := range before {
		if other != id && !slices.Contains(after, other) {
			changed = append(changed, other)
		}
	}
	for _, cid := range changed {
		c.enqueueCurrent(ctx, cid)
	}
	return nil
}

func (c *Coordinator) GetFocusedSessions(ctx context.Context, projectID string) ([]string, error) {
	return c.local.GetFocusedSessions(ctx, projectID)
}

func (c *Coordinator) SuspendSession(ctx context.Context, id string) error {
	if err := c.ensureLocal(ctx, id); err != nil {
		return err
	}
	if err := c.local.SuspendSession(ctx, id); err != nil {
		return err
	}
	c.enqueueCurrent(ctx, id)
	return nil
}

func (c *Coordinator) ResumeSession(ctx context.Context, id string) (*domain.ResumeResult, error) {
	if err := c.ensureLocal(ctx, id); err != nil {
		return nil, err
	}
	res, err := c.local.ResumeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	c.enqueue(ctx, OpUpdate, id, res.Session.Clone())
	return res, nil
}

func (c *Coordinator) FindSessions(ctx context.Context, q domain.Query) ([]*domain.Session, error) {
	return c.local.FindSessions(ctx, q)
}

func (c *Coordinator) CountSessions(ctx context.Context, q domain.Query) (int, error) {
	return c.local.CountSessions(ctx, q)
}

// Flush persists both tiers' buffered state. Queued changes are left to Sync.
func (c *Coordinator) Flush(ctx context.Context) error {
	return errors.Join(c.local.Flush(ctx), c.durable.Flush(ctx))
}

// Cleanup expires sessions in both tiers and returns the total removed.
func (c *Coordinator) Cleanup(ctx context.Context) (int, error) {
	ln, lerr := c.local.Cleanup(ctx)
	dn, derr := c.durable.Cleanup(ctx)
	return ln + dn, errors.Join(lerr, derr)
}

// StorageInfo reports the local tier's counts with sync state and per-tier detail.
func (c *Coordinator) StorageInfo(ctx context.Context) (*domain.StorageInfo, error) {
	local, err := c.local.StorageInfo(ctx)
	if err != nil {
		return nil, err
	}
	info := *local
	info.Mode = domain.ModeHybrid
	info.QueueDepth = c.queue.len()
	info.Conflicts = c.conflicts.len()
	info.LastSync = c.lastSync.Load()
	info.Tiers = map[string]*domain.StorageInfo{string(domain.ModeLocal): local}
	if durable, err := c.durable.StorageInfo(ctx); err == nil {
		info.Tiers[string(domain.ModeDurable)] = durable
		info.Backend = durable.Backend
	} else {
		c.logger.Warn("Durable tier info unavailable", "err", err)
	}
	return &info, nil
}

// HealthCheck is healthy only when both tiers are.
func (c *Coordinator) HealthCheck(ctx context.Context) domain.Health {
	start := time.Now()
	lh := c.local.HealthCheck(ctx)
	dh := c.durable.HealthCheck(ctx)
	h := domain.Health{
		Healthy: lh.Healthy && dh.Healthy,
		Mode:    domain.ModeHybrid,
		Details: map[string]string{
			"local":      strconv.FormatBool(lh.Healthy),
			"durable":    strconv.FormatBool(dh.Healthy),
			"queueDepth": strconv.Itoa(c.queue.len()),
			"conflicts":  strconv.Itoa(c.conflicts.len()),
		},
	}
	for k, v := range dh.Details {
		h.Details["durable."+k] = v
	}
	for k, v := range lh.Details {
		h.Details["local."+k] = v
	}
	h.Latency = time.Since(start)
	h.CheckedAt = time.Now().UTC()
	return h
}
