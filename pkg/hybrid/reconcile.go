package hybrid

import (
	"context"
	"errors"

	"github.com/aretw0/termstore/pkg/domain"
)

// Reconcile copies durable sessions missing from the local tier into it and
// runs conflict detection on sessions present in both. At most
// reconcileLimit durable sessions are considered. Copies are tagged with
// OriginKey and are not queued back to the durable tier.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	return c.locks.WithLock(ctx, reconcileLockKey, c.reconcile)
}

func (c *Coordinator) reconcile(ctx context.Context) error {
	remote, err := c.durable.FindSessions(ctx, domain.Query{Limit: c.reconcileLimit})
	if err != nil {
		return err
	}

	imported, conflicts := 0, 0
	for _, s := range remote {
		_, err := c.local.GetSession(ctx, s.ID)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			if err := c.local.ImportSession(ctx, tagged(s)); err != nil {
				c.logger.Warn("Reconciliation skipped session", "session_id", s.ID, "err", err)
				continue
			}
			imported++
		case err != nil:
			return err
		default:
			if !c.detect(ctx, s.ID) {
				conflicts++
			}
		}
	}
	c.logger.Info("Reconciliation finished",
		"durable_sessions", len(remote),
		"imported", imported,
		"unresolved", conflicts,
		"limit", c.reconcileLimit,
	)
	return nil
}
