package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

// SyncOp is the kind of change carried by a queue entry.
type SyncOp string

const (
	OpCreate SyncOp = "create"
	OpUpdate SyncOp = "update"
	OpDelete SyncOp = "delete"
)

// SyncTask is one change waiting for the durable tier. Create and update
// entries carry the local copy of the session as it was after the change.
type SyncTask struct {
	Op        SyncOp          `json:"op"`
	SessionID string          `json:"sessionId"`
	Payload   *domain.Session `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`

	// version changes whenever a newer payload is folded into the entry.
	version int
}

type queue struct {
	mu    sync.Mutex
	tasks []*SyncTask
}

// push appends a change. A create or update for a session that still has a
// pending create or update replaces that entry's payload when it is newer,
// keeping the queue at one entry per live session.
func (q *queue) push(op SyncOp, id string, payload *domain.Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	if op != OpDelete {
		for i := len(q.tasks) - 1; i >= 0; i-- {
			t := q.tasks[i]
			if t.SessionID != id {
				continue
			}
			if t.Op == OpDelete {
				break
			}
			if t.Payload == nil || !payload.UpdatedAt.Before(t.Payload.UpdatedAt) {
				t.Payload = payload
				t.Timestamp = now
				t.version++
			}
			return
		}
	}
	q.tasks = append(q.tasks, &SyncTask{Op: op, SessionID: id, Payload: payload, Timestamp: now})
}

func (q *queue) head(n int) []*SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.tasks) {
		n = len(q.tasks)
	}
	return append([]*SyncTask(nil), q.tasks[:n]...)
}

func (q *queue) remove(t *SyncTask) {
	for i, cur := range q.tasks {
		if cur == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// deleting reports whether a delete of id is still queued.
func (q *queue) deleting(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.SessionID == id && t.Op == OpDelete {
			return true
		}
	}
	return false
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queue) snapshot() []SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncTask, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
		out[i].Payload = t.Payload.Clone()
	}
	return out
}

// enqueue records a change and, under the immediate strategy, drains the
// queue before returning. Drain failures stay queued for the next attempt.
func (c *Coordinator) enqueue(ctx context.Context, op SyncOp, id string, payload *domain.Session) {
	c.queue.push(op, id, payload)
	if c.strategy != StrategyImmediate {
		return
	}
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if _, err := c.drainLocked(ctx, 0); err != nil {
		c.logger.Warn("Immediate sync failed, change stays queued", "session_id", id, "op", string(op), "err", err)
	}
}

// enqueueCurrent queues the local copy of id as an update.
func (c *Coordinator) enqueueCurrent(ctx context.Context, id string) {
	s, err := c.local.GetSession(ctx, id)
	if err != nil {
		c.logger.Warn("Changed session vanished before it was queued", "session_id", id, "err", err)
		return
	}
	c.enqueue(ctx, OpUpdate, id, s)
}

// Sync applies every queued change once.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	_, err := c.drainLocked(ctx, 0)
	return err
}

// drainLocked retries recorded conflicts, then applies up to limit entries
// (all when limit is 0) in queue order. After a failure for a session, later
// entries for it wait for the next pass. Entries failing maxAttempts times
// are dropped; a dropped update triggers conflict detection, which records
// the session until a later pass reconciles it. Caller holds drainMu.
func (c *Coordinator) drainLocked(ctx context.Context, limit int) (int, error) {
	synced := c.retryConflicts(ctx)
	batch := c.queue.head(limit)
	if len(batch) == 0 {
		return synced, nil
	}

	blocked := make(map[string]bool)
	var errs []error
	var dropped []string
	for _, t := range batch {
		if blocked[t.SessionID] {
			continue
		}
		c.queue.mu.Lock()
		op, payload, version := t.Op, t.Payload.Clone(), t.version
		c.queue.mu.Unlock()

		err := c.apply(ctx, op, t.SessionID, payload)

		c.queue.mu.Lock()
		attempt := t.Retries + 1
		if err == nil {
			if t.version == version {
				c.queue.remove(t)
			}
			synced++
		} else {
			t.Retries++
			if t.Retries >= c.maxAttempts {
				c.queue.remove(t)
				if op == OpUpdate {
					dropped = append(dropped, t.SessionID)
				}
			} else {
				blocked[t.SessionID] = true
			}
		}
		c.queue.mu.Unlock()

		if err != nil {
			c.logger.Warn("Sync entry failed", "session_id", t.SessionID, "op", string(op), "attempt", attempt, "err", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", op, t.SessionID, err))
		}
	}

	for _, id := range dropped {
		c.logger.Error("Sync entry dropped after repeated failures", "session_id", id, "op", string(OpUpdate))
		c.emit(domain.Event{Name: domain.EventError, SessionID: id, Reason: "sync dropped"})
		c.detect(ctx, id)
	}

	now := time.Now().UTC()
	c.lastSync.Store(&now)
	c.emit(domain.Event{Name: domain.EventSyncComplete, Synced: synced, At: now})
	return synced, errors.Join(errs...)
}

// apply writes one change to the durable tier. Creates and updates import
// the local copy so both tiers share identity and updatedAt.
func (c *Coordinator) apply(ctx context.Context, op SyncOp, id string, payload *domain.Session) error {
	switch op {
	case OpCreate, OpUpdate:
		return c.durable.ImportSession(ctx, payload)
	case OpDelete:
		_, err := c.durable.DeleteSession(ctx, id)
		return err
	}
	return fmt.Errorf("unknown sync op %q", op)
}
