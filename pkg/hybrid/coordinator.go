// Package hybrid combines a fast local tier with a durable tier. Writes land
// in the local tier first and are queued for the durable tier; a sync
// strategy decides when the queue is drained.
package hybrid

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/events"
	"github.com/aretw0/termstore/pkg/ports"
	"github.com/aretw0/termstore/pkg/session"
)

// Strategy decides when queued changes reach the durable tier.
type Strategy string

const (
	// StrategyImmediate drains the queue before every mutating call returns.
	StrategyImmediate Strategy = "immediate"
	// StrategyEventual drains a bounded batch on every tick.
	StrategyEventual Strategy = "eventual"
	// StrategyManual drains only on Sync.
	StrategyManual Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyImmediate, StrategyEventual, StrategyManual:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown sync strategy %q", domain.ErrValidation, s)
}

const (
	DefaultSyncInterval   = 30 * time.Second
	DefaultBatchSize      = 50
	DefaultMaxAttempts    = 3
	DefaultReconcileLimit = 500
	DefaultRateLimit      = 10
	DefaultRateWindow     = time.Minute

	// OriginKey tags sessions copied into the local tier from the durable tier.
	OriginKey = "sync.origin"
	// OriginDurable is the OriginKey value of reconciled and read-through copies.
	OriginDurable = "durable"

	reconcileLockKey = "hybrid:reconcile"
)

// Coordinator is the hybrid session store.
type Coordinator struct {
	local   ports.SessionStore
	durable ports.SessionStore

	queue     *queue
	drainMu   sync.Mutex
	conflicts *conflictLog
	limiter   *rateLimiter
	locks     *session.Manager

	strategy       Strategy
	interval       time.Duration
	batchSize      int
	maxAttempts    int
	policy         ConflictPolicy
	reconcileLimit int
	rateLimit      int
	rateWindow     time.Duration
	locker         ports.DistributedLocker

	lastSync atomic.Pointer[time.Time]
	bus      *events.Bus
	logger   *slog.Logger

	unsubscribe func()
	started     atomic.Bool
	stop        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// Option configures the Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithStrategy(s Strategy) Option {
	return func(c *Coordinator) {
		c.strategy = s
	}
}

// WithSyncInterval sets the tick of the eventual strategy.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

// WithBatchSize bounds how many queue entries one eventual tick applies.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		c.batchSize = n
	}
}

// WithMaxAttempts sets how many failed attempts drop a queue entry.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		c.maxAttempts = n
	}
}

func WithConflictPolicy(p ConflictPolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithReconcileLimit bounds how many durable sessions Start enumerates.
func WithReconcileLimit(n int) Option {
	return func(c *Coordinator) {
		c.reconcileLimit = n
	}
}

// WithRateLimit allows at most n creations per project within window.
func WithRateLimit(n int, window time.Duration) Option {
	return func(c *Coordinator) {
		c.rateLimit = n
		c.rateWindow = window
	}
}

// WithLocker makes startup reconciliation exclusive across replicas.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(c *Coordinator) {
		c.locker = locker
	}
}

// New creates a coordinator over the two tiers. The coordinator owns both
// stores and closes them on Close. Call Start to reconcile and begin syncing.
func New(local, durable ports.SessionStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:          local,
		durable:        durable,
		queue:          &queue{},
		conflicts:      newConflictLog(),
		strategy:       StrategyEventual,
		interval:       DefaultSyncInterval,
		batchSize:      DefaultBatchSize,
		maxAttempts:    DefaultMaxAttempts,
		policy:         PolicyLatestWins,
		reconcileLimit: DefaultReconcileLimit,
		rateLimit:      DefaultRateLimit,
		rateWindow:     DefaultRateWindow,
		logger:         logging.NewNop(),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limiter = newRateLimiter(c.rateLimit, c.rateWindow)
	lockOpts := []session.Option{session.WithLogger(c.logger)}
	if c.locker != nil {
		lockOpts = append(lockOpts, session.WithLocker(c.locker))
	}
	c.locks = session.NewManager(lockOpts...)
	c.bus = events.NewBus(c.logger)
	c.unsubscribe = local.Subscribe(c.bus.Publish)
	return c
}

// Start reconciles the tiers and, under the eventual strategy, starts the
// sync ticker. It is a no-op after the first call.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.Reconcile(ctx); err != nil {
		return err
	}
	if c.strategy == StrategyEventual && c.interval > 0 {
		c.wg.Add(1)
		go c.syncLoop()
	}
	return nil
}

func (c *Coordinator) syncLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.drainMu.TryLock() {
				continue
			}
			if _, err := c.drainLocked(context.Background(), c.batchSize); err != nil {
				c.logger.Warn("Eventual sync left entries queued", "op", "sync", "err", err)
			}
			c.drainMu.Unlock()
		}
	}
}

func (c *Coordinator) Mode() domain.ProviderMode {
	return domain.ModeHybrid
}

// Local returns the local tier.
func (c *Coordinator) Local() ports.SessionStore {
	return c.local
}

// Durable returns the durable tier.
func (c *Coordinator) Durable() ports.SessionStore {
	return c.durable
}

func (c *Coordinator) Subscribe(h events.Handler) func() {
	return c.bus.SubscribeAll(h)
}

func (c *Coordinator) emit(e domain.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	c.bus.Publish(e)
}

// QueueDepth returns the number of changes waiting for the durable tier.
func (c *Coordinator) QueueDepth() int {
	return c.queue.len()
}

// Pending returns a copy of the queued changes, oldest first.
func (c *Coordinator) Pending() []SyncTask {
	return c.queue.snapshot()
}

// Close stops the ticker, attempts a last drain and closes both tiers.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if c.queue.len() > 0 {
			if serr := c.Sync(context.Background()); serr != nil {
				c.logger.Warn("Queued changes lost on close", "queued", c.queue.len(), "err", serr)
			}
		}
		c.unsubscribe()
		lerr := c.local.Close()
		derr := c.durable.Close()
		if lerr != nil {
			err = lerr
		} else {
			err = derr
		}
	})
	return err
}
