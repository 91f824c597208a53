// Package durable implements the durable tier: a session store on top of a
// ports.DurableBackend with bounded retries, a read-through TTL cache and an
// append-only suspension archive.
package durable

import (
	"context"
	"errors"
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
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxSessions   = 1000
	DefaultMaxFocused    = 10
	DefaultAttempts      = 3
	DefaultRetryDelay    = time.Second
	DefaultCacheTTL      = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	// DefaultRetention is how long closed and errored sessions are kept before Cleanup removes them.
	DefaultRetention = 24 * time.Hour
)

// Provider is the durable tier session store.
type Provider struct {
	backend ports.DurableBackend
	locks   *session.Manager
	cache   *cache
	loads   singleflight.Group

	// createMu makes the capacity check and the insert one unit.
	createMu sync.Mutex

	attempts      int
	delay         time.Duration
	maxSessions   int
	maxFocused    int
	maxOutput     int
	sweepInterval time.Duration
	retention     time.Duration
	locker        ports.DistributedLocker

	clock  *domain.Clock
	bus    *events.Bus
	logger *slog.Logger

	sweeping  atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures the Provider.
type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithRetry sets the attempt bound and the fixed delay between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(p *Provider) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.delay = delay
	}
}

// WithCache sets the read-through cache TTL and the interval of its sweep.
// A zero TTL disables caching.
func WithCache(ttl, sweep time.Duration) Option {
	return func(p *Provider) {
		p.cache = newCache(ttl)
		p.sweepInterval = sweep
	}
}

func WithMaxSessions(n int) Option {
	return func(p *Provider) {
		p.maxSessions = n
	}
}

func WithMaxFocused(n int) Option {
	return func(p *Provider) {
		p.maxFocused = n
	}
}

func WithMaxOutputLines(n int) Option {
	return func(p *Provider) {
		p.maxOutput = n
	}
}

// WithRetention sets how long terminal sessions survive before Cleanup deletes them.
func WithRetention(d time.Duration) Option {
	return func(p *Provider) {
		p.retention = d
	}
}

// WithLocker serializes per-session writes across replicas sharing the backend.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(p *Provider) {
		p.locker = locker
	}
}

func WithClock(c *domain.Clock) Option {
	return func(p *Provider) {
		p.clock = c
	}
}

// New creates a durable provider on top of backend. The provider owns the
// backend and closes it on Close.
func New(backend ports.DurableBackend, opts ...Option) *Provider {
	p := &Provider{
		backend:       backend,
		cache:         newCache(DefaultCacheTTL),
		attempts:      DefaultAttempts,
		delay:         DefaultRetryDelay,
		maxSessions:   DefaultMaxSessions,
		maxFocused:    DefaultMaxFocused,
		maxOutput:     domain.DefaultMaxOutputLines,
		sweepInterval: DefaultSweepInterval,
		retention:     DefaultRetention,
		clock:         &domain.Clock{},
		logger:        logging.NewNop(),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	lockOpts := []session.Option{session.WithLogger(p.logger)}
	if p.locker != nil {
		lockOpts = append(lockOpts, session.WithLocker(p.locker))
	}
	p.locks = session.NewManager(lockOpts...)
	p.bus = events.NewBus(p.logger)

	if p.sweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	return p
}

func (p *Provider) Mode() domain.ProviderMode {
	return domain.ModeDurable
}

// Locker returns the distributed locker serializing writes, or nil.
func (p *Provider) Locker() ports.DistributedLocker {
	return p.locker
}

func (p *Provider) Subscribe(h events.Handler) func() {
	return p.bus.SubscribeAll(h)
}

func (p *Provider) emit(e domain.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	p.bus.Publish(e)
}

// row strips the suspension snapshot, which lives in the archive instead.
func row(s *domain.Session) *domain.Session {
	r := s.Clone()
	r.SuspensionState = nil
	return r
}

// load reads a session from the backend, bypassing the cache, and attaches
// its latest suspension record when suspended.
func (p *Provider) load(ctx context.Context, id string) (*domain.Session, error) {
	s, err := retry(ctx, p, "get", func(ctx context.Context) (*domain.Session, error) {
		return p.backend.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if err := p.hydrate(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider) hydrate(ctx context.Context, s *domain.Session) error {
	if s.Status != domain.StatusSuspended || s.SuspensionState != nil {
		return nil
	}
	rec, err := retry(ctx, p, "get suspension", func(ctx context.Context) (*domain.SuspensionRecord, error) {
		return p.backend.LatestSuspension(ctx, s.ID)
	})
	if err != nil {
		return err
	}
	if rec != nil {
		st := rec.State
		s.SuspensionState = &st
	}
	return nil
}

func (p *Provider) hydrateAll(ctx context.Context, sessions []*domain.Session) error {
	for _, s := range sessions {
		if err := p.hydrate(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession validates params, enforces the capacity bound and persists the new session.
func (p *Provider) CreateSession(ctx context.Context, params domain.CreateParams) (*domain.Session, error) {
	if err := domain.ValidateCreate(params); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()

	n, err := retry(ctx, p, "count", p.backend.Count)
	if err != nil {
		return nil, err
	}
	if n >= p.maxSessions {
		return nil, &domain.StorageError{
			Kind:      domain.ErrCapacityExceeded,
			Op:        "create",
			ProjectID: params.ProjectID,
			Detail:    fmt.Sprintf("%d of %d sessions stored", n, p.maxSessions),
		}
	}
	tab, err := retry(ctx, p, "next tab", func(ctx context.Context) (int, error) {
		return p.backend.NextTab(ctx, params.ProjectID)
	})
	if err != nil {
		return nil, err
	}
	s := domain.NewSession(id.String(), tab, params, p.clock.Now())
	if params.AutoFocus {
		focused, err := retry(ctx, p, "focused", func(ctx context.Context) ([]string, error) {
			return p.backend.FocusedIDs(ctx, params.ProjectID)
		})
		if err != nil {
			return nil, err
		}
		s.IsFocused = len(focused) < p.maxFocused
	}
	if err := exec(ctx, p, "create", func(ctx context.Context) error {
		return p.backend.Put(ctx, s)
	}); err != nil {
		return nil, err
	}
	p.cache.put(s, p.cache.generation())
	p.emit(domain.Event{Name: domain.EventSessionCreated, SessionID: s.ID, ProjectID: s.ProjectID, At: s.CreatedAt})
	return s.Clone(), nil
}

// ImportSession upserts s under its own identity. A suspension snapshot
// carried by s is archived unless it is already the latest record.
func (p *Provider) ImportSession(ctx context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" {
		return &domain.StorageError{Kind: domain.ErrValidation, Op: "import", Detail: "session id is required"}
	}
	if s.ProjectID == "" {
		return &domain.StorageError{Kind: domain.ErrValidation, Op: "import", SessionID: s.ID, Detail: "projectId is required"}
	}
	return p.locks.WithLock(ctx, s.ID, func(ctx context.Context) error {
		if s.SuspensionState != nil {
			if err := p.archiveIfNew(ctx, s.ID, *s.SuspensionState); err != nil {
				return err
			}
		}
		if err := exec(ctx, p, "import", func(ctx context.Context) error {
			return p.backend.Put(ctx, row(s))
		}); err != nil {
			return err
		}
		p.invalidate(s.ID)
		if n := domain.TabNumber(s.TabName); n > 0 {
			return exec(ctx, p, "ensure tab", func(ctx context.Context) error {
				return p.backend.EnsureTab(ctx, s.ProjectID, n)
			})
		}
		return nil
	})
}

func (p *Provider) archiveIfNew(ctx context.Context, id string, st domain.SuspensionState) error {
	latest, err := retry(ctx, p, "get suspension", func(ctx context.Context) (*domain.SuspensionRecord, error) {
		return p.backend.LatestSuspension(ctx, id)
	})
	if err != nil {
		return err
	}
	if latest != nil && latest.State.SuspendedAt.Equal(st.SuspendedAt) {
		return nil
	}
	return p.archive(ctx, id, st)
}

func (p *Provider) archive(ctx context.Context, id string, st domain.SuspensionState) error {
	rec := domain.SuspensionRecord{ID: uuid.NewString(), SessionID: id, State: st}
	return exec(ctx, p, "archive suspension", func(ctx context.Context) error {
		return p.backend.AppendSuspension(ctx, rec)
	})
}

// GetSession serves from the cache, collapsing concurrent misses of one id
// into a single backend read.
func (p *Provider) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if s, ok := p.cache.get(id); ok {
		return s, nil
	}
	v, err, _ := p.loads.Do(id, func() (any, error) {
		since := p.cache.generation()
		s, err := p.load(ctx, id)
		if err != nil {
			return nil, err
		}
		p.cache.put(s, since)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session).Clone(), nil
}

// invalidate drops cached copies of ids and detaches in-flight loads of them,
// so the next GetSession reads the backend again.
func (p *Provider) invalidate(ids ...string) {
	p.cache.invalidate(ids...)
	for _, id := range ids {
		p.loads.Forget(id)
	}
}

// UpdateSession merges update into the stored session.
func (p *Provider) UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	var projectID string
	err := p.locks.WithLock(ctx, id, func(ctx context.Context) error {
		s, err := p.load(ctx, id)
		if err != nil {
			return err
		}
		domain.ApplyUpdate(s, update, p.maxOutput, p.clock.Now())
		projectID = s.ProjectID
		if err := exec(ctx, p, "update", func(ctx context.Context) error {
			return p.backend.Put(ctx, row(s))
		}); err != nil {
			return err
		}
		p.invalidate(id)
		return nil
	})
	if err != nil {
		return err
	}
	p.emit(domain.Event{Name: domain.EventSessionUpdated, SessionID: id, ProjectID: projectID, Fields: update.Fields()})
	return nil
}

// DeleteSession removes an unprotected session and its suspension archive.
func (p *Provider) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted *domain.Session
	err := p.locks.WithLock(ctx, id, func(ctx context.Context) error {
		s, err := p.load(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.Protected() {
			return protectedError("delete", s)
		}
		ok, err := retry(ctx, p, "delete", func(ctx context.Context) (bool, error) {
			return p.backend.Delete(ctx, id)
		})
		if err != nil {
			return err
		}
		p.invalidate(id)
		if ok {
			deleted = s
		}
		return nil
	})
	if err != nil || deleted == nil {
		return false, err
	}
	p.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: id, ProjectID: deleted.ProjectID})
	return true, nil
}

func protectedError(op string, s *domain.Session) error {
	reason := string(s.Status)
	if s.IsFocused {
		reason = "focused"
	}
	return &domain.StorageError{
		Kind:      domain.ErrProtectedState,
		Op:        op,
		SessionID: s.ID,
		Detail:    reason + " sessions cannot be deleted",
	}
}

func (p *Provider) ListSessions(ctx context.Context, projectID string, opts domain.ListOptions) ([]*domain.Session, error) {
	sessions, err := retry(ctx, p, "list", func(ctx context.Context) ([]*domain.Session, error) {
		return p.backend.ListByProject(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	if err := p.hydrateAll(ctx, sessions); err != nil {
		return nil, err
	}
	return domain.ApplyListOptions(sessions, opts), nil
}

// BulkUpdate applies every update in one backend batch, or none if any id is unknown.
func (p *Provider) BulkUpdate(ctx context.Context, updates []domain.BulkUpdate) error {
	ids := make([]string, len(updates))
	for i, u := range updates {
		if err := u.Update.Validate(); err != nil {
			return err
		}
		ids[i] = u.ID
	}

	var evts []domain.Event
	err := p.locks.WithLocks(ctx, ids, func(ctx context.Context) error {
		loaded := make(map[string]*domain.Session, len(updates))
		for _, u := range updates {
			if _, ok := loaded[u.ID]; ok {
				continue
			}
			s, err := p.load(ctx, u.ID)
			if err != nil {
				return err
			}
			loaded[u.ID] = s
		}
		for _, u := range updates {
			s := loaded[u.ID]
			domain.ApplyUpdate(s, u.Update, p.maxOutput, p.clock.Now())
			evts = append(evts, domain.Event{Name: domain.EventSessionUpdated, SessionID: u.ID, ProjectID: s.ProjectID, Fields: u.Update.Fields()})
		}
		puts := make([]*domain.Session, 0, len(loaded))
		for _, s := range loaded {
			puts = append(puts, row(s))
		}
		if err := exec(ctx, p, "bulk update", func(ctx context.Context) error {
			return p.backend.Batch(ctx, puts, nil)
		}); err != nil {
			return err
		}
		p.invalidate(ids...)
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range evts {
		p.emit(e)
	}
	return nil
}

// BulkDelete deletes the listed sessions in one backend batch. Unknown ids
// are skipped; a protected session fails the whole batch.
func (p *Provider) BulkDelete(ctx context.Context, ids []string) (int, error) {
	var doomed []*domain.Session
	err := p.locks.WithLocks(ctx, ids, func(ctx context.Context) error {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			s, err := p.load(ctx, id)
			if errors.Is(err, domain.ErrSessionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if s.Protected() {
				return protectedError("bulk delete", s)
			}
			doomed = append(doomed, s)
		}
		if len(doomed) == 0 {
			return nil
		}
		deletes := make([]string, len(doomed))
		for i, s := range doomed {
			deletes[i] = s.ID
		}
		if err := exec(ctx, p, "bulk delete", func(ctx context.Context) error {
			return p.backend.Batch(ctx, nil, deletes)
		}); err != nil {
			return err
		}
		p.invalidate(deletes...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, s := range doomed {
		p.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: s.ID, ProjectID: s.ProjectID})
	}
	return len(doomed), nil
}

// SuspendSession archives a suspension record and marks the session suspended.
func (p *Provider) SuspendSession(ctx context.Context, id string) error {
	var projectID string
	err := p.locks.WithLock(ctx, id, func(ctx context.Context) error {
		s, err := p.load(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Suspend(p.clock.Now()); err != nil {
			return err
		}
		projectID = s.ProjectID
		if err := p.archive(ctx, id, *s.SuspensionState); err != nil {
			return err
		}
		if err := exec(ctx, p, "suspend", func(ctx context.Context) error {
			return p.backend.Put(ctx, row(s))
		}); err != nil {
			return err
		}
		p.invalidate(id)
		return nil
	})
	if err != nil {
		return err
	}
	p.emit(domain.Event{Name: domain.EventSessionSuspended, SessionID: id, ProjectID: projectID})
	return nil
}

// ResumeSession applies the latest suspension record and removes it from the archive.
func (p *Provider) ResumeSession(ctx context.Context, id string) (*domain.ResumeResult, error) {
	var res *domain.ResumeResult
	err := p.locks.WithLock(ctx, id, func(ctx context.Context) error {
		s, err := retry(ctx, p, "get", func(ctx context.Context) (*domain.Session, error) {
			return p.backend.Get(ctx, id)
		})
		if err != nil {
			return err
		}
		var rec *domain.SuspensionRecord
		if s.Status == domain.StatusSuspended {
			rec, err = retry(ctx, p, "get suspension", func(ctx context.Context) (*domain.SuspensionRecord, error) {
				return p.backend.LatestSuspension(ctx, id)
			})
			if err != nil {
				return err
			}
			if rec != nil {
				st := rec.State
				s.SuspensionState = &st
			}
		}
		buffered, err := s.Resume(p.clock.Now())
		if err != nil {
			return err
		}
		if err := exec(ctx, p, "resume", func(ctx context.Context) error {
			return p.backend.Put(ctx, row(s))
		}); err != nil {
			return err
		}
		if err := exec(ctx, p, "remove suspension", func(ctx context.Context) error {
			return p.backend.RemoveSuspension(ctx, id, rec.ID)
		}); err != nil {
			return err
		}
		p.invalidate(id)
		res = &domain.ResumeResult{Session: s, BufferedOutput: buffered}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.emit(domain.Event{Name: domain.EventSessionResumed, SessionID: id, ProjectID: res.Session.ProjectID})
	return res, nil
}

// SuspensionHistory returns the archived suspension records of a session, oldest first.
func (p *Provider) SuspensionHistory(ctx context.Context, id string) ([]domain.SuspensionRecord, error) {
	return retry(ctx, p, "suspension history", func(ctx context.Context) ([]domain.SuspensionRecord, error) {
		return p.backend.SuspensionHistory(ctx, id)
	})
}

func (p *Provider) FindSessions(ctx context.Context, q domain.Query) ([]*domain.Session, error) {
	sessions, err := p.scan(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}
	out := q.Filter(sessions)
	if err := p.hydrateAll(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) CountSessions(ctx context.Context, q domain.Query) (int, error) {
	if q.ProjectID == "" && q.UserID == "" && q.Mode == "" && len(q.Statuses) == 0 && q.Focused == nil && q.WSConnected == nil {
		return retry(ctx, p, "count", p.backend.Count)
	}
	sessions, err := p.scan(ctx, q.ProjectID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if q.Matches(s) {
			n++
		}
	}
	return n, nil
}

// scan lists one project when projectID is set, otherwise every session.
func (p *Provider) scan(ctx context.Context, projectID string) ([]*domain.Session, error) {
	return retry(ctx, p, "scan", func(ctx context.Context) ([]*domain.Session, error) {
		if projectID != "" {
			return p.backend.ListByProject(ctx, projectID)
		}
		return p.backend.ListAll(ctx, 0)
	})
}

// ListAll returns up to limit sessions in creation order, for reconciliation and migration.
func (p *Provider) ListAll(ctx context.Context, limit int) ([]*domain.Session, error) {
	sessions, err := retry(ctx, p, "list all", func(ctx context.Context) ([]*domain.Session, error) {
		return p.backend.ListAll(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	if err := p.hydrateAll(ctx, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Sync is a no-op: the durable tier is the last tier.
func (p *Provider) Sync(ctx context.Context) error {
	return nil
}

// Flush is a no-op: every write reaches the backend before returning.
func (p *Provider) Flush(ctx context.Context) error {
	return nil
}

func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		err = p.backend.Close()
	})
	return err
}
