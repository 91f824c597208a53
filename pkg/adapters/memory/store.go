package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/termstore/internal/adapters/file"
	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/events"
	"github.com/google/uuid"
)

const (
	DefaultMaxSessions   = 50
	DefaultMaxFocused    = 10
	DefaultFlushInterval = 30 * time.Second
	DefaultSweepInterval = time.Minute
	// DefaultGracePeriod is how long closed and errored sessions survive before the sweep removes them.
	DefaultGracePeriod = 5 * time.Minute
)

// Store is the local tier: an in-memory session store with capacity
// eviction, a per-project focus limit and an optional disk snapshot.
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	projects map[string]map[string]struct{}
	focused  map[string]map[string]struct{}
	tabs     map[string]int

	// activity is guarded separately so reads can record it under the read lock.
	activityMu sync.Mutex
	activity   map[string]time.Time

	// flushMu makes capture and save of one snapshot a single unit.
	flushMu   sync.Mutex
	dirty     atomic.Bool
	lastFlush atomic.Pointer[time.Time]
	flushErr  atomic.Pointer[string]
	flushing  atomic.Bool
	sweeping  atomic.Bool

	maxSessions   int
	maxFocused    int
	maxOutput     int
	flushInterval time.Duration
	sweepInterval time.Duration
	grace         time.Duration
	snapshot      *file.Store

	clock  *domain.Clock
	bus    *events.Bus
	logger *slog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures the Store.
type Option func(*Store)

// WithLogger configures a logger for background failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMaxSessions bounds the number of live sessions.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		s.maxSessions = n
	}
}

// WithMaxFocused bounds the number of focused sessions per project.
func WithMaxFocused(n int) Option {
	return func(s *Store) {
		s.maxFocused = n
	}
}

// WithMaxOutputLines bounds each session's output buffer.
func WithMaxOutputLines(n int) Option {
	return func(s *Store) {
		s.maxOutput = n
	}
}

// WithSnapshot enables disk persistence to the given file, flushed every interval when dirty.
func WithSnapshot(path string, interval time.Duration) Option {
	return func(s *Store) {
		s.snapshot = file.New(path)
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithSweep sets the interval of the background sweep and the grace period
// granted to closed and errored sessions.
func WithSweep(interval, grace time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = interval
		s.grace = grace
	}
}

// WithClock replaces the timestamp source.
func WithClock(c *domain.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New creates a local store. When a snapshot is configured, it is loaded
// before the store is returned. Background timers run until Close.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		sessions:      make(map[string]*domain.Session),
		projects:      make(map[string]map[string]struct{}),
		focused:       make(map[string]map[string]struct{}),
		tabs:          make(map[string]int),
		activity:      make(map[string]time.Time),
		maxSessions:   DefaultMaxSessions,
		maxFocused:    DefaultMaxFocused,
		maxOutput:     domain.DefaultMaxOutputLines,
		flushInterval: DefaultFlushInterval,
		sweepInterval: DefaultSweepInterval,
		grace:         DefaultGracePeriod,
		clock:         &domain.Clock{},
		logger:        logging.NewNop(),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = events.NewBus(s.logger)

	if s.snapshot != nil {
		if err := s.load(); err != nil {
			return nil, err
		}
		s.every(s.flushInterval, s.flushTick)
	}
	if s.sweepInterval > 0 {
		s.every(s.sweepInterval, s.sweepTick)
	}
	return s, nil
}

// Mode returns domain.ModeLocal.
func (s *Store) Mode() domain.ProviderMode {
	return domain.ModeLocal
}

// Subscribe registers h for every event this store emits.
func (s *Store) Subscribe(h events.Handler) func() {
	return s.bus.SubscribeAll(h)
}

func (s *Store) emit(e domain.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.bus.Publish(e)
}

// CreateSession stores a new session, evicting one if the store is full.
func (s *Store) CreateSession(ctx context.Context, params domain.CreateParams) (*domain.Session, error) {
	if err := domain.ValidateCreate(params); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	s.mu.Lock()
	var evicted *domain.Session
	if len(s.sessions) >= s.maxSessions {
		evicted = s.evictionCandidate()
		if evicted == nil {
			s.mu.Unlock()
			return nil, &domain.StorageError{
				Kind:      domain.ErrCapacityExceeded,
				Op:        "create",
				ProjectID: params.ProjectID,
				Detail:    fmt.Sprintf("%d sessions, none evictable", len(s.sessions)),
			}
		}
		s.removeLocked(evicted.ID)
	}

	s.tabs[params.ProjectID]++
	sess := domain.NewSession(id.String(), s.tabs[params.ProjectID], params, s.clock.Now())
	if params.AutoFocus && len(s.focused[params.ProjectID]) < s.maxFocused {
		sess.IsFocused = true
	}
	s.insertLocked(sess)
	out := sess.Clone()
	s.markActive(sess.ID)
	s.mu.Unlock()

	s.dirty.Store(true)
	if evicted != nil {
		s.logger.Info("Session evicted", "session_id", evicted.ID, "status", evicted.Status)
		s.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: evicted.ID, ProjectID: evicted.ProjectID, Reason: "evicted"})
	}
	s.emit(domain.Event{Name: domain.EventSessionCreated, SessionID: out.ID, ProjectID: out.ProjectID, At: out.CreatedAt})
	return out, nil
}

// ImportSession stores a copy of sess under its own identity, replacing any
// previous copy. Imports never evict: the store refuses them when full.
func (s *Store) ImportSession(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return &domain.StorageError{Kind: domain.ErrValidation, Op: "import", Detail: "session id is required"}
	}
	if sess.ProjectID == "" {
		return &domain.StorageError{Kind: domain.ErrValidation, Op: "import", SessionID: sess.ID, Detail: "projectId is required"}
	}
	c := sess.Clone()

	s.mu.Lock()
	prev, exists := s.sessions[c.ID]
	if !exists && len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		return &domain.StorageError{Kind: domain.ErrCapacityExceeded, Op: "import", SessionID: c.ID}
	}
	if exists {
		s.removeLocked(prev.ID)
	}
	if c.IsFocused && len(s.focused[c.ProjectID]) >= s.maxFocused {
		c.IsFocused = false
	}
	if n := domain.TabNumber(c.TabName); n > s.tabs[c.ProjectID] {
		s.tabs[c.ProjectID] = n
	}
	s.insertLocked(c)
	s.markActive(c.ID)
	s.mu.Unlock()

	s.dirty.Store(true)
	return nil
}

// GetSession returns a copy of the session.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	var out *domain.Session
	if ok {
		out = sess.Clone()
		s.markActive(id)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NotFound("get", id)
	}
	return out, nil
}

// UpdateSession merges the update into the stored session.
func (s *Store) UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("update", id)
	}
	domain.ApplyUpdate(sess, update, s.maxOutput, s.clock.Now())
	projectID := sess.ProjectID
	s.markActive(id)
	s.mu.Unlock()

	s.dirty.Store(true)
	s.emit(domain.Event{Name: domain.EventSessionUpdated, SessionID: id, ProjectID: projectID, Fields: update.Fields()})
	return nil
}

// DeleteSession removes an unprotected session from every index.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if sess.Protected() {
		s.mu.Unlock()
		return false, protectedError("delete", sess)
	}
	s.removeLocked(id)
	s.mu.Unlock()

	s.dirty.Store(true)
	s.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: id, ProjectID: sess.ProjectID})
	return true, nil
}

func protectedError(op string, sess *domain.Session) error {
	reason := string(sess.Status)
	if sess.IsFocused {
		reason = "focused"
	}
	return &domain.StorageError{
		Kind:      domain.ErrProtectedState,
		Op:        op,
		SessionID: sess.ID,
		Detail:    reason + " sessions cannot be deleted",
	}
}

// ListSessions returns the sessions of one project.
func (s *Store) ListSessions(ctx context.Context, projectID string, opts domain.ListOptions) ([]*domain.Session, error) {
	s.mu.RLock()
	ids := s.projects[projectID]
	out := make([]*domain.Session, 0, len(ids))
	for id := range ids {
		out = append(out, s.sessions[id].Clone())
	}
	s.mu.RUnlock()
	return domain.ApplyListOptions(out, opts), nil
}

// BulkUpdate validates every entry before applying any of them.
func (s *Store) BulkUpdate(ctx context.Context, updates []domain.BulkUpdate) error {
	for _, u := range updates {
		if err := u.Update.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for _, u := range updates {
		if _, ok := s.sessions[u.ID]; !ok {
			s.mu.Unlock()
			return domain.NotFound("bulk update", u.ID)
		}
	}
	evts := make([]domain.Event, 0, len(updates))
	for _, u := range updates {
		sess := s.sessions[u.ID]
		domain.ApplyUpdate(sess, u.Update, s.maxOutput, s.clock.Now())
		s.markActive(u.ID)
		evts = append(evts, domain.Event{Name: domain.EventSessionUpdated, SessionID: u.ID, ProjectID: sess.ProjectID, Fields: u.Update.Fields()})
	}
	s.mu.Unlock()

	s.dirty.Store(true)
	for _, e := range evts {
		s.emit(e)
	}
	return nil
}

// BulkDelete removes the listed sessions. Unknown ids are skipped; a single
// protected session fails the whole batch.
func (s *Store) BulkDelete(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok && sess.Protected() {
			s.mu.Unlock()
			return 0, protectedError("bulk delete", sess)
		}
	}
	var removed []*domain.Session
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok {
			s.removeLocked(id)
			removed = append(removed, sess)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.dirty.Store(true)
	}
	for _, sess := range removed {
		s.emit(domain.Event{Name: domain.EventSessionDeleted, SessionID: sess.ID, ProjectID: sess.ProjectID})
	}
	return len(removed), nil
}

// SuspendSession captures the session's snapshot and marks it suspended.
func (s *Store) SuspendSession(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("suspend", id)
	}
	if err := sess.Suspend(s.clock.Now()); err != nil {
		s.mu.Unlock()
		return err
	}
	projectID := sess.ProjectID
	s.markActive(id)
	s.mu.Unlock()

	s.dirty.Store(true)
	s.emit(domain.Event{Name: domain.EventSessionSuspended, SessionID: id, ProjectID: projectID})
	return nil
}

// ResumeSession restores a suspended session and returns its buffered output.
func (s *Store) ResumeSession(ctx context.Context, id string) (*domain.ResumeResult, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.NotFound("resume", id)
	}
	buffered, err := sess.Resume(s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := sess.Clone()
	s.markActive(id)
	s.mu.Unlock()

	s.dirty.Store(true)
	s.emit(domain.Event{Name: domain.EventSessionResumed, SessionID: id, ProjectID: out.ProjectID})
	return &domain.ResumeResult{Session: out, BufferedOutput: buffered}, nil
}

// FindSessions returns the sessions matching q in creation order.
func (s *Store) FindSessions(ctx context.Context, q domain.Query) ([]*domain.Session, error) {
	s.mu.RLock()
	candidates := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if q.Matches(sess) {
			candidates = append(candidates, sess.Clone())
		}
	}
	s.mu.RUnlock()
	return q.Filter(candidates), nil
}

// CountSessions counts the sessions matching q, ignoring q.Limit.
func (s *Store) CountSessions(ctx context.Context, q domain.Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if q.Matches(sess) {
			n++
		}
	}
	return n, nil
}

// Sync is a no-op: the local tier has no downstream tier.
func (s *Store) Sync(ctx context.Context) error {
	return nil
}

// Close stops the background timers and writes a final snapshot.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if s.snapshot != nil && s.dirty.Load() {
			err = s.flush()
		}
	})
	return err
}

// insertLocked adds sess to every index. Caller holds mu.
func (s *Store) insertLocked(sess *domain.Session) {
	s.sessions[sess.ID] = sess
	addToSet(s.projects, sess.ProjectID, sess.ID)
	if sess.IsFocused {
		addToSet(s.focused, sess.ProjectID, sess.ID)
	}
}

// removeLocked drops id from every index. Caller holds mu.
func (s *Store) removeLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	removeFromSet(s.projects, sess.ProjectID, id)
	removeFromSet(s.focused, sess.ProjectID, id)
	s.activityMu.Lock()
	delete(s.activity, id)
	s.activityMu.Unlock()
}

func addToSet(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
