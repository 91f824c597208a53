package durable_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/termstore/pkg/adapters/redis"
	"github.com/aretw0/termstore/pkg/adapters/sqlite"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/durable"
	"github.com/aretw0/termstore/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset by peer")

// flakyBackend fails the next `failures` Get calls with a transport error.
type flakyBackend struct {
	ports.DurableBackend
	failures atomic.Int32
	gets     atomic.Int32
}

func (f *flakyBackend) Get(ctx context.Context, id string) (*domain.Session, error) {
	f.gets.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errFlaky
	}
	return f.DurableBackend.Get(ctx, id)
}

func redisBackend(t *testing.T) *redis.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}))
}

func newProvider(t *testing.T, b ports.DurableBackend, opts ...durable.Option) *durable.Provider {
	t.Helper()
	p := durable.New(b, append([]durable.Option{durable.WithRetry(3, time.Millisecond)}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func params(project string) domain.CreateParams {
	return domain.CreateParams{ProjectID: project, ProjectPath: "/work/" + project, Mode: domain.ModeNormal}
}

func TestDurableProvider_Contract_Redis(t *testing.T) {
	ports.RunSessionStoreContract(t, func(t *testing.T) ports.SessionStore {
		return newProvider(t, redisBackend(t))
	})
}

func TestDurableProvider_Contract_SQLite(t *testing.T) {
	ports.RunSessionStoreContract(t, func(t *testing.T) ports.SessionStore {
		b, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
		require.NoError(t, err)
		return newProvider(t, b)
	})
}

func TestDurableProvider_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyBackend{DurableBackend: redisBackend(t)}
	p := newProvider(t, flaky, durable.WithCache(0, 0))

	s, err := p.CreateSession(ctx, params("retry"))
	require.NoError(t, err)

	flaky.gets.Store(0)
	flaky.failures.Store(2)
	got, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, int32(3), flaky.gets.Load())
}

func TestDurableProvider_GivesUpAfterAttempts(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyBackend{DurableBackend: redisBackend(t)}
	p := newProvider(t, flaky, durable.WithCache(0, 0))

	s, err := p.CreateSession(ctx, params("retry"))
	require.NoError(t, err)

	flaky.gets.Store(0)
	flaky.failures.Store(10)
	_, err = p.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, err, errFlaky, "the last cause stays reachable")
	assert.Equal(t, int32(3), flaky.gets.Load())
}

func TestDurableProvider_NotFoundIsNotRetried(t *testing.T) {
	flaky := &flakyBackend{DurableBackend: redisBackend(t)}
	p := newProvider(t, flaky)

	_, err := p.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, int32(1), flaky.gets.Load())
}

func TestDurableProvider_UnreachableBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	p := newProvider(t, redis.NewFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()})))
	mr.Close()

	_, err := p.CreateSession(context.Background(), params("down"))
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.False(t, p.HealthCheck(context.Background()).Healthy)
}

func TestDurableProvider_CanceledContextStopsRetrying(t *testing.T) {
	flaky := &flakyBackend{DurableBackend: redisBackend(t)}
	flaky.failures.Store(10)
	p := durable.New(flaky, durable.WithRetry(3, time.Hour), durable.WithCache(0, 0))
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDurableProvider_CacheServesRepeatedReads(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyBackend{DurableBackend: redisBackend(t)}
	p := newProvider(t, flaky)

	s, err := p.CreateSession(ctx, params("cache"))
	require.NoError(t, err)

	flaky.gets.Store(0)
	for range 5 {
		_, err := p.GetSession(ctx, s.ID)
		require.NoError(t, err)
	}
	assert.Zero(t, flaky.gets.Load(), "created sessions are cached")

	require.NoError(t, p.UpdateSession(ctx, s.ID, domain.SessionUpdate{CurrentPath: domain.Ptr("/tmp")}))
	got, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", got.CurrentPath, "writes invalidate the cache")

	got.CurrentPath = "/mutated"
	again, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", again.CurrentPath, "callers receive copies")
}

func TestDurableProvider_ConcurrentMissesShareOneRead(t *testing.T) {
	ctx := context.Background()
	b := redisBackend(t)
	require.NoError(t, b.Put(ctx, &domain.Session{
		ID: "s1", ProjectID: "p", ProjectPath: "/p", Mode: domain.ModeNormal,
		TabName: domain.TabName(1), Status: domain.StatusInactive,
	}))
	flaky := &flakyBackend{DurableBackend: b}
	p := newProvider(t, flaky)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetSession(ctx, "s1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, flaky.gets.Load(), int32(20))
	assert.GreaterOrEqual(t, flaky.gets.Load(), int32(1))

	flaky.gets.Store(0)
	_, err := p.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, flaky.gets.Load())
}

func TestDurableProvider_CapacityBound(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, redisBackend(t), durable.WithMaxSessions(2))

	for range 2 {
		_, err := p.CreateSession(ctx, params("cap"))
		require.NoError(t, err)
	}
	_, err := p.CreateSession(ctx, params("cap"))
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestDurableProvider_FocusLimitUnfocusesOldest(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, redisBackend(t), durable.WithMaxFocused(2))

	var ids []string
	for range 3 {
		s, err := p.CreateSession(ctx, params("focus"))
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	require.NoError(t, p.SetSessionFocus(ctx, ids[0], true))
	require.NoError(t, p.SetSessionFocus(ctx, ids[1], true))
	require.NoError(t, p.UpdateSession(ctx, ids[0], domain.SessionUpdate{CurrentPath: domain.Ptr("/recent")}))

	require.NoError(t, p.SetSessionFocus(ctx, ids[2], true))
	focused, err := p.GetFocusedSessions(ctx, "focus")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[2]}, focused)
}

func TestDurableProvider_SuspensionArchive(t *testing.T) {
	ctx := context.Background()
	b := redisBackend(t)
	p := newProvider(t, b)

	s, err := p.CreateSession(ctx, params("arch"))
	require.NoError(t, err)
	require.NoError(t, p.UpdateSession(ctx, s.ID, domain.SessionUpdate{
		Status:       domain.Ptr(domain.StatusActive),
		AppendOutput: domain.Lines(time.Now(), "ls"),
	}))
	require.NoError(t, p.SuspendSession(ctx, s.ID))

	raw, err := b.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, raw.SuspensionState, "snapshots live in the archive, not the row")

	history, err := p.SuspensionHistory(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"ls"}, history[0].State.Output)

	got, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SuspensionState)
	assert.Equal(t, []string{"ls"}, got.SuspensionState.Output)

	require.NoError(t, p.ImportSession(ctx, got), "re-importing the same snapshot does not duplicate it")
	history, err = p.SuspensionHistory(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = p.ResumeSession(ctx, s.ID)
	require.NoError(t, err)
	history, err = p.SuspensionHistory(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDurableProvider_CleanupHonorsRetention(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, redisBackend(t), durable.WithRetention(time.Hour))

	old := time.Now().Add(-2 * time.Hour).UTC()
	for _, s := range []*domain.Session{
		{ID: "old-closed", Status: domain.StatusClosed},
		{ID: "old-active", Status: domain.StatusActive},
		{ID: "new-closed", Status: domain.StatusClosed},
	} {
		s.ProjectID, s.ProjectPath, s.Mode = "p", "/p", domain.ModeNormal
		s.CreatedAt, s.UpdatedAt = old, old
		if s.ID == "new-closed" {
			s.UpdatedAt = time.Now().UTC()
		}
		require.NoError(t, p.ImportSession(ctx, s))
	}

	n, err := p.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = p.GetSession(ctx, "old-closed")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = p.GetSession(ctx, "old-active")
	assert.NoError(t, err)
}

func TestDurableProvider_StorageInfo(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, redisBackend(t))
	_, err := p.CreateSession(ctx, params("a"))
	require.NoError(t, err)
	auto := params("b")
	auto.AutoFocus = true
	_, err = p.CreateSession(ctx, auto)
	require.NoError(t, err)

	info, err := p.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDurable, info.Mode)
	assert.Equal(t, 2, info.TotalSessions)
	assert.Equal(t, 2, info.Projects)
	assert.Equal(t, 1, info.FocusedSessions)
	assert.Equal(t, 2, info.ByStatus[domain.StatusConnecting])
	assert.Equal(t, "redis", info.Backend)
}

// pausingBackend holds the first Get after arm until release is closed. The
// row it returns is the one fetched before the pause.
type pausingBackend struct {
	ports.DurableBackend
	armed   atomic.Bool
	fetched chan struct{}
	release chan struct{}
}

func (b *pausingBackend) Get(ctx context.Context, id string) (*domain.Session, error) {
	s, err := b.DurableBackend.Get(ctx, id)
	if b.armed.CompareAndSwap(true, false) {
		close(b.fetched)
		<-b.release
	}
	return s, err
}

func TestDurableProvider_SlowReadDoesNotCacheStaleRow(t *testing.T) {
	ctx := context.Background()
	b := redisBackend(t)
	require.NoError(t, b.Put(ctx, &domain.Session{
		ID: "s1", ProjectID: "p", ProjectPath: "/p", CurrentPath: "/old", Mode: domain.ModeNormal,
		TabName: domain.TabName(1), Status: domain.StatusInactive,
	}))
	paused := &pausingBackend{DurableBackend: b, fetched: make(chan struct{}), release: make(chan struct{})}
	p := newProvider(t, paused)

	paused.armed.Store(true)
	done := make(chan string, 1)
	go func() {
		s, err := p.GetSession(ctx, "s1")
		if err != nil {
			done <- err.Error()
			return
		}
		done <- s.CurrentPath
	}()

	select {
	case <-paused.fetched:
	case <-time.After(5 * time.Second):
		t.Fatal("read never reached the backend")
	}
	require.NoError(t, p.UpdateSession(ctx, "s1", domain.SessionUpdate{CurrentPath: domain.Ptr("/new")}))
	close(paused.release)
	assert.Equal(t, "/old", <-done, "the slow read returns what it fetched")

	got, err := p.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/new", got.CurrentPath)
}
