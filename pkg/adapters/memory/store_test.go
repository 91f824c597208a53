package memory_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/termstore/pkg/adapters/memory"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, opts ...memory.Option) *memory.Store {
	t.Helper()
	store, err := memory.New(append([]memory.Option{memory.WithSweep(0, memory.DefaultGracePeriod)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func params(project string) domain.CreateParams {
	return domain.CreateParams{ProjectID: project, ProjectPath: "/work/" + project, Mode: domain.ModeNormal}
}

func setStatus(t *testing.T, store ports.SessionStore, id string, status domain.Status) {
	t.Helper()
	require.NoError(t, store.UpdateSession(context.Background(), id, domain.SessionUpdate{Status: domain.Ptr(status)}))
}

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunSessionStoreContract(t, func(t *testing.T) ports.SessionStore {
		return newStore(t)
	})
}

func TestMemoryStore_EvictionPriority(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxSessions(3))

	var evicted []string
	store.Subscribe(func(e domain.Event) {
		if e.Name == domain.EventSessionDeleted && e.Reason == "evicted" {
			evicted = append(evicted, e.SessionID)
		}
	})

	active, err := store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)
	inactive, err := store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)
	suspended, err := store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)

	setStatus(t, store, suspended.ID, domain.StatusActive)
	require.NoError(t, store.SuspendSession(ctx, suspended.ID))
	setStatus(t, store, inactive.ID, domain.StatusInactive)
	setStatus(t, store, active.ID, domain.StatusActive)

	// inactive, then suspended, then unfocused active.
	for range 3 {
		_, err := store.CreateSession(ctx, params("ev"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{inactive.ID, suspended.ID, active.ID}, evicted)

	// Only connecting sessions remain: nothing is evictable.
	_, err = store.CreateSession(ctx, params("ev"))
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	n, err := store.CountSessions(ctx, domain.Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMemoryStore_EvictsTerminalBeforeOlderInactive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxSessions(2))

	inactive, err := store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)
	closed, err := store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)
	setStatus(t, store, inactive.ID, domain.StatusInactive)
	setStatus(t, store, closed.ID, domain.StatusClosed)

	_, err = store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)

	_, err = store.GetSession(ctx, closed.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.GetSession(ctx, inactive.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_FocusedSessionsAreNeverEvicted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxSessions(1))

	s, err := store.CreateSession(ctx, params("ev"))
	require.NoError(t, err)
	setStatus(t, store, s.ID, domain.StatusInactive)
	require.NoError(t, store.SetSessionFocus(ctx, s.ID, true))

	_, err = store.CreateSession(ctx, params("ev"))
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestMemoryStore_ConcurrentCreatesRespectCapacity(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxSessions(5))

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, refused := 0, 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateSession(ctx, params("race"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrCapacityExceeded):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, created)
	assert.Equal(t, 15, refused)

	list, err := store.ListSessions(ctx, "race", domain.ListOptions{OrderBy: domain.OrderByTabName})
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "Terminal 1", list[0].TabName)
}

func TestMemoryStore_FocusLimitUnfocusesLeastRecentlyActive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxFocused(2))

	a, err := store.CreateSession(ctx, params("focus"))
	require.NoError(t, err)
	b, err := store.CreateSession(ctx, params("focus"))
	require.NoError(t, err)
	c, err := store.CreateSession(ctx, params("focus"))
	require.NoError(t, err)

	require.NoError(t, store.SetSessionFocus(ctx, a.ID, true))
	require.NoError(t, store.SetSessionFocus(ctx, b.ID, true))
	// Reading a makes b the least recently active.
	_, err = store.GetSession(ctx, a.ID)
	require.NoError(t, err)

	require.NoError(t, store.SetSessionFocus(ctx, c.ID, true))

	focused, err := store.GetFocusedSessions(ctx, "focus")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, focused)

	loaded, err := store.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, loaded.IsFocused)
}

func TestMemoryStore_AutoFocus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxFocused(1))

	p := params("auto")
	p.AutoFocus = true
	first, err := store.CreateSession(ctx, p)
	require.NoError(t, err)
	second, err := store.CreateSession(ctx, p)
	require.NoError(t, err)

	assert.True(t, first.IsFocused)
	assert.False(t, second.IsFocused, "auto-focus only applies under the limit")
}

func TestMemoryStore_OutputIsBounded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, memory.WithMaxOutputLines(2))

	s, err := store.CreateSession(ctx, params("out"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateSession(ctx, s.ID, domain.SessionUpdate{
		AppendOutput: domain.Lines(time.Now(), "one", "two", "three"),
	}))

	loaded, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, loaded.OutputText())
}

func TestMemoryStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")

	first, err := memory.New(memory.WithSnapshot(path, time.Hour), memory.WithSweep(0, 0))
	require.NoError(t, err)

	focused, err := first.CreateSession(ctx, params("snap"))
	require.NoError(t, err)
	suspended, err := first.CreateSession(ctx, params("snap"))
	require.NoError(t, err)
	require.NoError(t, first.SetSessionFocus(ctx, focused.ID, true))
	require.NoError(t, first.UpdateSession(ctx, suspended.ID, domain.SessionUpdate{
		Status:       domain.Ptr(domain.StatusActive),
		AppendOutput: domain.Lines(time.Now(), "Line 1", "Line 2"),
	}))
	require.NoError(t, first.SuspendSession(ctx, suspended.ID))
	before, err := first.GetSession(ctx, suspended.ID)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := memory.New(memory.WithSnapshot(path, time.Hour), memory.WithSweep(0, 0))
	require.NoError(t, err)
	defer second.Close()

	after, err := second.GetSession(ctx, suspended.ID)
	require.NoError(t, err)
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt))
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	require.NotNil(t, after.SuspensionState)
	assert.True(t, before.SuspensionState.SuspendedAt.Equal(after.SuspensionState.SuspendedAt))

	ids, err := second.GetFocusedSessions(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, []string{focused.ID}, ids)

	res, err := second.ResumeSession(ctx, suspended.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Line 1", "Line 2"}, res.BufferedOutput)

	next, err := second.CreateSession(ctx, params("snap"))
	require.NoError(t, err)
	assert.Equal(t, "Terminal 3", next.TabName, "tab counters survive restarts")
}

func TestMemoryStore_FlushWritesOnlyWhenDirty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := newStore(t, memory.WithSnapshot(path, time.Hour))

	require.NoError(t, store.Flush(ctx))
	info, err := store.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, info.LastFlush, "clean store skips the write")

	_, err = store.CreateSession(ctx, params("flush"))
	require.NoError(t, err)
	require.NoError(t, store.Flush(ctx))
	info, err = store.StorageInfo(ctx)
	require.NoError(t, err)
	assert.NotNil(t, info.LastFlush)
	assert.FileExists(t, path)
}

func TestMemoryStore_ConcurrentFlushesKeepLatestState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := memory.New(memory.WithSnapshot(path, time.Millisecond), memory.WithSweep(0, 0))
	require.NoError(t, err)

	s, err := store.CreateSession(ctx, params("flush"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	last := ""
	for i := range 200 {
		last = fmt.Sprintf("/work/flush/%d", i)
		require.NoError(t, store.UpdateSession(ctx, s.ID, domain.SessionUpdate{CurrentPath: domain.Ptr(last)}))
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Flush(ctx))
			}()
		}
	}
	wg.Wait()
	require.NoError(t, store.Close())

	reopened, err := memory.New(memory.WithSnapshot(path, time.Hour), memory.WithSweep(0, 0))
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, last, got.CurrentPath)
}

func TestMemoryStore_CleanupHonorsGracePeriod(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	old := time.Now().Add(-10 * time.Minute).UTC()
	require.NoError(t, store.ImportSession(ctx, &domain.Session{
		ID: "old-closed", ProjectID: "gc", ProjectPath: "/gc", Mode: domain.ModeNormal,
		TabName: domain.TabName(1), Status: domain.StatusClosed, CreatedAt: old, UpdatedAt: old,
	}))
	recent, err := store.CreateSession(ctx, params("gc"))
	require.NoError(t, err)
	setStatus(t, store, recent.ID, domain.StatusError)

	n, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetSession(ctx, "old-closed")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.GetSession(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_BackgroundSweep(t *testing.T) {
	ctx := context.Background()
	store, err := memory.New(memory.WithSweep(10*time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	defer store.Close()

	s, err := store.CreateSession(ctx, params("sweep"))
	require.NoError(t, err)
	setStatus(t, store, s.ID, domain.StatusClosed)

	assert.Eventually(t, func() bool {
		_, err := store.GetSession(ctx, s.ID)
		return errors.Is(err, domain.ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_StorageInfo(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	a, err := store.CreateSession(ctx, params("info"))
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, params("other"))
	require.NoError(t, err)
	require.NoError(t, store.SetSessionFocus(ctx, a.ID, true))

	info, err := store.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeLocal, info.Mode)
	assert.Equal(t, 2, info.TotalSessions)
	assert.Equal(t, 2, info.Projects)
	assert.Equal(t, 1, info.FocusedSessions)
	assert.Equal(t, 2, info.ByStatus[domain.StatusConnecting])
	assert.Equal(t, memory.DefaultMaxSessions, info.MaxSessions)
}
