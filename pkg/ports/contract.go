package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory builds a fresh, empty store for one contract sub-test.
type StoreFactory func(t *testing.T) SessionStore

// RunSessionStoreContract runs a suite of tests to verify that a SessionStore
// implementation adheres to the defined interface contract.
func RunSessionStoreContract(t *testing.T, newStore StoreFactory) {
	ctx := context.Background()

	params := func(project string) domain.CreateParams {
		return domain.CreateParams{
			ProjectID:   project,
			ProjectPath: "/work/" + project,
			Mode:        domain.ModeNormal,
		}
	}

	t.Run("Create validates input", func(t *testing.T) {
		store := newStore(t)
		for name, p := range map[string]domain.CreateParams{
			"missing project": {ProjectPath: "/p", Mode: domain.ModeNormal},
			"missing path":    {ProjectID: "p", Mode: domain.ModeNormal},
			"bad mode":        {ProjectID: "p", ProjectPath: "/p", Mode: "bash"},
		} {
			_, err := store.CreateSession(ctx, p)
			assert.ErrorIs(t, err, domain.ErrValidation, name)
		}
	})

	t.Run("Create assigns identity and defaults", func(t *testing.T) {
		store := newStore(t)
		s, err := store.CreateSession(ctx, params("alpha"))
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, "alpha", s.ProjectID)
		assert.Equal(t, domain.StatusConnecting, s.Status)
		assert.Equal(t, "Terminal 1", s.TabName)
		assert.False(t, s.CreatedAt.IsZero())

		loaded, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, loaded.ID)
		assert.Equal(t, s.TabName, loaded.TabName)
	})

	t.Run("Tab names strictly increase across deletions", func(t *testing.T) {
		store := newStore(t)
		first, err := store.CreateSession(ctx, params("tabs"))
		require.NoError(t, err)
		second, err := store.CreateSession(ctx, params("tabs"))
		require.NoError(t, err)

		closeSession(t, store, second.ID)
		ok, err := store.DeleteSession(ctx, second.ID)
		require.NoError(t, err)
		require.True(t, ok)

		third, err := store.CreateSession(ctx, params("tabs"))
		require.NoError(t, err)
		assert.Equal(t, "Terminal 1", first.TabName)
		assert.Equal(t, "Terminal 2", second.TabName)
		assert.Equal(t, "Terminal 3", third.TabName)

		other, err := store.CreateSession(ctx, params("other"))
		require.NoError(t, err)
		assert.Equal(t, "Terminal 1", other.TabName, "counters are per project")
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Update merges and refreshes updatedAt", func(t *testing.T) {
		store := newStore(t)
		s, err := store.CreateSession(ctx, params("upd"))
		require.NoError(t, err)

		err = store.UpdateSession(ctx, s.ID, domain.SessionUpdate{
			Status:      domain.Ptr(domain.StatusActive),
			WSConnected: domain.Ptr(true),
			Metadata:    map[string]any{"shell": "zsh"},
		})
		require.NoError(t, err)
		err = store.UpdateSession(ctx, s.ID, domain.SessionUpdate{Metadata: map[string]any{"cols": "80"}})
		require.NoError(t, err)

		loaded, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, loaded.Status)
		assert.True(t, loaded.Active)
		assert.True(t, loaded.WSConnected)
		assert.Equal(t, "zsh", loaded.Metadata["shell"])
		assert.Equal(t, "80", loaded.Metadata["cols"])
		assert.True(t, loaded.UpdatedAt.After(s.UpdatedAt))

		err = store.UpdateSession(ctx, "missing", domain.SessionUpdate{})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Delete refuses protected sessions", func(t *testing.T) {
		store := newStore(t)
		s, err := store.CreateSession(ctx, params("del"))
		require.NoError(t, err)
		require.NoError(t, store.UpdateSession(ctx, s.ID, domain.SessionUpdate{Status: domain.Ptr(domain.StatusActive)}))

		ok, err := store.DeleteSession(ctx, s.ID)
		assert.False(t, ok)
		assert.ErrorIs(t, err, domain.ErrProtectedState)
		_, err = store.GetSession(ctx, s.ID)
		require.NoError(t, err, "protected session must stay intact")

		closeSession(t, store, s.ID)
		require.NoError(t, store.SetSessionFocus(ctx, s.ID, true))
		ok, err = store.DeleteSession(ctx, s.ID)
		assert.False(t, ok)
		assert.ErrorIs(t, err, domain.ErrProtectedState)

		require.NoError(t, store.SetSessionFocus(ctx, s.ID, false))
		ok, err = store.DeleteSession(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = store.GetSession(ctx, s.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		focused, err := store.GetFocusedSessions(ctx, "del")
		require.NoError(t, err)
		assert.Empty(t, focused)
		list, err := store.ListSessions(ctx, "del", domain.ListOptions{IncludeTerminal: true})
		require.NoError(t, err)
		assert.Empty(t, list)

		ok, err = store.DeleteSession(ctx, "missing")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Suspend and Resume round-trip", func(t *testing.T) {
		store := newStore(t)
		s, err := store.CreateSession(ctx, params("susp"))
		require.NoError(t, err)
		require.NoError(t, store.UpdateSession(ctx, s.ID, domain.SessionUpdate{
			Status:       domain.Ptr(domain.StatusActive),
			Cursor:       &domain.Cursor{Row: 4, Col: 12},
			AppendOutput: domain.Lines(time.Now(), "Line 1", "Line 2"),
		}))

		_, err = store.ResumeSession(ctx, s.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "resuming a non-suspended session fails")

		require.NoError(t, store.SuspendSession(ctx, s.ID))
		suspended, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusSuspended, suspended.Status)
		require.NotNil(t, suspended.SuspensionState)
		assert.Equal(t, domain.Cursor{Row: 4, Col: 12}, suspended.SuspensionState.Cursor)

		err = store.SuspendSession(ctx, s.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "suspending twice fails")

		res, err := store.ResumeSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Line 1", "Line 2"}, res.BufferedOutput)
		assert.Equal(t, domain.StatusActive, res.Session.Status)
		assert.Equal(t, domain.Cursor{Row: 4, Col: 12}, res.Session.Cursor)

		resumed, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, resumed.Status)
		assert.Nil(t, resumed.SuspensionState, "snapshot is not retained after resume")

		_, err = store.ResumeSession(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("List filters, orders and pages", func(t *testing.T) {
		store := newStore(t)
		var ids []string
		for range 4 {
			s, err := store.CreateSession(ctx, params("list"))
			require.NoError(t, err)
			ids = append(ids, s.ID)
		}
		closeSession(t, store, ids[1])

		open, err := store.ListSessions(ctx, "list", domain.ListOptions{OrderBy: domain.OrderByTabName})
		require.NoError(t, err)
		assert.Equal(t, []string{"Terminal 1", "Terminal 3", "Terminal 4"}, tabNames(open))

		all, err := store.ListSessions(ctx, "list", domain.ListOptions{
			IncludeTerminal: true, OrderBy: domain.OrderByTabName, Descending: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Terminal 4", "Terminal 3", "Terminal 2", "Terminal 1"}, tabNames(all))

		page, err := store.ListSessions(ctx, "list", domain.ListOptions{
			IncludeTerminal: true, OrderBy: domain.OrderByCreatedAt, Offset: 1, Limit: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Terminal 2", "Terminal 3"}, tabNames(page))

		none, err := store.ListSessions(ctx, "nobody", domain.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Focus", func(t *testing.T) {
		store := newStore(t)
		a, err := store.CreateSession(ctx, params("focus"))
		require.NoError(t, err)
		b, err := store.CreateSession(ctx, params("focus"))
		require.NoError(t, err)

		require.NoError(t, store.SetSessionFocus(ctx, a.ID, true))
		require.NoError(t, store.SetSessionFocus(ctx, b.ID, true))
		focused, err := store.GetFocusedSessions(ctx, "focus")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, b.ID}, focused)

		require.NoError(t, store.SetSessionFocus(ctx, a.ID, false))
		focused, err = store.GetFocusedSessions(ctx, "focus")
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID}, focused)

		loaded, err := store.GetSession(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, loaded.IsFocused)

		assert.ErrorIs(t, store.SetSessionFocus(ctx, "missing", true), domain.ErrSessionNotFound)
	})

	t.Run("Bulk operations are all-or-nothing", func(t *testing.T) {
		store := newStore(t)
		a, err := store.CreateSession(ctx, params("bulk"))
		require.NoError(t, err)
		b, err := store.CreateSession(ctx, params("bulk"))
		require.NoError(t, err)

		err = store.BulkUpdate(ctx, []domain.BulkUpdate{
			{ID: a.ID, Update: domain.SessionUpdate{Status: domain.Ptr(domain.StatusInactive)}},
			{ID: "missing", Update: domain.SessionUpdate{Status: domain.Ptr(domain.StatusInactive)}},
		})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		loaded, err := store.GetSession(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusConnecting, loaded.Status, "failed batch leaves sessions untouched")

		require.NoError(t, store.BulkUpdate(ctx, []domain.BulkUpdate{
			{ID: a.ID, Update: domain.SessionUpdate{Status: domain.Ptr(domain.StatusClosed)}},
			{ID: b.ID, Update: domain.SessionUpdate{Status: domain.Ptr(domain.StatusActive)}},
		}))

		n, err := store.BulkDelete(ctx, []string{a.ID, b.ID})
		assert.ErrorIs(t, err, domain.ErrProtectedState)
		assert.Zero(t, n)
		_, err = store.GetSession(ctx, a.ID)
		require.NoError(t, err, "failed batch deletes nothing")

		closeSession(t, store, b.ID)
		n, err = store.BulkDelete(ctx, []string{a.ID, b.ID, "missing"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		count, err := store.CountSessions(ctx, domain.Query{ProjectID: "bulk"})
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("Find and Count", func(t *testing.T) {
		store := newStore(t)
		for i := range 3 {
			p := params("find")
			if i == 2 {
				p.Mode = domain.ModeClaude
				p.UserID = "u1"
			}
			_, err := store.CreateSession(ctx, p)
			require.NoError(t, err)
		}
		_, err := store.CreateSession(ctx, params("elsewhere"))
		require.NoError(t, err)

		claude, err := store.FindSessions(ctx, domain.Query{Mode: domain.ModeClaude})
		require.NoError(t, err)
		require.Len(t, claude, 1)
		assert.Equal(t, "u1", claude[0].UserID)

		n, err := store.CountSessions(ctx, domain.Query{ProjectID: "find"})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = store.CountSessions(ctx, domain.Query{})
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		limited, err := store.FindSessions(ctx, domain.Query{ProjectID: "find", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("Import preserves identity", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC()
		imported := &domain.Session{
			ID:          "imported-1",
			ProjectID:   "imp",
			ProjectPath: "/work/imp",
			Mode:        domain.ModeClaude,
			TabName:     domain.TabName(7),
			Status:      domain.StatusInactive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, store.ImportSession(ctx, imported))

		loaded, err := store.GetSession(ctx, "imported-1")
		require.NoError(t, err)
		assert.Equal(t, "Terminal 7", loaded.TabName)
		assert.True(t, loaded.UpdatedAt.Equal(now))

		next, err := store.CreateSession(ctx, params("imp"))
		require.NoError(t, err)
		assert.Equal(t, "Terminal 8", next.TabName, "counter advances past imported tabs")
	})

	t.Run("Events", func(t *testing.T) {
		store := newStore(t)
		var mu sync.Mutex
		var seen []domain.EventName
		unsubscribe := store.Subscribe(func(e domain.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Name)
		})
		defer unsubscribe()

		s, err := store.CreateSession(ctx, params("events"))
		require.NoError(t, err)
		require.NoError(t, store.UpdateSession(ctx, s.ID, domain.SessionUpdate{Status: domain.Ptr(domain.StatusActive)}))
		require.NoError(t, store.SuspendSession(ctx, s.ID))
		_, err = store.ResumeSession(ctx, s.ID)
		require.NoError(t, err)
		closeSession(t, store, s.ID)
		_, err = store.DeleteSession(ctx, s.ID)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		for _, want := range []domain.EventName{
			domain.EventSessionCreated,
			domain.EventSessionUpdated,
			domain.EventSessionSuspended,
			domain.EventSessionResumed,
			domain.EventSessionDeleted,
		} {
			assert.Contains(t, seen, want)
		}
	})

	t.Run("Operational surface", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateSession(ctx, params("ops"))
		require.NoError(t, err)

		require.NoError(t, store.Sync(ctx))
		require.NoError(t, store.Flush(ctx))
		_, err = store.Cleanup(ctx)
		require.NoError(t, err)

		info, err := store.StorageInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Mode(), info.Mode)
		assert.GreaterOrEqual(t, info.TotalSessions, 1)

		health := store.HealthCheck(ctx)
		assert.True(t, health.Healthy, fmt.Sprintf("health details: %v", health.Details))
	})
}

func closeSession(t *testing.T, store SessionStore, id string) {
	t.Helper()
	err := store.UpdateSession(context.Background(), id, domain.SessionUpdate{Status: domain.Ptr(domain.StatusClosed)})
	require.NoError(t, err)
}

func tabNames(sessions []*domain.Session) []string {
	names := make([]string, len(sessions))
	for i, s := range sessions {
		names[i] = s.TabName
	}
	return names
}
