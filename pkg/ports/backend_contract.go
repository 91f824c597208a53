package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BackendFactory builds a fresh, empty backend for one contract sub-test.
type BackendFactory func(t *testing.T) DurableBackend

// RunDurableBackendContract verifies that a DurableBackend implementation
// keeps rows, indexes, counters and the suspension archive consistent.
func RunDurableBackendContract(t *testing.T, newBackend BackendFactory) {
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)

	row := func(id, project string, n int) *domain.Session {
		at := base.Add(time.Duration(n) * time.Second)
		return &domain.Session{
			ID:          id,
			ProjectID:   project,
			ProjectPath: "/work/" + project,
			Mode:        domain.ModeNormal,
			TabName:     domain.TabName(n),
			Status:      domain.StatusInactive,
			CreatedAt:   at,
			UpdatedAt:   at,
			CurrentPath: "/work/" + project,
		}
	}

	t.Run("Put and Get", func(t *testing.T) {
		b := newBackend(t)
		s := row("s1", "p", 1)
		s.Metadata = map[string]any{"shell": "zsh"}
		s.Environment = map[string]string{"TERM": "xterm"}
		s.Output = domain.Lines(base, "hello")
		require.NoError(t, b.Put(ctx, s))

		got, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "p", got.ProjectID)
		assert.Equal(t, "zsh", got.Metadata["shell"])
		assert.Equal(t, "xterm", got.Environment["TERM"])
		assert.Equal(t, []string{"hello"}, got.OutputText())
		assert.True(t, got.CreatedAt.Equal(s.CreatedAt), "timestamps round-trip")
		assert.True(t, got.UpdatedAt.Equal(s.UpdatedAt))

		_, err = b.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Put replaces and reindexes focus", func(t *testing.T) {
		b := newBackend(t)
		s := row("s1", "p", 1)
		s.IsFocused = true
		require.NoError(t, b.Put(ctx, s))

		ids, err := b.FocusedIDs(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, ids)

		s.IsFocused = false
		s.Status = domain.StatusClosed
		require.NoError(t, b.Put(ctx, s))
		ids, err = b.FocusedIDs(ctx, "p")
		require.NoError(t, err)
		assert.Empty(t, ids)

		got, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, got.Status)
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Listing", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, row("c", "p", 3)))
		require.NoError(t, b.Put(ctx, row("a", "p", 1)))
		require.NoError(t, b.Put(ctx, row("b", "q", 2)))

		byProject, err := b.ListByProject(ctx, "p")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, ids(byProject))

		all, err := b.ListAll(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(all), "creation order")

		limited, err := b.ListAll(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(limited))

		none, err := b.ListByProject(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Delete cleans every index", func(t *testing.T) {
		b := newBackend(t)
		s := row("s1", "p", 1)
		s.IsFocused = true
		require.NoError(t, b.Put(ctx, s))
		require.NoError(t, b.AppendSuspension(ctx, domain.SuspensionRecord{ID: "r1", SessionID: "s1"}))

		ok, err := b.Delete(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.Delete(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, ok)

		list, err := b.ListByProject(ctx, "p")
		require.NoError(t, err)
		assert.Empty(t, list)
		focused, err := b.FocusedIDs(ctx, "p")
		require.NoError(t, err)
		assert.Empty(t, focused)
		rec, err := b.LatestSuspension(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, rec)
		all, err := b.ListAll(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("Batch", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, row("old", "p", 1)))

		updated := row("old", "p", 1)
		updated.Status = domain.StatusActive
		require.NoError(t, b.Batch(ctx, []*domain.Session{row("new", "p", 2)}, []string{"old"}))

		_, err := b.Get(ctx, "old")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		_, err = b.Get(ctx, "new")
		require.NoError(t, err)

		require.NoError(t, b.Batch(ctx, []*domain.Session{updated, row("new", "p", 2)}, nil))
		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Tab counters", func(t *testing.T) {
		b := newBackend(t)
		n, err := b.NextTab(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = b.NextTab(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, b.EnsureTab(ctx, "p", 7))
		require.NoError(t, b.EnsureTab(ctx, "p", 3), "never lowers")
		n, err = b.NextTab(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 8, n)

		n, err = b.NextTab(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, 1, n, "counters are per project")
	})

	t.Run("Suspension archive", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, row("s1", "p", 1)))

		rec, err := b.LatestSuspension(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, rec)

		first := domain.SuspensionRecord{ID: "r1", SessionID: "s1", State: domain.SuspensionState{
			Output: []string{"one"}, WorkingDir: "/a", SuspendedAt: base,
		}}
		second := domain.SuspensionRecord{ID: "r2", SessionID: "s1", State: domain.SuspensionState{
			Output: []string{"two"}, WorkingDir: "/b", Cursor: domain.Cursor{Row: 2, Col: 5},
			Environment: map[string]string{"A": "1"}, SuspendedAt: base.Add(time.Minute),
		}}
		require.NoError(t, b.AppendSuspension(ctx, first))
		require.NoError(t, b.AppendSuspension(ctx, second))

		rec, err = b.LatestSuspension(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "r2", rec.ID)
		assert.Equal(t, domain.Cursor{Row: 2, Col: 5}, rec.State.Cursor)
		assert.True(t, rec.State.SuspendedAt.Equal(second.State.SuspendedAt))

		history, err := b.SuspensionHistory(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "r1", history[0].ID)

		require.NoError(t, b.RemoveSuspension(ctx, "s1", "r2"))
		rec, err = b.LatestSuspension(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "r1", rec.ID)
	})

	t.Run("Ping", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Ping(ctx))
		assert.NotEmpty(t, b.Name())
	})
}

func ids(sessions []*domain.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
