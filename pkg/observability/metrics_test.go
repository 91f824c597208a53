package observability_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aretw0/termstore/pkg/adapters/memory"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.New(memory.WithSweep(0, memory.DefaultGracePeriod), memory.WithMaxSessions(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMetrics_CountsStoreEvents(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg)
	require.NoError(t, err)

	store := newStore(t)
	detach := m.Attach(store)
	defer detach()

	first, err := store.CreateSession(ctx, domain.CreateParams{ProjectID: "p", ProjectPath: "/p", Mode: domain.ModeNormal})
	require.NoError(t, err)
	require.NoError(t, store.UpdateSession(ctx, first.ID, domain.SessionUpdate{Status: domain.Ptr(domain.StatusClosed)}))
	_, err = store.CreateSession(ctx, domain.CreateParams{ProjectID: "p", ProjectPath: "/p", Mode: domain.ModeNormal})
	require.NoError(t, err)

	m.Observe(domain.Event{Name: domain.EventSyncComplete, Synced: 4})
	m.Observe(domain.Event{Name: domain.EventError, Reason: "flush"})

	expected := `
# HELP termstore_session_events_total Session lifecycle events by name and reason.
# TYPE termstore_session_events_total counter
termstore_session_events_total{event="session:created",reason=""} 2
termstore_session_events_total{event="session:deleted",reason="evicted"} 1
termstore_session_events_total{event="session:updated",reason=""} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "termstore_session_events_total"))
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP termstore_errors_total Background failures reported by the store.
# TYPE termstore_errors_total counter
termstore_errors_total{reason="flush"} 1
# HELP termstore_sync_entries_total Queued changes applied to the durable tier.
# TYPE termstore_sync_entries_total counter
termstore_sync_entries_total 4
`), "termstore_errors_total", "termstore_sync_entries_total"))
	n, err := testutil.GatherAndCount(reg, "termstore_sync_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = observability.NewMetrics(reg)
	assert.Error(t, err, "duplicate registration is reported")
}

type failingSource struct{}

func (failingSource) StorageInfo(context.Context) (*domain.StorageInfo, error) {
	return nil, errors.New("down")
}

func TestInfoCollector(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.CreateSession(ctx, domain.CreateParams{ProjectID: "p", ProjectPath: "/p", Mode: domain.ModeNormal, AutoFocus: true})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(observability.NewInfoCollector(store))

	expected := `
# HELP termstore_sessions_focused Focused sessions.
# TYPE termstore_sessions_focused gauge
termstore_sessions_focused{mode="local"} 1
# HELP termstore_sessions_max Configured session capacity.
# TYPE termstore_sessions_max gauge
termstore_sessions_max{mode="local"} 1
# HELP termstore_up Whether the last storage info read succeeded.
# TYPE termstore_up gauge
termstore_up 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"termstore_sessions_focused", "termstore_sessions_max", "termstore_up"))

	down := prometheus.NewRegistry()
	down.MustRegister(observability.NewInfoCollector(failingSource{}))
	require.NoError(t, testutil.GatherAndCompare(down, strings.NewReader(`
# HELP termstore_up Whether the last storage info read succeeded.
# TYPE termstore_up gauge
termstore_up 0
`), "termstore_up"))
}
