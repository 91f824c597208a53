package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/termstore/pkg/adapters/memory"
	"github.com/aretw0/termstore/pkg/adapters/redis"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/durable"
	"github.com/aretw0/termstore/pkg/hybrid"
	"github.com/aretw0/termstore/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedStores always resolves to the same store.
type fixedStores struct {
	store ports.SessionStore
	err   error
}

func (f fixedStores) Provider(context.Context) (ports.SessionStore, error) {
	return f.store, f.err
}

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store, err := memory.New(memory.WithSweep(0, memory.DefaultGracePeriod))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewServer(fixedStores{store: store}), store
}

func newCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func create(t *testing.T, store ports.SessionStore, project string) *domain.Session {
	t.Helper()
	s, err := store.CreateSession(context.Background(), domain.CreateParams{
		ProjectID: project, ProjectPath: "/work/" + project, Mode: domain.ModeClaude,
	})
	require.NoError(t, err)
	return s
}

func TestNewServerRegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	tools := srv.MCPServer().ListTools()
	for _, name := range []string{"list_sessions", "get_session", "storage_info", "health_check", "sync"} {
		assert.Contains(t, tools, name)
	}
}

func TestNewServerReturnsPromptly(t *testing.T) {
	done := make(chan *Server, 1)
	go func() { done <- NewServer(fixedStores{}) }()

	var srv *Server
	select {
	case srv = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("NewServer did not return")
	}
	tool, ok := srv.MCPServer().ListTools()["storage_info"]
	require.True(t, ok)
	assert.Equal(t, "object", tool.Tool.OutputSchema.Type)
	assert.Contains(t, tool.Tool.OutputSchema.Properties, "totalSessions")
	assert.Contains(t, tool.Tool.OutputSchema.Properties, "tiers")
}

func TestListSessions(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	first := create(t, store, "p")
	closed := create(t, store, "p")
	create(t, store, "q")
	require.NoError(t, store.UpdateSession(ctx, closed.ID, domain.SessionUpdate{Status: domain.Ptr(domain.StatusClosed)}))

	result, err := srv.handleListSessions(ctx, newCallToolRequest("list_sessions", map[string]any{
		"project_id": "p",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	out, ok := result.StructuredContent.(ListSessionsResult)
	require.True(t, ok, "got %T", result.StructuredContent)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, first.ID, out.Sessions[0].ID)

	result, err = srv.handleListSessions(ctx, newCallToolRequest("list_sessions", map[string]any{
		"project_id":       "p",
		"include_terminal": true,
		"order_by":         "tabName",
		"limit":            5,
	}))
	require.NoError(t, err)
	out = result.StructuredContent.(ListSessionsResult)
	assert.Equal(t, 2, out.Count)
}

func TestListSessionsRejectsBadArguments(t *testing.T) {
	srv, _ := newTestServer(t)
	for name, args := range map[string]map[string]any{
		"missing project": {},
		"negative limit":  {"project_id": "p", "limit": -1},
		"wrong type":      {"project_id": 42},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := srv.handleListSessions(context.Background(), newCallToolRequest("list_sessions", args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestGetSession(t *testing.T) {
	srv, store := newTestServer(t)
	s := create(t, store, "p")

	result, err := srv.handleGetSession(context.Background(), newCallToolRequest("get_session", map[string]any{
		"session_id": s.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	got, ok := result.StructuredContent.(domain.Session)
	require.True(t, ok)
	assert.Equal(t, "Terminal 1", got.TabName)
	assert.Equal(t, domain.ModeClaude, got.Mode)

	result, err = srv.handleGetSession(context.Background(), newCallToolRequest("get_session", map[string]any{
		"session_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStorageInfoAndHealth(t *testing.T) {
	srv, store := newTestServer(t)
	create(t, store, "p")
	ctx := context.Background()

	result, err := srv.handleStorageInfo(ctx, newCallToolRequest("storage_info", nil))
	require.NoError(t, err)
	info, ok := result.StructuredContent.(StorageInfoResult)
	require.True(t, ok, "got %T", result.StructuredContent)
	assert.Equal(t, domain.ModeLocal, info.Mode)
	assert.Equal(t, 1, info.TotalSessions)
	assert.Empty(t, info.Tiers)

	result, err = srv.handleHealthCheck(ctx, newCallToolRequest("health_check", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, result.StructuredContent.(domain.Health).Healthy)

	result, err = srv.handleSync(ctx, newCallToolRequest("sync", nil))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Mode: domain.ModeLocal}, result.StructuredContent)
}

func TestStorageInfoFlattensHybridTiers(t *testing.T) {
	ctx := context.Background()
	local, err := memory.New(memory.WithSweep(0, memory.DefaultGracePeriod))
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	durableTier := durable.New(redis.NewFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()})))
	coord := hybrid.New(local, durableTier, hybrid.WithStrategy(hybrid.StrategyManual))
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(func() { _ = coord.Close() })
	create(t, coord, "p")

	srv := NewServer(fixedStores{store: coord})
	result, err := srv.handleStorageInfo(ctx, newCallToolRequest("storage_info", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	info := result.StructuredContent.(StorageInfoResult)
	assert.Equal(t, domain.ModeHybrid, info.Mode)
	assert.Equal(t, 1, info.QueueDepth)
	require.Contains(t, info.Tiers, "local")
	require.Contains(t, info.Tiers, "durable")
	assert.Equal(t, 1, info.Tiers["local"].TotalSessions)
	assert.Equal(t, "redis", info.Tiers["durable"].Backend)
}

func TestProviderFailureIsAToolError(t *testing.T) {
	srv := NewServer(fixedStores{err: &domain.StorageError{Kind: domain.ErrStorageUnavailable, Err: errors.New("dial tcp: refused")}})
	result, err := srv.handleStorageInfo(context.Background(), newCallToolRequest("storage_info", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "storage unavailable")
}
