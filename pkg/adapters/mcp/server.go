package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/termstore"
	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
	"github.com/aretw0/termstore/pkg/selector"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// InfoURI is the resource exposing the storage snapshot.
const InfoURI = "termstore://info"

// Stores resolves the active session store. *selector.Selector satisfies it.
type Stores interface {
	Provider(ctx context.Context) (ports.SessionStore, error)
}

// ListSessionsInput is the argument set of list_sessions.
type ListSessionsInput struct {
	ProjectID       string `json:"project_id"`
	IncludeTerminal bool   `json:"include_terminal"`
	OrderBy         string `json:"order_by"`
	Limit           int    `json:"limit"`
}

// ListSessionsResult is the structured output of list_sessions.
type ListSessionsResult struct {
	ProjectID string            `json:"projectId"`
	Count     int               `json:"count"`
	Sessions  []*domain.Session `json:"sessions"`
}

// SessionInput addresses one session.
type SessionInput struct {
	SessionID string `json:"session_id"`
}

// SyncResult is the structured output of sync.
type SyncResult struct {
	Mode       domain.ProviderMode `json:"mode"`
	QueueDepth int                 `json:"queueDepth"`
	Conflicts  int                 `json:"conflicts"`
}

// TierInfo is the storage snapshot of one provider or tier.
type TierInfo struct {
	Mode            domain.ProviderMode   `json:"mode"`
	TotalSessions   int                   `json:"totalSessions"`
	MaxSessions     int                   `json:"maxSessions"`
	Projects        int                   `json:"projects"`
	FocusedSessions int                   `json:"focusedSessions"`
	ByStatus        map[domain.Status]int `json:"byStatus"`
	Suspended       int                   `json:"suspended"`
	CacheEntries    int                   `json:"cacheEntries,omitempty"`
	QueueDepth      int                   `json:"queueDepth,omitempty"`
	Conflicts       int                   `json:"conflicts,omitempty"`
	LastFlush       *time.Time            `json:"lastFlush,omitempty"`
	LastSync        *time.Time            `json:"lastSync,omitempty"`
	Backend         string                `json:"backend,omitempty"`
}

// StorageInfoResult is the structured output of storage_info. Tiers are one
// level deep so the output schema stays finite.
type StorageInfoResult struct {
	TierInfo
	Tiers map[string]TierInfo `json:"tiers,omitempty"`
}

func tierInfo(info *domain.StorageInfo) TierInfo {
	return TierInfo{
		Mode:            info.Mode,
		TotalSessions:   info.TotalSessions,
		MaxSessions:     info.MaxSessions,
		Projects:        info.Projects,
		FocusedSessions: info.FocusedSessions,
		ByStatus:        info.ByStatus,
		Suspended:       info.Suspended,
		CacheEntries:    info.CacheEntries,
		QueueDepth:      info.QueueDepth,
		Conflicts:       info.Conflicts,
		LastFlush:       info.LastFlush,
		LastSync:        info.LastSync,
		Backend:         info.Backend,
	}
}

func newStorageInfoResult(info *domain.StorageInfo) StorageInfoResult {
	out := StorageInfoResult{TierInfo: tierInfo(info)}
	if len(info.Tiers) > 0 {
		out.Tiers = make(map[string]TierInfo, len(info.Tiers))
		for name, tier := range info.Tiers {
			if tier != nil {
				out.Tiers[name] = tierInfo(tier)
			}
		}
	}
	return out
}

// Server wraps the session store selector and exposes it as an MCP Server.
type Server struct {
	stores    Stores
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(stores Stores, opts ...Option) *Server {
	s := &Server{
		stores: stores,
		mcpServer: server.NewMCPServer("termstore-mcp", strings.TrimSpace(termstore.Version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying server, e.g. for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

// ServeSSE serves MCP over SSE on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	baseURL := "http://localhost" + addr
	if !strings.HasPrefix(addr, ":") {
		baseURL = "http://" + addr
	}
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutdown signal received, stopping MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List the terminal sessions of a project, oldest first."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithBoolean("include_terminal", mcp.Description("Include closed and errored sessions")),
		mcp.WithString("order_by", mcp.Description("createdAt, updatedAt or tabName"),
			mcp.Enum(string(domain.OrderByCreatedAt), string(domain.OrderByUpdatedAt), string(domain.OrderByTabName))),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions, 0 for all"), mcp.Min(0)),
		mcp.WithOutputSchema[ListSessionsResult](),
	), s.handleListSessions)

	s.mcpServer.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get one terminal session by id."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
		mcp.WithOutputSchema[domain.Session](),
	), s.handleGetSession)

	s.mcpServer.AddTool(mcp.NewTool("storage_info",
		mcp.WithDescription("Report session counts, capacity and sync state of the active provider."),
		mcp.WithOutputSchema[StorageInfoResult](),
	), s.handleStorageInfo)

	s.mcpServer.AddTool(mcp.NewTool("health_check",
		mcp.WithDescription("Check that every storage tier is reachable."),
		mcp.WithOutputSchema[domain.Health](),
	), s.handleHealthCheck)

	s.mcpServer.AddTool(mcp.NewTool("sync",
		mcp.WithDescription("Push pending local changes to the durable tier. A no-op outside hybrid mode."),
		mcp.WithOutputSchema[SyncResult](),
	), s.handleSync)
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input ListSessionsInput
	if err := request.BindArguments(&input); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid list_sessions arguments", err), nil
	}
	if strings.TrimSpace(input.ProjectID) == "" {
		return mcp.NewToolResultError("project_id is required"), nil
	}
	if input.Limit < 0 {
		return mcp.NewToolResultError("limit must be non-negative"), nil
	}
	store, err := s.stores.Provider(ctx)
	if err != nil {
		return s.toolError("list_sessions", err), nil
	}
	sessions, err := store.ListSessions(ctx, input.ProjectID, domain.ListOptions{
		IncludeTerminal: input.IncludeTerminal,
		OrderBy:         domain.OrderBy(input.OrderBy),
		Limit:           input.Limit,
	})
	if err != nil {
		return s.toolError("list_sessions", err), nil
	}
	return mcp.NewToolResultStructuredOnly(ListSessionsResult{
		ProjectID: input.ProjectID,
		Count:     len(sessions),
		Sessions:  sessions,
	}), nil
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input SessionInput
	if err := request.BindArguments(&input); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid get_session arguments", err), nil
	}
	if input.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	store, err := s.stores.Provider(ctx)
	if err != nil {
		return s.toolError("get_session", err), nil
	}
	sess, err := store.GetSession(ctx, input.SessionID)
	if err != nil {
		return s.toolError("get_session", err), nil
	}
	return mcp.NewToolResultStructuredOnly(*sess), nil
}

func (s *Server) handleStorageInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.storageInfo(ctx)
	if err != nil {
		return s.toolError("storage_info", err), nil
	}
	return mcp.NewToolResultStructuredOnly(newStorageInfoResult(info)), nil
}

func (s *Server) handleHealthCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := s.stores.Provider(ctx)
	if err != nil {
		return s.toolError("health_check", err), nil
	}
	health := store.HealthCheck(ctx)
	result := mcp.NewToolResultStructuredOnly(health)
	result.IsError = !health.Healthy
	return result, nil
}

func (s *Server) handleSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := s.stores.Provider(ctx)
	if err != nil {
		return s.toolError("sync", err), nil
	}
	if err := store.Sync(ctx); err != nil {
		return s.toolError("sync", err), nil
	}
	info, err := store.StorageInfo(ctx)
	if err != nil {
		return s.toolError("sync", err), nil
	}
	return mcp.NewToolResultStructuredOnly(SyncResult{
		Mode:       info.Mode,
		QueueDepth: info.QueueDepth,
		Conflicts:  info.Conflicts,
	}), nil
}

func (s *Server) storageInfo(ctx context.Context) (*domain.StorageInfo, error) {
	store, err := s.stores.Provider(ctx)
	if err != nil {
		return nil, err
	}
	return store.StorageInfo(ctx)
}

// toolError reports store failures as tool results so the model can read them.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	if domain.IsRetryable(err) {
		s.logger.Warn("MCP tool failed", "tool", tool, "err", err)
	}
	return mcp.NewToolResultErrorFromErr(tool+" failed", err)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(InfoURI, "Storage Info",
		mcp.WithResourceDescription("Occupancy and sync state of the active session store"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		info, err := s.storageInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read storage info: %w", err)
		}
		jsonBytes, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      InfoURI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})

	s.mcpServer.AddResource(mcp.NewResource("termstore://capabilities", "Provider Capabilities",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, err := json.Marshal(selector.AllCapabilities())
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "termstore://capabilities",
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
