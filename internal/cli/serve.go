package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aretw0/termstore"
	httpAdapter "github.com/aretw0/termstore/pkg/adapters/http"
	"github.com/aretw0/termstore/pkg/adapters/mcp"
	"github.com/aretw0/termstore/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ShutdownTimeout bounds graceful shutdown of the servers.
const ShutdownTimeout = 5 * time.Second

// NewAdminHandler wires the admin API with the Prometheus registry:
// event counters, storage gauges and the Go runtime collectors.
func NewAdminHandler(eng *termstore.Engine, logger *slog.Logger) (http.Handler, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := reg.Register(observability.NewInfoCollector(eng.Selector(), observability.WithLogger(logger))); err != nil {
		return nil, nil, fmt.Errorf("failed to register storage collector: %w", err)
	}

	srv := httpAdapter.NewServer(eng.Selector(),
		httpAdapter.WithLogger(logger),
		httpAdapter.WithGatherer(reg),
		httpAdapter.WithObserver(metrics),
	)
	return srv.Handler(), srv.Close, nil
}

// Serve runs the admin API on addr until ctx is cancelled.
func Serve(ctx context.Context, eng *termstore.Engine, addr string, logger *slog.Logger) error {
	// Build the provider up front so configuration errors surface before listening.
	if _, err := eng.Store(ctx); err != nil {
		return err
	}
	handler, detach, err := NewAdminHandler(eng, logger)
	if err != nil {
		return err
	}
	defer detach()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting termstore server", "address", addr, "mode", string(eng.Mode()))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown did not complete", "timeout", ShutdownTimeout, "err", err)
			_ = srv.Close()
		}
		logger.Info("termstore server stopped")
		return nil
	}
}

// ServeMCP runs the MCP server on stdio, or over SSE when sseAddr is set.
func ServeMCP(ctx context.Context, eng *termstore.Engine, sseAddr string, logger *slog.Logger) error {
	srv := mcp.NewServer(eng.Selector(), mcp.WithLogger(logger))
	if sseAddr != "" {
		return srv.ServeSSE(ctx, sseAddr)
	}
	return srv.ServeStdio()
}
