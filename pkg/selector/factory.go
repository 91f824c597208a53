package selector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/termstore/internal/config"
	"github.com/aretw0/termstore/pkg/adapters/memory"
	"github.com/aretw0/termstore/pkg/adapters/redis"
	"github.com/aretw0/termstore/pkg/adapters/sqlite"
	"github.com/aretw0/termstore/pkg/durable"
	"github.com/aretw0/termstore/pkg/hybrid"
	"github.com/aretw0/termstore/pkg/persistence/middleware"
	"github.com/aretw0/termstore/pkg/ports"
)

// Factory builds the provider of one mode from the merged configuration.
type Factory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.SessionStore, error)

// DefaultFactories returns the built-in constructors of every mode.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"local": func(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.SessionStore, error) {
			return NewLocal(cfg, logger)
		},
		"durable": func(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.SessionStore, error) {
			return NewDurable(cfg, logger)
		},
		"hybrid": NewHybrid,
	}
}

// NewLocal builds the in-memory tier.
func NewLocal(cfg config.Config, logger *slog.Logger) (*memory.Store, error) {
	opts := []memory.Option{
		memory.WithLogger(logger),
		memory.WithMaxSessions(cfg.Local.MaxSessions),
		memory.WithMaxFocused(cfg.Local.MaxFocused),
		memory.WithMaxOutputLines(cfg.Local.MaxOutputLines),
		memory.WithSweep(cfg.Local.SweepInterval, cfg.Local.GracePeriod),
	}
	if cfg.Local.SnapshotPath != "" {
		opts = append(opts, memory.WithSnapshot(cfg.Local.SnapshotPath, cfg.Local.FlushInterval))
	}
	return memory.New(opts...)
}

// NewDurable builds the durable tier on the configured backend.
func NewDurable(cfg config.Config, logger *slog.Logger) (*durable.Provider, error) {
	dc := cfg.Durable
	opts := []durable.Option{
		durable.WithLogger(logger),
		durable.WithRetry(dc.RetryAttempts, dc.RetryDelay),
		durable.WithCache(dc.CacheTTL, durable.DefaultSweepInterval),
		durable.WithMaxSessions(dc.MaxSessions),
		durable.WithMaxFocused(dc.MaxFocused),
		durable.WithMaxOutputLines(cfg.Local.MaxOutputLines),
		durable.WithRetention(dc.Retention),
	}

	var backend ports.DurableBackend
	switch dc.Backend {
	case "redis":
		store := redis.New(dc.Addr, dc.Password, dc.DB, redis.WithPrefix(dc.Prefix))
		if dc.Lock {
			opts = append(opts, durable.WithLocker(redis.NewLocker(store.Client(), dc.Prefix)))
		}
		backend = store
	case "sqlite":
		store, err := sqlite.Open(dc.Path)
		if err != nil {
			return nil, err
		}
		backend = store
	default:
		return nil, fmt.Errorf("unknown durable backend %q", dc.Backend)
	}
	logger.Debug("Durable backend configured", "backend", backend.Name())

	secured, err := secure(backend, dc)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return durable.New(secured, opts...), nil
}

// secure wraps the backend with redaction and then encryption, as configured.
func secure(backend ports.DurableBackend, dc config.DurableConfig) (ports.DurableBackend, error) {
	var mws []middleware.Middleware
	if len(dc.Redact) > 0 {
		redact, err := middleware.NewRedactMiddleware(dc.Redact)
		if err != nil {
			return nil, err
		}
		mws = append(mws, redact)
	}
	active, fallbacks, err := dc.Keys()
	if err != nil {
		return nil, err
	}
	if active != nil {
		encrypt, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallbacks,
		})
		if err != nil {
			return nil, err
		}
		mws = append(mws, encrypt)
	}
	return middleware.Chain(backend, mws...), nil
}

// NewHybrid builds both tiers, the coordinator over them, and starts it.
func NewHybrid(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.SessionStore, error) {
	strategy, err := hybrid.ParseStrategy(cfg.Hybrid.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := hybrid.ParseConflictPolicy(cfg.Hybrid.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	local, err := NewLocal(cfg, logger)
	if err != nil {
		return nil, err
	}
	durableTier, err := NewDurable(cfg, logger)
	if err != nil {
		_ = local.Close()
		return nil, err
	}

	opts := []hybrid.Option{
		hybrid.WithLogger(logger),
		hybrid.WithStrategy(strategy),
		hybrid.WithSyncInterval(cfg.Hybrid.SyncInterval),
		hybrid.WithBatchSize(cfg.Hybrid.BatchSize),
		hybrid.WithConflictPolicy(policy),
		hybrid.WithReconcileLimit(cfg.Hybrid.ReconcileLimit),
		hybrid.WithRateLimit(cfg.Hybrid.RateLimit, cfg.Hybrid.RateWindow),
	}
	if locker := durableTier.Locker(); locker != nil {
		opts = append(opts, hybrid.WithLocker(locker))
	}
	c := hybrid.New(local, durableTier, opts...)
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to start hybrid coordinator: %w", err)
	}
	return c, nil
}
