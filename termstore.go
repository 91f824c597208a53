package termstore

import (
	"context"
	"log/slog"

	"github.com/aretw0/termstore/internal/config"
	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
	"github.com/aretw0/termstore/pkg/selector"
)

// Engine is the high-level entry point for the termstore library.
// It owns the provider selector built from the merged configuration.
type Engine struct {
	selector   *selector.Selector
	logger     *slog.Logger
	overrides  map[string]any
	factories  map[domain.ProviderMode]selector.Factory
	configPath string
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom structured logger for the engine and its providers.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMode selects the provider mode, taking precedence over file and environment.
func WithMode(mode domain.ProviderMode) Option {
	return WithSetting("mode", string(mode))
}

// WithSetting overrides one configuration key given as a dotted path,
// e.g. "durable.backend" or "hybrid.sync_interval".
func WithSetting(key string, value any) Option {
	return func(e *Engine) {
		config.SetPath(e.overrides, key, value)
	}
}

// WithOverrides merges a nested overrides map, as produced by
// config.ParseSettings, into the configuration.
func WithOverrides(overrides map[string]any) Option {
	return func(e *Engine) {
		mergeInto(e.overrides, overrides)
	}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			next, ok := dst[k].(map[string]any)
			if !ok {
				next = make(map[string]any)
				dst[k] = next
			}
			mergeInto(next, sub)
			continue
		}
		dst[k] = v
	}
}

// WithFactory replaces the provider constructor of one mode.
func WithFactory(mode domain.ProviderMode, f selector.Factory) Option {
	return func(e *Engine) {
		e.factories[mode] = f
	}
}

// New loads the configuration (defaults, then the optional YAML file at
// configPath, then TERMSTORE_* variables, then options) and prepares the
// selector. Providers are built on first use.
func New(configPath string, opts ...Option) (*Engine, error) {
	eng := &Engine{
		logger:     logging.NewNop(),
		overrides:  make(map[string]any),
		factories:  make(map[domain.ProviderMode]selector.Factory),
		configPath: configPath,
	}
	for _, opt := range opts {
		opt(eng)
	}

	cfg, err := config.Load(configPath, eng.overrides)
	if err != nil {
		return nil, err
	}

	selOpts := []selector.Option{selector.WithLogger(eng.logger)}
	for mode, f := range eng.factories {
		selOpts = append(selOpts, selector.WithFactory(mode, f))
	}
	eng.selector, err = selector.New(cfg, selOpts...)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// Store returns the provider of the active mode.
func (e *Engine) Store(ctx context.Context) (ports.SessionStore, error) {
	return e.selector.Provider(ctx)
}

// Selector exposes the provider selector, e.g. to switch modes at runtime.
func (e *Engine) Selector() *selector.Selector {
	return e.selector
}

// Mode returns the active provider mode.
func (e *Engine) Mode() domain.ProviderMode {
	return e.selector.Mode()
}

// Close flushes nothing by itself; it closes every provider built so far,
// which in turn flushes or syncs what they buffer.
func (e *Engine) Close() error {
	return e.selector.Close()
}
