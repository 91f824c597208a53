// Package selector picks the session store implementation from configuration.
// Providers are built lazily, one per mode, and reused until switched away from.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/termstore/internal/config"
	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
)

// Selector owns the providers it builds and closes them on Close.
type Selector struct {
	mu        sync.Mutex
	cfg       config.Config
	active    domain.ProviderMode
	providers map[domain.ProviderMode]ports.SessionStore
	factories map[string]Factory
	logger    *slog.Logger
}

type Option func(*Selector)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithFactory replaces the constructor of one mode.
func WithFactory(mode domain.ProviderMode, f Factory) Option {
	return func(s *Selector) {
		s.factories[string(mode)] = f
	}
}

// New validates cfg and returns a selector whose active mode is cfg.Mode.
// No provider is built until one is requested.
func New(cfg config.Config, opts ...Option) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := domain.ParseProviderMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	s := &Selector{
		cfg:       cfg,
		active:    mode,
		providers: make(map[domain.ProviderMode]ports.SessionStore),
		factories: DefaultFactories(),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the merged configuration.
func (s *Selector) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Mode returns the active mode.
func (s *Selector) Mode() domain.ProviderMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Provider returns the provider of the active mode, building it on first use.
func (s *Selector) Provider(ctx context.Context) (ports.SessionStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerLocked(ctx, s.active)
}

func (s *Selector) providerLocked(ctx context.Context, mode domain.ProviderMode) (ports.SessionStore, error) {
	if p, ok := s.providers[mode]; ok {
		return p, nil
	}
	f, ok := s.factories[string(mode)]
	if !ok {
		return nil, fmt.Errorf("%w: no factory for provider mode %q", domain.ErrValidation, mode)
	}
	p, err := f(ctx, s.cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s provider: %w", mode, err)
	}
	s.providers[mode] = p
	s.logger.Info("Storage provider ready", "mode", string(mode))
	return p, nil
}

// StorageInfo reports on the active provider, building it if needed.
func (s *Selector) StorageInfo(ctx context.Context) (*domain.StorageInfo, error) {
	p, err := s.Provider(ctx)
	if err != nil {
		return nil, err
	}
	return p.StorageInfo(ctx)
}

// SwitchMode makes mode the active mode. With migrate, every session of the
// previous provider is copied into the new one first. The previous provider
// is flushed and closed.
func (s *Selector) SwitchMode(ctx context.Context, mode domain.ProviderMode, migrate bool) error {
	if _, err := domain.ParseProviderMode(string(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == s.active {
		return nil
	}

	prevMode := s.active
	prev, built := s.providers[prevMode]
	if built {
		if err := prev.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush %s provider: %w", prevMode, err)
		}
	}

	next, err := s.providerLocked(ctx, mode)
	if err != nil {
		return err
	}

	if built && migrate {
		sessions, err := prev.FindSessions(ctx, domain.Query{})
		if err != nil {
			return fmt.Errorf("failed to read sessions for migration: %w", err)
		}
		for _, sess := range sessions {
			if err := next.ImportSession(ctx, sess); err != nil {
				return fmt.Errorf("failed to migrate session %s: %w", sess.ID, err)
			}
		}
		if err := next.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush %s provider: %w", mode, err)
		}
		s.logger.Info("Sessions migrated", "from", string(prevMode), "to", string(mode), "count", len(sessions))
	}

	if built {
		delete(s.providers, prevMode)
		if err := prev.Close(); err != nil {
			s.logger.Warn("Previous provider did not close cleanly", "mode", string(prevMode), "err", err)
		}
	}
	s.active = mode
	s.cfg.Mode = string(mode)
	return nil
}

// Close closes every provider built so far.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, mode := range slices.Sorted(maps.Keys(s.providers)) {
		if err := s.providers[mode].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.providers, mode)
	}
	return firstErr
}

var capabilities = map[domain.ProviderMode]domain.Capabilities{
	domain.ModeLocal: {
		Mode:        domain.ModeLocal,
		Persistent:  false,
		CrossTier:   false,
		Performance: "sub-millisecond in-memory access",
		Scalability: "single process, bounded by max sessions with eviction",
		Description: "In-memory store with optional disk snapshots.",
	},
	domain.ModeDurable: {
		Mode:        domain.ModeDurable,
		Persistent:  true,
		CrossTier:   false,
		Performance: "network or disk round trip per operation, cached reads",
		Scalability: "shared by replicas through Redis or one SQLite file",
		Description: "Durable store with bounded retries and a read-through cache.",
	},
	domain.ModeHybrid: {
		Mode:        domain.ModeHybrid,
		Persistent:  true,
		CrossTier:   true,
		Performance: "in-memory reads and writes, durable writes per sync strategy",
		Scalability: "local tier per process, durable tier shared",
		Description: "Local tier first, synchronized to the durable tier with conflict resolution.",
	},
}

// Capabilities describes the trade-offs of a mode.
func Capabilities(mode domain.ProviderMode) (domain.Capabilities, bool) {
	c, ok := capabilities[mode]
	return c, ok
}

// AllCapabilities lists the capabilities of every mode.
func AllCapabilities() []domain.Capabilities {
	return []domain.Capabilities{
		capabilities[domain.ModeLocal],
		capabilities[domain.ModeDurable],
		capabilities[domain.ModeHybrid],
	}
}
