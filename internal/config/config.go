// Package config loads termstore settings from defaults, an optional YAML
// file, TERMSTORE_* environment variables and caller overrides, in that order.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TERMSTORE_"

// Config is the complete engine configuration.
type Config struct {
	Mode    string        `yaml:"mode" env:"MODE" mapstructure:"mode"`
	Local   LocalConfig   `yaml:"local" envPrefix:"LOCAL_" mapstructure:"local"`
	Durable DurableConfig `yaml:"durable" envPrefix:"DURABLE_" mapstructure:"durable"`
	Hybrid  HybridConfig  `yaml:"hybrid" envPrefix:"HYBRID_" mapstructure:"hybrid"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_" mapstructure:"logging"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_" mapstructure:"http"`
}

// LocalConfig configures the in-memory tier.
type LocalConfig struct {
	MaxSessions    int    `yaml:"max_sessions" env:"MAX_SESSIONS" mapstructure:"max_sessions"`
	MaxFocused     int    `yaml:"max_focused" env:"MAX_FOCUSED" mapstructure:"max_focused"`
	MaxOutputLines int    `yaml:"max_output_lines" env:"MAX_OUTPUT_LINES" mapstructure:"max_output_lines"`
	// SnapshotPath enables disk snapshots of the local tier when set.
	SnapshotPath  string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH" mapstructure:"snapshot_path"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL" mapstructure:"flush_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" mapstructure:"sweep_interval"`
	GracePeriod   time.Duration `yaml:"grace_period" env:"GRACE_PERIOD" mapstructure:"grace_period"`
}

// DurableConfig configures the durable tier and its backend.
type DurableConfig struct {
	Backend string `yaml:"backend" env:"BACKEND" mapstructure:"backend"`

	Addr     string `yaml:"addr" env:"ADDR" mapstructure:"addr"`
	Password string `yaml:"password" env:"PASSWORD" mapstructure:"password"`
	DB       int    `yaml:"db" env:"DB" mapstructure:"db"`
	Prefix   string `yaml:"prefix" env:"PREFIX" mapstructure:"prefix"`
	// Lock enables Redis distributed locks around session writes.
	Lock bool `yaml:"lock" env:"LOCK" mapstructure:"lock"`

	Path string `yaml:"path" env:"PATH" mapstructure:"path"`

	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS" mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" mapstructure:"retry_delay"`
	CacheTTL      time.Duration `yaml:"cache_ttl" env:"CACHE_TTL" mapstructure:"cache_ttl"`
	MaxSessions   int           `yaml:"max_sessions" env:"MAX_SESSIONS" mapstructure:"max_sessions"`
	MaxFocused    int           `yaml:"max_focused" env:"MAX_FOCUSED" mapstructure:"max_focused"`
	Retention     time.Duration `yaml:"retention" env:"RETENTION" mapstructure:"retention"`

	// EncryptionKey enables AES-256 encryption of session payloads at rest.
	// Keys are base64 encoded 32 byte values.
	EncryptionKey string   `yaml:"encryption_key" env:"ENCRYPTION_KEY" mapstructure:"encryption_key"`
	FallbackKeys  []string `yaml:"fallback_keys" env:"FALLBACK_KEYS" mapstructure:"fallback_keys"`
	// Redact lists regular expressions; matching environment and metadata
	// keys are masked before they reach the backend.
	Redact []string `yaml:"redact" env:"REDACT" mapstructure:"redact"`
}

// Keys decodes the encryption keys. active is nil when encryption is off.
func (d DurableConfig) Keys() (active []byte, fallbacks [][]byte, err error) {
	if d.EncryptionKey == "" {
		if len(d.FallbackKeys) > 0 {
			return nil, nil, errors.New("durable.fallback_keys requires durable.encryption_key")
		}
		return nil, nil, nil
	}
	decode := func(name, v string) ([]byte, error) {
		k, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
		}
		if len(k) != 32 {
			return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(k))
		}
		return k, nil
	}
	if active, err = decode("durable.encryption_key", d.EncryptionKey); err != nil {
		return nil, nil, err
	}
	for i, v := range d.FallbackKeys {
		k, err := decode(fmt.Sprintf("durable.fallback_keys[%d]", i), v)
		if err != nil {
			return nil, nil, err
		}
		fallbacks = append(fallbacks, k)
	}
	return active, fallbacks, nil
}

// HybridConfig configures the sync between tiers.
type HybridConfig struct {
	Strategy       string        `yaml:"strategy" env:"STRATEGY" mapstructure:"strategy"`
	SyncInterval   time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL" mapstructure:"sync_interval"`
	BatchSize      int           `yaml:"batch_size" env:"BATCH_SIZE" mapstructure:"batch_size"`
	ConflictPolicy string        `yaml:"conflict_policy" env:"CONFLICT_POLICY" mapstructure:"conflict_policy"`
	ReconcileLimit int           `yaml:"reconcile_limit" env:"RECONCILE_LIMIT" mapstructure:"reconcile_limit"`
	RateLimit      int           `yaml:"rate_limit" env:"RATE_LIMIT" mapstructure:"rate_limit"`
	RateWindow     time.Duration `yaml:"rate_window" env:"RATE_WINDOW" mapstructure:"rate_window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" mapstructure:"level"`
	Format string `yaml:"format" env:"FORMAT" mapstructure:"format"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR" mapstructure:"addr"`
}

// Default returns the built-in configuration: an in-memory store.
func Default() Config {
	return Config{
		Mode: "local",
		Local: LocalConfig{
			MaxSessions:    50,
			MaxFocused:     10,
			MaxOutputLines: 1000,
			FlushInterval:  30 * time.Second,
			SweepInterval:  time.Minute,
			GracePeriod:    5 * time.Minute,
		},
		Durable: DurableConfig{
			Backend:       "redis",
			Addr:          "localhost:6379",
			Prefix:        "termstore:",
			Path:          ".termstore/sessions.db",
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			CacheTTL:      5 * time.Minute,
			MaxSessions:   1000,
			MaxFocused:    10,
			Retention:     24 * time.Hour,
		},
		Hybrid: HybridConfig{
			Strategy:       "eventual",
			SyncInterval:   30 * time.Second,
			BatchSize:      50,
			ConflictPolicy: "latest-wins",
			ReconcileLimit: 500,
			RateLimit:      10,
			RateWindow:     time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		HTTP:    HTTPConfig{Addr: ":8080"},
	}
}

// Load merges, in increasing priority: Default, the YAML file at path (when
// path is empty or missing it is skipped), TERMSTORE_* environment variables
// and overrides. Override keys follow the mapstructure tags, nested by
// section, e.g. {"durable": {"backend": "sqlite"}}. Duration values may be
// given as strings such as "30s".
func Load(path string, overrides map[string]any) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if len(overrides) > 0 {
		if err := Decode(overrides, &cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// Decode merges a loosely typed map into cfg, leaving absent keys untouched.
func Decode(input map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("failed to decode overrides: %w", err)
	}
	return nil
}

// Validate rejects unknown modes, strategies, policies and backends and
// non-positive limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Mode, "local", "durable", "hybrid"), "mode must be local, durable or hybrid, got %q", c.Mode)
	check(c.Local.MaxSessions > 0, "local.max_sessions must be positive")
	check(c.Local.MaxFocused > 0, "local.max_focused must be positive")
	check(c.Local.MaxOutputLines > 0, "local.max_output_lines must be positive")
	check(c.Local.FlushInterval >= 0, "local.flush_interval must not be negative")
	check(c.Local.SweepInterval >= 0, "local.sweep_interval must not be negative")

	if c.Mode != "local" {
		check(oneOf(c.Durable.Backend, "redis", "sqlite"), "durable.backend must be redis or sqlite, got %q", c.Durable.Backend)
		check(c.Durable.Backend != "redis" || c.Durable.Addr != "", "durable.addr is required for redis")
		check(c.Durable.Backend != "sqlite" || c.Durable.Path != "", "durable.path is required for sqlite")
		check(c.Durable.RetryAttempts > 0, "durable.retry_attempts must be positive")
		check(c.Durable.RetryDelay >= 0, "durable.retry_delay must not be negative")
		check(c.Durable.CacheTTL >= 0, "durable.cache_ttl must not be negative")
		check(c.Durable.MaxSessions > 0, "durable.max_sessions must be positive")
		check(c.Durable.MaxFocused > 0, "durable.max_focused must be positive")
		if _, _, err := c.Durable.Keys(); err != nil {
			errs = append(errs, err)
		}
		for _, p := range c.Durable.Redact {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("durable.redact pattern %q: %w", p, err))
			}
		}
	}
	if c.Mode == "hybrid" {
		check(oneOf(c.Hybrid.Strategy, "immediate", "eventual", "manual"), "hybrid.strategy must be immediate, eventual or manual, got %q", c.Hybrid.Strategy)
		check(oneOf(c.Hybrid.ConflictPolicy, "local-wins", "database-wins", "latest-wins"), "hybrid.conflict_policy must be local-wins, database-wins or latest-wins, got %q", c.Hybrid.ConflictPolicy)
		check(c.Hybrid.Strategy != "eventual" || c.Hybrid.SyncInterval > 0, "hybrid.sync_interval must be positive")
		check(c.Hybrid.BatchSize > 0, "hybrid.batch_size must be positive")
		check(c.Hybrid.ReconcileLimit > 0, "hybrid.reconcile_limit must be positive")
		check(c.Hybrid.RateLimit > 0, "hybrid.rate_limit must be positive")
		check(c.Hybrid.RateWindow > 0, "hybrid.rate_window must be positive")
	}
	check(oneOf(c.Logging.Format, "text", "json"), "logging.format must be text or json, got %q", c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	return slices.Contains(options, v)
}

// SetPath stores value in m under a dotted key such as "durable.addr",
// creating the intermediate sections.
func SetPath(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// ParseSettings turns "key=value" pairs into an overrides map for Load.
func ParseSettings(pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid setting %q, want key=value", pair)
		}
		SetPath(out, key, value)
	}
	return out, nil
}
