// Package cli holds the logic behind the termstore command: configuration
// loading, the long-running servers and the session management commands.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/termstore"
	"github.com/aretw0/termstore/internal/config"
	"github.com/aretw0/termstore/internal/logging"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Options are the global flags shared by every command.
type Options struct {
	ConfigPath string
	Mode       string
	Settings   []string
	Debug      bool
	JSON       bool
}

// Open loads the configuration and builds the engine and its logger.
// Precedence: defaults, file, environment, --set, then --mode.
func Open(opts Options) (*termstore.Engine, *slog.Logger, error) {
	overrides, err := config.ParseSettings(opts.Settings)
	if err != nil {
		return nil, nil, err
	}
	if opts.Mode != "" {
		config.SetPath(overrides, "mode", opts.Mode)
	}
	// The logger must exist before the engine, so the file is read twice.
	cfg, err := config.Load(opts.ConfigPath, overrides)
	if err != nil {
		return nil, nil, err
	}
	logger := NewLogger(cfg.Logging, opts.Debug)

	eng, err := termstore.New(opts.ConfigPath,
		termstore.WithLogger(logger),
		termstore.WithOverrides(overrides),
	)
	if err != nil {
		return nil, nil, err
	}
	return eng, logger, nil
}

// NewLogger builds the process logger. Debug forces the debug level.
func NewLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	if debug {
		cfg.Level = "debug"
	}
	return logging.FromConfig(cfg.Level, cfg.Format)
}

// Output describes where command results go and how they are rendered.
type Output struct {
	W       io.Writer
	JSON    bool
	Profile termenv.Profile
}

// NewOutput renders tables with colors on a terminal and JSON otherwise,
// unless forceJSON is set.
func NewOutput(f *os.File, forceJSON bool) Output {
	tty := term.IsTerminal(int(f.Fd()))
	profile := termenv.Ascii
	if tty {
		profile = termenv.NewOutput(f).EnvColorProfile()
	}
	return Output{W: f, JSON: forceJSON || !tty, Profile: profile}
}
