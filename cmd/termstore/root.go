package main

import (
	"fmt"
	"os"

	"github.com/aretw0/termstore"
	"github.com/aretw0/termstore/internal/cli"
	"github.com/spf13/cobra"
)

var globalOpts cli.Options

var rootCmd = &cobra.Command{
	Use:   "termstore",
	Short: "termstore stores terminal sessions in memory, Redis or SQLite",
	Long: `termstore keeps the terminal sessions of a workspace: tab names, status,
focus, output and suspension snapshots, in a local, durable or hybrid store.

Configuration is read from the --config file, TERMSTORE_* environment
variables and --set key=value flags, in increasing priority.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openEngine builds the engine from the global flags.
func openEngine() (*termstore.Engine, error) {
	eng, _, err := cli.Open(globalOpts)
	return eng, err
}

func init() {
	// Persistent flags (available to all commands)
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globalOpts.ConfigPath, "config", "c", "termstore.yaml", "Path to the YAML config file (skipped when missing)")
	flags.StringVarP(&globalOpts.Mode, "mode", "m", "", "Provider mode: local, durable or hybrid")
	flags.StringArrayVar(&globalOpts.Settings, "set", nil, "Override a config key, e.g. --set durable.backend=sqlite")
	flags.BoolVar(&globalOpts.Debug, "debug", false, "Enable debug logging on stderr")
	flags.BoolVar(&globalOpts.JSON, "json", false, "Force JSON output")
}
