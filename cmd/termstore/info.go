package main

import (
	"os"

	"github.com/aretw0/termstore/internal/cli"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show storage occupancy, sync state and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		store, err := eng.Store(cmd.Context())
		if err != nil {
			return err
		}
		return cli.Info(cmd.Context(), store, cli.NewOutput(os.Stdout, globalOpts.JSON))
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
