package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/termstore"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of termstore",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "termstore version %s\n", strings.TrimSpace(termstore.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
