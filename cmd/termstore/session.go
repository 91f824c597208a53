package main

import (
	"os"

	"github.com/aretw0/termstore/internal/cli"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage stored terminal sessions",
	Long:  `List, inspect, remove, suspend and resume the sessions of the configured store.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls [project-id]",
	Short: "List sessions, of one project or of all projects",
	Args:  cobra.MaximumNArgs(1),
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

		filter := cli.ListFilter{}
		if len(args) > 0 {
			filter.ProjectID = args[0]
		}
		filter.All, _ = cmd.Flags().GetBool("all")
		filter.Status, _ = cmd.Flags().GetString("status")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		return cli.ListSessions(cmd.Context(), store, filter, cli.NewOutput(os.Stdout, globalOpts.JSON))
	},
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print a session as JSON",
	Args:  cobra.ExactArgs(1),
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
		return cli.Inspect(cmd.Context(), store, args[0], cmd.OutOrStdout())
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more sessions",
	Args:  cobra.MinimumNArgs(1),
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
		return cli.Remove(cmd.Context(), store, args, cmd.OutOrStdout())
	},
}

var sessionSuspendCmd = &cobra.Command{
	Use:   "suspend <session-id>",
	Short: "Snapshot a session and mark it suspended",
	Args:  cobra.ExactArgs(1),
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
		return cli.Suspend(cmd.Context(), store, args[0], cmd.OutOrStdout())
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Restore a suspended session and print its buffered output",
	Args:  cobra.ExactArgs(1),
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
		return cli.Resume(cmd.Context(), store, args[0], cli.NewOutput(os.Stdout, globalOpts.JSON))
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLsCmd, sessionInspectCmd, sessionRmCmd, sessionSuspendCmd, sessionResumeCmd)

	sessionLsCmd.Flags().BoolP("all", "a", false, "Include closed and errored sessions")
	sessionLsCmd.Flags().String("status", "", "Only sessions in this status")
	sessionLsCmd.Flags().IntP("limit", "n", 0, "Maximum number of sessions (0 for all)")
}
