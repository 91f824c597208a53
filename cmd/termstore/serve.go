package main

import (
	"context"
	"os"
	"strings"

	"github.com/aretw0/termstore"
	"github.com/aretw0/termstore/internal/cli"
	"github.com/aretw0/termstore/internal/presentation/tui"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP server",
	Long: `Starts the admin API: health, storage info, mode switching, sync and
cleanup, session inspection, a server-sent event stream and Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, logger, err := cli.Open(globalOpts)
		if err != nil {
			return err
		}
		defer eng.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = eng.Selector().Config().HTTP.Addr
		}

		if !globalOpts.JSON {
			tui.PrintBanner(os.Stderr, termenv.NewOutput(os.Stderr).EnvColorProfile(), strings.TrimSpace(termstore.Version))
		}

		sigCtx := cli.NewSignalContext(context.Background())
		defer sigCtx.Cancel()
		err = cli.Serve(sigCtx, eng, addr, logger)
		if sig := sigCtx.Signal(); sig != nil {
			logger.Info("Stopped by signal", "signal", sig.String())
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", "", "Address to listen on (default from http.addr)")
}
