package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/ledger-engine/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ledger-engine",
	Short: "Balance ledger for trade positions and yield investments",
	Long: `ledger-engine keeps customer balances and the two products that move them:

  - leveraged trade positions that reserve margin at open and settle P/L at close
  - fixed-term investments that accrue a linear return and pay it out on a schedule

Running without a subcommand is the same as "serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, settleCmd, migrateCmd)
}

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

func main() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c

		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
		slog.SetDefault(logger)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
