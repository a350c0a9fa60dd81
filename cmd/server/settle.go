package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run a single settlement pass and exit",
	Long: `settle pays out every investment due at the current time and exits.
It exits non-zero if any investment failed to settle; those are picked up
again by the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		core, err := buildEngines(cfg, st.store, nil)
		if err != nil {
			return err
		}

		report, err := core.settlement.RunOnce(ctx)
		if err != nil {
			return err
		}
		slog.Info("settlement finished",
			"run_id", report.RunID,
			"settled", len(report.Settled),
			"failed", len(report.Failed),
			"skipped", report.Skipped,
		)
		if len(report.Failed) > 0 {
			return errors.New("some investments failed to settle")
		}
		return nil
	},
}
