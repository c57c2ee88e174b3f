package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/evoke-labs/idbridge/config"
)

// sweepCmd runs one reconciliation pass and exits, for cron-style
// deployments that do not keep a daemon around.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg)

		ctx := context.Background()
		app, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.close(ctx)

		report, err := app.reconcile.Run(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
