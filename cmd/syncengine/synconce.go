package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newSyncOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run the initial sync to completion and exit",
		Long: "sync-once performs a single full reconciliation pass (plan discovery, " +
			"download, upload, conflict resolution) and exits, without starting the " +
			"webhook/HTTP surface or any background loop. Useful for cold-start backfills.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncOnce(cmd.Context())
		},
	}
}

func runSyncOnce(ctx context.Context) error {
	cfg, obsCfg, logger, err := loadOrExit(resolvedConfigPath(), resolvedObservabilityConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("sync-once: %v", err))
		os.Exit(1)
	}

	d := build(cfg, obsCfg, logger)

	if err := d.engine.InitialSync(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("sync-once: failed: %v", err))
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, color.GreenString("sync-once: initial sync complete"))
	return nil
}
