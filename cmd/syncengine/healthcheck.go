package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-dev/taskbridge/internal/health"
)

func newHealthcheckCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Read sync:health from a running server and exit 0/1",
		Long: "healthcheck fetches the /healthz endpoint of a running `serve` process " +
			"and reports the sync:health snapshot, exiting non-zero if the engine is " +
			"halted, stopped, in an unknown state, or unreachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := addr
			if target == "" {
				cfg, _, _, err := loadOrExit(resolvedConfigPath(), resolvedObservabilityConfigPath())
				if err != nil {
					fmt.Fprintln(os.Stderr, color.RedString("healthcheck: %v", err))
					os.Exit(1)
				}
				target = "http://" + cfg.HTTPAddr
			}
			return runHealthcheck(target)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "base URL of a running serve process (default: derived from config http_addr)")
	return cmd
}

func runHealthcheck(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("healthcheck: unreachable: %v", err))
		os.Exit(1)
	}
	defer resp.Body.Close()

	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("healthcheck: bad response: %v", err))
		os.Exit(1)
	}

	switch snap.Status {
	case health.StatusRunning:
		fmt.Fprintln(os.Stdout, color.GreenString("healthcheck: running (pending=%d failed=%d last_upload=%s last_download=%s)",
			snap.PendingDepth, snap.FailedDepth, snap.LastUploadAt.Format(time.RFC3339), snap.LastDownloadAt.Format(time.RFC3339)))
		return nil
	case health.StatusThrottled:
		fmt.Fprintln(os.Stdout, color.YellowString("healthcheck: throttled until %s (pending=%d)",
			snap.BackoffUntil.Format(time.RFC3339), snap.PendingDepth))
		return nil
	case health.StatusStopped:
		fmt.Fprintln(os.Stdout, color.YellowString("healthcheck: stopped"))
		os.Exit(1)
	case health.StatusHalted:
		fmt.Fprintln(os.Stdout, color.RedString("healthcheck: halted: %s", snap.LastError))
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, color.RedString("healthcheck: unknown status %q", snap.Status))
		os.Exit(1)
	}
	return nil
}
