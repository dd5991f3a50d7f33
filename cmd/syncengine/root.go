// Command syncengine runs the bidirectional task synchronization engine:
// the reconciliation loop between the local task store and the remote
// planner service (spec.md, SPEC_FULL.md's CLI surface supplement).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	obsCfgFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "syncengine",
		Short: "Bidirectional task synchronization engine",
		Long: "syncengine reconciles a local agent-facing task store with a remote " +
			"cloud task-planning service: webhook ingestion, timed polling, conflict " +
			"resolution, and the subscription lifecycle that keeps the webhook firehose alive.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the sync engine YAML config file")
	root.PersistentFlags().StringVar(&obsCfgFile, "observability-config", "", "path to the observability YAML config file")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("observability-config", root.PersistentFlags().Lookup("observability-config"))
	viper.SetEnvPrefix("SYNCENGINE")
	viper.AutomaticEnv()

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncOnceCmd())
	root.AddCommand(newHealthcheckCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolvedConfigPath prefers the --config flag, falling back to viper's
// SYNCENGINE_CONFIG environment binding (spec.md §6 config options are
// layered independently inside internal/config; this just picks which file
// internal/config.Load reads).
func resolvedConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.GetString("config")
}

func resolvedObservabilityConfigPath() string {
	if obsCfgFile != "" {
		return obsCfgFile
	}
	return viper.GetString("observability-config")
}
