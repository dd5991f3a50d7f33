package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-dev/taskbridge/internal/applife"
	"github.com/antigravity-dev/taskbridge/internal/config"
	"github.com/antigravity-dev/taskbridge/internal/observability"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
	"github.com/antigravity-dev/taskbridge/internal/token"
)

const shutdownDrainTimeout = 20 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// loadOrExit loads the sync engine and observability configs and builds a
// logger from them, the shared startup sequence every subcommand needs
// before it can reach internal/syncengine.
func loadOrExit(cfgPath, obsCfgPath string) (config.Config, observability.Config, *observability.StructuredLogger, error) {
	cfg, _, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, observability.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, observability.Config{}, nil, err
	}

	obsPath := obsCfgPath
	if obsPath == "" {
		obsPath = cfg.ObservabilityConfigPath
	}
	obsCfg, err := observability.LoadConfig(obsPath)
	if err != nil {
		return config.Config{}, observability.Config{}, nil, fmt.Errorf("load observability config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  obsCfg.Logging.Level,
		Format: obsCfg.Logging.Format,
	})
	return cfg, obsCfg, logger, nil
}

func runServe(ctx context.Context) error {
	cfg, obsCfg, logger, err := loadOrExit(resolvedConfigPath(), resolvedObservabilityConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("serve: %v", err))
		os.Exit(1)
	}

	shutdownTrace, err := observability.Tracing(ctx, obsCfg.Tracing)
	if err != nil {
		logger.Warn("serve: tracing init failed, continuing without it: %v", err)
		shutdownTrace = func(context.Context) error { return nil }
	}

	d := build(cfg, obsCfg, logger)

	// Preflight the delegated grant so a misconfigured registration fails the
	// process with the documented exit code instead of halting writes later
	// (spec.md §6: exit 3 on consent_required / bad_credentials).
	preCtx, cancelPre := context.WithTimeout(ctx, 30*time.Second)
	_, _, tokenErr := d.tokens.Acquire(preCtx, token.KindDelegated, nil)
	cancelPre()
	if tokenErr != nil {
		if kind, ok := syncerr.KindOf(tokenErr); ok && kind.HaltsWrites() {
			fmt.Fprintln(os.Stderr, color.RedString("serve: token acquisition fatal: %v", tokenErr))
			os.Exit(3)
		}
		logger.Warn("serve: token preflight failed, continuing (writes will retry): %v", tokenErr)
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: d.ginEngine()}
	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("serve: HTTP surface listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Component order matters: Group.Run drains in reverse, so starting
	// publisher -> subs -> reporter -> engine drains the upload batch, writes
	// the final health snapshot, then releases subscriptions if configured.
	// The HTTP server is shut down before any component drains, so new
	// webhook work stops first (spec.md §5).
	group := applife.NewGroup(d.publisher, d.subs, d.reporter, d.engine)

	var drainCancel context.CancelFunc
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- group.Run(runCtx, func() context.Context {
			var drainCtx context.Context
			drainCtx, drainCancel = context.WithTimeout(context.Background(), shutdownDrainTimeout)
			_ = httpServer.Shutdown(drainCtx)
			return drainCtx
		})
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case runErr = <-httpErrCh:
		stop()
		runErr = <-runErrCh
	}

	if drainCancel != nil {
		drainCancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = shutdownTrace(shutdownCtx)

	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	fmt.Fprintln(os.Stderr, color.GreenString("serve: clean shutdown"))
	return nil
}
