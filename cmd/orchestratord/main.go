// Command orchestratord runs the job orchestrator: HTTP API, batcher,
// scheduler, registry liveness sweep, and lifecycle supervisor as one
// process against a single Postgres store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chambrid/job-orchestrator/internal/api"
	"github.com/chambrid/job-orchestrator/internal/config"
	"github.com/chambrid/job-orchestrator/internal/logging"
	"github.com/chambrid/job-orchestrator/internal/orchestrator"
	"github.com/chambrid/job-orchestrator/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "orchestratord",
		Short:   "Mobile UI test job orchestrator",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's API server and background loops",
		RunE:  runServe,
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return store.Migrate(cfg.StoreURL)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	s, err := store.Open(cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buildInfo := api.BuildInfo{Version: version, Commit: commit, Date: date}
	orch, err := orchestrator.New(ctx, cfg, buildInfo, s, log)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := orch.Run(ctx); err != nil {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("orchestrator failed: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		if err := orch.Shutdown(context.Background()); err != nil {
			log.Error(err, "error during shutdown")
			return err
		}
		log.Info("shut down gracefully")
		return nil
	}
}
