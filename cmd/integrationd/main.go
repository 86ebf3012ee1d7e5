// Integrationd is the quality-gated integration daemon.
//
// It accepts project submissions over HTTP, verifies them through the
// quality engine's checker fleet, and integrates accepted submissions with
// snapshot-backed deployments. Smoke checks are dispatched to registered
// worker agents behind a circuit breaker.
//
// Usage:
//
//	# Start the daemon with defaults
//	integrationd serve
//
//	# Point at a config file
//	integrationd serve --config ~/.config/integrationd/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/integrationd/internal/agents"
	"github.com/fyrsmithlabs/integrationd/internal/breaker"
	"github.com/fyrsmithlabs/integrationd/internal/config"
	"github.com/fyrsmithlabs/integrationd/internal/deploy"
	"github.com/fyrsmithlabs/integrationd/internal/dispatch"
	"github.com/fyrsmithlabs/integrationd/internal/httpapi"
	"github.com/fyrsmithlabs/integrationd/internal/integrator"
	"github.com/fyrsmithlabs/integrationd/internal/logging"
	"github.com/fyrsmithlabs/integrationd/internal/notify"
	"github.com/fyrsmithlabs/integrationd/internal/quality"
	"github.com/fyrsmithlabs/integrationd/internal/rollback"
	"github.com/fyrsmithlabs/integrationd/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "integrationd",
	Short:        "Quality-gated integration daemon",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the integrationd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("integrationd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run wires every component and blocks until the context is cancelled.
//
// Wiring order:
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Open the submission store and connect NATS
//  4. Build the agent plane (registry, breaker, retrier, dispatcher, monitor)
//  5. Build the verification and integration plane (quality engine,
//     environment, deploy executor, rollback manager, integrator)
//  6. Start the HTTP API and shut it down gracefully on signal
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting integrationd",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	notifier, err := notify.NewNATS(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer func() {
		_ = notifier.Close()
	}()

	logger.Info("Connected to NATS", zap.String("url", cfg.Notify.URL))

	// Agent plane.
	registry := agents.NewRegistry()

	cb, err := breaker.New(cfg.Breaker, logger)
	if err != nil {
		return fmt.Errorf("creating circuit breaker: %w", err)
	}
	retrier, err := breaker.NewRetrier(cfg.Retry, logger)
	if err != nil {
		return fmt.Errorf("creating retrier: %w", err)
	}

	caller := dispatch.NewHTTPCaller(logger)
	dispatcher, err := dispatch.New(registry, cb, retrier, caller, cfg.Dispatch, logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	hm, err := agents.NewMonitor(registry, caller, cfg.Monitor, logger)
	if err != nil {
		return fmt.Errorf("creating health monitor: %w", err)
	}
	hm.Start(ctx)
	defer hm.Stop()

	smoke := dispatch.NewSmokeRunner(dispatcher, dispatch.SmokeCapability, cfg.Dispatch.CallTimeout)

	// Verification and integration plane.
	engine, err := quality.NewEngine(cfg.Quality, quality.DefaultCheckers(), st, logger)
	if err != nil {
		return fmt.Errorf("creating quality engine: %w", err)
	}

	env, err := deploy.NewLocalEnvironment(cfg.Environment)
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}

	executor, err := deploy.NewExecutor(cfg.Deploy, env, smoke, logger)
	if err != nil {
		return fmt.Errorf("creating deploy executor: %w", err)
	}

	snapshots, err := rollback.NewManager(cfg.Rollback, st, env, st, logger)
	if err != nil {
		return fmt.Errorf("creating rollback manager: %w", err)
	}
	snapshots.Start(ctx)
	defer snapshots.Stop()

	svc, err := integrator.NewService(cfg.Integrator, st, engine, executor,
		snapshots, smoke, notifier, logger)
	if err != nil {
		return fmt.Errorf("creating integrator: %w", err)
	}

	srv, err := httpapi.NewServer(svc, registry, logger, &httpapi.Config{Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}
