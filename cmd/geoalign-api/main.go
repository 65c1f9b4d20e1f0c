// geoalign-api is the HTTP API server for GeoTIFF alignment jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"geoalign/internal/api"
	"geoalign/internal/artifact"
	"geoalign/internal/config"
	"geoalign/internal/dispatcher"
	"geoalign/internal/health"
	"geoalign/internal/job"
	"geoalign/internal/observability"
	"geoalign/internal/store"
	"geoalign/internal/supervisor"
	"geoalign/internal/workerpool"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

func main() {
	cfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.ServiceConfig) error {
	ctx := context.Background()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	workspace, err := artifact.NewWorkspace(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	persister, err := openPersister(ctx, cfg.StoreDriver, workspace.Root())
	if err != nil {
		return err
	}
	jobStore := store.Open(ctx, persister, metrics)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := jobStore.Close(closeCtx); err != nil {
			slog.Error("Store close error", "error", err)
		}
	}()

	launcher, err := newLauncher(cfg, workspace.Root())
	if err != nil {
		return err
	}
	defer launcher.Close()

	pool := workerpool.New(workerpool.Config{
		Workers:   cfg.MaxConcurrentJobs,
		QueueSize: cfg.AdmissionQueue,
	}, metrics)

	// Completion callbacks are optional.
	var eventDispatcher *dispatcher.MemoryDispatcher
	supCfg := supervisor.Config{
		Launcher: launcher,
		Pool:     pool,
		Repo:     jobStore,
		Metrics:  metrics,
	}
	if cfg.NotifyURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		supCfg.Notifier = dispatcher.NewJobNotifier(eventDispatcher, cfg.NotifyURL, cfg.NotifyKey)
		slog.Info("Completion callbacks enabled", "url", cfg.NotifyURL, "signed", cfg.NotifyKey != "")
	}
	sup := supervisor.New(supCfg)

	jobService := job.NewService(jobStore, workspace, sup, metrics)
	if resumed := jobService.Recover(ctx); resumed > 0 {
		slog.Info("Resumed in-flight jobs", "count", resumed)
	}

	healthChecker := health.NewChecker(
		health.Check{Name: "store", Checker: jobStore},
		health.Check{Name: "launcher", Checker: sup, Critical: true},
	)

	router := api.NewRouter(api.RouterConfig{
		JobService:     jobService,
		Workspace:      workspace,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	// Uploads can be large, so only headers get a read deadline.
	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port, "dataDir", workspace.Root(), "store", cfg.StoreDriver, "launcher", cfg.WorkerLauncher)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if runErr == nil && cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop workers. Jobs cut short stay non-terminal and are
	// resumed on the next start.
	poolCtx, poolCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer poolCancel()
	if err := pool.Close(poolCtx); err != nil {
		slog.Warn("Worker pool shutdown error", "error", err)
	}
	if err := sup.Close(poolCtx); err != nil {
		slog.Warn("Supervisor shutdown error", "error", err)
	}

	// Phase 4: drain completion callbacks
	if eventDispatcher != nil {
		slog.Info("Draining callback dispatcher")
		dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dispatcherCancel()
		if err := eventDispatcher.Close(dispatcherCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Phase 5: the deferred store close performs the final flush.
	slog.Info("Shutdown complete")
	return runErr
}

func openPersister(ctx context.Context, driver, dataDir string) (store.Persister, error) {
	switch driver {
	case config.StoreDriverFile:
		return store.NewFilePersister(filepath.Join(dataDir, "jobs.json")), nil
	case config.StoreDriverSQLite:
		p, err := store.OpenSQLite(ctx, filepath.Join(dataDir, "jobs.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want %s or %s)", driver, config.StoreDriverFile, config.StoreDriverSQLite)
	}
}

func newLauncher(cfg *config.ServiceConfig, dataDir string) (supervisor.Launcher, error) {
	switch cfg.WorkerLauncher {
	case config.LauncherExec:
		l, err := supervisor.NewExecLauncher(cfg.WorkerCommand)
		if err != nil {
			return nil, fmt.Errorf("configure exec launcher: %w", err)
		}
		return l, nil
	case config.LauncherDocker:
		l, err := supervisor.NewDockerLauncher(supervisor.DockerConfig{
			Image:      cfg.WorkerImage,
			Entrypoint: cfg.WorkerEntrypoint,
			DataDir:    dataDir,
		})
		if err != nil {
			return nil, fmt.Errorf("configure docker launcher: %w", err)
		}
		slog.Info("Connected to Docker daemon", "image", cfg.WorkerImage)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown WORKER_LAUNCHER %q (want %s or %s)", cfg.WorkerLauncher, config.LauncherExec, config.LauncherDocker)
	}
}
