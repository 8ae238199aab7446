// Package main is the entrypoint for the Charisma job server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/analysis"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/handler"
	mw "github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/middleware"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/response"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/bus"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/cache"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/config"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/gateway"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/jobs"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/notify"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/queue"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/reconcile"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/store"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/worker"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.Server.LogFile, slog.LevelInfo)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Worker.Count)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Build backends. CHARISMA_INMEMORY=true swaps postgres and redis
	// for in-process fakes, for local development without containers.
	var (
		jobStore store.Store
		jobCache cache.Cache
		jobQueue queue.Queue
	)
	if cfg.Server.InMemory {
		slog.Warn("running with in-memory backends, state is lost on exit")
		jobStore = store.NewMemoryStore()
		jobCache = cache.NewMemoryCache()
		jobQueue = queue.NewMemoryQueue()
	} else {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		// 3. Run migrations
		if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		// 4. Create Redis cache and queue
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		redisQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.QueueKey)
		if err != nil {
			return fmt.Errorf("create redis queue: %w", err)
		}

		jobStore = store.NewPostgresStore(pool)
		jobCache = redisCache
		jobQueue = redisQueue
	}

	// 5. Create event bus
	eventBus := bus.New(256, logger)
	defer eventBus.Close()

	// 6. Register job executors
	factory := analysis.NewProviderFactory(cfg.AI)
	registry := worker.NewRegistry()
	registry.Register(models.JobTypeAnalysis, analysis.NewAnalysisExecutor(factory))
	registry.Register(models.JobTypeStory, analysis.NewStoryExecutor(factory, jobStore))

	// 7. Start the worker pool and the terminal-event notifier
	workerCfg := worker.DefaultConfig()
	workerCfg.MaxAttempts = cfg.Worker.MaxAttempts
	workerCfg.BackoffBase = cfg.Worker.BackoffBase
	workerCfg.BackoffCap = cfg.Worker.BackoffCap
	workerCfg.JobTimeout = cfg.Worker.JobTimeout
	workerCfg.SnapshotTTL = cfg.Worker.SnapshotTTL

	processor := worker.NewProcessor(jobStore, jobQueue, jobCache, eventBus, registry, workerCfg, logger)
	workers := worker.NewPool(processor, cfg.Worker.Count, logger)
	workers.Start(ctx)
	defer workers.Stop()

	notifier := notify.New(jobStore, eventBus, logger)
	go func() {
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("notifier stopped", "error", err)
		}
	}()

	// 8. Build the job service and the websocket gateway
	jobService := jobs.NewService(jobStore, jobQueue, jobCache, eventBus, jobs.Config{
		MaxAttempts:   cfg.Worker.MaxAttempts,
		BackoffBase:   cfg.Worker.BackoffBase,
		BackoffCap:    cfg.Worker.BackoffCap,
		SnapshotTTL:   cfg.Worker.SnapshotTTL,
		AvgJobSeconds: cfg.Worker.AvgJobSeconds,
	}, logger)

	ws := gateway.New(eventBus, gateway.NewKeyAuthenticator(jobStore), logger)
	watcher := reconcile.NewWatcher(jobService, eventBus, cfg.Worker.PollInterval, logger)

	// 9. Build router with dependencies
	auth := mw.NewAuth(jobStore)
	rateLimit := mw.NewRateLimit(jobCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(jobStore, jobCache),

		SubmitJobHandler: handler.NewSubmitJobHandler(jobService),
		JobStatusHandler: handler.NewJobStatusHandler(jobService),
		WatchJobHandler:  handler.NewWatchJobHandler(jobService, watcher),
		CancelJobHandler: handler.NewCancelJobHandler(jobService),

		NotificationsHandler: handler.NewListNotificationsHandler(jobService),

		WebsocketHandler: ws.ServeHTTP,

		ListJobsHandler:      handler.NewListJobsHandler(jobService),
		RetryJobHandler:      handler.NewRetryJobHandler(jobService),
		RestartJobHandler:    handler.NewRestartJobHandler(jobService),
		DeleteJobHandler:     handler.NewDeleteJobHandler(jobService),
		PrioritizeJobHandler: handler.NewPrioritizeJobHandler(jobService),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. Workers stop via the deferred
	// pool Stop once in-flight attempts notice the cancelled context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
