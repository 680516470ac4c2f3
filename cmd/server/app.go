package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/taskloom/taskloom-api/internal/api"
	"github.com/taskloom/taskloom-api/internal/api/middleware"
	"github.com/taskloom/taskloom-api/internal/cache"
	"github.com/taskloom/taskloom-api/internal/config"
	"github.com/taskloom/taskloom-api/internal/jobs"
	"github.com/taskloom/taskloom-api/internal/kv"
	"github.com/taskloom/taskloom-api/internal/platform/postgres"
	platformredis "github.com/taskloom/taskloom-api/internal/platform/redis"
	"github.com/taskloom/taskloom-api/internal/ratelimit"
)

// application holds the wired dependencies of the service.
type application struct {
	config *config.Config
	logger *slog.Logger

	redisClient *goredis.Client
	dbPool      *pgxpool.Pool

	fallback  *kv.Memory
	cache     *cache.Service
	limiter   *ratelimit.Limiter
	queue     *jobs.RedisQueue
	scheduler *jobs.Scheduler
	worker    *jobs.Worker
	deadLettr *jobs.DeadLetterHandler

	server *http.Server
}

// newApplication wires every component from configuration. It fails fast on
// unreachable dependencies: the remote store fallbacks protect requests at
// runtime, not a service that could never reach its stores at all.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	redisClient, err := platformredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to set up redis: %w", err)
	}

	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database pool: %w", err)
	}

	kvStore := platformredis.NewStore(redisClient)
	fallback := kv.NewMemory(cfg.Cache.FallbackMaxEntries)
	cacheService := cache.NewService(kvStore, fallback, cfg.Cache.DefaultTTL, logger)
	limiter := ratelimit.NewLimiter(kvStore, logger)

	records := postgres.NewTaskRecordStore(dbPool)
	queue := jobs.NewRedisQueue(redisClient)
	deadLetter := jobs.NewDeadLetterHandler(queue, logger)
	locker := platformredis.NewLock(redisClient)

	scheduler := jobs.NewScheduler(queue, records, locker, jobs.SchedulerConfig{
		BatchSize:       cfg.Jobs.BatchSize,
		Stagger:         cfg.Jobs.BatchStagger,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		OverdueEvery:    cfg.Jobs.OverdueEvery,
		StaleStatsEvery: cfg.Jobs.StaleStatsEvery,
		CleanupEvery:    cfg.Jobs.CleanupEvery,
		RetainCompleted: cfg.Jobs.RetainCompleted,
	}, logger)

	handlers := jobs.NewHandlers(records, jobs.HandlersConfig{
		StaleAfter:      cfg.Jobs.StaleStatsEvery,
		RetainCompleted: cfg.Jobs.RetainCompleted,
	}, logger)

	worker := jobs.NewWorker(queue, handlers, cacheService, deadLetter, jobs.WorkerConfig{
		WorkerCount:   cfg.Jobs.WorkerCount,
		RatePerSecond: cfg.Jobs.RatePerSecond,
		LeaseTTL:      cfg.Jobs.LeaseTTL,
		BackoffBase:   cfg.Jobs.BackoffBase,
	}, logger)

	app := &application{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		dbPool:      dbPool,
		fallback:    fallback,
		cache:       cacheService,
		limiter:     limiter,
		queue:       queue,
		scheduler:   scheduler,
		worker:      worker,
		deadLettr:   deadLetter,
	}
	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.setupRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return app, nil
}

// setupRouter configures the router with the diagnostics and operator
// surface. Business endpoints live in other services; this layer exposes
// only its own operational API, gated by the rate limiter it provides.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(app.logger))
	r.Use(chimiddleware.Recoverer)

	rateLimitGate := middleware.NewRateLimitMiddleware(app.limiter, ratelimit.Policy{
		Limit:  app.config.RateLimit.Limit,
		Window: app.config.RateLimit.Window,
	}, app.logger)

	healthHandler := api.NewHealthHandler(app.cache, app.limiter, app.queue, app.logger)
	jobsHandler := api.NewJobsHandler(app.scheduler, app.deadLettr, app.logger)

	r.Get("/health", healthHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(rateLimitGate.Handle)
		r.Post("/admin/jobs/{kind}", jobsHandler.Trigger)
		r.Get("/admin/jobs/dead-letters", jobsHandler.DeadLetters)
	})

	return r
}

// start launches the background components and the HTTP server.
func (app *application) start() error {
	app.fallback.StartSweeper(app.config.Cache.FallbackSweepEvery)
	app.scheduler.Start()
	app.worker.Start()

	app.logger.Info("server listening", slog.Int("port", app.config.Server.Port))
	if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// shutdown stops the components in dependency order: no new HTTP work, then
// no new scheduling, then drain the worker, then close the stores.
func (app *application) shutdown(ctx context.Context) {
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("http server shutdown failed", slog.String("error", err.Error()))
	}
	app.scheduler.Stop()
	app.worker.Stop()
	app.fallback.Stop()

	if err := app.redisClient.Close(); err != nil {
		app.logger.Error("redis close failed", slog.String("error", err.Error()))
	}
	app.dbPool.Close()
	app.logger.Info("shutdown complete")
}
