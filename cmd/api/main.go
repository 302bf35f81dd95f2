package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"avs/internal/config"
	"avs/internal/events"
	"avs/internal/httpapi"
	"avs/internal/httpapi/handlers"
	"avs/internal/jobs"
	"avs/internal/pkg/logger"
	"avs/internal/pkg/shutdown"
	"avs/internal/providers"
	"avs/internal/repositories"
	"avs/internal/storage"
	"avs/internal/worker"
	"avs/internal/worker/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "avs-api",
		AddSource:   cfg.Log.Source,
	})

	log.Info("starting AVS API",
		"version", "0.1.0",
		"runner_mode", cfg.Runner.Mode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)
	checks := map[string]handlers.Check{}

	// Job store: PostgreSQL when configured, memory otherwise.
	var store jobs.Store
	if cfg.Postgres.URL != "" {
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.RegisterSimple("postgres", pool.Close)

		repo := repositories.NewJobRepository(pool)
		if err := repo.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			log.LogFatal("failed to apply schema", err)
		}
		log.Info("PostgreSQL connected")
		checks["postgres"] = repo.Ping
		store = repo
	} else {
		log.Warn("AVS_POSTGRES_URL not set, jobs are kept in memory")
		store = jobs.NewMemoryStore()
	}

	bus := events.NewBus(cfg.Stream.Buffer, log)

	// Built in both modes so /providers and /health report what workers use.
	set := providers.FromConfig(cfg, log)
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	if sp != nil {
		log.Info("storage provider initialized", "provider", sp.Provider())
	}
	var dispatcher handlers.Dispatcher

	if cfg.QueueMode() {
		log.Info("connecting to Redis")
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
		q := queue.NewRedisQueue(rdb, cfg.Redis.QueueName, cfg.Redis.ChannelPrefix, log)
		if err := q.Ping(ctx); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		log.Info("Redis connected")
		checks["redis"] = q.Ping

		// Updates made here go to the workers' channel too; the relay
		// below feeds every update, local or remote, into the bus.
		store = events.Notify(store, q)
		go func() {
			if err := q.ForwardEvents(ctx, bus); err != nil && ctx.Err() == nil {
				log.Error("event relay stopped", "error", err.Error())
			}
		}()
		dispatcher = worker.NewQueueDispatcher(q)
	} else {
		store = events.Notify(store, bus)

		proc, err := worker.BuildProcessor(worker.Deps{
			Config:    cfg,
			Store:     store,
			SP:        sp,
			Providers: set,
			Log:       log,
		})
		if err != nil {
			log.LogFatal("failed to build job processor", err)
		}
		pool := worker.NewPool(ctx, proc, cfg.Runner.Concurrency, log)
		shutdownMgr.Register("job-pool", pool.Shutdown)
		dispatcher = worker.NewInlineDispatcher(pool)
	}

	h := handlers.New(handlers.Deps{
		Store:          store,
		Bus:            bus,
		Dispatcher:     dispatcher,
		Providers:      set,
		SP:             sp,
		Checks:         checks,
		StreamInterval: cfg.Stream.Interval,
		Log:            log,
	})
	router := httpapi.NewRouter(h, httpapi.Options{
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: progress streams stay open until the job ends
		IdleTimeout: 120 * time.Second,
		// streams end with the root context so Shutdown does not wait on them
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		cancel()
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTPPort,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
