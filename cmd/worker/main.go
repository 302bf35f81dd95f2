package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"avs/internal/config"
	"avs/internal/events"
	"avs/internal/pkg/errors"
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
		ServiceName: "avs-worker",
		AddSource:   cfg.Log.Source,
	})

	if !cfg.QueueMode() {
		log.LogFatal("worker requires queue mode",
			errors.ValidationField("AVS_RUNNER_MODE", "set AVS_RUNNER_MODE=queue to run a separate worker"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancelling running jobs and waiting for them can take a while.
	shutdownMgr := shutdown.NewManager(log, 2*time.Minute)

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	repo := repositories.NewJobRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.LogFatal("failed to apply schema", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	q := queue.NewRedisQueue(rdb, cfg.Redis.QueueName, cfg.Redis.ChannelPrefix, log)
	if err := q.Ping(ctx); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	proc, err := worker.BuildProcessor(worker.Deps{
		Config:    cfg,
		Store:     events.Notify(repo, q),
		SP:        sp,
		Providers: providers.FromConfig(cfg, log),
		Log:       log,
	})
	if err != nil {
		log.LogFatal("failed to build job processor", err)
	}

	// stopped ends when Run returns on its own so the process exits too.
	stopped, markStopped := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer markStopped()
		defer close(done)
		log.Info("AVS worker started",
			"queue", cfg.Redis.QueueName,
			"concurrency", cfg.Runner.Concurrency,
		)
		if err := worker.Run(ctx, proc, q, cfg.Runner.Concurrency, log); err != nil {
			log.Error("worker stopped with error", "error", err.Error())
		}
	}()

	shutdownMgr.Register("worker", func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	shutdownMgr.WaitWithContext(stopped)
}
