package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-admin/tessera/internal/app"
	"github.com/tessera-admin/tessera/internal/groups"
	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/permissions"
	"github.com/tessera-admin/tessera/internal/platform/db"
	"github.com/tessera-admin/tessera/internal/rules"
	"github.com/tessera-admin/tessera/internal/shared"
	"github.com/tessera-admin/tessera/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	schemas, err := rules.LoadRegistry(ctx, pool)
	if err != nil {
		logger.Error("load entity schemas", slog.Any("error", err))
		os.Exit(1)
	}

	identityRepo := identity.NewRepository(pool)
	groupsRepo := groups.NewRepository(pool)
	rulesRepo := rules.NewRepository(pool)

	ruleCompiler := rules.NewCompiler(schemas, groupsRepo.Tree())
	rulesService := rules.NewService(rulesRepo, ruleCompiler, nil, logger)
	permService := permissions.NewService(redisClient, identityRepo, rulesService, cfg.AdminRole, cfg.PermCacheTTL, logger)

	warmupJob := &jobs.PermWarmupJob{
		Permissions: permService,
		Users:       identityRepo,
		Pool:        pool,
		Logger:      logger,
	}
	maintenanceJob := &jobs.MaintenanceJob{
		Pool:        pool,
		Idempotency: shared.NewIdempotencyStore(pool),
		Logger:      logger,
	}

	// An empty payload warms every user with a live session.
	warmupTask, err := jobs.NewPermWarmupTask(jobs.PermWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask := jobs.NewMaintenanceCleanupTask()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskMaintenanceCleanup, Handler: maintenanceJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 */4 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "15 2 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
