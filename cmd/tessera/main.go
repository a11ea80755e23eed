package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-admin/tessera/internal/app"
	"github.com/tessera-admin/tessera/internal/auth"
	"github.com/tessera-admin/tessera/internal/elements"
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
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	auditLogger := shared.NewAuditLogger(dbpool)

	schemas, err := rules.LoadRegistry(ctx, dbpool)
	if err != nil {
		logger.Error("load entity schemas", slog.Any("error", err))
		os.Exit(1)
	}

	identityRepo := identity.NewRepository(dbpool)
	groupsRepo := groups.NewRepository(dbpool)
	rulesRepo := rules.NewRepository(dbpool)
	elementsRepo := elements.NewRepository(dbpool)

	ruleCompiler := rules.NewCompiler(schemas, groupsRepo.Tree())

	// The cache compiles filters and rule edits invalidate the cache. The
	// compile path never touches the invalidator, so the cache gets its own
	// compile-only service instance and the mutation-facing one comes after.
	ruleCompileOnly := rules.NewService(rulesRepo, ruleCompiler, nil, logger)
	permService := permissions.NewService(redisClient, identityRepo, ruleCompileOnly, cfg.AdminRole, cfg.PermCacheTTL, logger)
	rulesService := rules.NewService(rulesRepo, ruleCompiler, permService, logger)

	identityService := identity.NewService(identityRepo, permService, auditLogger, logger)
	groupsService := groups.NewService(groupsRepo, groupsRepo.Tree(), permService, logger)
	elementsService := elements.NewService(elementsRepo, identityRepo, cfg.AdminRole, logger)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	sessionRepo := auth.NewSessionRepository(dbpool)
	authService := auth.NewService(identityRepo, sessionRepo, permService, jobsClient, logger)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	identityHandler := identity.NewHandler(logger, identityService)
	groupsHandler := groups.NewHandler(logger, groupsService)
	elementsHandler := elements.NewHandler(logger, elementsService)
	rulesHandler := rules.NewHandler(logger, rulesService, shared.NewIdempotencyStore(dbpool))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		AuthHandler:     authHandler,
		IdentityHandler: identityHandler,
		GroupsHandler:   groupsHandler,
		ElementsHandler: elementsHandler,
		RulesHandler:    rulesHandler,
		JobsHandler:     jobsHandler,
		Principal:       auth.PrincipalMiddleware(identityRepo, logger),
		Permission:      permService,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
