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

	"github.com/bastionhq/bastion/internal/app"
	"github.com/bastionhq/bastion/internal/assignments"
	"github.com/bastionhq/bastion/internal/audit"
	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/authz"
	"github.com/bastionhq/bastion/internal/catalog"
	"github.com/bastionhq/bastion/internal/enterprise"
	"github.com/bastionhq/bastion/internal/grants"
	"github.com/bastionhq/bastion/internal/observability"
	"github.com/bastionhq/bastion/internal/platform/cache"
	"github.com/bastionhq/bastion/internal/platform/db"
	"github.com/bastionhq/bastion/internal/roles"
	"github.com/bastionhq/bastion/internal/shared"
	"github.com/bastionhq/bastion/internal/users"
	"github.com/bastionhq/bastion/jobs"
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "bastion_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	metrics := observability.NewMetrics()

	auditRepo := audit.NewRepository(dbpool)
	auditService := audit.NewService(auditRepo, logger)
	auditHandler := audit.NewHandler(logger, auditService)

	usersRepo := users.NewRepository(dbpool)
	usersService := users.NewService(usersRepo)
	usersHandler := users.NewHandler(logger, usersService)

	authService := auth.NewService(usersRepo, auditService, logger)
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	enterpriseRepo := enterprise.NewRepository(dbpool)
	enterpriseService := enterprise.NewService(enterpriseRepo, auditService, logger)
	enterpriseHandler := enterprise.NewHandler(logger, enterpriseService)

	catalogRepo := catalog.NewRepository(dbpool)
	catalogService := catalog.NewService(catalogRepo, logger)
	catalogHandler := catalog.NewHandler(logger, catalogService)
	if _, err := catalogService.SeedDefaults(ctx); err != nil {
		logger.Warn("seed permission catalog", slog.Any("error", err))
	}

	grantsRepo := grants.NewRepository(dbpool)
	grantsService := grants.NewService(grantsRepo, auditService, logger)
	grantsHandler := grants.NewHandler(logger, grantsService)

	assignmentsRepo := assignments.NewRepository(dbpool)
	assignmentsService := assignments.NewService(assignmentsRepo, auditService, logger)
	assignmentsHandler := assignments.NewHandler(logger, assignmentsService)

	rolesRepo := roles.NewRepository(dbpool)
	rolesService := roles.NewService(rolesRepo, auditService, logger)
	rolesHandler := roles.NewHandler(logger, rolesService)

	authzStore := authz.NewStore(dbpool)
	authzService := authz.NewService(authzStore, metrics, logger)
	authzHandler := authz.NewHandler(logger, authzService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		EnterpriseHandler:  enterpriseHandler,
		CatalogHandler:     catalogHandler,
		GrantsHandler:      grantsHandler,
		AssignmentsHandler: assignmentsHandler,
		RolesHandler:       rolesHandler,
		AuthzHandler:       authzHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
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
