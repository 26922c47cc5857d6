package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flowdeck/flowdeck/internal/app"
	"github.com/flowdeck/flowdeck/internal/audit"
	"github.com/flowdeck/flowdeck/internal/auth"
	"github.com/flowdeck/flowdeck/internal/authz"
	"github.com/flowdeck/flowdeck/internal/flows"
	"github.com/flowdeck/flowdeck/internal/observability"
	"github.com/flowdeck/flowdeck/internal/platform/db"
	"github.com/flowdeck/flowdeck/internal/projects"
	"github.com/flowdeck/flowdeck/internal/users"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ConnTimeout: cfg.PGTimeout})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store := authz.NewStore(pool)
	if cfg.SeedOnStart {
		result, err := authz.NewCatalog(store).Seed(ctx)
		if err != nil {
			logger.Error("seed catalog", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("catalog seeded",
			slog.Int("permissions", result.PermissionsCreated),
			slog.Int("roles", result.RolesCreated),
			slog.Int("mappings", result.MappingsCreated))
	}

	userRepo := users.NewRepository(pool)
	userService := users.NewService(userRepo)
	projectRepo := projects.NewRepository(pool)
	flowRepo := flows.NewRepository(pool)

	recorder := audit.NewRecorder(pool)
	auditService := audit.NewService(audit.NewRepository(pool))

	authzService := authz.NewService(store, userService, flowRepo, logger)
	lifecycle := authz.NewLifecycle(store, userService, projectRepo, flowRepo, recorder, logger)

	metrics := observability.NewMetrics()
	authService := auth.NewService(userService, redisClient, cfg.AuthTokenTTL)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AuthMiddleware: auth.Middleware{Service: authService, Logger: logger},
		AuthzHandler:   authz.NewHandler(logger, authzService, lifecycle, store, metrics),
		AuthzGuard:     authz.Middleware{Service: authzService, Logger: logger},
		AuditHandler:   audit.NewHandler(logger, auditService),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
