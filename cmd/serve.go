package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/internal/aggregation"
	"github.com/kcx-hq/kcx-01-sub007/internal/analytics"
	"github.com/kcx-hq/kcx-01-sub007/internal/api"
	"github.com/kcx-hq/kcx-01-sub007/internal/config"
	"github.com/kcx-hq/kcx-01-sub007/internal/database"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/middleware"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
	"github.com/kcx-hq/kcx-01-sub007/pkg/cache"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("connecting to database", zap.String("dsn", cfg.RedactedDSN()))
	db, err := database.New(ctx, cfg.DSN(), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Migrate {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	// Redis is optional: names resolve from Postgres and rate limiting is off.
	var nameCache names.Cache
	var limiter middleware.RateLimiter
	if rc := connectCache(ctx, cfg, logger); rc != nil {
		defer rc.Close()
		nameCache, limiter = rc, rc
	}

	engine := analytics.NewEngine(
		filter.NewResolver(db),
		aggregation.NewPipeline(db, logger),
		names.NewResolver(db, nameCache, cfg.Analytics.NameCacheTTL, logger),
		engineSettings(cfg.Analytics),
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, engine, db, limiter, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("analytics API ready", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// connectCache dials Redis, returning nil when it is unreachable.
func connectCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) *cache.Cache {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rc, err := cache.NewCache(ctx, cfg.RedisAddr(), cfg.RedisPassword, logger)
	if err != nil {
		logger.Warn("redis unavailable; name cache and rate limiting disabled", zap.Error(err))
		return nil
	}
	return rc
}

func newRouter(cfg *config.Config, engine api.Analyzer, scope middleware.UploadScopeChecker, limiter middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.RecoveryMiddleware(logger))
	r.Use(middleware.LoggingMiddleware(logger))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.HeaderClientID, middleware.HeaderRequestID},
		ExposeHeaders: []string{middleware.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	h := api.NewHandlers(engine, logger)
	r.GET("/health", h.HealthCheck)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RateLimitMiddleware(limiter, int64(cfg.Analytics.RateLimitPerMinute), time.Minute, logger))
	v1.Use(middleware.UploadScope(scope, logger))
	h.RegisterRoutes(v1)
	return r
}
