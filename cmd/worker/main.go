package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/school-notify/internal/config"
	"github.com/jwalitptl/school-notify/internal/handler/health"
	promHandler "github.com/jwalitptl/school-notify/internal/handler/prometheus"
	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/messaging/redis"
)

const healthAddr = ":8081"

func setupHealthCheck(appLogger *logger.Logger, checks map[string]health.Check) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(checks, 2*time.Second).RegisterRoutes(&engine.RouterGroup)

	metricsH := promHandler.New("school_notify_worker", prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	engine.GET("/metrics", metricsH.Handler())

	srv := &http.Server{Addr: healthAddr, Handler: engine, ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal(err, "Worker exited")
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *logger.Logger) error {
	client, err := redis.NewClient(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return err
	}
	broker, err := redis.NewRedisBroker(ctx, client, &appLogger.ZL)
	if err != nil {
		return fmt.Errorf("failed to create Redis broker: %w", err)
	}
	defer broker.Close()

	srv := setupHealthCheck(appLogger, map[string]health.Check{
		"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	monitor := NewProgressMonitor(broker, appLogger, NewMonitorMetrics(prometheus.DefaultRegisterer))
	return monitor.Run(ctx)
}
