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

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/school-notify/internal/config"
	"github.com/jwalitptl/school-notify/internal/delivery"
	"github.com/jwalitptl/school-notify/internal/dispatch"
	"github.com/jwalitptl/school-notify/internal/handler/health"
	"github.com/jwalitptl/school-notify/internal/handler/notification"
	promHandler "github.com/jwalitptl/school-notify/internal/handler/prometheus"
	"github.com/jwalitptl/school-notify/internal/middleware"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository"
	"github.com/jwalitptl/school-notify/internal/repository/memory"
	"github.com/jwalitptl/school-notify/internal/repository/postgres"
	redisRepo "github.com/jwalitptl/school-notify/internal/repository/redis"
	"github.com/jwalitptl/school-notify/internal/router"
	notificationService "github.com/jwalitptl/school-notify/internal/service/notification"
	"github.com/jwalitptl/school-notify/pkg/auth"
	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/messaging"
	"github.com/jwalitptl/school-notify/pkg/messaging/redis"
	"github.com/jwalitptl/school-notify/pkg/metrics"
	"github.com/jwalitptl/school-notify/pkg/worker"
)

const metricsNamespace = "school_notify"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal(err, "server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *logger.Logger) error {
	appMetrics := metrics.NewMetrics(metricsNamespace, "", prometheus.DefaultRegisterer)
	checks := map[string]health.Check{}

	// Redis backs the record store and the progress channel
	var (
		redisClient *goredis.Client
		publisher   messaging.Publisher = messaging.NopPublisher{}
	)
	if cfg.Store.Records == config.DriverRedis {
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
		redisClient = client
		broker, err := redis.NewRedisBroker(ctx, client, &appLogger.ZL)
		if err != nil {
			return err
		}
		defer broker.Close()

		publisher = broker
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	records := newRecordStore(cfg, redisClient)

	// User and subscription directory
	var (
		users repository.UserRepository
		subs  repository.SubscriptionRepository
	)
	switch cfg.Store.Directory {
	case config.DriverPostgres:
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		users = postgres.NewUserRepository(db)
		subs = postgres.NewSubscriptionRepository(db)
		checks["database"] = pingDB(db)
	default:
		appLogger.Warn("Using in-memory directory; users and subscriptions are not persisted")
		dir := memory.NewDirectory()
		users, subs = dir, dir
	}

	adapter, err := newAdapter(ctx, cfg, appLogger, appMetrics)
	if err != nil {
		return err
	}

	resolver := notificationService.NewResolver(users, subs, cfg.Resolver.CacheTTL, appLogger)
	invalidator := notificationService.NewInvalidator(subs, resolver, appLogger)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		BatchSize:            cfg.Dispatch.BatchSize,
		MaxConcurrentBatches: cfg.Dispatch.MaxConcurrentBatches,
		MaxAttempts:          cfg.Dispatch.MaxAttempts,
		InitialBackoff:       cfg.Dispatch.InitialBackoff,
		MaxBackoff:           cfg.Dispatch.MaxBackoff,
	}, adapter, records, invalidator, publisher, appLogger, appMetrics)

	queue := worker.NewQueue(worker.QueueConfig{
		Workers:  cfg.Queue.Workers,
		Capacity: cfg.Queue.Capacity,
	}, appLogger, appMetrics)
	queue.Start(ctx)

	svc := notificationService.NewService(
		notificationService.Config{},
		resolver, invalidator, records, subs, adapter, dispatcher, queue,
		appLogger, appMetrics,
	)

	// HTTP layer
	var metricsH *promHandler.Handler
	metricsPath := ""
	if cfg.Monitoring.PrometheusEnabled {
		metricsH = promHandler.New(metricsNamespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		metricsPath = cfg.Monitoring.MetricsPath
	}

	var rateLimit rate.Limit
	if cfg.RateLimit.Enabled {
		rateLimit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}

	jwtSvc := auth.NewJWTService(cfg.Credentials.JWTSecret, cfg.Auth.Issuer, 0)
	if !cfg.Auth.Enabled {
		appLogger.Warn("Authentication disabled; callers act as admin")
	}

	r := router.NewRouter(
		middleware.NewAuthMiddleware(jwtSvc, cfg.Auth.Enabled),
		notification.NewHandler(svc),
		health.NewHandler(checks, 2*time.Second),
		metricsH,
		appLogger,
		router.RouterConfig{
			Mode:           cfg.Server.Mode,
			RateLimit:      rateLimit,
			RateBurst:      cfg.RateLimit.Burst,
			RequestTimeout: cfg.Server.RequestTimeout,
			MaxBodySize:    1 << 20,
			CORSConfig:     middleware.DefaultCORSConfig(),
			MetricsPath:    metricsPath,
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "Server forced to shutdown")
	}
	// Dispatches already accepted keep running until the deadline.
	if err := queue.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "Dispatch queue did not drain")
	}

	appLogger.Info("Server exited")
	return nil
}

func newRecordStore(cfg *config.Config, client *goredis.Client) repository.NotificationRecordRepository {
	if client != nil {
		return redisRepo.NewRecordRepository(client, cfg.Store.RecordTTL)
	}
	return memory.NewRecordRepository()
}

// newAdapter configures a sender for every channel that has credentials.
func newAdapter(ctx context.Context, cfg *config.Config, appLogger *logger.Logger, appMetrics *metrics.Metrics) (*delivery.Adapter, error) {
	opts := []delivery.Option{delivery.WithMetrics(appMetrics)}

	webPush, err := delivery.NewWebPushSender(cfg.Credentials, cfg.Delivery.Timeout)
	if err != nil {
		appLogger.Warn("Web Push disabled", "reason", err.Error())
	} else {
		opts = append(opts,
			delivery.WithSender(model.ChannelWebPush, webPush),
			delivery.WithRateLimit(model.ChannelWebPush, cfg.Delivery.WebPushRPS, cfg.Delivery.Burst),
		)
	}

	if cfg.Delivery.FCMEnabled {
		client, err := delivery.NewFCMClient(ctx, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			delivery.WithSender(model.ChannelFCM, delivery.NewFCMSender(client)),
			delivery.WithRateLimit(model.ChannelFCM, cfg.Delivery.FCMRPS, cfg.Delivery.Burst),
		)
	}

	return delivery.NewAdapter(opts...), nil
}

func pingDB(db *sqlx.DB) health.Check {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}
