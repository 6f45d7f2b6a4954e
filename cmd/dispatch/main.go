package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swiftride/dispatch/internal/dispatch"
	"github.com/swiftride/dispatch/internal/presence"
	"github.com/swiftride/dispatch/internal/surge"
	"github.com/swiftride/dispatch/pkg/common"
	"github.com/swiftride/dispatch/pkg/config"
	"github.com/swiftride/dispatch/pkg/database"
	"github.com/swiftride/dispatch/pkg/errors"
	"github.com/swiftride/dispatch/pkg/eventbus"
	"github.com/swiftride/dispatch/pkg/health"
	"github.com/swiftride/dispatch/pkg/idempotency"
	"github.com/swiftride/dispatch/pkg/logger"
	"github.com/swiftride/dispatch/pkg/middleware"
	"github.com/swiftride/dispatch/pkg/ratelimit"
	redisclient "github.com/swiftride/dispatch/pkg/redis"
	"github.com/swiftride/dispatch/pkg/resilience"
	"github.com/swiftride/dispatch/pkg/tracing"
	"github.com/swiftride/dispatch/pkg/validation"
	"go.uber.org/zap"
)

const (
	serviceName = "dispatch"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment, serviceName); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting dispatch service",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	if err := validation.RegisterCustomValidators(); err != nil {
		logger.Fatal("Failed to register custom validators", zap.Error(err))
	}

	// Initialize Sentry for error tracking
	sentryConfig := errors.DefaultSentryConfig()
	sentryConfig.ServerName = serviceName
	sentryConfig.Release = version
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
		logger.Info("Sentry error tracking initialized successfully")
	}

	// Initialize OpenTelemetry tracer
	tracerEnabled := os.Getenv("OTEL_ENABLED") == "true"
	if tracerEnabled {
		tracerCfg := tracing.Config{
			ServiceName:    os.Getenv("OTEL_SERVICE_NAME"),
			ServiceVersion: os.Getenv("OTEL_SERVICE_VERSION"),
			Environment:    cfg.Server.Environment,
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Enabled:        true,
		}

		tp, err := tracing.InitTracer(tracerCfg, logger.Get())
		if err != nil {
			logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to shutdown tracer", zap.Error(err))
				}
			}()
			logger.Info("OpenTelemetry tracing initialized successfully")
		}
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Connected to database")

	if err := database.RunMigrations(cfg.Database.MigrationsPath, cfg.Database.URL()); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}()

	// NATS holds driver and ride lifecycle events. Stream creation needs a
	// live server, so boot retries before giving up.
	busResult, err := resilience.RetryWithName(context.Background(), resilience.AggressiveRetryConfig(),
		func(ctx context.Context) (interface{}, error) {
			return eventbus.New(eventbus.Config{
				URL:        cfg.NATS.URL,
				Name:       serviceName,
				StreamName: cfg.NATS.StreamName,
			})
		}, "nats-connect")
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	bus := busResult.(*eventbus.Bus)
	defer bus.Close()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
		logger.Info("Rate limiting enabled",
			zap.Int("default_limit", cfg.RateLimit.DefaultLimit),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
			zap.Duration("window", cfg.RateLimit.Window()),
		)
	}

	var surgeBreaker *resilience.CircuitBreaker
	if cfg.Resilience.CircuitBreaker.Enabled {
		breakerCfg := cfg.Resilience.CircuitBreaker.SettingsFor("surge")
		surgeBreaker = resilience.NewCircuitBreaker(resilience.Settings{
			Name:             "surge",
			Interval:         time.Duration(breakerCfg.IntervalSeconds) * time.Second,
			Timeout:          time.Duration(breakerCfg.TimeoutSeconds) * time.Second,
			FailureThreshold: uint32(breakerCfg.FailureThreshold),
			SuccessThreshold: uint32(breakerCfg.SuccessThreshold),
		}, resilience.NoopFallback)

		logger.Info("Circuit breaker configured for surge lookups",
			zap.Int("failure_threshold", breakerCfg.FailureThreshold),
			zap.Int("success_threshold", breakerCfg.SuccessThreshold),
			zap.Int("timeout_seconds", breakerCfg.TimeoutSeconds),
			zap.Int("interval_seconds", breakerCfg.IntervalSeconds),
		)
	}

	presenceService := presence.NewService(redisClient, bus, cfg.Presence)
	presenceHandler := presence.NewHandler(presenceService)

	surgeService := surge.NewService(redisClient, presenceService, bus, cfg.Surge)
	surgeHandler := surge.NewHandler(surgeService)

	repo := dispatch.NewRepository(db)
	dispatchService := dispatch.NewService(repo, presenceService, surgeService, redisClient, bus, surgeBreaker, cfg.Dispatch, cfg.Fare)
	dispatchHandler := dispatch.NewHandler(dispatchService)

	idempotencyStore := idempotency.NewStore(redisClient, cfg.Dispatch.IdempotencyTTL)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	router.Use(middleware.Metrics())

	// Add tracing middleware if enabled
	if tracerEnabled {
		router.Use(middleware.TracingMiddleware(serviceName))
	}

	if limiter != nil {
		router.Use(middleware.RateLimit(limiter, cfg.RateLimit))
	}

	// Add Sentry error handler (should be near the end of middleware chain)
	router.Use(middleware.ErrorHandler())

	router.HandleMethodNotAllowed = true
	router.NoRoute(common.NoRouteHandler())
	router.NoMethod(common.NoMethodHandler())

	// Health check endpoints
	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/health/live", common.LivenessProbe(serviceName, version))

	// Readiness probe with dependency checks. The database probe is cached
	// so aggressive orchestrator polling does not hammer the pool.
	dbChecker := health.NewCachedChecker(health.PostgresChecker(db), 5*time.Second)
	healthChecks := map[string]func() error{
		"database": dbChecker.Check,
		"redis":    health.RedisChecker(redisClient.Client),
		"nats":     health.BusChecker(bus),
	}
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, healthChecks))

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": serviceName,
			"version": version,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	presenceHandler.RegisterRoutes(router)
	surgeHandler.RegisterRoutes(router)
	dispatchHandler.RegisterRoutes(router, middleware.Idempotency(idempotencyStore))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
