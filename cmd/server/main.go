package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	echoapi "github.com/fortressauth/fortress/api/echo"
	"github.com/fortressauth/fortress/cache"
	redisstore "github.com/fortressauth/fortress/cache/redis"
	"github.com/fortressauth/fortress/config"
	"github.com/fortressauth/fortress/internal/identity"
	"github.com/fortressauth/fortress/internal/metrics"
	"github.com/fortressauth/fortress/internal/presence"
	"github.com/fortressauth/fortress/internal/riskoracle"
	"github.com/fortressauth/fortress/internal/server"
	"github.com/fortressauth/fortress/log"
	"github.com/fortressauth/fortress/mongodb"
	"github.com/fortressauth/fortress/services"
	"github.com/fortressauth/fortress/tracing"
)

var (
	appLogger      log.Logger
	httpServer     *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
		warnLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		warnLogger.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Str("fallback_log_level", logLevel.String()).
			Err(parseErr).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)
	appLogger.Info(context.Background(), "Starting fortress server...")
	appLogger.Info(context.Background(), "Configuration loaded successfully", map[string]interface{}{
		"http_port":     cfg.HTTPPort,
		"mongo_uri":     cfg.MongoURI,
		"mongo_db_name": cfg.MongoDBName,
		"redis_addr":    cfg.RedisAddr,
		"log_level":     cfg.LogLevel,
		"otel_service":  cfg.OtelServiceName,
		"fail_mode":     cfg.StepUpFailMode,
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(context.Background(), "Failed to initialize TracerProvider", err, nil)
	}
	tracerProvider = tp

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(registry)

	// --- Initialize Dependencies ---
	ctx := context.Background()
	if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
		appLogger.Fatal(ctx, "Failed to initialize MongoDB connection", initErr, nil)
	}
	db := mongodb.GetDB()

	factorMirror, err := mongodb.NewFactorMirrorRepository(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize FactorMirrorRepository", err, nil)
	}

	// Session stores: redis when configured, in-memory otherwise.
	var (
		pendingStore cache.PendingSessionStore
		enrollStore  cache.EnrollmentStore
		redisClient  *goredis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			appLogger.Fatal(ctx, "Failed to connect to Redis", err, nil)
		}
		pendingStore = redisstore.NewPendingSessionStore(redisClient, "fortress")
		enrollStore = redisstore.NewEnrollmentStore(redisClient, "fortress")
	} else {
		pendingStore = cache.NewMemoryPendingSessionStore(cfg.PendingTTL())
		enrollStore = cache.NewMemoryEnrollmentStore(cfg.EnrollTTL())
	}

	// The pending-challenges gauge reads the store at scrape time.
	metrics.RegisterPendingChallenges(registry, func() float64 {
		n, lenErr := pendingStore.Len(context.Background())
		if lenErr != nil {
			appLogger.Error(context.Background(), "Could not count pending sessions", lenErr, nil)
			return 0
		}
		return float64(n)
	})

	// External collaborators.
	identityClient := identity.NewHTTPClient(cfg.IdentityBaseURL, cfg.IdentityAPIKey, cfg.TOTPIssuer)
	oracleClient := riskoracle.NewHTTPClient(cfg.RiskOracleURL, cfg.OracleTimeout())
	presenceFactory := presence.NewHTTPVerifierFactory(cfg.PresenceVerifyURL, cfg.PresenceSecret)

	// Services
	stepupService := services.NewStepUpService(oracleClient, cfg.OracleTimeout(), cfg.StepUpFailMode)
	challengeService := services.NewChallengeService(identityClient, pendingStore, presenceFactory, cfg.PendingTTL())
	enrollmentService := services.NewEnrollmentService(identityClient, enrollStore, factorMirror, presenceFactory, cfg.EnrollTTL())

	authAPI := echoapi.NewAuthAPI(identityClient, stepupService, challengeService, enrollmentService)

	// --- End Dependency Initialization ---

	httpServer = server.NewHTTPServer(cfg, appLogger, authAPI, registry)
	go func() {
		appLogger.Info(context.Background(), fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(context.Background(), "Failed to start HTTP server", err, nil)
		}
	}()

	appLogger.Info(context.Background(), "Server components initialized. Waiting for interrupt signal...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(context.Background(), fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if httpServer != nil {
		appLogger.Info(shutdownCtx, "Shutting down HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "HTTP server shutdown error", err, nil)
		}
	}

	if err := pendingStore.Close(); err != nil {
		appLogger.Error(shutdownCtx, "Pending session store close error", err, nil)
	}
	if err := enrollStore.Close(); err != nil {
		appLogger.Error(shutdownCtx, "Enrollment store close error", err, nil)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			appLogger.Error(shutdownCtx, "Redis close error", err, nil)
		}
	}

	if tracerProvider != nil {
		appLogger.Info(shutdownCtx, "Shutting down TracerProvider...")
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err, nil)
		}
	}

	appLogger.Info(shutdownCtx, "Closing MongoDB connection...")
	mongodb.CloseMongoDB(shutdownCtx)

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}
