package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/api"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/bus"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/config"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/health"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/logging"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/media"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/middleware"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/ratelimit"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/session"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/store"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/tracing"
	"github.com/RoseWrightdev/WatchParty/backend/go/internal/v1/transcode"
)

const serviceName = "watchparty-go"

// shutdownTimeout bounds the whole teardown: in-flight requests, room
// flushes, and encoder termination all share it.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	// .env is for local development; deployments pass variables through the
	// process environment.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	loadedEnv := ""
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			loadedEnv = path
			break
		}
	}

	if err := logging.Initialize(os.Getenv("ENVIRONMENT") == "development"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if loadedEnv != "" {
		logging.Info(ctx, "Loaded environment file", zap.String("path", loadedEnv))
	} else {
		logging.Warn(ctx, "No .env file found, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "Environment validation failed", zap.Error(err))
	}
	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// Tracing is a no-op without a collector endpoint.
	tracerProvider, err := tracing.InitTracer(ctx, serviceName)
	if err != nil {
		logging.Fatal(ctx, "Failed to initialize tracer", zap.Error(err))
	}

	// Persistence: any gorm DSN when configured, in-memory otherwise. The
	// in-memory store keeps every contract working but loses durability.
	var st store.Store
	var gormStore *store.GormStore
	if cfg.StorageDSN != "" {
		gormStore, err = store.NewGormStore(cfg.StorageDSN)
		if err != nil {
			logging.Fatal(ctx, "Failed to open storage", zap.Error(err))
		}
		st = gormStore
		logging.Info(ctx, "Storage ready", zap.String("dsn", logging.RedactURL(cfg.StorageDSN)))
	} else {
		st = store.NewMemoryStore()
		logging.Warn(ctx, "STORAGE_DSN not set, rooms and chat will not survive restarts")
	}

	// Optional Redis bus for multi-instance fan-out. Connection failure
	// degrades to single-instance mode rather than refusing to start.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, uuid.NewString())
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil
		} else {
			logging.Info(ctx, "Redis pub/sub initialized", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	hub := session.NewHub(st, busService, limiter, cfg.AllowedOrigins)
	registry := transcode.NewRegistry(cfg.FFmpegPath)

	httpSource := media.NewHTTPSource(cfg.MediaBearerToken)
	var s3Source *media.S3Source
	if cfg.S3Configured() {
		s3Source, err = media.NewS3Source(ctx, media.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			logging.Fatal(ctx, "Failed to configure S3 source", zap.Error(err))
		}
	}
	mediaHandlers := media.NewHandlers(media.NewResolver(httpSource, s3Source), registry, cfg.MediaSizeCap)

	apiHandlers := api.NewHandlers(st, cfg.Environment)
	healthHandler := health.NewHandler(st, busService)

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// The gateway upgrade sits outside the API limiter; joins are throttled
	// per session by the hub and origins are vetted by the upgrader.
	router.GET("/api/ws", hub.ServeWs)

	apiGroup := router.Group("/api")
	apiGroup.Use(limiter.APIMiddleware())
	{
		apiGroup.GET("/health", apiHandlers.Health)
		apiGroup.POST("/rooms", limiter.RoomsMiddleware(), apiHandlers.CreateRoom)
		apiGroup.GET("/rooms/:roomId", apiHandlers.GetRoom)
		apiGroup.GET("/rooms/:roomId/messages", apiHandlers.ListMessages)

		// Long-poll fallback transport.
		apiGroup.POST("/poll", hub.ServePollOpen)
		apiGroup.GET("/poll/:sessionId", hub.ServePollEvents)
		apiGroup.POST("/poll/:sessionId", hub.ServePollSend)
		apiGroup.DELETE("/poll/:sessionId", hub.ServePollClose)

		// Media proxy.
		apiGroup.GET("/video/metadata", mediaHandlers.Metadata)
		apiGroup.GET("/video/info", mediaHandlers.Info)
		apiGroup.GET("/video/stream", mediaHandlers.Stream)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Watch party server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Order matters: stop accepting traffic, flush room state, terminate
	// encoders, then drop the bus connection the rooms were publishing to.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Error during hub shutdown", zap.Error(err))
	}
	registry.Shutdown(shutdownCtx)

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close Redis connection", zap.Error(err))
		}
	}
	if gormStore != nil {
		if err := gormStore.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close storage", zap.Error(err))
		}
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "Failed to flush tracer", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}
