package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/displaybridge/broker/internal/v1/auth"
	"github.com/displaybridge/broker/internal/v1/commands"
	"github.com/displaybridge/broker/internal/v1/config"
	"github.com/displaybridge/broker/internal/v1/health"
	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/logsink"
	"github.com/displaybridge/broker/internal/v1/middleware"
	"github.com/displaybridge/broker/internal/v1/ratelimit"
	"github.com/displaybridge/broker/internal/v1/registry"
	"github.com/displaybridge/broker/internal/v1/room"
	"github.com/displaybridge/broker/internal/v1/store"
	"github.com/displaybridge/broker/internal/v1/tracing"
	"github.com/displaybridge/broker/internal/v1/transport"
	"github.com/displaybridge/broker/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "display-bridge", cfg.OTelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("✅ Tracing initialized", "collector", cfg.OTelCollectorAddr)
		}
	}

	// --- Identity Store Initialization (Optional) ---
	// No DATABASE_URL puts the broker in no-auth mode: every join is
	// admitted anonymously and nothing is persisted.
	var identityStore types.IdentityStore
	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(cfg.DatabaseURL, cfg.AppTokenSecret)
		if err != nil {
			slog.Error("Failed to connect to identity store", "error", err)
			os.Exit(1)
		}
		identityStore = pg
		slog.Info("✅ Identity store connected")
	} else {
		identityStore = store.NewDisabled()
		slog.Warn("⚠️ No-auth mode: DATABASE_URL not set, all joins admitted anonymously")
	}

	// --- Redis Device Cache Initialization (Optional) ---
	var deviceCache *registry.RedisCache
	if cfg.RedisEnabled {
		deviceCache, err = registry.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running without device cache", "error", err)
			deviceCache = nil
		} else {
			slog.Info("✅ Redis device cache initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running without Redis device cache")
	}

	// Background workers run until the root context is cancelled.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// --- Device Registry ---
	deviceRegistry := registry.New(identityStore, deviceCache)
	if identityStore.IsEnabled() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := deviceRegistry.Refresh(refreshCtx); err != nil {
			slog.Warn("Initial device registry snapshot failed", "error", err)
		}
		cancel()
	}
	go deviceRegistry.Run(workerCtx)

	// --- Command Correlation ---
	tracker := commands.NewTracker(cfg.CommandTimeout)
	go tracker.Run(workerCtx)

	// --- Debug Log Sink ---
	sink := logsink.New(identityStore, deviceRegistry)
	go sink.Run(workerCtx)

	// --- Rate Limiting ---
	limiterRedis, err := ratelimit.NewRateLimiter(cfg, deviceCache.Client())
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub ---
	allowedOrigins := transport.GetAllowedOriginsFromEnv(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := transport.NewHub(transport.HubDeps{
		Gate:           auth.NewGate(cfg),
		Verifier:       auth.NewVerifier(identityStore, cfg.AuthTimeout),
		Rooms:          room.NewManager(),
		Tracker:        tracker,
		Sink:           sink,
		Registry:       deviceRegistry,
		RateLimiter:    limiterRedis,
		AllowedOrigins: allowedOrigins,
	})

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Error handling
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("display-bridge"))
	}

	// Routing
	router.GET("/ws", hub.ServeWs)

	apiGroup := router.Group("/api/v1")
	{
		apiGroup.GET("/devices", limiterRedis.DevicesMiddleware(), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"devices": deviceRegistry.GetAllDevices()})
		})
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(identityStore, deviceCache)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Broker starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down broker...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close every WebSocket session gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Stop background workers after the sessions are gone
	stopWorkers()

	// Close external connections if they were initialized
	if pg != nil {
		if err := pg.Close(); err != nil {
			slog.Error("Failed to close identity store connection:", "error", err)
		}
	}
	if deviceCache != nil {
		if err := deviceCache.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Broker exiting")
}
