package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vtt-sync/internal/api"
	"vtt-sync/internal/auth"
	"vtt-sync/internal/config"
	"vtt-sync/internal/db"
	"vtt-sync/internal/repository"
	"vtt-sync/internal/services"
	"vtt-sync/internal/services/collaboration"
	"vtt-sync/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Session actors and a persistence worker pool running side by side
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: HTTP → sessions → persistence → stores
*/

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := telemetry.NewLogger("info", "console")
		boot.Fatal().Err(err).Msg("❌ Failed to load config")
	}

	log := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info().Msg("🚀 Starting VTT session sync server...")

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(cfg.JaegerEndpoint, cfg.JaegerSampleRatio, log)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  Failed to initialize Jaeger (continuing without tracing)")
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("⚠️  Failed to shutdown Jaeger")
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to connect to database")
	}
	defer database.Close()

	// Initialize Redis snapshot cache (optional)
	var cache services.SnapshotCache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("⚠️  Redis unavailable (continuing without snapshot cache)")
		} else {
			cache = repository.NewSnapshotCache(redisClient, cfg.Redis.SnapshotTTL)
			log.Info().Str("addr", cfg.Redis.Addr).Msg("✓ Redis snapshot cache connected")
		}
	}

	// Initialize repositories
	sessionRepo := repository.NewSessionRepository(database.DB)
	patchRepo := repository.NewPatchRepository(database.DB)

	// Initialize persistence service with worker pool
	// Learning: Session actors hand snapshots to this pool and never wait on the DB
	persistence := services.NewPersistenceService(sessionRepo, patchRepo, cache, services.PersistenceConfig{
		Workers:      cfg.Persistence.Workers,
		QueueSize:    cfg.Persistence.QueueSize,
		KeepBatches:  cfg.Persistence.KeepBatches,
		WriteTimeout: cfg.Persistence.WriteTimeout,
	}, log)
	persistence.Start()

	// Initialize session manager
	// Learning: Each session runs as its own actor goroutine
	sessionManager := collaboration.NewSessionManager(sessionOptions(cfg, persistence, log), persistence)

	// Initialize authentication
	authenticator := &auth.RequestAuthenticator{Disabled: cfg.Auth.Disabled}
	if cfg.Auth.Disabled {
		log.Warn().Msg("⚠️  Authentication disabled: user_id query parameter is trusted")
	} else {
		verifier, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, log)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to initialize token verifier")
		}
		authenticator.Verifier = verifier
	}

	// Initialize handlers with dependency injection
	wsHandler := collaboration.NewWebSocketHandler(sessionManager, authenticator, log)
	handler := api.NewHandler(sessionManager, persistence, authenticator, wsHandler, log)

	// Setup routes
	router := api.SetupRoutes(handler, log)

	// Configure HTTP server
	// Learning: No WriteTimeout - it would cut long-lived WebSocket connections
	addr := cfg.ServerAddr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Info().Str("addr", addr).Msg("🌐 Server listening")
		log.Info().Msg("📚 Endpoints: POST/GET /api/sessions, GET/DELETE /api/sessions/{id}, GET /ws/session/{id}, GET /metrics")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("❌ Server error")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests. Hijacked WebSockets are not tracked by the
	// server; the session shutdown below closes them.
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️  Server forced to shutdown")
	}

	// Shutdown sessions
	// Learning: Every actor enqueues a resumable snapshot before exiting
	if err := sessionManager.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️  Sessions did not stop in time")
	}

	// Shutdown persistence service
	// Learning: This drains the queue so the final snapshots reach the database
	persistence.Shutdown()

	log.Info().Msg("✓ Server shutdown complete")
}

func sessionOptions(cfg *config.Config, persistence *services.PersistenceService, log zerolog.Logger) collaboration.Options {
	opts := collaboration.DefaultOptions()
	opts.ApprovalTimeout = cfg.Session.ApprovalTimeout
	opts.HeartbeatTimeout = cfg.Session.HeartbeatTimeout
	opts.GracePeriod = cfg.Session.GracePeriod
	opts.QueueMaxSize = cfg.Session.QueueMaxSize
	opts.QueueMaxAge = cfg.Session.QueueMaxAge
	opts.OutboxSize = cfg.Session.OutboxSize
	opts.HistoryLimit = cfg.Session.HistoryLimit
	opts.MailboxSize = cfg.Session.MailboxSize
	opts.SweepInterval = cfg.Session.SweepInterval
	opts.Persister = persistence
	opts.Batches = persistence
	opts.Logger = log
	return opts
}
