// Course chat API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/ashureev/coursechat/internal/api"
	"github.com/ashureev/coursechat/internal/config"
	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/events"
	"github.com/ashureev/coursechat/internal/export"
	"github.com/ashureev/coursechat/internal/grpchealth"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/ashureev/coursechat/internal/middleware"
	"github.com/ashureev/coursechat/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Driver, "auth", cfg.Auth.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, store.Config{
		Driver:        cfg.Store.Driver,
		SQLitePath:    cfg.Store.DBPath,
		BoltPath:      cfg.Store.BoltPath,
		MongoURI:      cfg.Store.MongoURI,
		MongoDatabase: cfg.Store.MongoDatabase,
	})
	if err != nil {
		slog.Error("Failed to initialize history store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		// The API still serves generation and export; history routes report 503.
		slog.Warn("History store health check failed", "error", err)
	} else {
		slog.Info("History store connected")
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	if cfg.LLM.APIKey == "" {
		slog.Warn("LLM_API_KEY is not set, course generation will fail")
	}
	generator := course.NewOpenAIGenerator(course.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)

	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	defer closeLimiter()

	hub := events.NewHub(logger)
	auth := identity.Middleware(verifier)

	// Initialize handlers.
	courseHandler := api.NewCourseHandler(generator, export.NewPDFRenderer(), cfg.MaxBodyBytes, logger)
	historyHandler := api.NewHistoryHandler(repo, hub, cfg.MaxBodyBytes, logger)
	healthHandler := api.NewHealthHandler(repo, cfg.HealthTimeout)
	wsHandler := events.NewWebSocketHandler(hub, originPatterns(cfg.AllowedOrigins), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	courseHandler.RegisterRoutes(r, middleware.RateLimit(limiter, cfg.RateLimit.Window, logger))

	// Authenticated routes.
	historyHandler.RegisterRoutes(r, auth)
	r.With(auth).Get("/ws/history", wsHandler.ServeHTTP)

	// Create server.
	// WriteTimeout stays 0: generation can take a minute and /ws/history is long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err, "port", cfg.GRPCHealthPort)
			os.Exit(1)
		}
		hs := grpchealth.New(repo, 15*time.Second, logger)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := hs.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newVerifier(cfg *config.Config, logger *slog.Logger) (identity.Verifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthHS256:
		slog.Warn("Using HS256 shared-secret tokens; intended for local development")
		return identity.NewHS256Verifier(cfg.Auth.HS256Secret)
	case config.AuthFirebase:
		return identity.NewFirebaseVerifier(cfg.Auth.FirebaseProjectID, logger)
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Auth.Mode)
	}
}

// newLimiter prefers a shared Redis budget and falls back to a per-process
// window when Redis is not configured or not reachable at startup.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (middleware.Limiter, func()) {
	rl := cfg.RateLimit
	if rl.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: rl.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			logger.Info("Rate limiting with Redis", "addr", rl.RedisAddr, "requests", rl.Requests, "window", rl.Window)
			return middleware.NewRedisLimiter(client, rl.Requests, rl.Window), func() {
				if err := client.Close(); err != nil {
					logger.Warn("Failed to close Redis client", "error", err)
				}
			}
		}
		logger.Warn("Redis unreachable, using in-memory rate limiting", "addr", rl.RedisAddr, "error", err)
		_ = client.Close()
	}
	mem := middleware.NewMemoryLimiter(rl.Requests, rl.Window)
	return mem, mem.Stop
}

// originPatterns turns allowed CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
