// Fashion Studio - virtual try-on and stylist chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashureev/fashion-studio/internal/api"
	"github.com/ashureev/fashion-studio/internal/chat"
	"github.com/ashureev/fashion-studio/internal/cleanup"
	"github.com/ashureev/fashion-studio/internal/config"
	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/identity"
	"github.com/ashureev/fashion-studio/internal/live"
	"github.com/ashureev/fashion-studio/internal/middleware"
	"github.com/ashureev/fashion-studio/internal/session"
	"github.com/ashureev/fashion-studio/internal/store"
	"github.com/ashureev/fashion-studio/internal/tryon"
	"github.com/ashureev/fashion-studio/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"chat_provider", cfg.Chat.Provider, "tryon_backend", cfg.TryOn.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		slog.Error("Failed to create database directory", "error", err)
		os.Exit(1)
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// A crash mid try-on leaves processing=1 behind.
	cleared, err := repo.ClearStaleProcessing(ctx)
	if err != nil {
		slog.Error("Failed to clear stale processing flags", "error", err)
		os.Exit(1)
	}
	slog.Info("Stale processing cleanup complete", "sessions_cleared", cleared)

	results, err := session.NewResultStore(filepath.Join(cfg.DataDir, "results"))
	if err != nil {
		slog.Error("Failed to initialize result store", "error", err)
		os.Exit(1)
	}
	uploadDir := filepath.Join(cfg.DataDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o700); err != nil {
		slog.Error("Failed to create upload directory", "error", err)
		os.Exit(1)
	}

	healthHandler := api.NewHealthHandler(repo)

	var locker session.Locker = session.NewMemoryLocker()
	if cfg.RedisURL != "" {
		redisLocker, err := session.NewRedisLocker(ctx, cfg.RedisURL, 0)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := redisLocker.Close(); closeErr != nil {
				slog.Warn("Failed to close Redis client", "error", closeErr)
			}
		}()
		locker = redisLocker
		healthHandler.AddCritical("redis", api.CheckFunc(redisLocker.Ping))
		slog.Info("Using Redis processing lock")
	}

	hub := live.NewHub()
	sessions := session.NewManager(repo, locker, results, hub)

	// Chat generator. Missing credentials keep the UI up with a banner.
	persona, err := chat.LoadPersona(cfg.Chat.PersonaFile)
	if err != nil {
		slog.Error("Failed to load persona", "error", err)
		os.Exit(1)
	}
	var configErr error
	if err := cfg.ConfigurationError(); err != nil {
		configErr = domain.NewError(domain.KindConfiguration, "load configuration", err)
		slog.Warn("Chat disabled", "reason", err)
	}
	generator, err := newGenerator(ctx, cfg, configErr)
	if err != nil {
		slog.Error("Failed to initialize chat generator", "error", err)
		os.Exit(1)
	}
	slog.Info("Chat generator initialized", "generator", generator.Name())
	chatSvc := chat.NewService(generator, sessions, persona, cfg.Chat.Timeout)

	tryonClient := newTryOnClient(cfg)
	if tryonClient != nil {
		defer func() {
			if closeErr := tryonClient.Close(); closeErr != nil {
				slog.Warn("Failed to close try-on client", "error", closeErr)
			}
		}()
	}
	tryonSvc := tryon.NewService(tryonClient, sessions, tryon.Options{
		TempDir:        uploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Timeout:        cfg.TryOn.Timeout,
	})
	healthHandler.AddOptional("tryon", tryonSvc)

	limiter := api.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	studioHandler := api.NewStudioHandler(baseHandler, sessions, tryonSvc, chatSvc, api.StudioOptions{
		MaxUploadBytes:     cfg.MaxUploadBytes,
		ConfigurationError: configErr,
		RateLimiter:        limiter,
	})
	wsHandler := live.NewWebSocketHandler(hub, sessions, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins, identity.SessionHeaderName))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	studioHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Try-on calls can run for minutes; the per-call timeout bounds them instead
	// of WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	cleanup.StartTTLWorker(ctx, repo, sessions, cfg.SessionTTL, func(key domain.SessionKey) {
		hub.CloseSession(key.UserID, key.SessionID)
	})
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

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

func newGenerator(ctx context.Context, cfg *config.Config, configErr error) (chat.Generator, error) {
	if configErr != nil {
		return chat.NewUnconfigured(configErr), nil
	}
	switch cfg.Chat.Provider {
	case config.ProviderOpenAI:
		return chat.NewOpenAIGenerator(cfg.ChatAPIKey(), cfg.Chat.Model), nil
	default:
		return chat.NewGeminiGenerator(ctx, cfg.ChatAPIKey(), cfg.Chat.Model)
	}
}

// newTryOnClient returns nil when the backend cannot be reached so the UI
// still starts and reports try-on as unavailable.
func newTryOnClient(cfg *config.Config) tryon.Client {
	switch cfg.TryOn.Backend {
	case config.BackendGRPC:
		slog.Info("Connecting to try-on server via gRPC", "address", cfg.TryOn.GRPCAddr)
		client, err := tryon.NewGRPCClient(tryon.DefaultGRPCClientConfig(cfg.TryOn.GRPCAddr))
		if err != nil {
			slog.Warn("Failed to connect to try-on server, try-on will be disabled", "error", err)
			return nil
		}
		return client
	default:
		slog.Info("Using Gradio try-on backend", "space_url", cfg.TryOn.SpaceURL, "api_prefix", cfg.TryOn.APIPrefix)
		return tryon.NewGradioClient(cfg.TryOn.SpaceURL, cfg.TryOn.APIPrefix, cfg.TryOn.HFToken, &http.Client{})
	}
}
