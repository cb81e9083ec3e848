// Realtime synchronization server for collaborative build sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/viberlabs/realtime/internal/api"
	"github.com/viberlabs/realtime/internal/bridge"
	"github.com/viberlabs/realtime/internal/config"
	"github.com/viberlabs/realtime/internal/ephemeral"
	"github.com/viberlabs/realtime/internal/gateway"
	"github.com/viberlabs/realtime/internal/identity"
	"github.com/viberlabs/realtime/internal/middleware"
	"github.com/viberlabs/realtime/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	eph := ephemeral.NewMemoryStore()
	defer func() {
		if closeErr := eph.Close(); closeErr != nil {
			slog.Error("Failed to close ephemeral store", "error", closeErr)
		}
	}()

	var verifier identity.Verifier
	if cfg.IdentityURL != "" {
		verifier = identity.NewHTTPVerifier(cfg.IdentityURL)
		slog.Info("Identity verification enabled", "url", cfg.IdentityURL)
	} else {
		verifier = identity.AllowAllVerifier{}
		slog.Info("Identity verification disabled (IDENTITY_URL not set)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(repo, cfg.FeedPollInterval)
	if err := b.Start(ctx); err != nil {
		slog.Error("Failed to start record bridge", "error", err)
		os.Exit(1)
	}
	slog.Info("Record bridge started", "poll_interval", cfg.FeedPollInterval)

	gw := gateway.New(cfg, eph, b, verifier)
	healthHandler := api.NewHealthHandler(repo, gw)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)

	// WebSocket endpoint.
	r.Get("/ws", gw.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket connections are long-lived; a write timeout would kill
		// idle subscribers.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	bridge.StartRetentionWorker(ctx, repo, cfg.RetentionInterval, cfg.Retention)
	slog.Info("Retention worker started", "interval", cfg.RetentionInterval, "retention", cfg.Retention)

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

	gw.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	b.Wait()
	slog.Info("Server stopped successfully")
}
