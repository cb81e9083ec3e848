package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viberlabs/realtime/internal/store"
)

// GatewayStats reports live gateway counters for the health payload.
type GatewayStats interface {
	Stats() (connections, topics int)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	gateway GatewayStats
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, gateway GatewayStats) *HealthHandler {
	return &HealthHandler{repo: repo, gateway: gateway}
}

// Health returns the health status of the server and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.gateway != nil {
		connections, topics := h.gateway.Stats()
		status["connections"] = connections
		status["topics"] = topics
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
