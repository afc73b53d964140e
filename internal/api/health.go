package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/fashion-studio/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Checker is an optional dependency probed by the health endpoint.
type Checker interface {
	Health(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Health implements Checker.
func (f CheckFunc) Health(ctx context.Context) error {
	return f(ctx)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
	// critical checks turn the status to 503; optional ones only mark it degraded.
	critical map[string]Checker
	optional map[string]Checker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{
		repo:     repo,
		critical: map[string]Checker{},
		optional: map[string]Checker{},
	}
}

// AddCritical registers a dependency the service cannot run without.
func (h *HealthHandler) AddCritical(name string, c Checker) {
	h.critical[name] = c
}

// AddOptional registers a dependency whose failure degrades but does not stop the service.
func (h *HealthHandler) AddOptional(name string, c Checker) {
	h.optional[name] = c
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "database", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	for name, c := range h.critical {
		if err := c.Health(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	for name, c := range h.optional {
		if err := c.Health(ctx); err != nil {
			slog.Warn("Health check degraded", "check", name, "error", err)
			checks[name] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
