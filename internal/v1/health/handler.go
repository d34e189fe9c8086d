// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/registry"
	"github.com/displaybridge/broker/internal/v1/types"
)

// Handler manages health check endpoints
type Handler struct {
	store types.IdentityStore
	cache *registry.RedisCache
}

// NewHandler creates a new health check handler. Either dependency may be
// nil; absent dependencies report healthy since the broker runs without them.
func NewHandler(store types.IdentityStore, cache *registry.RedisCache) *Handler {
	return &Handler{store: store, cache: cache}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all configured dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	storeStatus := h.checkStore(ctx)
	checks["identity_store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkStore verifies identity store connectivity. No-auth mode reports
// healthy.
func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil || !h.store.IsEnabled() {
		return "healthy"
	}

	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Identity store health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.cache == nil {
		return "healthy"
	}

	if err := h.cache.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
