package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports persistence health. Implemented by *db.DB.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db HealthChecker
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	return &HealthHandler{db: db}
}

// Healthz is the liveness probe.
func (h *HealthHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz is the readiness probe; it fails when the database is unreachable.
func (h *HealthHandler) Readyz(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": h.db.Health(),
	})
}

// RegisterRoutes mounts the probes at the router root.
func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)
}
