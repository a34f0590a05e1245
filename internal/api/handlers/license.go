package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gimo-ai/gimo-license-server/internal/api/middleware"
	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LicenseManager is the lifecycle surface the account endpoints need.
// Implemented by *license.Manager.
type LicenseManager interface {
	Overview(ctx context.Context, userID uuid.UUID) (*license.Overview, error)
	Regenerate(ctx context.Context, userID uuid.UUID) (*license.RegenerationResult, error)
	DeactivateInstallation(ctx context.Context, callerID uuid.UUID, isAdmin bool, activationID uuid.UUID) error
}

// LicenseHandler serves the authenticated account endpoints.
type LicenseHandler struct {
	manager LicenseManager
	logger  zerolog.Logger
}

// NewLicenseHandler creates a license account handler.
func NewLicenseHandler(manager LicenseManager, logger zerolog.Logger) *LicenseHandler {
	return &LicenseHandler{
		manager: manager,
		logger:  logger.With().Str("component", "license_handler").Logger(),
	}
}

// Get handles GET /license: the caller's license overview. A buffered raw
// key rides along exactly once as license_key.
func (h *LicenseHandler) Get(c *gin.Context) {
	user := middleware.CurrentUser(c)

	overview, err := h.manager.Overview(c.Request.Context(), user.ID)
	if errors.Is(err, license.ErrNoLicense) {
		c.JSON(http.StatusNotFound, gin.H{"has_license": false})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("license overview failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load license"})
		return
	}

	response := gin.H{
		"has_license":  true,
		"license":      overview.License,
		"activations":  overview.Activations,
		"subscription": overview.Subscription,
	}
	if overview.RawKey != "" {
		response["license_key"] = overview.RawKey
	}
	c.JSON(http.StatusOK, response)
}

// Regenerate handles POST /license/regenerate. At most one success per
// rolling 24h window; inside the window the response carries a retry hint.
func (h *LicenseHandler) Regenerate(c *gin.Context) {
	user := middleware.CurrentUser(c)

	result, err := h.manager.Regenerate(c.Request.Context(), user.ID)
	if errors.Is(err, license.ErrNoActiveLicense) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active license to regenerate"})
		return
	}
	var windowErr *license.RegenerationWindowError
	if errors.As(err, &windowErr) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      windowErr.Error(),
			"hours_left": windowErr.HoursLeft,
		})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("regeneration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "regeneration failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"license_key":       result.RawKey,
		"key_preview":       result.KeyPreview,
		"activations_reset": result.ActivationsReset,
	})
}

// DeactivateActivation handles DELETE /license/activations/:id, freeing one
// installation slot.
func (h *LicenseHandler) DeactivateActivation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	activationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid activation id"})
		return
	}

	err = h.manager.DeactivateInstallation(c.Request.Context(), user.ID, user.IsAdmin(), activationID)
	if errors.Is(err, license.ErrActivationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "activation not found"})
		return
	}
	if errors.Is(err, license.ErrNotOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your activation"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("activation_id", activationID.String()).Msg("deactivation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deactivation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

// RegisterRoutes mounts the account endpoints on an authenticated group.
func (h *LicenseHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/license", h.Get)
	router.POST("/license/regenerate", h.Regenerate)
	router.DELETE("/license/activations/:id", h.DeactivateActivation)
}
