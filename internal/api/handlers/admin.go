package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gimo-ai/gimo-license-server/internal/api/middleware"
	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gimo-ai/gimo-license-server/internal/metrics"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// AdminStore is the persistence surface administration needs.
// Implemented by *db.DB.
type AdminStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListLicenses(ctx context.Context, limit int, cursor uuid.UUID) ([]*models.License, error)
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	ListActiveActivations(ctx context.Context, licenseID uuid.UUID) ([]*models.Activation, error)
	GetLatestSubscriptionByLicense(ctx context.Context, licenseID uuid.UUID) (*models.Subscription, error)
}

// AdminManager is the lifecycle surface administration needs.
// Implemented by *license.Manager.
type AdminManager interface {
	CreateLifetime(ctx context.Context, targetUserID, actorID uuid.UUID, maxInstallations int) (*models.License, string, error)
	Revoke(ctx context.Context, licenseID, actorID uuid.UUID) (int, error)
	Reconcile(ctx context.Context, limit int) (*license.ReconcileReport, error)
}

// AdminHandler serves license administration. All routes require the admin
// role.
type AdminHandler struct {
	store   AdminStore
	manager AdminManager
	logger  zerolog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(store AdminStore, manager AdminManager, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		store:   store,
		manager: manager,
		logger:  logger.With().Str("component", "admin_handler").Logger(),
	}
}

// CreateLifetimeRequest grants a lifetime license, targeting the user either
// by email or by internal id.
type CreateLifetimeRequest struct {
	Email            string `json:"email"`
	UserID           string `json:"user_id"`
	MaxInstallations int    `json:"max_installations"`
}

// CreateLifetime handles POST /admin/licenses. The raw key appears in this
// response only; the grantee can also pick it up once from their overview.
func (h *AdminHandler) CreateLifetime(c *gin.Context) {
	actor := middleware.CurrentUser(c)

	var req CreateLifetimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	target, err := h.resolveTarget(ctx, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target user not found"})
		return
	}

	lic, rawKey, err := h.manager.CreateLifetime(ctx, target.ID, actor.ID, req.MaxInstallations)
	if err != nil {
		h.logger.Error().Err(err).Str("target_id", target.ID.String()).Msg("lifetime grant failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create license"})
		return
	}

	metrics.LicensesCreatedTotal.WithLabelValues(string(lic.Plan)).Inc()
	c.JSON(http.StatusCreated, gin.H{
		"license":     lic,
		"license_key": rawKey,
	})
}

func (h *AdminHandler) resolveTarget(ctx context.Context, req CreateLifetimeRequest) (*models.User, error) {
	switch {
	case req.UserID != "":
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			return nil, errors.New("invalid user_id")
		}
		return h.store.GetUserByID(ctx, id)
	case req.Email != "":
		return h.store.GetUserByEmail(ctx, req.Email)
	default:
		return nil, errors.New("email or user_id is required")
	}
}

// List handles GET /admin/licenses with keyset pagination. The cursor is the
// id of the last license of the previous page; next_cursor is empty on the
// final page.
func (h *AdminHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxListLimit)
	}

	cursor := uuid.Nil
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = parsed
	}

	// Fetch one extra row to learn whether another page exists.
	licenses, err := h.store.ListLicenses(c.Request.Context(), limit+1, cursor)
	if err != nil {
		h.logger.Error().Err(err).Msg("license listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list licenses"})
		return
	}

	nextCursor := ""
	if len(licenses) > limit {
		licenses = licenses[:limit]
		nextCursor = licenses[len(licenses)-1].ID.String()
	}

	c.JSON(http.StatusOK, gin.H{
		"licenses":    licenses,
		"next_cursor": nextCursor,
	})
}

// Get handles GET /admin/licenses/:id with activations and the latest
// subscription.
func (h *AdminHandler) Get(c *gin.Context) {
	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license id"})
		return
	}

	ctx := c.Request.Context()
	lic, err := h.store.GetLicenseByID(ctx, licenseID)
	if err != nil {
		h.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("license lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load license"})
		return
	}
	if lic == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
		return
	}

	activations, err := h.store.ListActiveActivations(ctx, licenseID)
	if err != nil {
		h.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("activation listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load license"})
		return
	}

	sub, err := h.store.GetLatestSubscriptionByLicense(ctx, licenseID)
	if err != nil {
		h.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("subscription lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load license"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"license":      lic,
		"activations":  activations,
		"subscription": sub,
	})
}

// Revoke handles POST /admin/licenses/:id/revoke. Terminal; every bound
// machine is deactivated in the same transaction.
func (h *AdminHandler) Revoke(c *gin.Context) {
	actor := middleware.CurrentUser(c)

	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license id"})
		return
	}

	revoked, err := h.manager.Revoke(c.Request.Context(), licenseID, actor.ID)
	if errors.Is(err, license.ErrLicenseNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("license_id", licenseID.String()).Msg("revocation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"revoked":                true,
		"activations_deactivated": revoked,
	})
}

// Reconcile handles POST /admin/reconcile, re-evaluating entitlement for a
// bounded page of non-lifetime licenses.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	var req struct {
		Limit int `json:"limit"`
	}
	// Empty body means default limit.
	_ = c.ShouldBindJSON(&req)

	report, err := h.manager.Reconcile(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	metrics.ReconcileRunsTotal.Inc()
	c.JSON(http.StatusOK, report)
}

// RegisterRoutes mounts the admin endpoints on an admin-gated group.
func (h *AdminHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/licenses", h.CreateLifetime)
	router.GET("/licenses", h.List)
	router.GET("/licenses/:id", h.Get)
	router.POST("/licenses/:id/revoke", h.Revoke)
	router.POST("/reconcile", h.Reconcile)
}
