// Package handlers implements the HTTP endpoints of the license service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gimo-ai/gimo-license-server/internal/metrics"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ValidateStore is the persistence surface validation needs.
// Implemented by *db.DB.
type ValidateStore interface {
	GetLicenseByKeyHash(ctx context.Context, keyHash string) (*models.License, error)
	GetLatestSubscriptionByLicense(ctx context.Context, licenseID uuid.UUID) (*models.Subscription, error)
	ApplyEntitlementDecision(ctx context.Context, licenseID uuid.UUID, current models.LicenseStatus, decision license.Decision) error
	RecordOrRefresh(ctx context.Context, licenseID uuid.UUID, fingerprint string, meta models.MachineMetadata) (*models.Activation, error)
	CountActiveActivations(ctx context.Context, licenseID uuid.UUID) (int, error)
}

// ValidateHandler serves machine validation and the public verification key.
type ValidateHandler struct {
	store  ValidateStore
	signer *license.Signer
	logger zerolog.Logger
}

// NewValidateHandler creates a validation handler.
func NewValidateHandler(store ValidateStore, signer *license.Signer, logger zerolog.Logger) *ValidateHandler {
	return &ValidateHandler{
		store:  store,
		signer: signer,
		logger: logger.With().Str("component", "validate_handler").Logger(),
	}
}

// ValidateRequest is the client validation payload. The raw key is consumed
// transiently and never logged or stored.
type ValidateRequest struct {
	LicenseKey         string `json:"license_key" binding:"required"`
	MachineFingerprint string `json:"machine_fingerprint" binding:"required"`
	MachineLabel       string `json:"machine_label"`
	OS                 string `json:"os"`
	Hostname           string `json:"hostname"`
	AppVersion         string `json:"app_version"`
}

// Validate handles POST /validate: key lookup, entitlement evaluation,
// activation accounting, and token issuance.
func (h *ValidateHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ValidationsTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"valid": false,
			"error": "license_key and machine_fingerprint are required",
		})
		return
	}

	ctx := c.Request.Context()
	lic, err := h.store.GetLicenseByKeyHash(ctx, license.HashKey(req.LicenseKey))
	if err != nil {
		h.logger.Error().Err(err).Msg("license lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation failed"})
		return
	}
	if lic == nil {
		// Deliberately generic: the response must not reveal whether a
		// record exists for a plausible-looking key.
		metrics.ValidationsTotal.WithLabelValues("invalid_key").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "reason": "Invalid license key"})
		return
	}

	var sub *models.Subscription
	if !lic.Lifetime {
		sub, err = h.store.GetLatestSubscriptionByLicense(ctx, lic.ID)
		if err != nil {
			h.logger.Error().Err(err).Msg("subscription lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation failed"})
			return
		}
	}

	decision := license.Evaluate(lic, sub, time.Now().UTC())
	if needsSideEffects(lic, decision) {
		if err := h.store.ApplyEntitlementDecision(ctx, lic.ID, lic.Status, decision); err != nil {
			h.logger.Error().Err(err).Str("license_id", lic.ID.String()).Msg("apply entitlement decision failed")
			c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation failed"})
			return
		}
	}

	if !decision.Allowed {
		metrics.ValidationsTotal.WithLabelValues("denied").Inc()
		h.logger.Info().
			Str("license_id", lic.ID.String()).
			Str("reason", decision.Reason).
			Msg("validation denied")
		c.JSON(http.StatusForbidden, gin.H{"valid": false, "reason": decision.Reason})
		return
	}

	activation, err := h.store.RecordOrRefresh(ctx, lic.ID, req.MachineFingerprint, models.MachineMetadata{
		MachineLabel: req.MachineLabel,
		OS:           req.OS,
		Hostname:     req.Hostname,
		AppVersion:   req.AppVersion,
	})
	if err != nil {
		var limitErr *license.InstallationLimitError
		if errors.As(err, &limitErr) {
			metrics.ValidationsTotal.WithLabelValues("limit_reached").Inc()
			c.JSON(http.StatusForbidden, gin.H{
				"valid":                false,
				"reason":               limitErr.Error(),
				"active_installations": limitErr.Active,
				"max_installations":    limitErr.Max,
			})
			return
		}
		h.logger.Error().Err(err).Str("license_id", lic.ID.String()).Msg("activation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation failed"})
		return
	}

	activeCount, err := h.store.CountActiveActivations(ctx, lic.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("license_id", lic.ID.String()).Msg("activation count failed")
		c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation failed"})
		return
	}

	token, err := h.signer.Issue(lic.UserID, license.TokenClaims{
		LicenseID:          lic.ID,
		Plan:               string(lic.Plan),
		MaxInstallations:   lic.MaxInstallations,
		MachineFingerprint: req.MachineFingerprint,
		Lifetime:           lic.Lifetime,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("license_id", lic.ID.String()).Msg("token signing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"valid": false, "error": "validation failed"})
		return
	}

	// expires_at is the license expiry, not the token horizon; lifetime
	// licenses report null.
	var expiresAt any
	if lic.ExpiresAt != nil {
		expiresAt = lic.ExpiresAt.Format(time.RFC3339)
	}

	metrics.ValidationsTotal.WithLabelValues("valid").Inc()
	metrics.TokensIssuedTotal.Inc()
	c.JSON(http.StatusOK, gin.H{
		"valid":                true,
		"token":                token,
		"expires_at":           expiresAt,
		"grace_days":           license.GracePeriodDays,
		"plan":                 lic.Plan,
		"lifetime":             lic.Lifetime,
		"active_installations": activeCount,
		"max_installations":    lic.MaxInstallations,
		"activation": gin.H{
			"id":            activation.ID,
			"machine_label": activation.MachineLabel,
		},
	})
}

// needsSideEffects reports whether the decision changes stored state.
func needsSideEffects(lic *models.License, decision license.Decision) bool {
	statusChanges := decision.NextStatus != "" && decision.NextStatus != lic.Status
	return statusChanges || decision.DeactivateAll
}

// SigningKey handles GET /.well-known/license-signing-key, serving the PEM
// public key clients use for offline token verification.
func (h *ValidateHandler) SigningKey(c *gin.Context) {
	pemKey, err := h.signer.PublicKeyPEM()
	if err != nil {
		h.logger.Error().Err(err).Msg("public key encoding failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key unavailable"})
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.String(http.StatusOK, pemKey)
}

// RegisterRoutes mounts the validation endpoint. The rate limiter is
// supplied by the caller so deployments can tune or share it.
func (h *ValidateHandler) RegisterRoutes(router *gin.RouterGroup, rateLimiter gin.HandlerFunc) {
	router.POST("/validate", rateLimiter, h.Validate)
}
