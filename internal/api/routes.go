// Package api assembles the HTTP router.
package api

import (
	"fmt"

	"github.com/gimo-ai/gimo-license-server/internal/api/handlers"
	"github.com/gimo-ai/gimo-license-server/internal/api/middleware"
	"github.com/gimo-ai/gimo-license-server/internal/auth"
	"github.com/gimo-ai/gimo-license-server/internal/billing"
	"github.com/gimo-ai/gimo-license-server/internal/config"
	"github.com/gimo-ai/gimo-license-server/internal/db"
	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gimo-ai/gimo-license-server/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Dependencies carries everything the router wires together.
type Dependencies struct {
	Config   *config.ServerConfig
	DB       *db.DB
	Manager  *license.Manager
	Signer   *license.Signer
	Gate     *auth.Gate
	Payments *billing.Client
	Logger   zerolog.Logger
}

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(deps.Logger))

	rateLimiter, err := middleware.NewRateLimiter(
		deps.Config.ValidateRateLimit, deps.Config.RedisURL, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	handlers.NewHealthHandler(deps.DB).RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler())

	validate := handlers.NewValidateHandler(deps.DB, deps.Signer, deps.Logger)
	router.GET("/.well-known/license-signing-key", validate.SigningKey)

	v1 := router.Group("/api/v1")
	validate.RegisterRoutes(v1, rateLimiter)

	webhook := handlers.NewWebhookHandler(
		deps.Manager, deps.Payments, deps.Config.Stripe.WebhookSecret, deps.Logger)
	webhook.RegisterRoutes(v1)

	authed := v1.Group("")
	authed.Use(middleware.RequireAuth(deps.Gate, deps.Logger))

	handlers.NewLicenseHandler(deps.Manager, deps.Logger).RegisterRoutes(authed)

	billingCfg := handlers.BillingConfig{
		PriceID:         deps.Config.Stripe.PriceID,
		SuccessURL:      deps.Config.Stripe.SuccessURL,
		CancelURL:       deps.Config.Stripe.CancelURL,
		PortalReturnURL: deps.Config.Stripe.PortalReturnURL,
	}
	handlers.NewBillingHandler(deps.Payments, deps.DB, billingCfg, deps.Logger).RegisterRoutes(authed)

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	handlers.NewAdminHandler(deps.DB, deps.Manager, deps.Logger).RegisterRoutes(admin)

	return router, nil
}
