package handlers

import (
	"context"
	"net/http"

	"github.com/gimo-ai/gimo-license-server/internal/api/middleware"
	"github.com/gimo-ai/gimo-license-server/internal/billing"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaymentClient is the processor surface the billing endpoints need.
// Implemented by *billing.Client.
type PaymentClient interface {
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL, clientReferenceID string) (*billing.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*billing.PortalSession, error)
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
}

// BillingStore records processor customer handles. Implemented by *db.DB.
type BillingStore interface {
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
}

// BillingConfig carries the checkout wiring.
type BillingConfig struct {
	PriceID         string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// BillingHandler serves checkout and billing portal session creation.
type BillingHandler struct {
	payments PaymentClient
	store    BillingStore
	cfg      BillingConfig
	logger   zerolog.Logger
}

// NewBillingHandler creates a billing handler.
func NewBillingHandler(payments PaymentClient, store BillingStore, cfg BillingConfig, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		payments: payments,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "billing_handler").Logger(),
	}
}

// Checkout handles POST /billing/checkout: starts a subscription checkout
// and returns the hosted payment URL.
func (h *BillingHandler) Checkout(c *gin.Context) {
	user := middleware.CurrentUser(c)
	ctx := c.Request.Context()

	customerID, err := h.ensureCustomer(ctx, user)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("customer provisioning failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable"})
		return
	}

	session, err := h.payments.CreateCheckoutSession(ctx,
		customerID, h.cfg.PriceID, h.cfg.SuccessURL, h.cfg.CancelURL, user.ID.String())
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("checkout session failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": session.URL})
}

// Portal handles POST /billing/portal: opens the self-service billing portal
// for an existing customer.
func (h *BillingHandler) Portal(c *gin.Context) {
	user := middleware.CurrentUser(c)

	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no billing account"})
		return
	}

	session, err := h.payments.CreatePortalSession(c.Request.Context(), *user.StripeCustomerID, h.cfg.PortalReturnURL)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("portal session failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": session.URL})
}

func (h *BillingHandler) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}
	customerID, err := h.payments.CreateCustomer(ctx, user.Email, user.ID.String())
	if err != nil {
		return "", err
	}
	if err := h.store.SetStripeCustomerID(ctx, user.ID, customerID); err != nil {
		return "", err
	}
	user.StripeCustomerID = &customerID
	return customerID, nil
}

// RegisterRoutes mounts the billing endpoints on an authenticated group.
func (h *BillingHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/billing/checkout", h.Checkout)
	router.POST("/billing/portal", h.Portal)
}
