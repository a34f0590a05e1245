package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/billing"
	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gimo-ai/gimo-license-server/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxWebhookBody bounds the request body read for webhook payloads.
const maxWebhookBody = 1 << 20

// WebhookManager is the lifecycle surface webhook processing needs.
// Implemented by *license.Manager.
type WebhookManager interface {
	CreateFromCheckout(ctx context.Context, completion license.CheckoutCompletion) (bool, error)
	RenewFromInvoice(ctx context.Context, stripeSubscriptionID string, periodEnd *time.Time, cancelAtPeriodEnd bool) error
	MarkSubscriptionCanceled(ctx context.Context, stripeSubscriptionID string) error
	SyncSubscription(ctx context.Context, stripeSubscriptionID, status string, cancelAtPeriodEnd bool) error
	MarkPaymentFailed(ctx context.Context, stripeSubscriptionID string) error
}

// SubscriptionFetcher retrieves processor-side subscription state.
// Implemented by *billing.Client.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionInfo, error)
}

// WebhookHandler processes signed billing webhook events. Handlers are
// idempotent: the processor retries until it sees a 2xx.
type WebhookHandler struct {
	manager       WebhookManager
	subscriptions SubscriptionFetcher
	webhookSecret string
	logger        zerolog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(manager WebhookManager, subscriptions SubscriptionFetcher, webhookSecret string, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		manager:       manager,
		subscriptions: subscriptions,
		webhookSecret: webhookSecret,
		logger:        logger.With().Str("component", "webhook_handler").Logger(),
	}
}

// Handle handles POST /webhooks/stripe. Signature verification happens
// against the raw body before any parsing; unknown event types are
// acknowledged and dropped.
func (h *WebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := billing.ParseEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		h.logger.Warn().Err(err).Msg("webhook rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	ctx := c.Request.Context()
	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(ctx, event)
	case "invoice.paid":
		err = h.handleInvoicePaid(ctx, event)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(ctx, event)
	case "customer.subscription.updated":
		err = h.handleSubscriptionUpdated(ctx, event)
	case "invoice.payment_failed":
		err = h.handlePaymentFailed(ctx, event)
	default:
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "failed").Inc()
		h.logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("webhook processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(event.Type, "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event *billing.Event) error {
	var session billing.CheckoutSessionPayload
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return err
	}

	userID, err := uuid.Parse(session.ClientReferenceID)
	if err != nil {
		// Sessions without our reference id were not created by this service.
		h.logger.Warn().Str("session_id", session.ID).Msg("checkout without client reference id, ignoring")
		return nil
	}

	completion := license.CheckoutCompletion{
		UserID:               userID,
		SessionID:            session.ID,
		StripeSubscriptionID: session.Subscription,
	}

	if session.Subscription != "" {
		info, err := h.subscriptions.GetSubscription(ctx, session.Subscription)
		if err != nil {
			return err
		}
		completion.StripePriceID = info.PriceID
		completion.SubscriptionStatus = info.Status
		completion.PeriodStart = info.CurrentPeriodStart
		completion.PeriodEnd = info.CurrentPeriodEnd
		completion.CancelAtPeriodEnd = info.CancelAtPeriodEnd
	}

	created, err := h.manager.CreateFromCheckout(ctx, completion)
	if err != nil {
		return err
	}
	if created {
		metrics.LicensesCreatedTotal.WithLabelValues("standard").Inc()
	}
	return nil
}

func (h *WebhookHandler) handleInvoicePaid(ctx context.Context, event *billing.Event) error {
	var invoice billing.InvoicePayload
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return err
	}
	if invoice.Subscription == "" {
		return nil
	}

	// The invoice payload does not carry cancel_at_period_end; fetch the
	// subscription so a pending cancellation survives its final paid period.
	cancelAtPeriodEnd := false
	info, err := h.subscriptions.GetSubscription(ctx, invoice.Subscription)
	if err != nil {
		return err
	}
	if info != nil {
		cancelAtPeriodEnd = info.CancelAtPeriodEnd
	}

	return h.manager.RenewFromInvoice(ctx, invoice.Subscription, invoice.PeriodEndTime(), cancelAtPeriodEnd)
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *billing.Event) error {
	var sub billing.SubscriptionPayload
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return err
	}
	return h.manager.MarkSubscriptionCanceled(ctx, sub.ID)
}

func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *billing.Event) error {
	var sub billing.SubscriptionPayload
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return err
	}
	return h.manager.SyncSubscription(ctx, sub.ID, sub.Status, sub.CancelAtPeriodEnd)
}

func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event *billing.Event) error {
	var invoice billing.InvoicePayload
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return err
	}
	if invoice.Subscription == "" {
		return nil
	}
	return h.manager.MarkPaymentFailed(ctx, invoice.Subscription)
}

// RegisterRoutes mounts the webhook endpoint. Unauthenticated: the signature
// is the authentication.
func (h *WebhookHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/webhooks/stripe", h.Handle)
}
