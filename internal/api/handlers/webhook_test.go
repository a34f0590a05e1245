package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/billing"
	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const webhookSecret = "whsec_handler_test"

type fakeWebhookManager struct {
	checkouts    []license.CheckoutCompletion
	renewals     []string
	renewCancels []bool
	cancels      []string
	syncs        []string
	failures     []string
}

func (f *fakeWebhookManager) CreateFromCheckout(_ context.Context, completion license.CheckoutCompletion) (bool, error) {
	f.checkouts = append(f.checkouts, completion)
	return true, nil
}

func (f *fakeWebhookManager) RenewFromInvoice(_ context.Context, id string, _ *time.Time, cancelAtPeriodEnd bool) error {
	f.renewals = append(f.renewals, id)
	f.renewCancels = append(f.renewCancels, cancelAtPeriodEnd)
	return nil
}

func (f *fakeWebhookManager) MarkSubscriptionCanceled(_ context.Context, id string) error {
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeWebhookManager) SyncSubscription(_ context.Context, id, _ string, _ bool) error {
	f.syncs = append(f.syncs, id)
	return nil
}

func (f *fakeWebhookManager) MarkPaymentFailed(_ context.Context, id string) error {
	f.failures = append(f.failures, id)
	return nil
}

type fakeSubscriptionFetcher struct {
	info *billing.SubscriptionInfo
}

func (f *fakeSubscriptionFetcher) GetSubscription(_ context.Context, _ string) (*billing.SubscriptionInfo, error) {
	return f.info, nil
}

func signWebhook(payload []byte) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(t *testing.T, router *gin.Engine, payload, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func setupWebhookRouter(manager WebhookManager, fetcher SubscriptionFetcher) *gin.Engine {
	router, group := setupTestRouter(nil)
	NewWebhookHandler(manager, fetcher, webhookSecret, zerolog.Nop()).RegisterRoutes(group)
	return router
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router := setupWebhookRouter(&fakeWebhookManager{}, &fakeSubscriptionFetcher{})

	rec := postWebhook(t, router, `{"id":"evt_1","type":"invoice.paid"}`, "t=1,v1=deadbeef")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	manager := &fakeWebhookManager{}
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)
	fetcher := &fakeSubscriptionFetcher{info: &billing.SubscriptionInfo{
		ID:               "sub_1",
		Status:           "active",
		PriceID:          "price_1",
		CurrentPeriodEnd: &periodEnd,
	}}
	router := setupWebhookRouter(manager, fetcher)

	userID := testUser().ID
	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"client_reference_id": %q,
			"customer": "cus_1",
			"subscription": "sub_1"
		}}
	}`, userID)

	rec := postWebhook(t, router, payload, signWebhook([]byte(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(manager.checkouts) != 1 {
		t.Fatalf("expected one checkout, got %d", len(manager.checkouts))
	}
	completion := manager.checkouts[0]
	if completion.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, completion.UserID)
	}
	if completion.SessionID != "cs_1" {
		t.Errorf("expected session cs_1, got %s", completion.SessionID)
	}
	if completion.SubscriptionStatus != "active" {
		t.Errorf("expected fetched subscription status, got %s", completion.SubscriptionStatus)
	}
	if completion.PeriodEnd == nil || !completion.PeriodEnd.Equal(periodEnd) {
		t.Errorf("expected fetched period end, got %v", completion.PeriodEnd)
	}
}

func TestWebhookCheckoutWithoutReferenceIgnored(t *testing.T) {
	manager := &fakeWebhookManager{}
	router := setupWebhookRouter(manager, &fakeSubscriptionFetcher{})

	payload := `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_2","client_reference_id":""}}}`
	rec := postWebhook(t, router, payload, signWebhook([]byte(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("foreign checkout should be acknowledged, got %d", rec.Code)
	}
	if len(manager.checkouts) != 0 {
		t.Error("foreign checkout must not create a license")
	}
}

func TestWebhookLifecycleEvents(t *testing.T) {
	tests := []struct {
		eventType string
		object    string
		check     func(m *fakeWebhookManager) bool
	}{
		{
			eventType: "invoice.paid",
			object:    `{"id":"in_1","subscription":"sub_1","period_end":1800000000}`,
			check:     func(m *fakeWebhookManager) bool { return len(m.renewals) == 1 && m.renewals[0] == "sub_1" },
		},
		{
			eventType: "customer.subscription.deleted",
			object:    `{"id":"sub_1","status":"canceled"}`,
			check:     func(m *fakeWebhookManager) bool { return len(m.cancels) == 1 },
		},
		{
			eventType: "customer.subscription.updated",
			object:    `{"id":"sub_1","status":"past_due","cancel_at_period_end":true}`,
			check:     func(m *fakeWebhookManager) bool { return len(m.syncs) == 1 },
		},
		{
			eventType: "invoice.payment_failed",
			object:    `{"id":"in_2","subscription":"sub_1"}`,
			check:     func(m *fakeWebhookManager) bool { return len(m.failures) == 1 },
		},
	}

	for _, tc := range tests {
		t.Run(tc.eventType, func(t *testing.T) {
			manager := &fakeWebhookManager{}
			router := setupWebhookRouter(manager, &fakeSubscriptionFetcher{})

			payload := fmt.Sprintf(`{"id":"evt_x","type":%q,"data":{"object":%s}}`, tc.eventType, tc.object)
			rec := postWebhook(t, router, payload, signWebhook([]byte(payload)))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if !tc.check(manager) {
				t.Errorf("event %s did not reach the manager", tc.eventType)
			}
		})
	}
}

func TestWebhookInvoicePaidPreservesCancelFlag(t *testing.T) {
	manager := &fakeWebhookManager{}
	fetcher := &fakeSubscriptionFetcher{info: &billing.SubscriptionInfo{
		ID:                "sub_1",
		Status:            "active",
		CancelAtPeriodEnd: true,
	}}
	router := setupWebhookRouter(manager, fetcher)

	payload := `{"id":"evt_4","type":"invoice.paid","data":{"object":{"id":"in_3","subscription":"sub_1","period_end":1800000000}}}`
	rec := postWebhook(t, router, payload, signWebhook([]byte(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(manager.renewCancels) != 1 || !manager.renewCancels[0] {
		t.Error("a pending cancellation must survive the final paid period")
	}
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	manager := &fakeWebhookManager{}
	router := setupWebhookRouter(manager, &fakeSubscriptionFetcher{})

	payload := `{"id":"evt_3","type":"customer.created","data":{"object":{}}}`
	rec := postWebhook(t, router, payload, signWebhook([]byte(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["received"] != true {
		t.Error("expected received=true")
	}
}
