package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/gimo-ai/gimo-license-server/internal/billing"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakePaymentClient struct {
	customersCreated int
	checkoutCalls    int
	portalCalls      int
	lastCustomerID   string
}

func (f *fakePaymentClient) CreateCheckoutSession(_ context.Context, customerID, _, _, _, _ string) (*billing.CheckoutSession, error) {
	f.checkoutCalls++
	f.lastCustomerID = customerID
	return &billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

func (f *fakePaymentClient) CreatePortalSession(_ context.Context, customerID, _ string) (*billing.PortalSession, error) {
	f.portalCalls++
	f.lastCustomerID = customerID
	return &billing.PortalSession{URL: "https://portal.example/session"}, nil
}

func (f *fakePaymentClient) CreateCustomer(_ context.Context, _, _ string) (string, error) {
	f.customersCreated++
	return "cus_new", nil
}

type fakeBillingStore struct {
	customerIDs map[uuid.UUID]string
}

func (f *fakeBillingStore) SetStripeCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	if f.customerIDs == nil {
		f.customerIDs = make(map[uuid.UUID]string)
	}
	f.customerIDs[id] = customerID
	return nil
}

func setupBillingRouter(user *models.User, payments PaymentClient, store BillingStore) *gin.Engine {
	router, group := setupTestRouter(user)
	cfg := BillingConfig{
		PriceID:         "price_1",
		SuccessURL:      "https://app/success",
		CancelURL:       "https://app/cancel",
		PortalReturnURL: "https://app/account",
	}
	NewBillingHandler(payments, store, cfg, zerolog.Nop()).RegisterRoutes(group)
	return router
}

func TestCheckoutProvisionsCustomerOnce(t *testing.T) {
	user := testUser()
	payments := &fakePaymentClient{}
	store := &fakeBillingStore{}
	router := setupBillingRouter(user, payments, store)

	rec := doRequest(t, router, http.MethodPost, "/billing/checkout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["url"] != "https://checkout.example/cs_1" {
		t.Errorf("expected checkout url, got %v", body["url"])
	}
	if payments.customersCreated != 1 {
		t.Errorf("expected one customer created, got %d", payments.customersCreated)
	}
	if store.customerIDs[user.ID] != "cus_new" {
		t.Error("expected customer id persisted")
	}

	// Second checkout reuses the stored customer.
	rec = doRequest(t, router, http.MethodPost, "/billing/checkout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payments.customersCreated != 1 {
		t.Errorf("expected customer reuse, got %d creations", payments.customersCreated)
	}
}

func TestCheckoutReusesExistingCustomer(t *testing.T) {
	user := testUser()
	existing := "cus_existing"
	user.StripeCustomerID = &existing
	payments := &fakePaymentClient{}
	router := setupBillingRouter(user, payments, &fakeBillingStore{})

	rec := doRequest(t, router, http.MethodPost, "/billing/checkout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payments.customersCreated != 0 {
		t.Errorf("expected no customer creation, got %d", payments.customersCreated)
	}
	if payments.lastCustomerID != "cus_existing" {
		t.Errorf("expected existing customer, got %s", payments.lastCustomerID)
	}
}

func TestPortalRequiresBillingAccount(t *testing.T) {
	router := setupBillingRouter(testUser(), &fakePaymentClient{}, &fakeBillingStore{})

	rec := doRequest(t, router, http.MethodPost, "/billing/portal", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without billing account, got %d", rec.Code)
	}
}

func TestPortalWithCustomer(t *testing.T) {
	user := testUser()
	existing := "cus_existing"
	user.StripeCustomerID = &existing
	payments := &fakePaymentClient{}
	router := setupBillingRouter(user, payments, &fakeBillingStore{})

	rec := doRequest(t, router, http.MethodPost, "/billing/portal", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["url"] != "https://portal.example/session" {
		t.Errorf("expected portal url, got %v", body["url"])
	}
}
