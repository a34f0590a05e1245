package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// mockStore is an in-memory Store for lifecycle tests.
type mockStore struct {
	licenses      map[uuid.UUID]*models.License
	subscriptions map[uuid.UUID]*models.Subscription
	activations   map[uuid.UUID]*models.Activation
	pendingKeys   map[uuid.UUID]string
	users         map[uuid.UUID]*models.User

	decisionsApplied int
}

func newMockStore() *mockStore {
	return &mockStore{
		licenses:      make(map[uuid.UUID]*models.License),
		subscriptions: make(map[uuid.UUID]*models.Subscription),
		activations:   make(map[uuid.UUID]*models.Activation),
		pendingKeys:   make(map[uuid.UUID]string),
		users:         make(map[uuid.UUID]*models.User),
	}
}

func (m *mockStore) CreateLicense(_ context.Context, lic *models.License) error {
	m.licenses[lic.ID] = lic
	return nil
}

func (m *mockStore) GetLicenseByID(_ context.Context, id uuid.UUID) (*models.License, error) {
	return m.licenses[id], nil
}

func (m *mockStore) GetLatestLicenseByUser(_ context.Context, userID uuid.UUID) (*models.License, error) {
	var latest *models.License
	for _, lic := range m.licenses {
		if lic.UserID != userID {
			continue
		}
		if latest == nil || lic.CreatedAt.After(latest.CreatedAt) {
			latest = lic
		}
	}
	return latest, nil
}

func (m *mockStore) GetActiveLicenseByUser(_ context.Context, userID uuid.UUID) (*models.License, error) {
	for _, lic := range m.licenses {
		if lic.UserID == userID && lic.Status == models.StatusActive {
			return lic, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetLicenseByStripeSessionID(_ context.Context, sessionID string) (*models.License, error) {
	for _, lic := range m.licenses {
		if lic.StripeSessionID != nil && *lic.StripeSessionID == sessionID {
			return lic, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListNonLifetimeLicenses(_ context.Context, limit int) ([]*models.License, error) {
	var out []*models.License
	for _, lic := range m.licenses {
		if !lic.Lifetime && len(out) < limit {
			out = append(out, lic)
		}
	}
	return out, nil
}

func (m *mockStore) ReplaceLicenseKey(_ context.Context, licenseID uuid.UUID, keyHash, keyPreview string) (int, error) {
	lic := m.licenses[licenseID]
	lic.KeyHash = keyHash
	lic.KeyPreview = keyPreview
	lic.RegenerationCount++
	now := time.Now().UTC()
	lic.LastRegeneratedAt = &now

	reset := 0
	for _, a := range m.activations {
		if a.LicenseID == licenseID && a.Status == models.ActivationActive {
			a.Status = models.ActivationDeactivated
			reset++
		}
	}
	return reset, nil
}

func (m *mockStore) RevokeLicense(_ context.Context, licenseID, actorID uuid.UUID) (int, error) {
	lic := m.licenses[licenseID]
	lic.Status = models.StatusRevoked
	now := time.Now().UTC()
	lic.RevokedAt = &now
	lic.RevokedBy = &actorID

	revoked := 0
	for _, a := range m.activations {
		if a.LicenseID == licenseID && a.Status == models.ActivationActive {
			a.Status = models.ActivationDeactivated
			revoked++
		}
	}
	return revoked, nil
}

func (m *mockStore) ApplyEntitlementDecision(_ context.Context, licenseID uuid.UUID, current models.LicenseStatus, decision Decision) error {
	m.decisionsApplied++
	if decision.NextStatus != "" && decision.NextStatus != current {
		m.licenses[licenseID].Status = decision.NextStatus
	}
	if decision.DeactivateAll {
		for _, a := range m.activations {
			if a.LicenseID == licenseID && a.Status == models.ActivationActive {
				a.Status = models.ActivationDeactivated
			}
		}
	}
	return nil
}

func (m *mockStore) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	m.subscriptions[sub.ID] = sub
	return nil
}

func (m *mockStore) GetLatestSubscriptionByLicense(_ context.Context, licenseID uuid.UUID) (*models.Subscription, error) {
	for _, sub := range m.subscriptions {
		if sub.LicenseID == licenseID {
			return sub, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetLatestSubscriptionByUser(_ context.Context, userID uuid.UUID) (*models.Subscription, error) {
	for _, sub := range m.subscriptions {
		if sub.UserID == userID {
			return sub, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetSubscriptionByStripeID(_ context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	for _, sub := range m.subscriptions {
		if sub.StripeSubscriptionID == stripeSubscriptionID {
			return sub, nil
		}
	}
	return nil, nil
}

func (m *mockStore) RenewSubscriptionAndLicense(_ context.Context, subscriptionID uuid.UUID, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	sub := m.subscriptions[subscriptionID]
	sub.Status = models.SubscriptionActive
	sub.CurrentPeriodEnd = &periodEnd
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd
	if lic, ok := m.licenses[sub.LicenseID]; ok && lic.Status != models.StatusRevoked {
		lic.Status = models.StatusActive
		lic.ExpiresAt = &periodEnd
	}
	return nil
}

func (m *mockStore) CancelSubscriptionAndLicense(_ context.Context, subscriptionID uuid.UUID) error {
	sub := m.subscriptions[subscriptionID]
	sub.Status = models.SubscriptionCanceled
	if lic, ok := m.licenses[sub.LicenseID]; ok && lic.Status != models.StatusRevoked {
		lic.Status = models.StatusExpired
	}
	return nil
}

func (m *mockStore) UpdateSubscriptionStatus(_ context.Context, subscriptionID uuid.UUID, status string, cancelAtPeriodEnd bool) error {
	sub := m.subscriptions[subscriptionID]
	sub.Status = status
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd
	return nil
}

func (m *mockStore) GetActivationByID(_ context.Context, id uuid.UUID) (*models.Activation, error) {
	return m.activations[id], nil
}

func (m *mockStore) ListActiveActivations(_ context.Context, licenseID uuid.UUID) ([]*models.Activation, error) {
	var out []*models.Activation
	for _, a := range m.activations {
		if a.LicenseID == licenseID && a.Status == models.ActivationActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) DeactivateActivation(_ context.Context, id uuid.UUID, reason string) error {
	if a, ok := m.activations[id]; ok {
		a.Status = models.ActivationDeactivated
		a.DeactivationReason = &reason
	}
	return nil
}

func (m *mockStore) StorePendingKey(_ context.Context, userID uuid.UUID, rawKey string) error {
	m.pendingKeys[userID] = rawKey
	return nil
}

func (m *mockStore) ConsumePendingKey(_ context.Context, userID uuid.UUID) (string, bool, error) {
	rawKey, ok := m.pendingKeys[userID]
	delete(m.pendingKeys, userID)
	return rawKey, ok, nil
}

func (m *mockStore) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return m.users[id], nil
}

func newTestManager(store Store) *Manager {
	return NewManager(store, zerolog.Nop())
}

func TestOverviewNoLicense(t *testing.T) {
	m := newTestManager(newMockStore())
	if _, err := m.Overview(context.Background(), uuid.New()); !errors.Is(err, ErrNoLicense) {
		t.Fatalf("expected ErrNoLicense, got %v", err)
	}
}

func TestOverviewConsumesPendingKeyOnce(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)
	userID := uuid.New()

	lic := models.NewLicense(userID, "hash", "...preview1", models.PlanStandard)
	store.licenses[lic.ID] = lic
	store.pendingKeys[userID] = "raw-key"

	first, err := m.Overview(context.Background(), userID)
	if err != nil {
		t.Fatalf("Overview failed: %v", err)
	}
	if first.RawKey != "raw-key" {
		t.Errorf("expected pending key on first read, got %q", first.RawKey)
	}

	second, err := m.Overview(context.Background(), userID)
	if err != nil {
		t.Fatalf("second Overview failed: %v", err)
	}
	if second.RawKey != "" {
		t.Errorf("pending key must be gone on second read, got %q", second.RawKey)
	}
}

func TestCreateFromCheckoutIdempotent(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)
	userID := uuid.New()
	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour)

	completion := CheckoutCompletion{
		UserID:               userID,
		SessionID:            "cs_1",
		StripeSubscriptionID: "sub_1",
		SubscriptionStatus:   models.SubscriptionActive,
		PeriodEnd:            &periodEnd,
	}

	created, err := m.CreateFromCheckout(context.Background(), completion)
	if err != nil {
		t.Fatalf("CreateFromCheckout failed: %v", err)
	}
	if !created {
		t.Fatal("expected license to be created")
	}
	if len(store.licenses) != 1 {
		t.Fatalf("expected 1 license, got %d", len(store.licenses))
	}
	if _, ok := store.pendingKeys[userID]; !ok {
		t.Error("expected pending key buffered for pickup")
	}

	// Webhook retry: same session id must be a success no-op.
	created, err = m.CreateFromCheckout(context.Background(), completion)
	if err != nil {
		t.Fatalf("replayed CreateFromCheckout failed: %v", err)
	}
	if created {
		t.Error("replayed checkout must not create a second license")
	}
	if len(store.licenses) != 1 {
		t.Errorf("expected 1 license after replay, got %d", len(store.licenses))
	}

	for _, lic := range store.licenses {
		if lic.Plan != models.PlanStandard {
			t.Errorf("expected standard plan, got %s", lic.Plan)
		}
		if lic.MaxInstallations != StandardMaxInstallations {
			t.Errorf("expected max installations %d, got %d", StandardMaxInstallations, lic.MaxInstallations)
		}
		if lic.ExpiresAt == nil || !lic.ExpiresAt.Equal(periodEnd) {
			t.Errorf("expected expiry %v, got %v", periodEnd, lic.ExpiresAt)
		}
	}
}

func TestCreateFromCheckoutFallbackExpiry(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)

	_, err := m.CreateFromCheckout(context.Background(), CheckoutCompletion{
		UserID:    uuid.New(),
		SessionID: "cs_2",
	})
	if err != nil {
		t.Fatalf("CreateFromCheckout failed: %v", err)
	}

	for _, lic := range store.licenses {
		if lic.ExpiresAt == nil {
			t.Fatal("expected fallback expiry to be set")
		}
		want := time.Now().UTC().Add(FallbackBillingPeriod)
		if diff := lic.ExpiresAt.Sub(want); diff > time.Minute || diff < -time.Minute {
			t.Errorf("fallback expiry off by %v", diff)
		}
	}
}

func TestCreateLifetimeDefaults(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)
	targetID := uuid.New()
	actorID := uuid.New()

	lic, rawKey, err := m.CreateLifetime(context.Background(), targetID, actorID, 0)
	if err != nil {
		t.Fatalf("CreateLifetime failed: %v", err)
	}
	if rawKey == "" {
		t.Error("expected raw key to be returned")
	}
	if !lic.Lifetime {
		t.Error("expected lifetime flag")
	}
	if lic.Plan != models.PlanAdmin {
		t.Errorf("expected admin plan, got %s", lic.Plan)
	}
	if lic.MaxInstallations != LifetimeDefaultMaxInstallations {
		t.Errorf("expected default max installations %d, got %d", LifetimeDefaultMaxInstallations, lic.MaxInstallations)
	}
	if lic.CreatedByAdmin == nil || *lic.CreatedByAdmin != actorID {
		t.Error("expected granting admin to be recorded")
	}
	if HashKey(rawKey) != lic.KeyHash {
		t.Error("stored hash must match the returned raw key")
	}
}

func TestRegenerateInsideWindow(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)
	userID := uuid.New()

	lic := models.NewLicense(userID, "hash", "...preview1", models.PlanStandard)
	recent := time.Now().UTC().Add(-2 * time.Hour)
	lic.LastRegeneratedAt = &recent
	store.licenses[lic.ID] = lic

	_, err := m.Regenerate(context.Background(), userID)
	var windowErr *RegenerationWindowError
	if !errors.As(err, &windowErr) {
		t.Fatalf("expected RegenerationWindowError, got %v", err)
	}
	if windowErr.HoursLeft != 22 {
		t.Errorf("expected 22 hours left, got %d", windowErr.HoursLeft)
	}
}

func TestRegenerateReplacesKeyAndResetsActivations(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)
	userID := uuid.New()

	lic := models.NewLicense(userID, "old-hash", "...previewa", models.PlanStandard)
	store.licenses[lic.ID] = lic
	activation := models.NewActivation(lic.ID, "fp-1", models.MachineMetadata{})
	store.activations[activation.ID] = activation

	result, err := m.Regenerate(context.Background(), userID)
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	if result.ActivationsReset != 1 {
		t.Errorf("expected 1 activation reset, got %d", result.ActivationsReset)
	}
	if lic.KeyHash == "old-hash" {
		t.Error("key hash must change")
	}
	if HashKey(result.RawKey) != lic.KeyHash {
		t.Error("new hash must match returned raw key")
	}
	if store.pendingKeys[userID] != result.RawKey {
		t.Error("new raw key must be buffered for pickup")
	}
}

func TestRegenerateNoActiveLicense(t *testing.T) {
	m := newTestManager(newMockStore())
	if _, err := m.Regenerate(context.Background(), uuid.New()); !errors.Is(err, ErrNoActiveLicense) {
		t.Fatalf("expected ErrNoActiveLicense, got %v", err)
	}
}

func TestDeactivateInstallationOwnership(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)
	ownerID := uuid.New()

	lic := models.NewLicense(ownerID, "hash", "...preview1", models.PlanStandard)
	store.licenses[lic.ID] = lic
	activation := models.NewActivation(lic.ID, "fp-1", models.MachineMetadata{})
	store.activations[activation.ID] = activation

	t.Run("stranger denied", func(t *testing.T) {
		err := m.DeactivateInstallation(context.Background(), uuid.New(), false, activation.ID)
		if !errors.Is(err, ErrNotOwner) {
			t.Fatalf("expected ErrNotOwner, got %v", err)
		}
	})

	t.Run("admin allowed", func(t *testing.T) {
		if err := m.DeactivateInstallation(context.Background(), uuid.New(), true, activation.ID); err != nil {
			t.Fatalf("admin deactivation failed: %v", err)
		}
	})

	t.Run("unknown activation", func(t *testing.T) {
		err := m.DeactivateInstallation(context.Background(), ownerID, false, uuid.New())
		if !errors.Is(err, ErrActivationNotFound) {
			t.Fatalf("expected ErrActivationNotFound, got %v", err)
		}
	})
}

func TestRevokeUnknownLicense(t *testing.T) {
	m := newTestManager(newMockStore())
	if _, err := m.Revoke(context.Background(), uuid.New(), uuid.New()); !errors.Is(err, ErrLicenseNotFound) {
		t.Fatalf("expected ErrLicenseNotFound, got %v", err)
	}
}

func TestReconcileAppliesDrift(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)

	// Healthy license with an entitled subscription: untouched.
	healthyEnd := time.Now().UTC().Add(20 * 24 * time.Hour)
	healthy := models.NewLicense(uuid.New(), "h1", "...preview1", models.PlanStandard)
	healthy.ExpiresAt = &healthyEnd
	store.licenses[healthy.ID] = healthy
	store.subscriptions[uuid.New()] = &models.Subscription{
		ID: uuid.New(), UserID: healthy.UserID, LicenseID: healthy.ID,
		Status: models.SubscriptionActive, CurrentPeriodEnd: &healthyEnd,
	}

	// Orphaned license without a subscription: suspended and machines freed.
	orphanEnd := time.Now().UTC().Add(20 * 24 * time.Hour)
	orphan := models.NewLicense(uuid.New(), "h2", "...preview2", models.PlanStandard)
	orphan.ExpiresAt = &orphanEnd
	store.licenses[orphan.ID] = orphan
	activation := models.NewActivation(orphan.ID, "fp-1", models.MachineMetadata{})
	store.activations[activation.ID] = activation

	report, err := m.Reconcile(context.Background(), 100)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("expected 2 checked, got %d", report.Checked)
	}
	if report.Changed != 1 {
		t.Errorf("expected 1 changed, got %d", report.Changed)
	}
	if report.Denied != 1 {
		t.Errorf("expected 1 denied, got %d", report.Denied)
	}
	if orphan.Status != models.StatusSuspended {
		t.Errorf("orphaned license should be suspended, got %s", orphan.Status)
	}
	if activation.Status != models.ActivationDeactivated {
		t.Error("orphaned license activations should be deactivated")
	}
	if healthy.Status != models.StatusActive {
		t.Errorf("healthy license should stay active, got %s", healthy.Status)
	}
}

func TestWebhookHelpersIgnoreUnknownSubscription(t *testing.T) {
	m := newTestManager(newMockStore())
	ctx := context.Background()

	if err := m.RenewFromInvoice(ctx, "sub_unknown", nil, false); err != nil {
		t.Errorf("RenewFromInvoice should ignore unknown subscription, got %v", err)
	}
	if err := m.MarkSubscriptionCanceled(ctx, "sub_unknown"); err != nil {
		t.Errorf("MarkSubscriptionCanceled should ignore unknown subscription, got %v", err)
	}
	if err := m.SyncSubscription(ctx, "sub_unknown", "past_due", false); err != nil {
		t.Errorf("SyncSubscription should ignore unknown subscription, got %v", err)
	}
	if err := m.MarkPaymentFailed(ctx, "sub_unknown"); err != nil {
		t.Errorf("MarkPaymentFailed should ignore unknown subscription, got %v", err)
	}
}

func TestMarkSubscriptionCanceledExpiresLicense(t *testing.T) {
	store := newMockStore()
	m := newTestManager(store)

	lic := models.NewLicense(uuid.New(), "hash", "...preview1", models.PlanStandard)
	store.licenses[lic.ID] = lic
	sub := &models.Subscription{
		ID: uuid.New(), UserID: lic.UserID, LicenseID: lic.ID,
		StripeSubscriptionID: "sub_1", Status: models.SubscriptionActive,
	}
	store.subscriptions[sub.ID] = sub

	if err := m.MarkSubscriptionCanceled(context.Background(), "sub_1"); err != nil {
		t.Fatalf("MarkSubscriptionCanceled failed: %v", err)
	}
	if sub.Status != models.SubscriptionCanceled {
		t.Errorf("expected canceled subscription, got %s", sub.Status)
	}
	if lic.Status != models.StatusExpired {
		t.Errorf("expected expired license, got %s", lic.Status)
	}
}
