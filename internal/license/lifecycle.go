package license

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// StandardMaxInstallations is the installation ceiling for paid plans.
	StandardMaxInstallations = 2
	// LifetimeDefaultMaxInstallations is effectively unlimited.
	LifetimeDefaultMaxInstallations = 999999
	// RegenerationWindow is the rolling interval in which at most one key
	// regeneration may succeed.
	RegenerationWindow = 24 * time.Hour
	// FallbackBillingPeriod sets license expiry when the processor supplies
	// no period data on checkout completion.
	FallbackBillingPeriod = 30 * 24 * time.Hour
)

var (
	// ErrNoLicense indicates the user has no license at all. Callers must
	// branch on it explicitly before touching license fields.
	ErrNoLicense = errors.New("no license")
	// ErrNoActiveLicense indicates the user has a license but not an active one.
	ErrNoActiveLicense = errors.New("no active license")
	// ErrLicenseNotFound indicates a lookup by id matched nothing.
	ErrLicenseNotFound = errors.New("license not found")
	// ErrActivationNotFound indicates a lookup by activation id matched nothing.
	ErrActivationNotFound = errors.New("activation not found")
	// ErrNotOwner indicates the caller neither owns the resource nor is an admin.
	ErrNotOwner = errors.New("not the license owner")
)

// RegenerationWindowError is returned when a regeneration is attempted inside
// the rolling window. HoursLeft is the retry-after hint.
type RegenerationWindowError struct {
	HoursLeft int
}

func (e *RegenerationWindowError) Error() string {
	return fmt.Sprintf("rate limit: wait %dh before regenerating again", e.HoursLeft)
}

// InstallationLimitError is returned when an activation would exceed the
// license installation ceiling.
type InstallationLimitError struct {
	Active int
	Max    int
}

func (e *InstallationLimitError) Error() string {
	return fmt.Sprintf("Installation limit reached (%d/%d)", e.Active, e.Max)
}

// Store is the persistence surface the lifecycle manager composes over.
// Implemented by *db.DB.
type Store interface {
	CreateLicense(ctx context.Context, lic *models.License) error
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	GetLatestLicenseByUser(ctx context.Context, userID uuid.UUID) (*models.License, error)
	GetActiveLicenseByUser(ctx context.Context, userID uuid.UUID) (*models.License, error)
	GetLicenseByStripeSessionID(ctx context.Context, sessionID string) (*models.License, error)
	ListNonLifetimeLicenses(ctx context.Context, limit int) ([]*models.License, error)
	// ReplaceLicenseKey swaps the key hash/preview and deactivates every
	// active activation in one transaction, returning the count deactivated.
	ReplaceLicenseKey(ctx context.Context, licenseID uuid.UUID, keyHash, keyPreview string) (int, error)
	// RevokeLicense sets the terminal status and deactivates all activations
	// in one transaction, returning the count deactivated.
	RevokeLicense(ctx context.Context, licenseID, actorID uuid.UUID) (int, error)
	// ApplyEntitlementDecision writes the recommended status (only when it
	// differs) and batch-deactivates when instructed, atomically.
	ApplyEntitlementDecision(ctx context.Context, licenseID uuid.UUID, current models.LicenseStatus, decision Decision) error

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetLatestSubscriptionByLicense(ctx context.Context, licenseID uuid.UUID) (*models.Subscription, error)
	GetLatestSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	// RenewSubscriptionAndLicense extends the period and reactivates the
	// license in one transaction.
	RenewSubscriptionAndLicense(ctx context.Context, subscriptionID uuid.UUID, periodEnd time.Time, cancelAtPeriodEnd bool) error
	// CancelSubscriptionAndLicense marks the subscription canceled and the
	// license expired in one transaction.
	CancelSubscriptionAndLicense(ctx context.Context, subscriptionID uuid.UUID) error
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string, cancelAtPeriodEnd bool) error

	GetActivationByID(ctx context.Context, id uuid.UUID) (*models.Activation, error)
	ListActiveActivations(ctx context.Context, licenseID uuid.UUID) ([]*models.Activation, error)
	DeactivateActivation(ctx context.Context, id uuid.UUID, reason string) error

	StorePendingKey(ctx context.Context, userID uuid.UUID, rawKey string) error
	ConsumePendingKey(ctx context.Context, userID uuid.UUID) (string, bool, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Manager orchestrates license creation, regeneration, revocation, and
// reconciliation.
type Manager struct {
	store  Store
	logger zerolog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "license_manager").Logger(),
	}
}

// Overview is everything the account page needs about a user's license.
// RawKey is non-empty only when a pending key was consumed by this call.
type Overview struct {
	License      *models.License
	Activations  []*models.Activation
	Subscription *models.Subscription
	RawKey       string
}

// Overview returns the user's most recent license with its activations,
// latest subscription, and — exactly once — any pending raw key.
// Returns ErrNoLicense when the user has no license.
func (m *Manager) Overview(ctx context.Context, userID uuid.UUID) (*Overview, error) {
	lic, err := m.store.GetLatestLicenseByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNoLicense
	}

	activations, err := m.store.ListActiveActivations(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	sub, err := m.store.GetLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	rawKey, ok, err := m.store.ConsumePendingKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		rawKey = ""
	}

	return &Overview{
		License:      lic,
		Activations:  activations,
		Subscription: sub,
		RawKey:       rawKey,
	}, nil
}

// CheckoutCompletion carries the processor facts needed to mint a license
// after a completed checkout.
type CheckoutCompletion struct {
	UserID               uuid.UUID
	SessionID            string
	StripeSubscriptionID string
	StripePriceID        string
	SubscriptionStatus   string
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	CancelAtPeriodEnd    bool
}

// CreateFromCheckout mints a standard monthly license for a completed
// checkout. Idempotent on the checkout session id: webhook retries are
// success no-ops. Returns true when a license was created.
func (m *Manager) CreateFromCheckout(ctx context.Context, completion CheckoutCompletion) (bool, error) {
	existing, err := m.store.GetLicenseByStripeSessionID(ctx, completion.SessionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		m.logger.Debug().
			Str("session_id", completion.SessionID).
			Str("license_id", existing.ID.String()).
			Msg("checkout already processed, skipping")
		return false, nil
	}

	rawKey, err := GenerateRawKey()
	if err != nil {
		return false, err
	}

	expiresAt := time.Now().UTC().Add(FallbackBillingPeriod)
	if completion.PeriodEnd != nil {
		expiresAt = *completion.PeriodEnd
	}

	lic := models.NewLicense(completion.UserID, HashKey(rawKey), KeyPreview(rawKey), models.PlanStandard)
	lic.Lifetime = false
	lic.MaxInstallations = StandardMaxInstallations
	lic.ExpiresAt = &expiresAt
	lic.StripeSessionID = &completion.SessionID

	if err := m.store.CreateLicense(ctx, lic); err != nil {
		return false, err
	}

	sub := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               completion.UserID,
		LicenseID:            lic.ID,
		StripeSubscriptionID: completion.StripeSubscriptionID,
		StripePriceID:        completion.StripePriceID,
		Status:               completion.SubscriptionStatus,
		CurrentPeriodStart:   completion.PeriodStart,
		CurrentPeriodEnd:     &expiresAt,
		CancelAtPeriodEnd:    completion.CancelAtPeriodEnd,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return false, err
	}

	if err := m.store.StorePendingKey(ctx, completion.UserID, rawKey); err != nil {
		return false, err
	}

	m.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("user_id", completion.UserID.String()).
		Time("expires_at", expiresAt).
		Msg("license created from checkout")
	return true, nil
}

// CreateLifetime mints an administrator-granted lifetime license and returns
// the raw key, which is shown exactly once in the response.
func (m *Manager) CreateLifetime(ctx context.Context, targetUserID, actorID uuid.UUID, maxInstallations int) (*models.License, string, error) {
	if maxInstallations < 1 {
		maxInstallations = LifetimeDefaultMaxInstallations
	}

	rawKey, err := GenerateRawKey()
	if err != nil {
		return nil, "", err
	}

	lic := models.NewLicense(targetUserID, HashKey(rawKey), KeyPreview(rawKey), models.PlanAdmin)
	lic.Lifetime = true
	lic.MaxInstallations = maxInstallations
	lic.CreatedByAdmin = &actorID

	if err := m.store.CreateLicense(ctx, lic); err != nil {
		return nil, "", err
	}

	if err := m.store.StorePendingKey(ctx, targetUserID, rawKey); err != nil {
		return nil, "", err
	}

	m.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("user_id", targetUserID.String()).
		Str("granted_by", actorID.String()).
		Int("max_installations", maxInstallations).
		Msg("lifetime license created")
	return lic, rawKey, nil
}

// RegenerationResult reports a successful key regeneration.
type RegenerationResult struct {
	RawKey           string
	KeyPreview       string
	ActivationsReset int
}

// Regenerate replaces the caller's license key. The old key and every bound
// machine become invalid immediately. At most one success per rolling 24h
// window; inside the window the error carries a retry-after hint.
func (m *Manager) Regenerate(ctx context.Context, userID uuid.UUID) (*RegenerationResult, error) {
	lic, err := m.store.GetActiveLicenseByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrNoActiveLicense
	}

	if lic.LastRegeneratedAt != nil {
		elapsed := time.Since(*lic.LastRegeneratedAt)
		if elapsed < RegenerationWindow {
			hoursLeft := int(math.Ceil((RegenerationWindow - elapsed).Hours()))
			return nil, &RegenerationWindowError{HoursLeft: hoursLeft}
		}
	}

	rawKey, err := GenerateRawKey()
	if err != nil {
		return nil, err
	}
	preview := KeyPreview(rawKey)

	reset, err := m.store.ReplaceLicenseKey(ctx, lic.ID, HashKey(rawKey), preview)
	if err != nil {
		return nil, err
	}

	if err := m.store.StorePendingKey(ctx, userID, rawKey); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("user_id", userID.String()).
		Int("activations_reset", reset).
		Msg("license key regenerated")
	return &RegenerationResult{
		RawKey:           rawKey,
		KeyPreview:       preview,
		ActivationsReset: reset,
	}, nil
}

// DeactivateInstallation frees one activation slot. The caller must own the
// parent license or hold the admin role.
func (m *Manager) DeactivateInstallation(ctx context.Context, callerID uuid.UUID, isAdmin bool, activationID uuid.UUID) error {
	activation, err := m.store.GetActivationByID(ctx, activationID)
	if err != nil {
		return err
	}
	if activation == nil {
		return ErrActivationNotFound
	}

	lic, err := m.store.GetLicenseByID(ctx, activation.LicenseID)
	if err != nil {
		return err
	}
	if (lic == nil || lic.UserID != callerID) && !isAdmin {
		return ErrNotOwner
	}

	if err := m.store.DeactivateActivation(ctx, activationID, "user_deactivated"); err != nil {
		return err
	}

	m.logger.Info().
		Str("activation_id", activationID.String()).
		Str("caller_id", callerID.String()).
		Msg("installation deactivated")
	return nil
}

// Revoke terminally disables a license and deactivates every bound machine
// in one atomic operation. Clients lose access on their next validation.
func (m *Manager) Revoke(ctx context.Context, licenseID, actorID uuid.UUID) (int, error) {
	lic, err := m.store.GetLicenseByID(ctx, licenseID)
	if err != nil {
		return 0, err
	}
	if lic == nil {
		return 0, ErrLicenseNotFound
	}

	revoked, err := m.store.RevokeLicense(ctx, licenseID, actorID)
	if err != nil {
		return 0, err
	}

	m.logger.Info().
		Str("license_id", licenseID.String()).
		Str("revoked_by", actorID.String()).
		Int("activations_revoked", revoked).
		Msg("license revoked")
	return revoked, nil
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Denied  int `json:"denied"`
}

// Reconcile re-evaluates entitlement for a bounded page of non-lifetime
// licenses, newest first, and applies any resulting status or activation
// changes. Catches drift from missed processor events.
func (m *Manager) Reconcile(ctx context.Context, limit int) (*ReconcileReport, error) {
	if limit < 1 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	licenses, err := m.store.ListNonLifetimeLicenses(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	now := time.Now().UTC()
	for _, lic := range licenses {
		sub, err := m.store.GetLatestSubscriptionByLicense(ctx, lic.ID)
		if err != nil {
			return nil, err
		}

		decision := Evaluate(lic, sub, now)
		report.Checked++
		if !decision.Allowed {
			report.Denied++
		}

		statusChanges := decision.NextStatus != "" && decision.NextStatus != lic.Status
		if statusChanges || decision.DeactivateAll {
			if err := m.store.ApplyEntitlementDecision(ctx, lic.ID, lic.Status, decision); err != nil {
				return nil, err
			}
			report.Changed++
		}
	}

	m.logger.Info().
		Int("checked", report.Checked).
		Int("changed", report.Changed).
		Int("denied", report.Denied).
		Msg("entitlement reconciliation completed")
	return report, nil
}

// RenewFromInvoice extends the billing period after a paid invoice and
// reactivates the license, atomically.
func (m *Manager) RenewFromInvoice(ctx context.Context, stripeSubscriptionID string, periodEnd *time.Time, cancelAtPeriodEnd bool) error {
	sub, err := m.store.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		m.logger.Debug().Str("stripe_subscription_id", stripeSubscriptionID).Msg("invoice for unknown subscription, ignoring")
		return nil
	}

	newExpiry := time.Now().UTC().Add(FallbackBillingPeriod)
	if periodEnd != nil {
		newExpiry = *periodEnd
	}
	return m.store.RenewSubscriptionAndLicense(ctx, sub.ID, newExpiry, cancelAtPeriodEnd)
}

// MarkSubscriptionCanceled handles subscription deletion: the subscription
// is marked canceled and the license expired, atomically.
func (m *Manager) MarkSubscriptionCanceled(ctx context.Context, stripeSubscriptionID string) error {
	sub, err := m.store.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	return m.store.CancelSubscriptionAndLicense(ctx, sub.ID)
}

// SyncSubscription mirrors a processor-side subscription update.
func (m *Manager) SyncSubscription(ctx context.Context, stripeSubscriptionID, status string, cancelAtPeriodEnd bool) error {
	sub, err := m.store.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	return m.store.UpdateSubscriptionStatus(ctx, sub.ID, status, cancelAtPeriodEnd)
}

// MarkPaymentFailed flags the subscription past due after a failed payment.
func (m *Manager) MarkPaymentFailed(ctx context.Context, stripeSubscriptionID string) error {
	sub, err := m.store.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	return m.store.UpdateSubscriptionStatus(ctx, sub.ID, models.SubscriptionPastDue, sub.CancelAtPeriodEnd)
}
