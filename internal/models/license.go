// Package models defines the persisted record types for the GIMO license service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// LicensePlan identifies what a license was sold (or granted) as.
type LicensePlan string

const (
	// PlanStandard is the paid monthly subscription plan.
	PlanStandard LicensePlan = "standard"
	// PlanAdmin is an administrator-granted plan, always lifetime.
	PlanAdmin LicensePlan = "admin"
)

// LicenseStatus is the lifecycle state of a license.
type LicenseStatus string

const (
	// StatusActive allows token issuance.
	StatusActive LicenseStatus = "active"
	// StatusPendingPayment is the initial state before checkout completes.
	StatusPendingPayment LicenseStatus = "pending_payment"
	// StatusSuspended blocks access while the linked subscription is unhealthy.
	StatusSuspended LicenseStatus = "suspended"
	// StatusExpired marks a license whose billing period has lapsed.
	StatusExpired LicenseStatus = "expired"
	// StatusRevoked is terminal; no transition leaves it.
	StatusRevoked LicenseStatus = "revoked"
)

// ValidLicenseStatuses returns all recognized license statuses.
func ValidLicenseStatuses() []LicenseStatus {
	return []LicenseStatus{StatusActive, StatusPendingPayment, StatusSuspended, StatusExpired, StatusRevoked}
}

// IsValid checks if the status is a recognized value.
func (s LicenseStatus) IsValid() bool {
	for _, valid := range ValidLicenseStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// License represents one purchasable entitlement. The raw key is never
// persisted; KeyHash is the sole lookup key and KeyPreview is display-only.
type License struct {
	ID                uuid.UUID     `json:"id"`
	UserID            uuid.UUID     `json:"user_id"`
	KeyHash           string        `json:"-"`
	KeyPreview        string        `json:"key_preview"`
	Plan              LicensePlan   `json:"plan"`
	Lifetime          bool          `json:"lifetime"`
	MaxInstallations  int           `json:"max_installations"`
	Status            LicenseStatus `json:"status"`
	StripeSessionID   *string       `json:"-"`
	CreatedByAdmin    *uuid.UUID    `json:"created_by_admin,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         *time.Time    `json:"expires_at"`
	RegenerationCount int           `json:"regeneration_count"`
	LastRegeneratedAt *time.Time    `json:"last_regenerated_at,omitempty"`
	RevokedAt         *time.Time    `json:"revoked_at,omitempty"`
	RevokedBy         *uuid.UUID    `json:"-"`
}

// NewLicense creates a license with a fresh ID and creation timestamp.
func NewLicense(userID uuid.UUID, keyHash, keyPreview string, plan LicensePlan) *License {
	return &License{
		ID:         uuid.New(),
		UserID:     userID,
		KeyHash:    keyHash,
		KeyPreview: keyPreview,
		Plan:       plan,
		Status:     StatusActive,
		CreatedAt:  time.Now().UTC(),
	}
}

// IsExpired reports whether a non-lifetime license is past its expiry.
// ExpiresAt is meaningless for lifetime licenses and is ignored.
func (l *License) IsExpired(now time.Time) bool {
	if l.Lifetime {
		return false
	}
	if l.ExpiresAt == nil {
		return false
	}
	return l.ExpiresAt.Before(now)
}
