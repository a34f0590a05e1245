package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses use the payment processor's vocabulary. Only a
// subset grants entitlement; everything unrecognized is treated as unhealthy.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionCanceled = "canceled"
	SubscriptionPastDue  = "past_due"
)

// EntitledSubscriptionStatuses are the processor statuses that allow token
// issuance on a non-lifetime license.
func EntitledSubscriptionStatuses() []string {
	return []string{SubscriptionActive, SubscriptionTrialing}
}

// Subscription mirrors the payment processor's subscription state for a
// non-lifetime license. The most recent row by period end is authoritative.
type Subscription struct {
	ID                   uuid.UUID  `json:"id"`
	UserID               uuid.UUID  `json:"user_id"`
	LicenseID            uuid.UUID  `json:"license_id"`
	StripeSubscriptionID string     `json:"-"`
	StripePriceID        string     `json:"-"`
	Status               string     `json:"status"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
}

// Entitled reports whether the subscription status grants access.
func (s *Subscription) Entitled() bool {
	for _, status := range EntitledSubscriptionStatuses() {
		if s.Status == status {
			return true
		}
	}
	return false
}
