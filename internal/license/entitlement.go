package license

import (
	"fmt"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/models"
)

// Decision is the outcome of an entitlement evaluation. Denials are normal
// return values, not errors; NextStatus and DeactivateAll tell the caller
// which side effects keep license state consistent with the decision.
type Decision struct {
	Allowed bool
	Reason  string
	// NextStatus is the status the license should hold after this decision.
	// Empty means leave the current status alone.
	NextStatus models.LicenseStatus
	// DeactivateAll instructs the caller to deactivate every active
	// activation of the license.
	DeactivateAll bool
}

// Evaluate is the single entitlement policy for token issuance. The caller
// supplies the most recent linked subscription (nil when none exists);
// lifetime licenses never consult it. Fail-safe: missing or inconsistent
// data denies access.
func Evaluate(lic *models.License, sub *models.Subscription, now time.Time) Decision {
	if lic == nil {
		return Decision{Allowed: false, Reason: "license not found", DeactivateAll: false}
	}

	if lic.Status == models.StatusRevoked {
		return Decision{
			Allowed:       false,
			Reason:        "License revoked",
			NextStatus:    models.StatusRevoked,
			DeactivateAll: true,
		}
	}

	if lic.Lifetime {
		if lic.Status != models.StatusActive {
			return Decision{
				Allowed:       false,
				Reason:        fmt.Sprintf("License %s", lic.Status),
				DeactivateAll: true,
			}
		}
		return Decision{
			Allowed:    true,
			Reason:     "lifetime_active",
			NextStatus: models.StatusActive,
		}
	}

	if lic.IsExpired(now) {
		return Decision{
			Allowed:       false,
			Reason:        "License expired",
			NextStatus:    models.StatusExpired,
			DeactivateAll: true,
		}
	}

	if sub == nil {
		return Decision{
			Allowed:       false,
			Reason:        "No active subscription linked to license",
			NextStatus:    models.StatusSuspended,
			DeactivateAll: true,
		}
	}

	if !sub.Entitled() {
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("Subscription %s", subscriptionStatusOrInactive(sub.Status)),
			NextStatus:    statusFromSubscription(sub.Status),
			DeactivateAll: true,
		}
	}

	if sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.Before(now) {
		return Decision{
			Allowed:       false,
			Reason:        "Subscription period expired",
			NextStatus:    models.StatusExpired,
			DeactivateAll: true,
		}
	}

	return Decision{
		Allowed:    true,
		Reason:     "subscription_active",
		NextStatus: models.StatusActive,
	}
}

// statusFromSubscription maps a processor subscription status onto a license
// status. Unknown processor statuses map to suspended (fail-safe deny).
func statusFromSubscription(subscriptionStatus string) models.LicenseStatus {
	switch subscriptionStatus {
	case models.SubscriptionActive, models.SubscriptionTrialing:
		return models.StatusActive
	case models.SubscriptionCanceled:
		return models.StatusExpired
	default:
		return models.StatusSuspended
	}
}

func subscriptionStatusOrInactive(status string) string {
	if status == "" {
		return "inactive"
	}
	return status
}
