package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `
	id, user_id, license_id, stripe_subscription_id, stripe_price_id,
	status, current_period_start, current_period_end, cancel_at_period_end
`

func scanSubscription(r row) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.Scan(
		&sub.ID, &sub.UserID, &sub.LicenseID, &sub.StripeSubscriptionID,
		&sub.StripePriceID, &sub.Status, &sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a subscription record.
func (db *DB) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, license_id, stripe_subscription_id, stripe_price_id,
			status, current_period_start, current_period_end, cancel_at_period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sub.ID, sub.UserID, sub.LicenseID, sub.StripeSubscriptionID,
		sub.StripePriceID, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// GetLatestSubscriptionByLicense returns the subscription with the most
// recent period end for a license, or nil.
func (db *DB) GetLatestSubscriptionByLicense(ctx context.Context, licenseID uuid.UUID) (*models.Subscription, error) {
	sub, err := scanSubscription(db.Pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE license_id = $1
		ORDER BY current_period_end DESC NULLS LAST
		LIMIT 1
	`, licenseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest subscription by license: %w", err)
	}
	return sub, nil
}

// GetLatestSubscriptionByUser returns the user's subscription with the most
// recent period end, or nil.
func (db *DB) GetLatestSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, err := scanSubscription(db.Pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		ORDER BY current_period_end DESC NULLS LAST
		LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest subscription by user: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByStripeID returns the subscription mirroring a processor
// subscription, or nil when the processor id is unknown.
func (db *DB) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	sub, err := scanSubscription(db.Pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE stripe_subscription_id = $1
		ORDER BY current_period_end DESC NULLS LAST
		LIMIT 1
	`, stripeSubscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// RenewSubscriptionAndLicense extends the billing period and reactivates the
// linked license. Both writes commit together so a renewed subscription can
// never sit next to a suspended license.
func (db *DB) RenewSubscriptionAndLicense(ctx context.Context, subscriptionID uuid.UUID, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		var licenseID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE subscriptions SET
				status = 'active',
				current_period_end = $2,
				cancel_at_period_end = $3
			WHERE id = $1
			RETURNING license_id
		`, subscriptionID, periodEnd, cancelAtPeriodEnd).Scan(&licenseID)
		if err != nil {
			return fmt.Errorf("renew subscription: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE licenses SET status = 'active', expires_at = $2
			WHERE id = $1 AND status != 'revoked'
		`, licenseID, periodEnd)
		if err != nil {
			return fmt.Errorf("extend license expiry: %w", err)
		}
		return nil
	})
}

// CancelSubscriptionAndLicense marks the subscription canceled and the linked
// license expired in one transaction. Revoked licenses keep their terminal
// status.
func (db *DB) CancelSubscriptionAndLicense(ctx context.Context, subscriptionID uuid.UUID) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		var licenseID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE subscriptions SET status = 'canceled'
			WHERE id = $1
			RETURNING license_id
		`, subscriptionID).Scan(&licenseID)
		if err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE licenses SET status = 'expired'
			WHERE id = $1 AND status != 'revoked'
		`, licenseID)
		if err != nil {
			return fmt.Errorf("expire license: %w", err)
		}
		return nil
	})
}

// UpdateSubscriptionStatus mirrors a processor-side status change.
func (db *DB) UpdateSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string, cancelAtPeriodEnd bool) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE subscriptions SET status = $2, cancel_at_period_end = $3
		WHERE id = $1
	`, subscriptionID, status, cancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}
