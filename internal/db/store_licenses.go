package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/gimo-ai/gimo-license-server/internal/license"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `
	id, user_id, key_hash, key_preview, plan, lifetime, max_installations,
	status, stripe_session_id, created_by_admin, created_at, expires_at,
	regeneration_count, last_regenerated_at, revoked_at, revoked_by
`

// row is satisfied by pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanLicense(r row) (*models.License, error) {
	var lic models.License
	var plan, status string
	err := r.Scan(
		&lic.ID, &lic.UserID, &lic.KeyHash, &lic.KeyPreview, &plan,
		&lic.Lifetime, &lic.MaxInstallations, &status, &lic.StripeSessionID,
		&lic.CreatedByAdmin, &lic.CreatedAt, &lic.ExpiresAt,
		&lic.RegenerationCount, &lic.LastRegeneratedAt, &lic.RevokedAt,
		&lic.RevokedBy,
	)
	if err != nil {
		return nil, err
	}
	lic.Plan = models.LicensePlan(plan)
	lic.Status = models.LicenseStatus(status)
	return &lic, nil
}

// CreateLicense inserts a new license.
func (db *DB) CreateLicense(ctx context.Context, lic *models.License) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO licenses (
			id, user_id, key_hash, key_preview, plan, lifetime,
			max_installations, status, stripe_session_id, created_by_admin,
			created_at, expires_at, regeneration_count, last_regenerated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, lic.ID, lic.UserID, lic.KeyHash, lic.KeyPreview, string(lic.Plan),
		lic.Lifetime, lic.MaxInstallations, string(lic.Status),
		lic.StripeSessionID, lic.CreatedByAdmin, lic.CreatedAt, lic.ExpiresAt,
		lic.RegenerationCount, lic.LastRegeneratedAt)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicenseByID returns a license by id, or nil when none exists.
func (db *DB) GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license by id: %w", err)
	}
	return lic, nil
}

// GetLicenseByKeyHash returns the license matching a key hash, or nil. The
// hash is the sole lookup key for raw license keys.
func (db *DB) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE key_hash = $1
	`, keyHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license by key hash: %w", err)
	}
	return lic, nil
}

// GetLatestLicenseByUser returns the user's most recently created license,
// or nil when the user has none.
func (db *DB) GetLatestLicenseByUser(ctx context.Context, userID uuid.UUID) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest license by user: %w", err)
	}
	return lic, nil
}

// GetActiveLicenseByUser returns the user's active license, or nil.
func (db *DB) GetActiveLicenseByUser(ctx context.Context, userID uuid.UUID) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active license by user: %w", err)
	}
	return lic, nil
}

// GetLicenseByStripeSessionID returns the license created for a checkout
// session, or nil. Used as the idempotency guard for replayed webhooks.
func (db *DB) GetLicenseByStripeSessionID(ctx context.Context, sessionID string) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE stripe_session_id = $1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license by session id: %w", err)
	}
	return lic, nil
}

// ListNonLifetimeLicenses returns up to limit non-lifetime licenses, newest
// first, for entitlement reconciliation.
func (db *DB) ListNonLifetimeLicenses(ctx context.Context, limit int) ([]*models.License, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE lifetime = FALSE
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list non-lifetime licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, lic)
	}
	return licenses, rows.Err()
}

// ListLicenses returns a keyset-paginated page of licenses, newest first.
// The cursor is the id of the last license on the previous page; an unknown
// or zero cursor starts from the top.
func (db *DB) ListLicenses(ctx context.Context, limit int, cursor uuid.UUID) ([]*models.License, error) {
	var rows pgx.Rows
	var err error

	if cursor == uuid.Nil {
		rows, err = db.Pool.Query(ctx, `
			SELECT `+licenseColumns+` FROM licenses
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		`, limit)
	} else {
		rows, err = db.Pool.Query(ctx, `
			SELECT `+licenseColumns+` FROM licenses
			WHERE (created_at, id) < (
				SELECT created_at, id FROM licenses WHERE id = $2
			)
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		`, limit, cursor)
	}
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func collectLicenses(rows pgx.Rows) ([]*models.License, error) {
	var licenses []*models.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, lic)
	}
	return licenses, rows.Err()
}

// ReplaceLicenseKey atomically swaps the key hash and preview, bumps the
// regeneration counter, and deactivates every active activation. The old key
// and all bound machines become invalid the moment the transaction commits.
func (db *DB) ReplaceLicenseKey(ctx context.Context, licenseID uuid.UUID, keyHash, keyPreview string) (int, error) {
	var reset int
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE activations SET
				status = 'deactivated',
				deactivated_at = now(),
				deactivation_reason = 'key_regenerated'
			WHERE license_id = $1 AND status = 'active'
		`, licenseID)
		if err != nil {
			return fmt.Errorf("deactivate activations: %w", err)
		}
		reset = int(tag.RowsAffected())

		_, err = tx.Exec(ctx, `
			UPDATE licenses SET
				key_hash = $2,
				key_preview = $3,
				regeneration_count = regeneration_count + 1,
				last_regenerated_at = now()
			WHERE id = $1
		`, licenseID, keyHash, keyPreview)
		if err != nil {
			return fmt.Errorf("replace license key: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// RevokeLicense sets the terminal revoked status and deactivates all active
// activations as one all-or-nothing unit.
func (db *DB) RevokeLicense(ctx context.Context, licenseID, actorID uuid.UUID) (int, error) {
	var revoked int
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE activations SET
				status = 'deactivated',
				deactivated_at = now(),
				deactivation_reason = 'license_revoked'
			WHERE license_id = $1 AND status = 'active'
		`, licenseID)
		if err != nil {
			return fmt.Errorf("deactivate activations: %w", err)
		}
		revoked = int(tag.RowsAffected())

		_, err = tx.Exec(ctx, `
			UPDATE licenses SET
				status = 'revoked',
				revoked_at = now(),
				revoked_by = $2
			WHERE id = $1
		`, licenseID, actorID)
		if err != nil {
			return fmt.Errorf("revoke license: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// ApplyEntitlementDecision persists the side effects of an entitlement
// decision: the status is written only when it differs from the current one,
// and activations are batch-deactivated only when instructed. Both commit
// together.
func (db *DB) ApplyEntitlementDecision(ctx context.Context, licenseID uuid.UUID, current models.LicenseStatus, decision license.Decision) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		if decision.NextStatus != "" && decision.NextStatus != current {
			_, err := tx.Exec(ctx, `
				UPDATE licenses SET status = $2 WHERE id = $1
			`, licenseID, string(decision.NextStatus))
			if err != nil {
				return fmt.Errorf("update license status: %w", err)
			}
		}
		if decision.DeactivateAll {
			_, err := tx.Exec(ctx, `
				UPDATE activations SET
					status = 'deactivated',
					deactivated_at = now(),
					deactivation_reason = $2
				WHERE license_id = $1 AND status = 'active'
			`, licenseID, "entitlement_denied:"+decision.Reason)
			if err != nil {
				return fmt.Errorf("deactivate activations: %w", err)
			}
		}
		return nil
	})
}
