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

const activationColumns = `
	id, license_id, machine_fingerprint, machine_label, os, hostname,
	activated_at, last_heartbeat, status, deactivated_at, deactivation_reason
`

func scanActivation(r row) (*models.Activation, error) {
	var a models.Activation
	var status string
	err := r.Scan(
		&a.ID, &a.LicenseID, &a.MachineFingerprint, &a.MachineLabel, &a.OS,
		&a.Hostname, &a.ActivatedAt, &a.LastHeartbeat, &status,
		&a.DeactivatedAt, &a.DeactivationReason,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.ActivationStatus(status)
	return &a, nil
}

// RecordOrRefresh binds a machine to a license, or refreshes the heartbeat
// when the machine already holds an active slot. The license row is locked
// for the duration so concurrent validations cannot both pass the ceiling
// check; an over-limit attempt returns license.InstallationLimitError.
func (db *DB) RecordOrRefresh(ctx context.Context, licenseID uuid.UUID, fingerprint string, meta models.MachineMetadata) (*models.Activation, error) {
	var activation *models.Activation
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		var maxInstallations int
		err := tx.QueryRow(ctx, `
			SELECT max_installations FROM licenses WHERE id = $1 FOR UPDATE
		`, licenseID).Scan(&maxInstallations)
		if err != nil {
			return fmt.Errorf("lock license: %w", err)
		}

		existing, err := scanActivation(tx.QueryRow(ctx, `
			SELECT `+activationColumns+` FROM activations
			WHERE license_id = $1 AND machine_fingerprint = $2 AND status = 'active'
		`, licenseID, fingerprint))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("get activation: %w", err)
		}

		if existing != nil {
			refreshed, err := scanActivation(tx.QueryRow(ctx, `
				UPDATE activations SET last_heartbeat = now()
				WHERE id = $1
				RETURNING `+activationColumns+`
			`, existing.ID))
			if err != nil {
				return fmt.Errorf("refresh heartbeat: %w", err)
			}
			activation = refreshed
			return nil
		}

		var active int
		err = tx.QueryRow(ctx, `
			SELECT count(*) FROM activations
			WHERE license_id = $1 AND status = 'active'
		`, licenseID).Scan(&active)
		if err != nil {
			return fmt.Errorf("count activations: %w", err)
		}
		if active >= maxInstallations {
			return &license.InstallationLimitError{Active: active, Max: maxInstallations}
		}

		created := models.NewActivation(licenseID, fingerprint, meta)
		_, err = tx.Exec(ctx, `
			INSERT INTO activations (
				id, license_id, machine_fingerprint, machine_label, os,
				hostname, activated_at, last_heartbeat, status
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, created.ID, created.LicenseID, created.MachineFingerprint,
			created.MachineLabel, created.OS, created.Hostname,
			created.ActivatedAt, created.LastHeartbeat, string(created.Status))
		if err != nil {
			return fmt.Errorf("insert activation: %w", err)
		}
		activation = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activation, nil
}

// GetActivationByID returns an activation by id, or nil when none exists.
func (db *DB) GetActivationByID(ctx context.Context, id uuid.UUID) (*models.Activation, error) {
	activation, err := scanActivation(db.Pool.QueryRow(ctx, `
		SELECT `+activationColumns+` FROM activations WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activation by id: %w", err)
	}
	return activation, nil
}

// ListActiveActivations returns the active activations of a license, oldest
// first.
func (db *DB) ListActiveActivations(ctx context.Context, licenseID uuid.UUID) ([]*models.Activation, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+activationColumns+` FROM activations
		WHERE license_id = $1 AND status = 'active'
		ORDER BY activated_at ASC
	`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list active activations: %w", err)
	}
	defer rows.Close()

	var activations []*models.Activation
	for rows.Next() {
		activation, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		activations = append(activations, activation)
	}
	return activations, rows.Err()
}

// CountActiveActivations returns the number of active slots a license holds.
func (db *DB) CountActiveActivations(ctx context.Context, licenseID uuid.UUID) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM activations
		WHERE license_id = $1 AND status = 'active'
	`, licenseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active activations: %w", err)
	}
	return count, nil
}

// DeactivateActivation releases one activation slot. Deactivating an already
// deactivated row is a no-op.
func (db *DB) DeactivateActivation(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE activations SET
			status = 'deactivated',
			deactivated_at = now(),
			deactivation_reason = $2
		WHERE id = $1 AND status = 'active'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("deactivate activation: %w", err)
	}
	return nil
}
