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

// StorePendingKey buffers a freshly generated raw key for one-time pickup.
// A newer key replaces any unread one; the user only ever has one pending key.
func (db *DB) StorePendingKey(ctx context.Context, userID uuid.UUID, rawKey string) error {
	now := time.Now().UTC()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pending_keys (user_id, raw_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			raw_key = EXCLUDED.raw_key,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, userID, rawKey, now, now.Add(models.PendingKeyTTL))
	if err != nil {
		return fmt.Errorf("store pending key: %w", err)
	}
	return nil
}

// ConsumePendingKey removes and returns the user's pending key. The row is
// deleted even when it is already past its TTL; an expired key is reported as
// absent. The DELETE ... RETURNING makes the read destructive in one
// statement, so concurrent readers cannot both see the key.
func (db *DB) ConsumePendingKey(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	var rawKey string
	var expiresAt time.Time
	err := db.Pool.QueryRow(ctx, `
		DELETE FROM pending_keys WHERE user_id = $1
		RETURNING raw_key, expires_at
	`, userID).Scan(&rawKey, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume pending key: %w", err)
	}
	if expiresAt.Before(time.Now().UTC()) {
		return "", false, nil
	}
	return rawKey, true, nil
}

// SweepExpiredPendingKeys deletes pending keys past their TTL and returns the
// count removed. Run periodically; consumption already ignores expired rows.
func (db *DB) SweepExpiredPendingKeys(ctx context.Context) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM pending_keys WHERE expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep pending keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
