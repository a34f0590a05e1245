package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const userColumns = `
	id, subject, email, display_name, role, stripe_customer_id,
	created_at, updated_at
`

func scanUser(r row) (*models.User, error) {
	var u models.User
	var role string
	err := r.Scan(
		&u.ID, &u.Subject, &u.Email, &u.DisplayName, &role,
		&u.StripeCustomerID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = models.UserRole(role)
	return &u, nil
}

// GetOrCreateBySubject returns the profile for an identity-provider subject,
// creating it on first sighting. The upsert keeps email and display name in
// sync with the identity token.
func (db *DB) GetOrCreateBySubject(ctx context.Context, subject, email, displayName string) (*models.User, error) {
	candidate := models.NewUser(subject, email, displayName)
	user, err := scanUser(db.Pool.QueryRow(ctx, `
		INSERT INTO users (id, subject, email, display_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			updated_at = now()
		RETURNING `+userColumns+`
	`, candidate.ID, candidate.Subject, candidate.Email, candidate.DisplayName,
		string(candidate.Role), candidate.CreatedAt, candidate.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	return user, nil
}

// GetUserByID returns a user by id, or nil when none exists.
func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

// GetUserByEmail returns a user by email, or nil. Admin lifetime grants
// target users by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// PromoteToAdmin grants the admin role. Idempotent.
func (db *DB) PromoteToAdmin(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE users SET role = 'admin', updated_at = now()
		WHERE id = $1 AND role != 'admin'
	`, id)
	if err != nil {
		return fmt.Errorf("promote user to admin: %w", err)
	}
	return nil
}

// SetStripeCustomerID records the processor customer handle for a user.
func (db *DB) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE users SET stripe_customer_id = $2, updated_at = now()
		WHERE id = $1
	`, id, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer id: %w", err)
	}
	return nil
}
