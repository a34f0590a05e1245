package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingKeyTTL is how long a freshly generated raw key stays retrievable.
const PendingKeyTTL = 10 * time.Minute

// PendingKey is the one-time delivery buffer for a raw license key. At most
// one row exists per user; reading it is destructive regardless of TTL.
type PendingKey struct {
	UserID    uuid.UUID `json:"user_id"`
	RawKey    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewPendingKey creates a pending key expiring after PendingKeyTTL.
func NewPendingKey(userID uuid.UUID, rawKey string) *PendingKey {
	now := time.Now().UTC()
	return &PendingKey{
		UserID:    userID,
		RawKey:    rawKey,
		CreatedAt: now,
		ExpiresAt: now.Add(PendingKeyTTL),
	}
}

// Expired reports whether the key is past its retrieval window.
func (p *PendingKey) Expired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}
