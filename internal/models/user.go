package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole controls access to administrative endpoints.
type UserRole string

const (
	// RoleUser is the default role for every new profile.
	RoleUser UserRole = "user"
	// RoleAdmin unlocks license administration.
	RoleAdmin UserRole = "admin"
)

// User is the internal profile for an identity-provider subject. The profile
// row is created on the first authenticated request from that subject.
type User struct {
	ID               uuid.UUID `json:"id"`
	Subject          string    `json:"-"`
	Email            string    `json:"email"`
	DisplayName      string    `json:"display_name"`
	Role             UserRole  `json:"role"`
	StripeCustomerID *string   `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewUser creates a user profile with the default role.
func NewUser(subject, email, displayName string) *User {
	now := time.Now().UTC()
	return &User{
		ID:          uuid.New(),
		Subject:     subject,
		Email:       email,
		DisplayName: displayName,
		Role:        RoleUser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
