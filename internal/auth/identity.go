// Package auth resolves bearer identity tokens into internal user profiles.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Claims are the identity facts extracted from a verified token.
type Claims struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
}

// TokenVerifier validates a raw bearer token and extracts its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// OIDCVerifier validates tokens against an OIDC issuer's published keys.
// Works with any standard issuer, including Firebase Auth projects
// (issuer https://securetoken.google.com/<project-id>).
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer and builds a verifier pinned to the
// expected audience.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC issuer: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// Verify validates signature, issuer, audience, and expiry, then extracts
// profile claims.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	var profile struct {
		Email         string `json:"email"`
		Name          string `json:"name"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&profile); err != nil {
		return nil, fmt.Errorf("parse token claims: %w", err)
	}

	return &Claims{
		Subject:       idToken.Subject,
		Email:         profile.Email,
		Name:          profile.Name,
		EmailVerified: profile.EmailVerified,
	}, nil
}

// UserStore is the persistence surface identity resolution needs.
type UserStore interface {
	GetOrCreateBySubject(ctx context.Context, subject, email, displayName string) (*models.User, error)
	PromoteToAdmin(ctx context.Context, id uuid.UUID) error
}

// Gate turns verified tokens into user profiles. Profiles are created on
// first sighting, and emails on the admin allowlist are promoted to the
// admin role as they authenticate.
type Gate struct {
	verifier    TokenVerifier
	store       UserStore
	adminEmails map[string]struct{}
	logger      zerolog.Logger
}

// NewGate creates an identity gate. adminEmails entries are matched
// case-insensitively.
func NewGate(verifier TokenVerifier, store UserStore, adminEmails []string, logger zerolog.Logger) *Gate {
	allowlist := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			allowlist[email] = struct{}{}
		}
	}
	return &Gate{
		verifier:    verifier,
		store:       store,
		adminEmails: allowlist,
		logger:      logger.With().Str("component", "auth").Logger(),
	}
}

// Resolve verifies the token and returns the caller's profile, creating it
// when the subject has never been seen. Allowlisted emails come back with
// the admin role; promotion is idempotent and never demotes.
func (g *Gate) Resolve(ctx context.Context, rawToken string) (*models.User, error) {
	claims, err := g.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	user, err := g.store.GetOrCreateBySubject(ctx, claims.Subject, claims.Email, claims.Name)
	if err != nil {
		return nil, err
	}

	if !user.IsAdmin() && g.allowlisted(user.Email) {
		if err := g.store.PromoteToAdmin(ctx, user.ID); err != nil {
			return nil, err
		}
		user.Role = models.RoleAdmin
		g.logger.Info().
			Str("user_id", user.ID.String()).
			Str("email", user.Email).
			Msg("allowlisted user promoted to admin")
	}

	return user, nil
}

func (g *Gate) allowlisted(email string) bool {
	_, ok := g.adminEmails[strings.ToLower(email)]
	return ok
}
