package license

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenValidityDays is the fixed access token horizon, independent of
	// license expiry. Clients must re-validate before it lapses.
	TokenValidityDays = 30
	// GracePeriodDays tells the client how long past token expiry it may
	// keep operating offline before re-contacting the service.
	GracePeriodDays = 7
)

var (
	// ErrSigningKeyMissing indicates no private key was configured. This is
	// a deployment defect, fatal at startup.
	ErrSigningKeyMissing = errors.New("license signing private key not configured")
	// ErrSigningKeyInvalid indicates the configured key is not a PKCS#8
	// Ed25519 private key.
	ErrSigningKeyInvalid = errors.New("license signing private key is not a PKCS#8 Ed25519 key")
)

// TokenClaims is the signed assertion handed to the client application
// after a successful validation.
type TokenClaims struct {
	LicenseID          uuid.UUID `json:"lic"`
	Plan               string    `json:"plan"`
	MaxInstallations   int       `json:"max"`
	MachineFingerprint string    `json:"mid"`
	GraceDays          int       `json:"grace"`
	Lifetime           bool      `json:"lifetime"`
	jwt.RegisteredClaims
}

// Signer issues EdDSA-signed access tokens. The private key stays
// server-side; clients verify offline with the distributed public key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner creates a Signer from a PKCS#8 PEM private key. Environments
// that store the key in a single-line variable may escape newlines as
// literal "\n"; those are unescaped here.
func NewSigner(privateKeyPEM string) (*Signer, error) {
	privateKeyPEM = strings.ReplaceAll(privateKeyPEM, `\n`, "\n")
	if strings.TrimSpace(privateKeyPEM) == "" {
		return nil, ErrSigningKeyMissing
	}

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, ErrSigningKeyInvalid
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	privateKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrSigningKeyInvalid
	}

	return &Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// Issue signs an access token for the given license facts, bound to one
// machine fingerprint, with the fixed validity horizon.
func (s *Signer) Issue(userID uuid.UUID, claims TokenClaims) (string, error) {
	now := time.Now()
	claims.GraceDays = GracePeriodDays
	claims.Subject = userID.String()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.AddDate(0, 0, TokenValidityDays))

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a token issued by this signer. Clients do the
// same offline with the distributed public key.
func (s *Signer) Verify(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	return claims, nil
}

// PublicKeyPEM returns the PKIX PEM encoding of the verification key for
// distribution to clients.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
