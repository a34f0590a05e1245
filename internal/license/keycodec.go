// Package license implements key generation, access token signing, and the
// entitlement policy for GIMO licenses.
package license

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// rawKeyBytes gives 256 bits of entropy; the base64url encoding is 43 chars.
const rawKeyBytes = 32

// previewLength is how many trailing characters of a raw key are safe to
// display indefinitely for recognition.
const previewLength = 8

// GenerateRawKey returns a new cryptographically random license key in
// URL-safe textual form. The raw key is never persisted.
func GenerateRawKey() (string, error) {
	b := make([]byte, rawKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate raw key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey derives the deterministic lookup hash for a raw key. Storage only
// ever sees this digest.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// KeyPreview returns the display-safe tail of a raw key ("...abcdefgh").
func KeyPreview(rawKey string) string {
	if len(rawKey) <= previewLength {
		return "..." + rawKey
	}
	return "..." + rawKey[len(rawKey)-previewLength:]
}
