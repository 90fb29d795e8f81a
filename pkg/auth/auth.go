// Package auth holds the token material handling for host admission. Tokens
// are stored only as SHA-256 hex digests and compared in constant time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

const SessionTokenLifetime = time.Hour

// HashToken returns the hex SHA-256 digest of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SecureCompareToken reports whether the token matches the stored hash. The
// comparison runs over the full digest length regardless of where the inputs
// first differ.
func SecureCompareToken(token, tokenHash string) bool {
	if tokenHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(tokenHash)) == 1
}

// NewSessionToken mints a fresh session token and its expiry.
func NewSessionToken(now time.Time) (token string, expiresAt time.Time, err error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generating session token, %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), now.Add(SessionTokenLifetime), nil
}
