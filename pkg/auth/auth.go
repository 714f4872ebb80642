// Package auth guards operator actions with a bcrypt hashed bearer token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
	ErrNoTokenHash  = errors.New("no operator token configured")
)

// GenerateToken returns a new random operator token and its bcrypt hash.
// Only the hash goes into the configuration.
func GenerateToken() (token, hash string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = base64.URLEncoding.EncodeToString(tokenBytes)

	hash, err = HashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hash, nil
}

// HashToken hashes token for storage in the configuration
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// Verifier checks presented tokens against one configured hash
type Verifier struct {
	hash []byte
}

// NewVerifier creates a verifier. An empty hash rejects every token.
func NewVerifier(hash string) *Verifier {
	return &Verifier{hash: []byte(hash)}
}

// Enabled reports whether a hash is configured
func (v *Verifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify validates token
func (v *Verifier) Verify(token string) error {
	if !v.Enabled() {
		return ErrNoTokenHash
	}
	if token == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !SecureCompare(strings.ToLower(header[:len(prefix)]), strings.ToLower(prefix)) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
