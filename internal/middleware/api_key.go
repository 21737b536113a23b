// Package middleware provides the HTTP middleware of the flagkit sidecar:
// bearer-token authentication against a bcrypt hash, request logging, and
// per-route metrics.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenHashCost = bcrypt.DefaultCost

var errTokenMismatch = errors.New("token does not match")

// HashToken returns a salted bcrypt hash for a sidecar token.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatchesHash compares a token against a stored hash.
// Hex SHA-256 digests are accepted as well as bcrypt hashes.
func TokenMatchesHash(expectedHash, token string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)); err == nil {
		return true
	}

	return sha256TokenMatchesHash(expectedHash, token)
}

func sha256TokenMatchesHash(expectedHash, token string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(token))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// HashValidator accepts tokens that match one of a fixed set of hashes.
// The subject returned for a match is the hash's name.
type HashValidator struct {
	hashes map[string]string
}

// NewHashValidator builds a validator from name → hash pairs. Blank hashes are
// ignored.
func NewHashValidator(hashes map[string]string) *HashValidator {
	v := &HashValidator{hashes: make(map[string]string, len(hashes))}
	for name, hash := range hashes {
		if hash = strings.TrimSpace(hash); hash != "" {
			v.hashes[name] = hash
		}
	}
	return v
}

// Len reports the number of configured hashes.
func (v *HashValidator) Len() int {
	return len(v.hashes)
}

// ValidateToken implements TokenValidator.
func (v *HashValidator) ValidateToken(_ context.Context, token string) (string, error) {
	for name, hash := range v.hashes {
		if TokenMatchesHash(hash, token) {
			return name, nil
		}
	}
	return "", errTokenMismatch
}
