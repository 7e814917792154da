// Package claim issues one-time bearer tokens that bind an anonymous task
// to an authenticated owner. Only the SHA-256 digest is ever stored.
package claim

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const tokenBytes = 32

// TokenLength is the length of an encoded token.
var TokenLength = base64.RawURLEncoding.EncodedLen(tokenBytes)

var ErrMalformedToken = errors.New("malformed claim token")

// New returns a fresh token and its digest. The token must be handed to the
// creator exactly once and never persisted.
func New() (token, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate claim token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, Hash(token), nil
}

func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate checks the token shape without touching storage.
func Validate(token string) error {
	if len(token) != TokenLength {
		return ErrMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenBytes {
		return ErrMalformedToken
	}
	return nil
}

// Match compares a presented token against a stored digest in constant time.
func Match(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(token)), []byte(storedHash)) == 1
}
