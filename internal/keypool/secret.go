package keypool

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const sealedPrefix = "v1:"

var ErrSealKey = errors.New("profile secret key not configured")

// Sealer encrypts profile secrets at rest with AES-GCM under a key derived
// from the configured passphrase.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(passphrase string) (Sealer, error) {
	if strings.TrimSpace(passphrase) == "" {
		return Sealer{}, ErrSealKey
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Sealer{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Sealer{}, err
	}
	return Sealer{aead: aead}, nil
}

func (s Sealer) Seal(secret string) (string, error) {
	if s.aead == nil {
		return "", ErrSealKey
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(secret), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

func (s Sealer) Open(sealed string) (string, error) {
	if s.aead == nil {
		return "", ErrSealKey
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", errors.New("unsupported secret encoding")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", errors.New("sealed secret too short")
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", errors.New("secret does not match configured key")
	}
	return string(plain), nil
}
