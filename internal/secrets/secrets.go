// Package secrets seals credentials at rest using NaCl secretbox.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrNoKey is returned when sealing is attempted without a configured key.
var ErrNoKey = errors.New("secrets: no key configured")

// Box seals and opens small secrets (API keys, forge tokens) with a
// process-wide symmetric key. A nil Box passes values through unchanged,
// which keeps development setups without a key working.
type Box struct {
	key [32]byte
}

// New creates a Box from a 64-char hex key. An empty key returns (nil, nil):
// sealing is disabled but not an error.
func New(hexKey string) (*Box, error) {
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secrets key must be 32 bytes, got %d", len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the ciphertext
// and the whole value is hex-encoded for storage.
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(ciphertext string) (string, error) {
	if b == nil {
		return ciphertext, nil
	}
	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(raw) < nonceSize {
		return "", errors.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("open sealed value: authentication failed")
	}
	return string(plain), nil
}
