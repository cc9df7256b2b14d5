// Package crypto provides the authenticated-encryption envelope for
// end-to-end encrypted payloads.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required symmetric key length in bytes.
	KeySize = chacha20poly1305.KeySize

	nonceSize = chacha20poly1305.NonceSize
)

// Sealer seals and opens payload blobs with an AEAD scheme. The sealed blob
// is self-contained: nonce, ciphertext and authentication tag combined.
type Sealer interface {
	Seal(plaintext, key []byte) ([]byte, error)
	Open(blob, key []byte) ([]byte, error)
}

// chaChaSealer implements Sealer using ChaCha20-Poly1305.
type chaChaSealer struct{}

// NewSealer returns the default sealer.
func NewSealer() Sealer {
	return &chaChaSealer{}
}

// Seal encrypts plaintext under key and prepends the random nonce.
func (s *chaChaSealer) Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a sealed blob. It fails on tampered
// ciphertext and on key mismatch.
func (s *chaChaSealer) Open(blob, key []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, errors.New("sealed blob too short")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed blob: %w", err)
	}

	return plaintext, nil
}
