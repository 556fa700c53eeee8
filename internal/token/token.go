// Package token issues and validates the secrets the control plane hands
// out: the admin shared secret, node bearer tokens, and client config
// tokens. Device private keys are sealed at rest under a key derived
// from the master secret.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
)

// Manager validates the admin secret and seals device private keys.
type Manager struct {
	adminSecret []byte
	sealKey     []byte
}

// NewManager derives the at-rest sealing key from the master secret.
func NewManager(adminSecret, masterSecret string) (*Manager, error) {
	if adminSecret == "" {
		return nil, errors.NewValidationError("admin_secret", "admin secret is required")
	}
	if masterSecret == "" {
		return nil, errors.NewValidationError("secret_key", "master secret is required")
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("zt-device-key-seal"))
	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, sealKey); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}

	return &Manager{
		adminSecret: []byte(adminSecret),
		sealKey:     sealKey,
	}, nil
}

// VerifyAdmin compares the presented admin token in constant time. A missing
// and a wrong token are indistinguishable to the caller.
func (m *Manager) VerifyAdmin(presented string) bool {
	return subtle.ConstantTimeCompare(m.adminSecret, []byte(presented)) == 1
}

// NewToken returns a 128-bit random URL-safe token. Used for both node
// bearer tokens and client config tokens.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Seal encrypts a device private key for storage. The nonce is prepended to
// the ciphertext.
func (m *Manager) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.sealKey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed device private key.
func (m *Manager) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.sealKey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.ErrInvalidInput
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", errors.ErrUnauthorized)
	}
	return plaintext, nil
}
