// Package wg provides WireGuard key handling and configuration rendering.
// The control plane never speaks the WireGuard protocol itself; it only
// describes desired state in these terms.
package wg

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
)

// KeyPair is an X25519 keypair in the base64 form WireGuard tools use.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair creates a new X25519 keypair with the standard clamping.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(private[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(public),
	}, nil
}

// ValidateKey checks that a base64 key decodes to exactly 32 bytes.
func ValidateKey(key string) error {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return errors.NewValidationError("public_key", "key is not valid base64")
	}
	if len(raw) != 32 {
		return errors.NewValidationError("public_key", "key must decode to 32 bytes")
	}
	return nil
}

// PublicFromPrivate derives the public key for a base64 private key.
func PublicFromPrivate(privateKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil || len(raw) != 32 {
		return "", errors.NewValidationError("private_key", "key must decode to 32 bytes")
	}
	public, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(public), nil
}
