// Package auth seals persisted auth keys with a passphrase-derived key and
// provides the helpers used to check that a passphrase matches a database.
package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the length of the salt fed to the key derivation.
const SaltSize = 16

const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
)

var (
	// ErrEmptyPassphrase is returned when sealing is requested without a
	// passphrase.
	ErrEmptyPassphrase = errors.New("empty passphrase")
	// ErrUnseal is returned when a sealed value is corrupt or was sealed
	// under another passphrase.
	ErrUnseal = errors.New("cannot unseal value")
)

// Sealer encrypts small values with XChaCha20-Poly1305 under a key derived
// from a passphrase with argon2id.
type Sealer struct {
	aead        cipher.AEAD
	fingerprint string
}

// NewSalt returns a random salt for NewSealer.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return salt, nil
}

// NewSealer derives the sealing key for passphrase and salt.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append([]byte("mtp-key-fingerprint:"), key...))
	return &Sealer{aead: aead, fingerprint: hex.EncodeToString(sum[:])}, nil
}

// Fingerprint identifies the derived key without revealing it. It is
// stored next to sealed values to reject a wrong passphrase up front.
func (s *Sealer) Fingerprint() string {
	return s.fingerprint
}

// Seal encrypts plain and binds it to ad. The nonce is prepended.
func (s *Sealer) Seal(plain, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, ad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrUnseal
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], ad)
	if err != nil {
		return nil, ErrUnseal
	}
	return plain, nil
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
