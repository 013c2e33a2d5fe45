// Package secretbox seals short secrets for storage as text. Deployment
// parameters carry the bot session credential, so the orchestrator's SQLite
// file must not hold them in the clear when a master key is configured.
//
// Sealed values are AES-256-GCM with a random nonce, encoded as
// "enc:v1:" + base64(nonce || ciphertext). The prefix makes sealed and plain
// values distinguishable, so enabling encryption on an existing database
// leaves old rows readable.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required key length for AES-256-GCM.
const KeySize = 32

const prefix = "enc:v1:"

var (
	ErrInvalidKeySize = fmt.Errorf("master key must be exactly %d bytes", KeySize)
	ErrMalformed      = errors.New("malformed sealed value")
)

// Sealer seals and opens values under one master key.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a raw 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// FromHex creates a Sealer from a 64-character hex master key, the form the
// key takes in configuration. Generate one with: openssl rand -hex 32
func FromHex(rawHex string) (*Sealer, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, errors.New("master key is empty")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in master key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext and returns the prefixed text encoding.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged; they predate encryption being enabled.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}
