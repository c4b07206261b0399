// Package crypto seals provider credentials stored in the routing database.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrKeyLength          = errors.New("master key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Sealer is AES-256-GCM keyed by the master key. Blobs are nonce||ciphertext
// and carry the provider id as additional data, so a credential copied onto
// another provider's row fails to open.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealerFromBase64Key(b64 string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(providerID string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(providerID)), nil
}

func (s *Sealer) Open(providerID string, blob []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns+s.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plain, err := s.aead.Open(nil, blob[:ns], blob[ns:], []byte(providerID))
	if err != nil {
		return nil, fmt.Errorf("open credential for %q: %w", providerID, err)
	}
	return plain, nil
}

// SealString seals secret and returns the blob base64 encoded, the form the
// seal command prints for operators.
func (s *Sealer) SealString(providerID, secret string) (string, error) {
	blob, err := s.Seal(providerID, []byte(secret))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}
