// Package cryptox provides authenticated encryption for secrets at rest.
//
// Source passwords and loader SQL templates are sealed with
// XChaCha20-Poly1305; ciphertext is hex-encoded with the random nonce
// prepended so a single column stores both.
package cryptox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Codec seals and opens secrets with a process-wide key.
type Codec struct {
	key []byte
}

// NewCodec builds a Codec from a hex-encoded 32-byte key.
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("op=cryptox.new: decode key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("op=cryptox.new: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Codec{key: key}, nil
}

// Seal encrypts plaintext and returns hex(nonce || ciphertext).
func (c *Codec) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("op=cryptox.seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=cryptox.seal: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Codec) Open(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("op=cryptox.open: decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("op=cryptox.open: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("op=cryptox.open: ciphertext too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("op=cryptox.open: %w", err)
	}
	return string(plain), nil
}
