package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const sealingKeySize = 32

// ParseEncryptionKey decodes the hex ENCRYPTION_KEY into a 32 byte AES-256 key.
func ParseEncryptionKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != sealingKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes (%d hex chars)", sealingKeySize, 2*sealingKeySize)
	}
	return key, nil
}

// KeySealer encrypts server private keys at rest with AES-256-GCM. Each
// sealed value is bound to a caller supplied string (the owning row) through
// GCM additional data, so it only opens for that same binding.
type KeySealer struct {
	aead cipher.AEAD
}

func NewKeySealer(key []byte) (*KeySealer, error) {
	if len(key) != sealingKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", sealingKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &KeySealer{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext).
func (s *KeySealer) Seal(plaintext, binding string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *KeySealer) Open(encoded, binding string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("sealed value too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(binding))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}
