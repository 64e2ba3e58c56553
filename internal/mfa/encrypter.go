package mfa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretEncrypter encrypts TOTP secrets at rest
type SecretEncrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESGCMEncrypter encrypts with AES-256-GCM. The nonce is prepended to the ciphertext.
type AESGCMEncrypter struct {
	aead cipher.AEAD
}

// NewAESGCMEncrypter builds an encrypter from a 32-byte key
func NewAESGCMEncrypter(key string) (*AESGCMEncrypter, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(key))
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESGCMEncrypter{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext)
func (e *AESGCMEncrypter) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (e *AESGCMEncrypter) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	n := e.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// PlaintextEncrypter stores secrets as-is. Development only.
type PlaintextEncrypter struct{}

func (PlaintextEncrypter) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (PlaintextEncrypter) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
