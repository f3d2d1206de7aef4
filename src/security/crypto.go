package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Broker tokens are never persisted in plaintext. EncryptString seals with
// ChaCha20-Poly1305 using the key from CREDENTIALS_KEY; the random nonce is
// prepended to the ciphertext and the whole blob is base64-encoded.

var ErrCiphertextTooShort = errors.New("ciphertext too short")

func aeadFromConfig() (cipherAEAD, error) {
	config := GetConfig()
	key, err := base64.StdEncoding.DecodeString(config.CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("invalid CREDENTIALS_KEY: %w", err)
	}
	return chacha20poly1305.New(key)
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// EncryptString encrypts a secret for storage at rest.
func EncryptString(plaintext string) (string, error) {
	aead, err := aeadFromConfig()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(encoded string) (string, error) {
	aead, err := aeadFromConfig()
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
