package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypt seals plaintext with ChaCha20-Poly1305 and returns ciphertext and nonce.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), chacha20poly1305.KeySize)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ChaCha20-Poly1305 ciphertext using the provided nonce.
func Decrypt(sessionKey, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), chacha20poly1305.KeySize)
	}
	if len(ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return plaintext, nil
}
