// Package crypto seals credential material at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// ErrOpen is returned when a sealed blob fails authentication.
var ErrOpen = errors.New("crypto: message authentication failed")

// Encrypt seals plaintext with AES-256-GCM. The additional data is authenticated
// but not stored; Decrypt must be given the same bytes. Returns nonce||ciphertext.
func Encrypt(plaintext, key, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(sealed, key, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: sealed data too short", ErrOpen)
	}

	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// DeriveKey expands a master secret into a 32-byte key with HKDF-SHA256.
// Different info strings yield independent keys from the same secret.
func DeriveKey(masterKey, info string) ([]byte, error) {
	if masterKey == "" {
		return nil, errors.New("crypto: master key is empty")
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(masterKey), []byte("cloudbridge"), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}
