// Package crypto provides reversible field-level encryption for sensitive
// values stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 16
	TagSize   = 16
)

var (
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrDecryption is matched by every DecryptionError.
	ErrDecryption = errors.New("decryption failed")
)

// kdfSalt is fixed so that a short development key always stretches to the same AES key.
var kdfSalt = []byte("visaportal/field-cipher/v1")

// DecryptionError means the ciphertext could not be authenticated. It is
// never a signal that the value was stored unencrypted.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}

// Cipher encrypts strings with AES-256-GCM using a 128-bit random nonce per call.
// Output format: hex(nonce):hex(tag):hex(ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from configured key material. A key is accepted
// as 64 hex characters or exactly 32 raw bytes. Outside production any other
// non-empty key is stretched with Argon2id; production rejects it.
func NewCipher(key, env string) (*Cipher, error) {
	raw, err := resolveKey(key, env)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// ValidateKey applies the same key policy as NewCipher without building a cipher.
func ValidateKey(key, env string) error {
	_, err := resolveKey(key, env)
	return err
}

func resolveKey(key, env string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}

	if len(key) == KeySize*2 {
		if decoded, err := hex.DecodeString(key); err == nil {
			return decoded, nil
		}
	}
	if len(key) == KeySize {
		return []byte(key), nil
	}

	if env == "production" {
		return nil, fmt.Errorf("%w: must be %d bytes or %d hex characters in production (got %d)",
			ErrInvalidKey, KeySize, KeySize*2, len(key))
	}

	return argon2.IDKey([]byte(key), kdfSalt, 1, 64*1024, 4, KeySize), nil
}

// Encrypt returns the encoded ciphertext. Empty input yields empty output.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Any malformed input or failed authentication
// returns a *DecryptionError.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", &DecryptionError{Reason: "malformed ciphertext"}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceSize {
		return "", &DecryptionError{Reason: "invalid nonce"}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != TagSize {
		return "", &DecryptionError{Reason: "invalid tag"}
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Reason: "invalid ciphertext encoding"}
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed"}
	}

	return string(plaintext), nil
}
