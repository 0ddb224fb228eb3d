package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PasswordComparer is satisfied by pkg/auth.PasswordHasher.
type PasswordComparer interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// DecoyVerifier burns the same bcrypt work as a real password check so that
// an unknown email takes as long to reject as a wrong password.
type DecoyVerifier struct {
	hasher PasswordComparer
	hash   string
}

// NewDecoyVerifier hashes a random throwaway password once, at the hasher's
// configured cost, so decoy comparisons match real ones.
func NewDecoyVerifier(hasher PasswordComparer) (*DecoyVerifier, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate decoy password: %w", err)
	}

	hash, err := hasher.Hash(hex.EncodeToString(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to hash decoy password: %w", err)
	}

	return &DecoyVerifier{hasher: hasher, hash: hash}, nil
}

// Compare runs a comparison that can never succeed.
func (d *DecoyVerifier) Compare(password string) {
	_ = d.hasher.Compare(d.hash, password)
}
