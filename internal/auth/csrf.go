package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/visaportal/internal/store"
)

const (
	csrfTokenBytes      = 32
	DefaultCSRFTokenTTL = time.Hour
)

var (
	ErrCSRFTokenInvalid = errors.New("csrf token invalid")
	ErrCSRFTokenExpired = errors.New("csrf token expired")
)

// CSRFEntry is the live token for one session.
type CSRFEntry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CSRFTokenManager issues one token per session id. Regenerating overwrites
// the previous token.
type CSRFTokenManager struct {
	store    store.Store[CSRFEntry]
	tokenTTL time.Duration
	now      func() time.Time
}

// NewCSRFTokenManager creates a new CSRF token manager
func NewCSRFTokenManager(s store.Store[CSRFEntry], ttl time.Duration) *CSRFTokenManager {
	if ttl <= 0 {
		ttl = DefaultCSRFTokenTTL
	}
	return &CSRFTokenManager{store: s, tokenTTL: ttl, now: time.Now}
}

// WithClock overrides the expiry clock.
func (m *CSRFTokenManager) WithClock(now func() time.Time) *CSRFTokenManager {
	m.now = now
	return m
}

func (m *CSRFTokenManager) TTL() time.Duration {
	return m.tokenTTL
}

// GenerateToken creates a fresh token for sessionID and sweeps expired
// tokens of other sessions.
func (m *CSRFTokenManager) GenerateToken(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("csrf: empty session id")
	}

	raw := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("csrf: failed to generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if _, err := m.SweepExpired(ctx); err != nil {
		return "", err
	}

	entry := CSRFEntry{Token: token, ExpiresAt: m.now().Add(m.tokenTTL)}
	if err := m.store.Set(ctx, sessionID, entry, m.tokenTTL); err != nil {
		return "", fmt.Errorf("csrf: failed to store token: %w", err)
	}
	return token, nil
}

// ValidateToken compares presented against the session's live token in
// constant time.
func (m *CSRFTokenManager) ValidateToken(ctx context.Context, sessionID, presented string) error {
	if sessionID == "" || presented == "" {
		return ErrCSRFTokenInvalid
	}

	entry, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCSRFTokenInvalid
		}
		return fmt.Errorf("csrf: failed to load token: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(entry.Token), []byte(presented)) != 1 {
		return ErrCSRFTokenInvalid
	}
	if !m.now().Before(entry.ExpiresAt) {
		_ = m.store.Delete(ctx, sessionID)
		return ErrCSRFTokenExpired
	}
	return nil
}

// RevokeToken drops the session's token, e.g. on logout.
func (m *CSRFTokenManager) RevokeToken(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

// SweepExpired removes every expired token.
func (m *CSRFTokenManager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()
	n, err := m.store.Sweep(ctx, func(_ string, e CSRFEntry) bool {
		return !now.Before(e.ExpiresAt)
	})
	if err != nil {
		return n, fmt.Errorf("csrf: sweep failed: %w", err)
	}
	return n, nil
}
