package models

import "time"

// Reasons recorded in refresh_tokens.revoked_reason
const (
	RevokeReasonRotated        = "rotated"
	RevokeReasonLogout         = "logout"
	RevokeReasonLogoutAll      = "logout_all"
	RevokeReasonPasswordChange = "password_change"
	RevokeReasonReuseDetected  = "reuse_detected"
	RevokeReasonAdmin          = "admin_revoke"
)

// RefreshToken is one link in a rotation chain. Rows are never deleted by the
// request path; they are kept for replay detection until garbage collected.
type RefreshToken struct {
	ID            string
	Token         string
	UserID        string
	SessionID     string // Rotation family, stable across rotations of one login
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	RevokedReason string
	ReplacedBy    *string
	CreatedAt     time.Time
}

// IsRevoked reports whether the token has left the Active state.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether expiresAt has passed at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Usable reports whether a refresh with this token may succeed at now.
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}
