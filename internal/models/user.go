package models

import (
	"time"
)

// Role is the authorization role carried in tokens and enforced by RequireRole.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
	RoleAgent Role = "AGENT"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleAgent:
		return true
	}
	return false
}

type User struct {
	ID                string
	Email             string // stored lowercase
	PasswordHash      string
	Name              string
	Role              Role
	FailedLoginCount  int
	LockedUntil       *time.Time // Temporary lockout expiration
	LastLoginAt       *time.Time
	LastLoginIP       string // Plaintext in memory, encrypted at rest
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsLocked reports whether the lockout window is still open at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// FailedLoginResult is the state of the user row after a failed attempt was recorded.
type FailedLoginResult struct {
	FailedLoginCount int
	LockedUntil      *time.Time
}
