package models

import (
	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenClaims is the JWT payload shared by access and refresh tokens.
type TokenClaims struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenPayload is the identity embedded into newly issued tokens.
type TokenPayload struct {
	UserID    string
	Email     string
	Role      Role
	SessionID string
}

// Identity is the authenticated caller, produced by the authenticate step and
// passed to downstream handlers through the request context.
type Identity struct {
	UserID    string
	Email     string
	Role      Role
	SessionID string
	TokenID   string
}

// HasRole reports whether the identity holds any of roles.
func (i *Identity) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// TokenPair is what login, register and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
}
