package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BradenHooton/visaportal/internal/models"
)

var (
	// ErrTokenExpired means the token verified but is past its expiry.
	// Clients should try a refresh.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers bad signatures, malformed tokens and tokens of
	// the wrong kind. Clients should re-authenticate.
	ErrTokenInvalid = errors.New("token invalid")
)

// TokenManager signs and verifies access and refresh tokens. Each kind has
// its own secret so neither can stand in for the other.
type TokenManager struct {
	accessSecret       []byte
	refreshSecret      []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	now                func() time.Time
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(accessSecret, refreshSecret string, accessExpiry, refreshExpiry time.Duration) *TokenManager {
	return &TokenManager{
		accessSecret:       []byte(accessSecret),
		refreshSecret:      []byte(refreshSecret),
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
		now:                time.Now,
	}
}

// WithClock overrides the issuing and verification clock.
func (tm *TokenManager) WithClock(now func() time.Time) *TokenManager {
	tm.now = now
	return tm
}

func (tm *TokenManager) AccessTokenTTL() time.Duration  { return tm.accessTokenExpiry }
func (tm *TokenManager) RefreshTokenTTL() time.Duration { return tm.refreshTokenExpiry }

// IssueAccessToken creates a short-lived access token.
func (tm *TokenManager) IssueAccessToken(p models.TokenPayload) (string, error) {
	token, _, err := tm.issue(models.TokenTypeAccess, p, tm.accessSecret, tm.accessTokenExpiry)
	return token, err
}

// IssueRefreshToken creates a long-lived refresh token and returns its expiry
// alongside, for persisting the row.
func (tm *TokenManager) IssueRefreshToken(p models.TokenPayload) (string, time.Time, error) {
	return tm.issue(models.TokenTypeRefresh, p, tm.refreshSecret, tm.refreshTokenExpiry)
}

func (tm *TokenManager) issue(tokenType string, p models.TokenPayload, secret []byte, ttl time.Duration) (string, time.Time, error) {
	now := tm.now()
	expiresAt := now.Add(ttl)

	claims := &models.TokenClaims{
		Type:      tokenType,
		UserID:    p.UserID,
		Email:     p.Email,
		Role:      p.Role,
		SessionID: p.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken returns the claims of a valid access token, or
// ErrTokenExpired / ErrTokenInvalid.
func (tm *TokenManager) VerifyAccessToken(tokenString string) (*models.TokenClaims, error) {
	return tm.verify(tokenString, models.TokenTypeAccess, tm.accessSecret)
}

// VerifyRefreshToken returns the claims of a valid refresh token, or
// ErrTokenExpired / ErrTokenInvalid.
func (tm *TokenManager) VerifyRefreshToken(tokenString string) (*models.TokenClaims, error) {
	return tm.verify(tokenString, models.TokenTypeRefresh, tm.refreshSecret)
}

func (tm *TokenManager) verify(tokenString, wantType string, secret []byte) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrTokenInvalid, wantType, claims.Type)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrTokenInvalid)
	}

	return claims, nil
}
