package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/models"
)

const (
	testAccessSecret  = "access-secret-for-tests-0123456789"
	testRefreshSecret = "refresh-secret-for-tests-9876543210"
)

var testPayload = models.TokenPayload{
	UserID:    "3f2b8c1e-0000-4000-8000-000000000001",
	Email:     "a@b.com",
	Role:      models.RoleAgent,
	SessionID: "sess-1",
}

func newTokenManager(now func() time.Time) *auth.TokenManager {
	tm := auth.NewTokenManager(testAccessSecret, testRefreshSecret, 15*time.Minute, 7*24*time.Hour)
	if now != nil {
		tm.WithClock(now)
	}
	return tm
}

func TestTokenManager_AccessRoundTrip(t *testing.T) {
	tm := newTokenManager(nil)

	token, err := tm.IssueAccessToken(testPayload)
	require.NoError(t, err)

	claims, err := tm.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeAccess, claims.Type)
	assert.Equal(t, testPayload.UserID, claims.UserID)
	assert.Equal(t, testPayload.Email, claims.Email)
	assert.Equal(t, models.RoleAgent, claims.Role)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestTokenManager_RefreshRoundTrip(t *testing.T) {
	tm := newTokenManager(nil)

	token, expiresAt, err := tm.IssueRefreshToken(testPayload)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), expiresAt, 5*time.Second)

	claims, err := tm.VerifyRefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeRefresh, claims.Type)
}

func TestTokenManager_UniqueTokens(t *testing.T) {
	tm := newTokenManager(nil)

	first, _, err := tm.IssueRefreshToken(testPayload)
	require.NoError(t, err)
	second, _, err := tm.IssueRefreshToken(testPayload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "jti makes tokens minted in the same second distinct")
}

func TestTokenManager_KindsAreNotInterchangeable(t *testing.T) {
	tm := newTokenManager(nil)

	access, err := tm.IssueAccessToken(testPayload)
	require.NoError(t, err)
	refresh, _, err := tm.IssueRefreshToken(testPayload)
	require.NoError(t, err)

	_, err = tm.VerifyRefreshToken(access)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	_, err = tm.VerifyAccessToken(refresh)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestTokenManager_WrongTypeSignedWithRightSecret(t *testing.T) {
	tm := newTokenManager(nil)

	claims := &models.TokenClaims{
		Type:   models.TokenTypeAccess,
		UserID: testPayload.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testRefreshSecret))
	require.NoError(t, err)

	_, err = tm.VerifyRefreshToken(forged)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestTokenManager_ExpiredVersusInvalid(t *testing.T) {
	issuedAt := time.Now().Add(-time.Hour)
	issuer := newTokenManager(func() time.Time { return issuedAt })

	token, err := issuer.IssueAccessToken(testPayload)
	require.NoError(t, err)

	_, err = newTokenManager(nil).VerifyAccessToken(token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
	assert.NotErrorIs(t, err, auth.ErrTokenInvalid)

	valid, err := newTokenManager(nil).IssueAccessToken(testPayload)
	require.NoError(t, err)
	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]

	_, err = newTokenManager(nil).VerifyAccessToken(tampered)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestTokenManager_RejectsOtherAlgorithms(t *testing.T) {
	tm := newTokenManager(nil)

	claims := &models.TokenClaims{
		Type:   models.TokenTypeAccess,
		UserID: testPayload.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tm.VerifyAccessToken(unsigned)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testAccessSecret))
	require.NoError(t, err)
	_, err = tm.VerifyAccessToken(hs512)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestTokenManager_Garbage(t *testing.T) {
	_, err := newTokenManager(nil).VerifyAccessToken("not.a.jwt")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}
