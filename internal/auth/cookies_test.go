package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/visaportal/internal/auth"
)

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestSetSessionCookies(t *testing.T) {
	cfg := auth.CookieConfig{Secure: true, SameSite: "strict"}

	t.Run("with refresh token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		auth.SetSessionCookies(rec, "rt", "sid", 24*time.Hour, cfg)

		cookies := cookiesByName(rec)
		require.Contains(t, cookies, auth.RefreshTokenCookie)
		require.Contains(t, cookies, auth.SessionCookie)

		rt := cookies[auth.RefreshTokenCookie]
		assert.Equal(t, "rt", rt.Value)
		assert.True(t, rt.HttpOnly)
		assert.True(t, rt.Secure)
		assert.Equal(t, http.SameSiteStrictMode, rt.SameSite)
		assert.Equal(t, 86400, rt.MaxAge)
	})

	t.Run("session only", func(t *testing.T) {
		rec := httptest.NewRecorder()
		auth.SetSessionCookies(rec, "", "sid", time.Hour, cfg)

		cookies := cookiesByName(rec)
		assert.NotContains(t, cookies, auth.RefreshTokenCookie)
		assert.Equal(t, "sid", cookies[auth.SessionCookie].Value)
	})
}

func TestCSRFCookieReadable(t *testing.T) {
	rec := httptest.NewRecorder()
	auth.SetCSRFTokenCookie(rec, "tok", time.Hour, auth.CookieConfig{SameSite: "lax"})

	c := cookiesByName(rec)[auth.CSRFTokenCookie]
	require.NotNil(t, c)
	assert.False(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}

func TestClearSessionCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	auth.ClearSessionCookies(rec, auth.CookieConfig{})

	cookies := cookiesByName(rec)
	require.Len(t, cookies, 3)
	for _, c := range cookies {
		assert.Empty(t, c.Value)
		assert.Less(t, c.MaxAge, 0)
	}
}
