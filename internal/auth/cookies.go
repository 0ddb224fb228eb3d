package auth

import (
	"net/http"
	"time"
)

const (
	RefreshTokenCookie = "refresh_token"
	SessionCookie      = "session_id"
	CSRFTokenCookie    = "csrf_token"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"
}

func (c CookieConfig) cookie(name, value string, maxAge time.Duration, httpOnly bool) *http.Cookie {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: parseSameSite(c.SameSite),
	}
	if maxAge > 0 {
		cookie.MaxAge = int(maxAge.Seconds())
		cookie.Expires = time.Now().Add(maxAge)
	} else {
		cookie.MaxAge = -1
	}
	return cookie
}

// SetSessionCookies sets the httpOnly refresh token and session id cookies.
// The refresh cookie is only written when refreshToken is non-empty, so
// non-production deployments can keep the token in the response body.
func SetSessionCookies(w http.ResponseWriter, refreshToken, sessionID string, maxAge time.Duration, config CookieConfig) {
	if refreshToken != "" {
		http.SetCookie(w, config.cookie(RefreshTokenCookie, refreshToken, maxAge, true))
	}
	http.SetCookie(w, config.cookie(SessionCookie, sessionID, maxAge, true))
}

// SetCSRFTokenCookie sets a CSRF token in a readable cookie (not httpOnly)
// JavaScript needs to read this and send it in X-CSRF-Token header
func SetCSRFTokenCookie(w http.ResponseWriter, csrfToken string, maxAge time.Duration, config CookieConfig) {
	http.SetCookie(w, config.cookie(CSRFTokenCookie, csrfToken, maxAge, false))
}

// ClearSessionCookies expires every cookie this package sets.
func ClearSessionCookies(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, config.cookie(RefreshTokenCookie, "", 0, true))
	http.SetCookie(w, config.cookie(SessionCookie, "", 0, true))
	http.SetCookie(w, config.cookie(CSRFTokenCookie, "", 0, false))
}

// CookieValue returns the named cookie's value or "".
func CookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func parseSameSite(sameSite string) http.SameSite {
	switch sameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}
