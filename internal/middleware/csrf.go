package middleware

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/metrics"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

const (
	CSRFHeader    = "X-CSRF-Token"
	CSRFFormField = "_csrf"
)

// CSRFValidator is implemented by auth.CSRFTokenManager.
type CSRFValidator interface {
	ValidateToken(ctx context.Context, sessionID, presented string) error
}

// OriginSet is a set of normalized trusted origins.
type OriginSet map[string]struct{}

// NewOriginSet normalizes origins, silently skipping unparseable entries.
func NewOriginSet(origins ...string) OriginSet {
	set := make(OriginSet, len(origins))
	for _, o := range origins {
		if n, ok := pkghttp.NormalizeOrigin(o); ok {
			set[n] = struct{}{}
		}
	}
	return set
}

func (s OriginSet) Contains(origin string) bool {
	n, ok := pkghttp.NormalizeOrigin(origin)
	if !ok {
		return false
	}
	_, found := s[n]
	return found
}

// List returns the set's members in no particular order.
func (s OriginSet) List() []string {
	out := make([]string, 0, len(s))
	for o := range s {
		out = append(out, o)
	}
	return out
}

// CSRFGuardConfig configures CSRFGuard.
type CSRFGuardConfig struct {
	Tokens         CSRFValidator
	TrustedOrigins OriginSet
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// CSRFGuard protects state-changing requests that ride on ambient cookies.
// Requests whose bearer token was verified are exempt, so the guard runs
// after auth.OptionalAuthenticate; an unverifiable bearer header earns no
// exemption. A presented token is always checked against the session's
// token; without one, the Origin (or Referer) must be trusted.
func CSRFGuard(cfg CSRFGuardConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reject := func(w http.ResponseWriter, r *http.Request, reason, code, message string) {
		cfg.Metrics.CSRFRejected(reason)
		logger.Warn("csrf check failed",
			slog.String("reason", reason),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		pkghttp.WriteForbidden(w, code, message)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) || !cookieAuthenticated(r) {
				next.ServeHTTP(w, r)
				return
			}

			if token := presentedCSRFToken(r); token != "" {
				sessionID := auth.CookieValue(r, auth.SessionCookie)
				err := cfg.Tokens.ValidateToken(r.Context(), sessionID, token)
				switch {
				case err == nil:
					next.ServeHTTP(w, r)
				case errors.Is(err, auth.ErrCSRFTokenExpired):
					reject(w, r, "token_expired", "csrf_token_expired", "CSRF token expired")
				case errors.Is(err, auth.ErrCSRFTokenInvalid):
					reject(w, r, "token_mismatch", "csrf_token_invalid", "Invalid CSRF token")
				default:
					logger.Error("csrf token lookup failed", slog.Any("error", err))
					reject(w, r, "token_unverifiable", "csrf_token_invalid", "Invalid CSRF token")
				}
				return
			}

			origin := requestOrigin(r)
			if origin == "" {
				reject(w, r, "origin_missing", "csrf_origin_missing", "Missing CSRF token or origin")
				return
			}
			if !cfg.TrustedOrigins.Contains(origin) {
				reject(w, r, "origin_untrusted", "csrf_origin_untrusted", "Untrusted request origin")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// cookieAuthenticated reports whether the request relies on ambient cookies
// rather than a verified bearer token.
func cookieAuthenticated(r *http.Request) bool {
	if auth.IdentityFromContext(r.Context()) != nil {
		return false
	}
	return auth.CookieValue(r, auth.RefreshTokenCookie) != "" || auth.CookieValue(r, auth.SessionCookie) != ""
}

func presentedCSRFToken(r *http.Request) string {
	if token := r.Header.Get(CSRFHeader); token != "" {
		return token
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return r.FormValue(CSRFFormField)
	}
	return ""
}

func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		return origin
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		if origin, ok := pkghttp.NormalizeOrigin(referer); ok {
			return origin
		}
	}
	return ""
}

// isStateChangingMethod checks if the HTTP method modifies state
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}
