package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/visaportal/internal/models"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const identityContextKey contextKey = "identity"

// AccessTokenVerifier is the part of TokenManager the middleware needs.
type AccessTokenVerifier interface {
	VerifyAccessToken(tokenString string) (*models.TokenClaims, error)
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate verifies the bearer access token and stores the caller's
// Identity in the request context. An expired token gets a distinct error
// code so clients know to refresh rather than log in again.
func Authenticate(tv AccessTokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := BearerToken(r)
			if !ok {
				pkghttp.WriteError(w, http.StatusUnauthorized, "missing_token", "Authentication required")
				return
			}

			claims, err := tv.VerifyAccessToken(tokenString)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					pkghttp.WriteError(w, http.StatusUnauthorized, "token_expired", "Access token expired")
					return
				}
				pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid access token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identityFromClaims(claims))))
		})
	}
}

// OptionalAuthenticate attaches the caller's Identity when a valid bearer
// token is present and otherwise passes the request through untouched.
func OptionalAuthenticate(tv AccessTokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenString, ok := BearerToken(r); ok {
				if claims, err := tv.VerifyAccessToken(tokenString); err == nil {
					r = r.WithContext(WithIdentity(r.Context(), identityFromClaims(claims)))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func identityFromClaims(claims *models.TokenClaims) *models.Identity {
	return &models.Identity{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
	}
}

// RequireRole admits only identities holding one of roles. It must run after
// Authenticate.
func RequireRole(roles ...models.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				pkghttp.WriteError(w, http.StatusUnauthorized, "missing_token", "Authentication required")
				return
			}
			if !identity.HasRole(roles...) {
				pkghttp.WriteForbidden(w, "insufficient_role", "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext returns the authenticated caller, or nil.
func IdentityFromContext(ctx context.Context) *models.Identity {
	identity, _ := ctx.Value(identityContextKey).(*models.Identity)
	return identity
}
