package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/models"
	"github.com/BradenHooton/visaportal/internal/services"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

// AuthServiceInterface is the credential side of the auth API.
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password, name string, meta services.RequestMeta) (*services.AuthResult, error)
	Login(ctx context.Context, email, password string, meta services.RequestMeta) (*services.AuthResult, error)
	ChangePassword(ctx context.Context, userID, current, next string, meta services.RequestMeta) (int64, error)
	Profile(ctx context.Context, userID string) (*models.User, error)
}

// SessionServiceInterface is the refresh-token side of the auth API.
type SessionServiceInterface interface {
	Refresh(ctx context.Context, presented string, meta services.RequestMeta) (*models.TokenPair, error)
	Logout(ctx context.Context, userID, sessionID, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) (int64, error)
}

// CSRFTokenIssuer is implemented by auth.CSRFTokenManager.
type CSRFTokenIssuer interface {
	GenerateToken(ctx context.Context, sessionID string) (string, error)
	RevokeToken(ctx context.Context, sessionID string) error
	TTL() time.Duration
}

// AuthHandlerConfig controls token transport.
type AuthHandlerConfig struct {
	// CookieTransport keeps the refresh token out of response bodies and in
	// an httpOnly cookie. Enabled in production.
	CookieTransport bool
	Cookies         auth.CookieConfig
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	IPConfig        *pkghttp.IPConfig
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	auth     AuthServiceInterface
	sessions SessionServiceInterface
	csrf     CSRFTokenIssuer
	errors   *ErrorWriter
	config   AuthHandlerConfig
}

func NewAuthHandler(authService AuthServiceInterface, sessions SessionServiceInterface, csrf CSRFTokenIssuer, errs *ErrorWriter, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		auth:     authService,
		sessions: sessions,
		csrf:     csrf,
		errors:   errs,
		config:   config,
	}
}

// Request DTOs

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,min=1,max=100"`
}

// RefreshTokenRequest is optional when the refresh cookie is present.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

// Response DTOs

type UserResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type AuthResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	SessionID    string        `json:"session_id"`
	User         *UserResponse `json:"user,omitempty"`
}

type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
	ExpiresIn int    `json:"expires_in"`
}

type ChangePasswordResponse struct {
	Message         string `json:"message"`
	RevokedSessions int64  `json:"revoked_sessions"`
}

func toUserResponse(u *models.User) *UserResponse {
	if u == nil {
		return nil
	}
	return &UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        string(u.Role),
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

func (h *AuthHandler) meta(r *http.Request) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: pkghttp.ExtractClientIP(r, h.config.IPConfig),
		UserAgent: r.UserAgent(),
	}
}

// writeTokens sets the session cookies and writes the token pair. With
// cookie transport the refresh token never appears in the body.
func (h *AuthHandler) writeTokens(w http.ResponseWriter, status int, pair *models.TokenPair, user *models.User) {
	resp := AuthResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.config.AccessTTL.Seconds()),
		SessionID:   pair.SessionID,
		User:        toUserResponse(user),
	}

	cookieToken := ""
	if h.config.CookieTransport {
		cookieToken = pair.RefreshToken
	} else {
		resp.RefreshToken = pair.RefreshToken
	}
	auth.SetSessionCookies(w, cookieToken, pair.SessionID, h.config.RefreshTTL, h.config.Cookies)

	pkghttp.WriteJSON(w, status, resp)
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.auth.Register(r.Context(), req.Email, req.Password, req.Name, h.meta(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}

	h.writeTokens(w, http.StatusCreated, result.Tokens, result.User)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, h.meta(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}

	h.writeTokens(w, http.StatusOK, result.Tokens, result.User)
}

// presentedRefreshToken reads the refresh token from its cookie, falling back
// to the JSON body.
func (h *AuthHandler) presentedRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if token := auth.CookieValue(r, auth.RefreshTokenCookie); token != "" {
		return token, true
	}

	var req RefreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil && !isEmptyBody(err) {
		return "", false
	}
	return req.RefreshToken, true
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented, ok := h.presentedRefreshToken(w, r)
	if !ok {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), presented, h.meta(r))
	if err != nil {
		if models.AsAppError(err).Kind == models.KindUnauthorized {
			auth.ClearSessionCookies(w, h.config.Cookies)
		}
		h.errors.Write(w, r, err)
		return
	}

	h.writeTokens(w, http.StatusOK, pair, nil)
}

// Logout handles POST /auth/logout. It identifies the session from the
// bearer token, the session cookie or the presented refresh token, in that
// order, and always clears cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var userID, sessionID string
	if identity := auth.IdentityFromContext(r.Context()); identity != nil {
		userID, sessionID = identity.UserID, identity.SessionID
	}

	refreshToken := ""
	if sessionID == "" {
		token, ok := h.presentedRefreshToken(w, r)
		if !ok {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
		refreshToken = token
		sessionID = auth.CookieValue(r, auth.SessionCookie)
	}

	if err := h.sessions.Logout(r.Context(), userID, sessionID, refreshToken); err != nil {
		h.errors.Write(w, r, err)
		return
	}

	if sessionID != "" {
		_ = h.csrf.RevokeToken(r.Context(), sessionID)
	}
	auth.ClearSessionCookies(w, h.config.Cookies)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /auth/logout-all. Requires Authenticate.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	if _, err := h.sessions.LogoutAll(r.Context(), identity.UserID); err != nil {
		h.errors.Write(w, r, err)
		return
	}

	if identity.SessionID != "" {
		_ = h.csrf.RevokeToken(r.Context(), identity.SessionID)
	}
	auth.ClearSessionCookies(w, h.config.Cookies)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword handles POST /auth/change-password. Requires Authenticate.
// Every session, the caller's included, is revoked.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	revoked, err := h.auth.ChangePassword(r.Context(), identity.UserID, req.CurrentPassword, req.NewPassword, h.meta(r))
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}

	auth.ClearSessionCookies(w, h.config.Cookies)
	pkghttp.WriteJSON(w, http.StatusOK, ChangePasswordResponse{
		Message:         "Password changed. Please sign in again.",
		RevokedSessions: revoked,
	})
}

// CSRFToken handles GET /auth/csrf-token for the caller's session.
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	sessionID := auth.CookieValue(r, auth.SessionCookie)
	if sessionID == "" {
		if identity := auth.IdentityFromContext(r.Context()); identity != nil {
			sessionID = identity.SessionID
		}
	}
	if sessionID == "" {
		pkghttp.WriteError(w, http.StatusUnauthorized, "no_session", "No active session")
		return
	}

	token, err := h.csrf.GenerateToken(r.Context(), sessionID)
	if err != nil {
		h.errors.Write(w, r, models.Internal("csrf_generate_failed", err))
		return
	}

	auth.SetCSRFTokenCookie(w, token, h.csrf.TTL(), h.config.Cookies)
	pkghttp.WriteJSON(w, http.StatusOK, CSRFTokenResponse{
		CSRFToken: token,
		ExpiresIn: int(h.csrf.TTL().Seconds()),
	})
}

// Me handles GET /auth/me. Requires Authenticate.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	user, err := h.auth.Profile(r.Context(), identity.UserID)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, toUserResponse(user))
}
