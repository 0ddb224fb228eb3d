package routes_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/config"
	"github.com/BradenHooton/visaportal/internal/handlers"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/middleware"
	"github.com/BradenHooton/visaportal/internal/models"
	"github.com/BradenHooton/visaportal/internal/ratelimit"
	"github.com/BradenHooton/visaportal/internal/routes"
	"github.com/BradenHooton/visaportal/internal/services"
	"github.com/BradenHooton/visaportal/internal/store"
	pkgauth "github.com/BradenHooton/visaportal/pkg/auth"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

const trustedOrigin = "https://apply.example.gov"

// memRepo is a single in-memory backing for users and refresh tokens.
type memRepo struct {
	mu     sync.Mutex
	users  map[string]*models.User
	tokens map[string]*models.RefreshToken
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]*models.User{}, tokens: map[string]*models.RefreshToken{}}
}

func (m *memRepo) Create(_ context.Context, u *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return nil, models.ErrConflict
		}
	}
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now()
	cp := *u
	m.users[u.ID] = &cp
	return u, nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (m *memRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memRepo) RecordFailedLogin(_ context.Context, id string, threshold int, lockout time.Duration, now time.Time) (*models.FailedLoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.FailedLoginCount++
	if u.FailedLoginCount >= threshold {
		until := now.Add(lockout)
		u.LockedUntil = &until
	}
	return &models.FailedLoginResult{FailedLoginCount: u.FailedLoginCount, LockedUntil: u.LockedUntil}, nil
}

func (m *memRepo) RecordSuccessfulLogin(_ context.Context, id, ip string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.FailedLoginCount = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	u.LastLoginIP = ip
	return nil
}

func (m *memRepo) UpdatePasswordAndRevokeSessions(_ context.Context, id, hash string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].PasswordHash = hash
	return m.revokeLocked(func(rt *models.RefreshToken) bool { return rt.UserID == id }, models.RevokeReasonPasswordChange, now), nil
}

func (m *memRepo) revokeLocked(match func(*models.RefreshToken) bool, reason string, now time.Time) int64 {
	var n int64
	for _, rt := range m.tokens {
		if rt.RevokedAt == nil && match(rt) {
			at := now
			rt.RevokedAt, rt.RevokedReason = &at, reason
			n++
		}
	}
	return n
}

type tokenRepo struct{ *memRepo }

func (t tokenRepo) Create(_ context.Context, rt *models.RefreshToken) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *rt
	t.tokens[rt.Token] = &cp
	return nil
}

func (t tokenRepo) GetByToken(_ context.Context, token string) (*models.RefreshToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.tokens[token]; ok {
		cp := *rt
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (t tokenRepo) Rotate(_ context.Context, old string, next *models.RefreshToken, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.tokens[old]
	if !ok || rt.RevokedAt != nil {
		return models.ErrTokenConsumed
	}
	rt.RevokedAt, rt.RevokedReason, rt.ReplacedBy = &now, models.RevokeReasonRotated, &next.Token
	cp := *next
	t.tokens[next.Token] = &cp
	return nil
}

func (t tokenRepo) RevokeByToken(_ context.Context, token, reason string, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revokeLocked(func(rt *models.RefreshToken) bool { return rt.Token == token }, reason, now), nil
}

func (t tokenRepo) RevokeSession(_ context.Context, userID, sessionID, reason string, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revokeLocked(func(rt *models.RefreshToken) bool {
		return rt.UserID == userID && rt.SessionID == sessionID
	}, reason, now), nil
}

func (t tokenRepo) RevokeAllForUser(_ context.Context, userID, reason string, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revokeLocked(func(rt *models.RefreshToken) bool { return rt.UserID == userID }, reason, now), nil
}

type server struct {
	handler  http.Handler
	registry *prometheus.Registry
	sessions *services.SessionService
}

type recordingLimiter struct {
	middleware.RateLimiter
	mu   sync.Mutex
	keys []string
}

func (l *recordingLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return l.RateLimiter.Check(ctx, key, limit, window)
}

func (l *recordingLimiter) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := l.keys
	l.keys = nil
	return keys
}

func newServer(t *testing.T, cookieTransport bool, authMax int) *server {
	t.Helper()
	return newServerWithLimiter(t, cookieTransport, authMax, ratelimit.New(store.NewMemoryStore[ratelimit.Entry]()))
}

func newServerWithLimiter(t *testing.T, cookieTransport bool, authMax int, limiter middleware.RateLimiter) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := pkglogger.NewAuditLogger(logger)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	repo := newMemRepo()
	tm := auth.NewTokenManager("access-secret-for-tests-0123456789", "refresh-secret-for-tests-9876543210", 15*time.Minute, 24*time.Hour)
	hasher := pkgauth.NewPasswordHasher(4)
	decoy, err := auth.NewDecoyVerifier(hasher)
	require.NoError(t, err)

	sessions := services.NewSessionService(tokenRepo{repo}, repo, tm, services.NewLogNotifier(logger), m, logger, audit)
	authSvc := services.NewAuthService(repo, sessions, hasher, decoy, services.LockoutPolicy{Threshold: 5, Duration: 15 * time.Minute}, m, logger, audit)
	csrf := auth.NewCSRFTokenManager(store.NewMemoryStore[auth.CSRFEntry](), time.Hour)
	errs := handlers.NewErrorWriter(cookieTransport, logger)

	env := config.EnvDevelopment
	if cookieTransport {
		env = config.EnvProduction
	}

	handler := routes.NewRouter(routes.Dependencies{
		AuthHandler: handlers.NewAuthHandler(authSvc, sessions, csrf, errs, handlers.AuthHandlerConfig{
			CookieTransport: cookieTransport,
			Cookies:         auth.CookieConfig{SameSite: "strict"},
			AccessTTL:       15 * time.Minute,
			RefreshTTL:      24 * time.Hour,
		}),
		AdminHandler:   handlers.NewAdminHandler(sessions, errs, audit),
		Health:         handlers.Health(nil),
		Tokens:         tm,
		Limiter:        limiter,
		CSRF:           csrf,
		TrustedOrigins: middleware.NewOriginSet(trustedOrigin),
		RateLimit: config.RateLimitConfig{
			GlobalWindow: 15 * time.Minute,
			GlobalMax:    1000,
			AuthWindow:   15 * time.Minute,
			AuthMax:      authMax,
			OpsPerMinute: 100,
		},
		Env:     env,
		Metrics: m,
		Logger:  logger,
	})
	return &server{handler: handler, registry: registry, sessions: sessions}
}

func (s *server) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := s.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

type call struct {
	method  string
	path    string
	body    string
	bearer  string
	origin  string
	csrf    string
	cookies map[string]string
}

func (s *server) do(c call) *httptest.ResponseRecorder {
	var body io.Reader = http.NoBody
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.RemoteAddr = "198.51.100.7:40000"
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	if c.csrf != "" {
		req.Header.Set(middleware.CSRFHeader, c.csrf)
	}
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func cookiesOf(rec *httptest.ResponseRecorder) map[string]string {
	out := map[string]string{}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 && c.Value != "" {
			out[c.Name] = c.Value
		}
	}
	return out
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const credentials = `{"email":"a@b.com","password":"P@ssw0rd1"}`

func registerAndLogin(t *testing.T, s *server) (handlers.AuthResponse, map[string]string) {
	t.Helper()
	rec := s.do(call{method: http.MethodPost, path: "/auth/register", body: `{"email":"a@b.com","password":"P@ssw0rd1","name":"Ana"}`})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(call{method: http.MethodPost, path: "/auth/login", body: credentials})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[handlers.AuthResponse](t, rec), cookiesOf(rec)
}

func TestLoginIssuesBothTokens(t *testing.T) {
	s := newServer(t, false, 10)
	resp, _ := registerAndLogin(t, s)

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)

	rec := s.do(call{method: http.MethodGet, path: "/auth/me", bearer: resp.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a@b.com", decode[handlers.UserResponse](t, rec).Email)
}

func TestCSRFPaths(t *testing.T) {
	s := newServer(t, true, 10)
	resp, jar := registerAndLogin(t, s)
	require.Contains(t, jar, auth.RefreshTokenCookie)
	require.Contains(t, jar, auth.SessionCookie)

	t.Run("untrusted origin without token is forbidden", func(t *testing.T) {
		rec := s.do(call{method: http.MethodPost, path: "/auth/refresh", cookies: jar, origin: "https://evil.example"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "csrf_origin_untrusted", decode[map[string]string](t, rec)["error"])
	})

	t.Run("missing origin and token is forbidden", func(t *testing.T) {
		rec := s.do(call{method: http.MethodPost, path: "/auth/refresh", cookies: jar})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong token is forbidden even from a trusted origin", func(t *testing.T) {
		rec := s.do(call{method: http.MethodPost, path: "/auth/refresh", cookies: jar, origin: trustedOrigin, csrf: "deadbeef"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("correct token succeeds", func(t *testing.T) {
		rec := s.do(call{method: http.MethodGet, path: "/auth/csrf-token", cookies: jar})
		require.Equal(t, http.StatusOK, rec.Code)
		token := decode[handlers.CSRFTokenResponse](t, rec).CSRFToken

		rec = s.do(call{method: http.MethodPost, path: "/auth/refresh", cookies: jar, csrf: token})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		jar = cookiesOf(rec)
	})

	t.Run("unverifiable bearer header does not bypass the guard", func(t *testing.T) {
		rec := s.do(call{method: http.MethodPost, path: "/auth/refresh", cookies: jar, bearer: "forged.token.value", origin: "https://evil.example"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("bearer request bypasses the guard", func(t *testing.T) {
		rec := s.do(call{method: http.MethodPost, path: "/auth/logout-all", cookies: jar, bearer: resp.AccessToken, origin: "https://evil.example"})
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestLogoutAllThenRefreshIsRejected(t *testing.T) {
	s := newServer(t, false, 10)
	resp, _ := registerAndLogin(t, s)

	rec := s.do(call{method: http.MethodPost, path: "/auth/logout-all", bearer: resp.AccessToken})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/auth/refresh", body: `{"refresh_token":"` + resp.RefreshToken + `"}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.sessions.Wait()
	assert.Zero(t, s.counter(t, "visaportal_refresh_reuse_detected_total"), "already revoked family is not a breach")
}

func TestRefreshTwiceDetectsReuse(t *testing.T) {
	s := newServer(t, false, 10)
	resp, _ := registerAndLogin(t, s)
	body := `{"refresh_token":"` + resp.RefreshToken + `"}`

	rec := s.do(call{method: http.MethodPost, path: "/auth/refresh", body: body})
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode[handlers.AuthResponse](t, rec)
	assert.NotEqual(t, resp.RefreshToken, rotated.RefreshToken)

	rec = s.do(call{method: http.MethodPost, path: "/auth/refresh", body: body})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/auth/refresh", body: `{"refresh_token":"` + rotated.RefreshToken + `"}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	s.sessions.Wait()
	assert.Equal(t, float64(1), s.counter(t, "visaportal_refresh_reuse_detected_total"))
}

func TestAuthLimiterCountsOnlyFailures(t *testing.T) {
	s := newServer(t, false, 3)
	registerAndLogin(t, s)

	for i := 0; i < 5; i++ {
		rec := s.do(call{method: http.MethodPost, path: "/auth/login", body: credentials})
		require.Equal(t, http.StatusOK, rec.Code, "successful login %d", i)
	}

	bad := `{"email":"ghost@b.com","password":"nope"}`
	for i := 0; i < 3; i++ {
		rec := s.do(call{method: http.MethodPost, path: "/auth/login", body: bad})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := s.do(call{method: http.MethodPost, path: "/auth/login", body: bad})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// The block holds even for correct credentials.
	rec = s.do(call{method: http.MethodPost, path: "/auth/login", body: credentials})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdminRouteRequiresRole(t *testing.T) {
	s := newServer(t, false, 10)
	resp, _ := registerAndLogin(t, s)

	rec := s.do(call{method: http.MethodPost, path: "/admin/users/" + uuid.NewString() + "/revoke-sessions", bearer: resp.AccessToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(call{method: http.MethodPost, path: "/admin/users/" + uuid.NewString() + "/revoke-sessions"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newServer(t, false, 10)

	rec := s.do(call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))

	rec = s.do(call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visaportal_http_request_duration_seconds")
}

func TestGlobalLimiterKeysAuthenticatedCallersByUser(t *testing.T) {
	limiter := &recordingLimiter{RateLimiter: ratelimit.New(store.NewMemoryStore[ratelimit.Entry]())}
	s := newServerWithLimiter(t, false, 10, limiter)
	resp, _ := registerAndLogin(t, s)
	require.NotNil(t, resp.User)

	keys := limiter.take()
	assert.Contains(t, keys, "global:198.51.100.7")
	assert.Contains(t, keys, "auth:198.51.100.7")

	rec := s.do(call{method: http.MethodGet, path: "/auth/me", bearer: resp.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"global:198.51.100.7:" + resp.User.ID}, limiter.take())

	rec = s.do(call{method: http.MethodGet, path: "/auth/me", bearer: "forged.token.value"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, []string{"global:198.51.100.7"}, limiter.take())
}
