package services

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/models"
	pkgauth "github.com/BradenHooton/visaportal/pkg/auth"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

const (
	testAccessSecret  = "access-secret-for-tests-0123456789"
	testRefreshSecret = "refresh-secret-for-tests-9876543210"
)

// testClock is a settable clock shared by the services and the token manager.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memoryTokens mirrors the conditional SQL of the Postgres repository.
type memoryTokens struct {
	mu      sync.Mutex
	byToken map[string]*models.RefreshToken
}

func newMemoryTokens() *memoryTokens {
	return &memoryTokens{byToken: make(map[string]*models.RefreshToken)}
}

func (m *memoryTokens) Create(_ context.Context, rt *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	cp := *rt
	m.byToken[rt.Token] = &cp
	return nil
}

func (m *memoryTokens) GetByToken(_ context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.byToken[token]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (m *memoryTokens) Rotate(_ context.Context, oldToken string, next *models.RefreshToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.byToken[oldToken]
	if !ok || old.RevokedAt != nil {
		return models.ErrTokenConsumed
	}
	old.RevokedAt = &now
	old.RevokedReason = models.RevokeReasonRotated
	replacement := next.Token
	old.ReplacedBy = &replacement

	cp := *next
	m.byToken[next.Token] = &cp
	return nil
}

func (m *memoryTokens) revokeWhere(match func(*models.RefreshToken) bool, reason string, now time.Time) int64 {
	var n int64
	for _, rt := range m.byToken {
		if rt.RevokedAt == nil && match(rt) {
			at := now
			rt.RevokedAt = &at
			rt.RevokedReason = reason
			n++
		}
	}
	return n
}

func (m *memoryTokens) RevokeByToken(_ context.Context, token, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(func(rt *models.RefreshToken) bool { return rt.Token == token }, reason, now), nil
}

func (m *memoryTokens) RevokeSession(_ context.Context, userID, sessionID, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(func(rt *models.RefreshToken) bool {
		return rt.UserID == userID && rt.SessionID == sessionID
	}, reason, now), nil
}

func (m *memoryTokens) RevokeAllForUser(_ context.Context, userID, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeWhere(func(rt *models.RefreshToken) bool { return rt.UserID == userID }, reason, now), nil
}

func (m *memoryTokens) active(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rt := range m.byToken {
		if rt.UserID == userID && rt.RevokedAt == nil {
			n++
		}
	}
	return n
}

func (m *memoryTokens) expire(token string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[token].ExpiresAt = at
}

func (m *memoryTokens) forget(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byToken, token)
}

// memoryUsers applies the same lockout rules as the SQL update.
type memoryUsers struct {
	mu     sync.Mutex
	byID   map[string]*models.User
	tokens *memoryTokens
}

func newMemoryUsers(tokens *memoryTokens) *memoryUsers {
	return &memoryUsers{byID: make(map[string]*models.User), tokens: tokens}
}

func (m *memoryUsers) Create(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == user.Email {
			return nil, models.ErrConflict
		}
	}
	user.ID = uuid.NewString()
	cp := *user
	m.byID[user.ID] = &cp
	return user, nil
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryUsers) RecordFailedLogin(_ context.Context, id string, threshold int, lockout time.Duration, now time.Time) (*models.FailedLoginResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if u.LockedUntil != nil && !now.Before(*u.LockedUntil) {
		u.FailedLoginCount = 0
		u.LockedUntil = nil
	}
	u.FailedLoginCount++
	if u.FailedLoginCount >= threshold {
		until := now.Add(lockout)
		u.LockedUntil = &until
	}
	return &models.FailedLoginResult{FailedLoginCount: u.FailedLoginCount, LockedUntil: u.LockedUntil}, nil
}

func (m *memoryUsers) RecordSuccessfulLogin(_ context.Context, id, clientIP string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedLoginCount = 0
	u.LockedUntil = nil
	u.LastLoginAt = &now
	u.LastLoginIP = clientIP
	return nil
}

func (m *memoryUsers) UpdatePasswordAndRevokeSessions(ctx context.Context, id, passwordHash string, now time.Time) (int64, error) {
	m.mu.Lock()
	u, ok := m.byID[id]
	if ok {
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = &now
	}
	m.mu.Unlock()
	if !ok {
		return 0, models.ErrNotFound
	}
	return m.tokens.RevokeAllForUser(ctx, id, models.RevokeReasonPasswordChange, now)
}

// recordingNotifier captures breach alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []BreachAlert
}

func (r *recordingNotifier) NotifyBreach(_ context.Context, alert BreachAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// countingDecoy records decoy comparisons.
type countingDecoy struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDecoy) Compare(string) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
}

// fixture wires both services over in-memory repositories.
type fixture struct {
	clock    *testClock
	users    *memoryUsers
	tokens   *memoryTokens
	tm       *auth.TokenManager
	hasher   *pkgauth.PasswordHasher
	decoy    *countingDecoy
	notifier *recordingNotifier
	registry *prometheus.Registry
	logs     *bytes.Buffer
	sessions *SessionService
	auth     *AuthService
}

func newFixture() *fixture {
	f := &fixture{
		clock:    newTestClock(),
		tokens:   newMemoryTokens(),
		hasher:   pkgauth.NewPasswordHasher(4),
		decoy:    &countingDecoy{},
		notifier: &recordingNotifier{},
		registry: prometheus.NewRegistry(),
		logs:     &bytes.Buffer{},
	}
	f.users = newMemoryUsers(f.tokens)
	f.tm = auth.NewTokenManager(testAccessSecret, testRefreshSecret, 15*time.Minute, 7*24*time.Hour).WithClock(f.clock.Now)

	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: pkglogger.ReplaceLevel,
	}))
	audit := pkglogger.NewAuditLogger(logger)
	m := metrics.New(f.registry)

	f.sessions = NewSessionService(f.tokens, f.users, f.tm, f.notifier, m, logger, audit).WithClock(f.clock.Now)
	f.auth = NewAuthService(f.users, f.sessions, f.hasher, f.decoy,
		LockoutPolicy{Threshold: 3, Duration: 15 * time.Minute}, m, logger, audit).WithClock(f.clock.Now)
	return f
}

// counterValue sums every series of the named metric family.
func (f *fixture) counterValue(name string) float64 {
	families, err := f.registry.Gather()
	if err != nil {
		return -1
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func (f *fixture) seedUser(email, password string) *models.User {
	hash, err := f.hasher.Hash(password)
	if err != nil {
		panic(err)
	}
	u, err := f.users.Create(context.Background(), &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         "Applicant",
		Role:         models.RoleUser,
	})
	if err != nil {
		panic(err)
	}
	return u
}
