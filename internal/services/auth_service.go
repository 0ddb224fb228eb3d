package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/models"
	pkgauth "github.com/BradenHooton/visaportal/pkg/auth"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

// UserRepository is the persistence contract of AuthService.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	RecordFailedLogin(ctx context.Context, id string, threshold int, lockout time.Duration, now time.Time) (*models.FailedLoginResult, error)
	RecordSuccessfulLogin(ctx context.Context, id, clientIP string, now time.Time) error
	UpdatePasswordAndRevokeSessions(ctx context.Context, id, passwordHash string, now time.Time) (int64, error)
}

// SessionStarter opens a token family after a successful credential check.
type SessionStarter interface {
	StartSession(ctx context.Context, user *models.User) (*models.TokenPair, error)
}

// DecoyComparer performs a password comparison that always fails.
type DecoyComparer interface {
	Compare(password string)
}

// LockoutPolicy controls temporary account locks after failed logins.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User   *models.User
	Tokens *models.TokenPair
}

// AuthService handles credential checks, account lockout and password changes.
type AuthService struct {
	users    UserRepository
	sessions SessionStarter
	hasher   auth.PasswordComparer
	decoy    DecoyComparer
	policy   LockoutPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
	audit    *pkglogger.AuditLogger
	now      func() time.Time
}

func NewAuthService(users UserRepository, sessions SessionStarter, hasher auth.PasswordComparer, decoy DecoyComparer, policy LockoutPolicy, m *metrics.Metrics, logger *slog.Logger, audit *pkglogger.AuditLogger) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		decoy:    decoy,
		policy:   policy,
		metrics:  m,
		logger:   logger,
		audit:    audit,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

func invalidCredentials() *models.AppError {
	return models.Unauthorized("invalid_credentials", "Invalid email or password")
}

func accountLocked(until, now time.Time) *models.AppError {
	remaining := until.Sub(now)
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return &models.AppError{
		Kind:       models.KindUnauthorized,
		Code:       "account_locked",
		Message:    fmt.Sprintf("Account is temporarily locked. Try again in %d %s.", minutes, unit),
		RetryAfter: remaining,
		Err:        models.ErrAccountLocked,
	}
}

func weakPassword(err error) *models.AppError {
	return &models.AppError{
		Kind:    models.KindBadRequest,
		Code:    "weak_password",
		Message: "Password does not meet the strength requirements",
		Err:     err,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a USER account and starts its first session.
func (s *AuthService) Register(ctx context.Context, email, password, name string, meta RequestMeta) (*AuthResult, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)

	if err := pkgauth.ValidatePassword(password); err != nil {
		var pve *pkgauth.PasswordValidationError
		if errors.As(err, &pve) {
			s.logger.Info("registration rejected: weak password", slog.Any("problems", pve.Errors))
		}
		return nil, weakPassword(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, models.Internal("password_hash_failed", err)
	}

	user, err := s.users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         models.RoleUser,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.audit.LogAuthAttempt(ctx, pkglogger.AuditEvent{
				EventType:     "register",
				Email:         email,
				IPAddress:     meta.IPAddress,
				UserAgent:     meta.UserAgent,
				FailureReason: "email_taken",
			})
			return nil, models.Conflict("email_taken", "An account with this email already exists")
		}
		return nil, models.Internal("user_create_failed", err)
	}

	tokens, err := s.sessions.StartSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: "register",
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Success:   true,
	})
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Login verifies credentials. Unknown emails cost the same bcrypt work as a
// wrong password. A locked account is refused even with the right password.
func (s *AuthService) Login(ctx context.Context, email, password string, meta RequestMeta) (*AuthResult, error) {
	email = normalizeEmail(email)
	event := pkglogger.AuditEvent{
		EventType: "login",
		Email:     email,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, models.Internal("user_lookup_failed", err)
		}
		s.decoy.Compare(password)
		s.metrics.LoginFailed("unknown_email")
		event.FailureReason = "unknown_email"
		s.audit.LogAuthAttempt(ctx, event)
		return nil, invalidCredentials()
	}
	event.UserID = user.ID

	now := s.now()
	if user.IsLocked(now) {
		s.metrics.LoginFailed("locked")
		event.FailureReason = "account_locked"
		s.audit.LogAuthAttempt(ctx, event)
		return nil, accountLocked(*user.LockedUntil, now)
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		if !errors.Is(err, pkgauth.ErrPasswordMismatch) {
			return nil, models.Internal("password_compare_failed", err)
		}
		return nil, s.recordFailure(ctx, user, now, event)
	}

	if err := s.users.RecordSuccessfulLogin(ctx, user.ID, meta.IPAddress, now.UTC()); err != nil {
		return nil, models.Internal("login_record_failed", err)
	}
	user.FailedLoginCount = 0
	user.LockedUntil = nil
	user.LastLoginIP = meta.IPAddress
	loginAt := now.UTC()
	user.LastLoginAt = &loginAt

	tokens, err := s.sessions.StartSession(ctx, user)
	if err != nil {
		return nil, err
	}

	event.Success = true
	s.audit.LogAuthAttempt(ctx, event)
	return &AuthResult{User: user, Tokens: tokens}, nil
}

func (s *AuthService) recordFailure(ctx context.Context, user *models.User, now time.Time, event pkglogger.AuditEvent) error {
	result, err := s.users.RecordFailedLogin(ctx, user.ID, s.policy.Threshold, s.policy.Duration, now.UTC())
	if err != nil {
		return models.Internal("login_record_failed", err)
	}

	s.metrics.LoginFailed("bad_password")
	event.FailureReason = "bad_password"
	s.audit.LogAuthAttempt(ctx, event)

	if result.LockedUntil != nil && now.Before(*result.LockedUntil) {
		s.metrics.AccountLocked()
		s.audit.LogLockout(ctx, user.ID, event.IPAddress, result.FailedLoginCount, *result.LockedUntil)
		return accountLocked(*result.LockedUntil, now)
	}
	return invalidCredentials()
}

// ChangePassword re-verifies current, stores next and revokes every refresh
// token of the user in the same transaction. It returns the number of
// sessions revoked.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string, meta RequestMeta) (int64, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, models.Unauthorized("unauthorized", "Unauthorized")
		}
		return 0, models.Internal("user_lookup_failed", err)
	}

	if err := s.hasher.Compare(user.PasswordHash, current); err != nil {
		if !errors.Is(err, pkgauth.ErrPasswordMismatch) {
			return 0, models.Internal("password_compare_failed", err)
		}
		s.audit.LogPasswordChange(ctx, userID, meta.IPAddress, false, 0)
		return 0, models.Unauthorized("invalid_current_password", "Current password is incorrect")
	}

	if current == next {
		return 0, models.BadRequest("password_unchanged", "New password must differ from the current password")
	}
	if err := pkgauth.ValidatePassword(next); err != nil {
		return 0, weakPassword(err)
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return 0, models.Internal("password_hash_failed", err)
	}

	revoked, err := s.users.UpdatePasswordAndRevokeSessions(ctx, userID, hash, s.now().UTC())
	if err != nil {
		return 0, models.Internal("password_update_failed", err)
	}

	s.metrics.TokensRevoked(models.RevokeReasonPasswordChange, revoked)
	s.audit.LogPasswordChange(ctx, userID, meta.IPAddress, true, revoked)
	return revoked, nil
}

// Profile returns the current state of userID.
func (s *AuthService) Profile(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.Unauthorized("unauthorized", "Unauthorized")
		}
		return nil, models.Internal("user_lookup_failed", err)
	}
	return user, nil
}
