package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/models"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

// DefaultAlertTimeout bounds a single breach notification.
const DefaultAlertTimeout = 10 * time.Second

// RefreshTokenRepository persists the rotation chain.
type RefreshTokenRepository interface {
	Create(ctx context.Context, rt *models.RefreshToken) error
	GetByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldToken string, next *models.RefreshToken, now time.Time) error
	RevokeByToken(ctx context.Context, token, reason string, now time.Time) (int64, error)
	RevokeSession(ctx context.Context, userID, sessionID, reason string, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error)
}

// TokenIssuer is implemented by auth.TokenManager.
type TokenIssuer interface {
	IssueAccessToken(p models.TokenPayload) (string, error)
	IssueRefreshToken(p models.TokenPayload) (string, time.Time, error)
	VerifyRefreshToken(tokenString string) (*models.TokenClaims, error)
}

// UserReader loads the current state of a user.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// RequestMeta is the caller information recorded in audit logs.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// SessionService issues token pairs and rotates refresh tokens. Every refresh
// token is single use. Presenting one that was already used, revoked, or that
// the store has never seen revokes every active token of the user.
type SessionService struct {
	tokens   RefreshTokenRepository
	users    UserReader
	issuer   TokenIssuer
	notifier BreachNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	audit    *pkglogger.AuditLogger

	alertTimeout time.Duration
	now          func() time.Time
	alerts       sync.WaitGroup
}

func NewSessionService(tokens RefreshTokenRepository, users UserReader, issuer TokenIssuer, notifier BreachNotifier, m *metrics.Metrics, logger *slog.Logger, audit *pkglogger.AuditLogger) *SessionService {
	return &SessionService{
		tokens:       tokens,
		users:        users,
		issuer:       issuer,
		notifier:     notifier,
		metrics:      m,
		logger:       logger,
		audit:        audit,
		alertTimeout: DefaultAlertTimeout,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// WithAlertTimeout sets the deadline for one breach notification.
func (s *SessionService) WithAlertTimeout(d time.Duration) *SessionService {
	if d > 0 {
		s.alertTimeout = d
	}
	return s
}

// Wait blocks until in-flight breach notifications finish.
func (s *SessionService) Wait() {
	s.alerts.Wait()
}

// StartSession opens a new rotation family for user and returns its first
// token pair.
func (s *SessionService) StartSession(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	payload := models.TokenPayload{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: uuid.NewString(),
	}

	pair, next, err := s.issuePair(payload)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Create(ctx, next); err != nil {
		return nil, models.Internal("refresh_store_failed", err)
	}

	s.audit.LogSessionEvent(ctx, "session_started", user.ID, payload.SessionID, 0)
	return pair, nil
}

func (s *SessionService) issuePair(payload models.TokenPayload) (*models.TokenPair, *models.RefreshToken, error) {
	access, err := s.issuer.IssueAccessToken(payload)
	if err != nil {
		return nil, nil, models.Internal("token_issue_failed", err)
	}

	refresh, expiresAt, err := s.issuer.IssueRefreshToken(payload)
	if err != nil {
		return nil, nil, models.Internal("token_issue_failed", err)
	}

	row := &models.RefreshToken{
		Token:     refresh,
		UserID:    payload.UserID,
		SessionID: payload.SessionID,
		ExpiresAt: expiresAt,
		CreatedAt: s.now().UTC(),
	}
	return &models.TokenPair{AccessToken: access, RefreshToken: refresh, SessionID: payload.SessionID}, row, nil
}

func invalidRefresh() *models.AppError {
	return models.Unauthorized("refresh_token_invalid", "Invalid refresh token")
}

func expiredRefresh() *models.AppError {
	return models.Unauthorized("refresh_token_expired", "Refresh token expired")
}

// Refresh exchanges presented for a new token pair.
func (s *SessionService) Refresh(ctx context.Context, presented string, meta RequestMeta) (*models.TokenPair, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, models.Unauthorized("missing_refresh_token", "Refresh token required")
	}

	claims, err := s.issuer.VerifyRefreshToken(presented)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, expiredRefresh()
		}
		s.logger.Info("refresh token rejected", slog.Any("error", err))
		return nil, invalidRefresh()
	}

	row, err := s.tokens.GetByToken(ctx, presented)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.revokeFamily(ctx, claims.UserID, claims.SessionID, "unknown_token", meta)
			return nil, invalidRefresh()
		}
		return nil, models.Internal("refresh_lookup_failed", err)
	}

	if row.UserID != claims.UserID {
		s.logger.Warn("refresh token row does not match its claims",
			slog.String("claimed_user_id", claims.UserID),
			slog.String("row_user_id", row.UserID))
		return nil, invalidRefresh()
	}

	now := s.now()
	if row.IsRevoked() {
		s.revokeFamily(ctx, row.UserID, row.SessionID, "revoked_token_reused", meta)
		return nil, invalidRefresh()
	}
	if row.IsExpired(now) {
		return nil, expiredRefresh()
	}

	user, err := s.users.GetByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, invalidRefresh()
		}
		return nil, models.Internal("user_lookup_failed", err)
	}

	pair, next, err := s.issuePair(models.TokenPayload{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: row.SessionID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Rotate(ctx, presented, next, now.UTC()); err != nil {
		if errors.Is(err, models.ErrTokenConsumed) {
			// A concurrent request rotated the same token first.
			s.revokeFamily(ctx, row.UserID, row.SessionID, "concurrent_reuse", meta)
			return nil, invalidRefresh()
		}
		return nil, models.Internal("refresh_rotate_failed", err)
	}

	s.metrics.TokensRevoked(models.RevokeReasonRotated, 1)
	s.audit.LogSessionEvent(ctx, "token_rotated", user.ID, row.SessionID, 1)
	return pair, nil
}

// revokeFamily is the reuse response: every active refresh token of userID is
// revoked. When nothing was active (logout-all or password change already ran)
// the replay is logged but not treated as a breach.
func (s *SessionService) revokeFamily(ctx context.Context, userID, sessionID, trigger string, meta RequestMeta) {
	if userID == "" {
		return
	}

	revoked, err := s.tokens.RevokeAllForUser(ctx, userID, models.RevokeReasonReuseDetected, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to revoke tokens after reuse",
			slog.String("user_id", userID),
			slog.String("trigger", trigger),
			slog.Any("error", err))
		return
	}

	if revoked == 0 {
		s.logger.Info("stale refresh token replayed",
			slog.String("user_id", userID),
			slog.String("trigger", trigger))
		return
	}

	s.metrics.RefreshReuseDetected()
	s.metrics.TokensRevoked(models.RevokeReasonReuseDetected, revoked)
	s.audit.LogSecurityEvent(ctx, pkglogger.AuditEvent{
		EventType:     "refresh_token_reuse",
		UserID:        userID,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		Success:       false,
		FailureReason: trigger,
		Metadata: map[string]string{
			"session_id":     sessionID,
			"revoked_tokens": strconv.FormatInt(revoked, 10),
		},
	})

	s.dispatchAlert(BreachAlert{
		UserID:     userID,
		SessionID:  sessionID,
		Trigger:    trigger,
		Revoked:    revoked,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		DetectedAt: s.now(),
	})
}

func (s *SessionService) dispatchAlert(alert BreachAlert) {
	if s.notifier == nil {
		return
	}

	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.alertTimeout)
		defer cancel()

		if err := s.notifier.NotifyBreach(ctx, alert); err != nil {
			s.logger.Error("breach notification failed",
				slog.String("user_id", alert.UserID),
				slog.Any("error", err))
		}
	}()
}

// Logout revokes one session. With a session id it revokes that family's
// active token; otherwise it revokes the presented refresh token. Logging out
// twice is not an error.
func (s *SessionService) Logout(ctx context.Context, userID, sessionID, refreshToken string) error {
	now := s.now().UTC()

	var revoked int64
	var err error
	switch {
	case userID != "" && sessionID != "":
		revoked, err = s.tokens.RevokeSession(ctx, userID, sessionID, models.RevokeReasonLogout, now)
	case refreshToken != "":
		if claims, verr := s.issuer.VerifyRefreshToken(refreshToken); verr == nil {
			userID, sessionID = claims.UserID, claims.SessionID
		}
		revoked, err = s.tokens.RevokeByToken(ctx, refreshToken, models.RevokeReasonLogout, now)
	default:
		return nil
	}
	if err != nil {
		return models.Internal("logout_failed", err)
	}

	s.metrics.TokensRevoked(models.RevokeReasonLogout, revoked)
	s.audit.LogSessionEvent(ctx, "logout", userID, sessionID, revoked)
	return nil
}

// LogoutAll revokes every active refresh token of userID.
func (s *SessionService) LogoutAll(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.RevokeAllForUser(ctx, userID, models.RevokeReasonLogoutAll)
	if err != nil {
		return 0, err
	}
	s.audit.LogSessionEvent(ctx, "logout_all", userID, "", revoked)
	return revoked, nil
}

// RevokeAllForUser revokes every active refresh token of userID with reason.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	revoked, err := s.tokens.RevokeAllForUser(ctx, userID, reason, s.now().UTC())
	if err != nil {
		return 0, models.Internal("revoke_failed", err)
	}
	s.metrics.TokensRevoked(reason, revoked)
	return revoked, nil
}
