package logger

import (
	"context"
	"log/slog"
	"time"
)

// LevelSecurity sits above Error. Records at this level indicate probable
// credential theft and are meant to page someone.
const LevelSecurity = slog.Level(12)

// ReplaceLevel renders LevelSecurity as "SECURITY". Install it as the
// ReplaceAttr of the process handler.
func ReplaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelSecurity {
		a.Value = slog.StringValue("SECURITY")
	}
	return a
}

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	UserID        string
	Email         string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

// AuditLogger writes structured audit records through a base logger.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger, now: time.Now}
}

func (al *AuditLogger) base(auditType, eventType string) []slog.Attr {
	return []slog.Attr{
		slog.String("audit_type", auditType),
		slog.String("event_type", eventType),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
}

func (al *AuditLogger) event(auditType string, event AuditEvent) []slog.Attr {
	attrs := append(al.base(auditType, event.EventType), slog.Bool("success", event.Success))

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}
	return attrs
}

// LogAuthAttempt logs login and registration outcomes. Failures log at Warn.
func (al *AuditLogger) LogAuthAttempt(ctx context.Context, event AuditEvent) {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", al.event("auth", event)...)
}

// LogPasswordChange logs password change events
func (al *AuditLogger) LogPasswordChange(ctx context.Context, userID, ipAddress string, success bool, revokedSessions int64) {
	event := AuditEvent{
		EventType: "password_change",
		UserID:    userID,
		IPAddress: ipAddress,
		Success:   success,
	}
	attrs := append(al.event("password", event), slog.Int64("revoked_sessions", revokedSessions))

	level := slog.LevelInfo
	if !success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogSessionEvent logs session lifecycle actions such as logout and rotation.
func (al *AuditLogger) LogSessionEvent(ctx context.Context, eventType, userID, sessionID string, revoked int64) {
	attrs := append(al.base("session", eventType),
		slog.String("user_id", userID),
		slog.Int64("revoked_tokens", revoked),
	)
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// LogAccountAction logs actions taken on an account by staff or the system.
func (al *AuditLogger) LogAccountAction(ctx context.Context, eventType, userID, actorID string, metadata map[string]string) {
	attrs := append(al.base("account", eventType), slog.String("user_id", userID))
	if actorID != "" {
		attrs = append(attrs, slog.String("actor_id", actorID))
	}
	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// LogLockout logs an account crossing the failed-login threshold.
func (al *AuditLogger) LogLockout(ctx context.Context, userID, ipAddress string, failures int, lockedUntil time.Time) {
	attrs := append(al.base("auth", "account_locked"),
		slog.String("user_id", userID),
		slog.String("ip_address", ipAddress),
		slog.Int("failed_login_count", failures),
		slog.Time("locked_until", lockedUntil),
	)
	al.logger.LogAttrs(ctx, slog.LevelWarn, "audit", attrs...)
}

// LogSecurityEvent logs at LevelSecurity. Use it only for events that imply
// compromise, such as refresh token reuse.
func (al *AuditLogger) LogSecurityEvent(ctx context.Context, event AuditEvent) {
	al.logger.LogAttrs(ctx, LevelSecurity, "security", al.event("security", event)...)
}
