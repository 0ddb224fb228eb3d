package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/models"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

// SessionRevoker is implemented by services.SessionService.
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
}

// AdminHandler serves staff-only session management.
type AdminHandler struct {
	sessions SessionRevoker
	errors   *ErrorWriter
	audit    *pkglogger.AuditLogger
}

func NewAdminHandler(sessions SessionRevoker, errs *ErrorWriter, audit *pkglogger.AuditLogger) *AdminHandler {
	return &AdminHandler{sessions: sessions, errors: errs, audit: audit}
}

type RevokeSessionsResponse struct {
	UserID          string `json:"user_id"`
	RevokedSessions int64  `json:"revoked_sessions"`
}

// RevokeUserSessions handles POST /admin/users/{id}/revoke-sessions.
func (h *AdminHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(userID); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid user id")
		return
	}

	revoked, err := h.sessions.RevokeAllForUser(r.Context(), userID, models.RevokeReasonAdmin)
	if err != nil {
		h.errors.Write(w, r, err)
		return
	}

	actor := ""
	if identity := auth.IdentityFromContext(r.Context()); identity != nil {
		actor = identity.UserID
	}
	h.audit.LogAccountAction(r.Context(), "sessions_revoked", userID, actor, map[string]string{
		"revoked_tokens": strconv.FormatInt(revoked, 10),
	})

	pkghttp.WriteJSON(w, http.StatusOK, RevokeSessionsResponse{UserID: userID, RevokedSessions: revoked})
}
