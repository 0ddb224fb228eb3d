package handlers

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/visaportal/internal/models"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

// ErrorWriter is the single translation point from service errors to HTTP
// responses.
type ErrorWriter struct {
	production bool
	logger     *slog.Logger
}

func NewErrorWriter(production bool, logger *slog.Logger) *ErrorWriter {
	return &ErrorWriter{production: production, logger: logger}
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindUnauthorized:
		return http.StatusUnauthorized
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindBadRequest:
		return http.StatusBadRequest
	case models.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Write logs err server side with its code and writes the client-safe form.
// Wrapped detail is only included outside production.
func (e *ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error) {
	appErr := models.AsAppError(err)
	status := statusFor(appErr.Kind)

	attrs := []any{
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("code", appErr.Code),
		slog.Int("status", status),
	}
	if appErr.Kind == models.KindInternal {
		e.logger.Error("request failed", append(attrs, slog.Any("error", err))...)
	} else {
		e.logger.Debug("request rejected", attrs...)
	}

	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
	}

	details := ""
	if !e.production && appErr.Err != nil {
		details = appErr.Err.Error()
	}
	pkghttp.WriteErrorWithDetails(w, status, appErr.Code, appErr.Message, details)
}
