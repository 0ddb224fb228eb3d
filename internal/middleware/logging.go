package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/visaportal/internal/metrics"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

// AccessLogConfig configures SecureLogger.
type AccessLogConfig struct {
	Env      string
	IPConfig *pkghttp.IPConfig
	Metrics  *metrics.Metrics
}

// SecureLogger logs one line per request with sensitive query strings and,
// in production, client addresses redacted.
func SecureLogger(logger *slog.Logger, cfg AccessLogConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			status := wrapped.Status()
			if status == 0 {
				status = http.StatusOK
			}

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				if pkglogger.SanitizeQueryString(r.URL.RawQuery) {
					path += "?[REDACTED]"
				} else {
					path += "?" + r.URL.RawQuery
				}
			}

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			cfg.Metrics.ObserveRequest(r.Method, route, status, duration)

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}

			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("bytes", wrapped.BytesWritten()),
				slog.Duration("duration", duration),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				pkglogger.RedactedAttr("client_ip", pkghttp.ExtractClientIP(r, cfg.IPConfig), cfg.Env),
			)
		})
	}
}
