package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/ratelimit"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

// RateLimiter is implemented by ratelimit.Limiter.
type RateLimiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error)
	Refund(ctx context.Context, key string) error
}

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// RateLimitOptions configures one RateLimit gate.
type RateLimitOptions struct {
	Scope  string // prefixes keys and labels metrics, e.g. "global" or "auth"
	Limit  int
	Window time.Duration
	// KeyFunc defaults to DefaultKey.
	KeyFunc KeyFunc
	// SkipSuccessfulRequests refunds requests that finish below 400, so only
	// failures consume the budget.
	SkipSuccessfulRequests bool
	IPConfig               *pkghttp.IPConfig
	Logger                 *slog.Logger
	Metrics                *metrics.Metrics
}

// DefaultKey keys by client IP, or "ip:userID" once the caller is authenticated.
func DefaultKey(ipConfig *pkghttp.IPConfig) KeyFunc {
	return func(r *http.Request) string {
		ip := pkghttp.ExtractClientIP(r, ipConfig)
		if identity := auth.IdentityFromContext(r.Context()); identity != nil {
			return ip + ":" + identity.UserID
		}
		return ip
	}
}

// KeyByIP ignores identity, for endpoints used anonymously.
func KeyByIP(ipConfig *pkghttp.IPConfig) KeyFunc {
	return func(r *http.Request) string {
		return pkghttp.ExtractClientIP(r, ipConfig)
	}
}

// RateLimit rejects requests over the configured budget with 429 before any
// downstream work runs. X-RateLimit-* headers are set on every response.
func RateLimit(limiter RateLimiter, opts RateLimitOptions) func(http.Handler) http.Handler {
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = DefaultKey(opts.IPConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.Scope + ":" + keyFunc(r)

			res, err := limiter.Check(r.Context(), key, opts.Limit, opts.Window)
			if err != nil {
				logger.Error("rate limiter unavailable, allowing request",
					slog.String("scope", opts.Scope),
					slog.Any("error", err))
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				opts.Metrics.RateLimitRejected(opts.Scope)
				logger.Warn("rate limit exceeded",
					slog.String("scope", opts.Scope),
					slog.String("path", r.URL.Path),
					slog.Int("retry_after", res.RetryAfterSeconds()),
					slog.String("request_id", middleware.GetReqID(r.Context())))
				pkghttp.WriteTooManyRequests(w, res.RetryAfterSeconds(), "Too many requests, please try again later")
				return
			}

			if !opts.SkipSuccessfulRequests || err != nil {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < http.StatusBadRequest {
				if err := limiter.Refund(r.Context(), key); err != nil {
					logger.Error("rate limit refund failed", slog.String("scope", opts.Scope), slog.Any("error", err))
				}
			}
		})
	}
}

// FloodGuard is a coarse per-IP limit for operational endpoints that sit
// outside the application limiter.
func FloodGuard(requestsPerMinute int, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, 60, "Too many requests, please try again later")
		}),
	)
}
