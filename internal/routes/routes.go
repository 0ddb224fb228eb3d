package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/config"
	"github.com/BradenHooton/visaportal/internal/handlers"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/middleware"
	"github.com/BradenHooton/visaportal/internal/models"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

// Dependencies is everything the router needs from main.
type Dependencies struct {
	AuthHandler    *handlers.AuthHandler
	AdminHandler   *handlers.AdminHandler
	Health         http.HandlerFunc
	Tokens         auth.AccessTokenVerifier
	Limiter        middleware.RateLimiter
	CSRF           middleware.CSRFValidator
	TrustedOrigins middleware.OriginSet
	IPConfig       *pkghttp.IPConfig
	RateLimit      config.RateLimitConfig
	Env            string
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// NewRouter builds the HTTP surface. Operational endpoints sit behind a
// coarse flood guard. Everything else resolves the optional bearer identity,
// then passes the global limiter and the CSRF guard; the credential endpoints
// also pass the auth limiter.
func NewRouter(deps Dependencies) http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.SecureLogger(deps.Logger, middleware.AccessLogConfig{
		Env:      deps.Env,
		IPConfig: deps.IPConfig,
		Metrics:  deps.Metrics,
	}))
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{Env: deps.Env}))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(deps.TrustedOrigins)))
	if deps.RequestTimeout > 0 {
		router.Use(chimiddleware.Timeout(deps.RequestTimeout))
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.FloodGuard(deps.RateLimit.OpsPerMinute, deps.IPConfig))
		r.Get("/health", deps.Health)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	})

	router.Group(func(r chi.Router) {
		// Identity first: the global limiter keys authenticated callers by
		// ip:userID and the CSRF guard exempts verified bearer requests.
		r.Use(auth.OptionalAuthenticate(deps.Tokens))
		r.Use(middleware.RateLimit(deps.Limiter, middleware.RateLimitOptions{
			Scope:    "global",
			Limit:    deps.RateLimit.GlobalMax,
			Window:   deps.RateLimit.GlobalWindow,
			IPConfig: deps.IPConfig,
			Logger:   deps.Logger,
			Metrics:  deps.Metrics,
		}))
		r.Use(middleware.CSRFGuard(middleware.CSRFGuardConfig{
			Tokens:         deps.CSRF,
			TrustedOrigins: deps.TrustedOrigins,
			Logger:         deps.Logger,
			Metrics:        deps.Metrics,
		}))

		r.Route("/auth", func(r chi.Router) {
			authLimit := middleware.RateLimit(deps.Limiter, middleware.RateLimitOptions{
				Scope:                  "auth",
				Limit:                  deps.RateLimit.AuthMax,
				Window:                 deps.RateLimit.AuthWindow,
				KeyFunc:                middleware.KeyByIP(deps.IPConfig),
				SkipSuccessfulRequests: true,
				IPConfig:               deps.IPConfig,
				Logger:                 deps.Logger,
				Metrics:                deps.Metrics,
			})

			r.With(authLimit).Post("/register", deps.AuthHandler.Register)
			r.With(authLimit).Post("/login", deps.AuthHandler.Login)
			r.With(authLimit).Post("/refresh", deps.AuthHandler.Refresh)

			r.Post("/logout", deps.AuthHandler.Logout)
			r.Get("/csrf-token", deps.AuthHandler.CSRFToken)

			r.Group(func(r chi.Router) {
				r.Use(auth.Authenticate(deps.Tokens))
				r.Post("/logout-all", deps.AuthHandler.LogoutAll)
				r.Post("/change-password", deps.AuthHandler.ChangePassword)
				r.Get("/me", deps.AuthHandler.Me)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Authenticate(deps.Tokens))
			r.Use(auth.RequireRole(models.RoleAdmin))
			r.Post("/users/{id}/revoke-sessions", deps.AdminHandler.RevokeUserSessions)
		})
	})

	return router
}
