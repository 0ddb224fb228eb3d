package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/visaportal/internal/auth"
	"github.com/BradenHooton/visaportal/internal/background"
	"github.com/BradenHooton/visaportal/internal/config"
	"github.com/BradenHooton/visaportal/internal/crypto"
	"github.com/BradenHooton/visaportal/internal/database"
	"github.com/BradenHooton/visaportal/internal/handlers"
	"github.com/BradenHooton/visaportal/internal/metrics"
	"github.com/BradenHooton/visaportal/internal/middleware"
	"github.com/BradenHooton/visaportal/internal/models"
	"github.com/BradenHooton/visaportal/internal/ratelimit"
	"github.com/BradenHooton/visaportal/internal/repositories"
	"github.com/BradenHooton/visaportal/internal/routes"
	"github.com/BradenHooton/visaportal/internal/services"
	"github.com/BradenHooton/visaportal/internal/store"
	pkgauth "github.com/BradenHooton/visaportal/pkg/auth"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
	pkglogger "github.com/BradenHooton/visaportal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: pkglogger.ReplaceLevel,
	}))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if cfg.Server.RunMigrations {
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	ipConfig, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	cipher, err := crypto.NewCipher(cfg.Encryption.Key, cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("failed to initialize field cipher: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	healthChecks := map[string]handlers.HealthCheck{"database": db.HealthCheck}

	// Shared state lives in redis when several instances serve traffic.
	var (
		limiterStore store.Store[ratelimit.Entry] = store.NewMemoryStore[ratelimit.Entry]()
		csrfStore    store.Store[auth.CSRFEntry]  = store.NewMemoryStore[auth.CSRFEntry]()
	)
	if cfg.RateLimit.Backend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		limiterStore = store.NewRedisStore[ratelimit.Entry](client, cfg.Redis.KeyPrefix+":ratelimit")
		csrfStore = store.NewRedisStore[auth.CSRFEntry](client, cfg.Redis.KeyPrefix+":csrf")
		healthChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info("using redis for limiter and csrf state", slog.String("addr", cfg.Redis.Addr))
	}

	limiter := ratelimit.New(limiterStore)
	csrfManager := auth.NewCSRFTokenManager(csrfStore, cfg.CSRF.TokenTTL)
	tokenManager := auth.NewTokenManager(
		cfg.Auth.AccessSecret,
		cfg.Auth.RefreshSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	hasher := pkgauth.NewPasswordHasher(cfg.Auth.BcryptCost)
	decoy, err := auth.NewDecoyVerifier(hasher)
	if err != nil {
		return fmt.Errorf("failed to prepare decoy hash: %w", err)
	}

	userRepo := repositories.NewUserRepository(db, cipher)
	tokenRepo := repositories.NewRefreshTokenRepository(db)

	var notifier services.BreachNotifier = services.NewLogNotifier(logger)
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewSESAlertNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Email.SecurityTeam, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize SES notifier: %w", err)
		}
		notifier = sesNotifier
	}

	auditLogger := pkglogger.NewAuditLogger(logger)
	sessions := services.NewSessionService(tokenRepo, userRepo, tokenManager, notifier, m, logger, auditLogger).
		WithAlertTimeout(cfg.Email.SendTimeout)
	authService := services.NewAuthService(userRepo, sessions, hasher, decoy, services.LockoutPolicy{
		Threshold: cfg.Auth.LockoutThreshold,
		Duration:  cfg.Auth.LockoutDuration,
	}, m, logger, auditLogger)

	errs := handlers.NewErrorWriter(cfg.Server.IsProduction(), logger)
	authHandler := handlers.NewAuthHandler(authService, sessions, csrfManager, errs, handlers.AuthHandlerConfig{
		CookieTransport: cfg.Server.IsProduction(),
		Cookies: auth.CookieConfig{
			Domain:   cfg.Auth.CookieDomain,
			Secure:   cfg.Server.IsProduction(),
			SameSite: cfg.Auth.CookieSameSite,
		},
		AccessTTL:  cfg.Auth.AccessTokenExpiry,
		RefreshTTL: cfg.Auth.RefreshTokenExpiry,
		IPConfig:   ipConfig,
	})
	adminHandler := handlers.NewAdminHandler(sessions, errs, auditLogger)

	if err := ensureAdminUser(ctx, userRepo, hasher, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}

	router := routes.NewRouter(routes.Dependencies{
		AuthHandler:    authHandler,
		AdminHandler:   adminHandler,
		Health:         handlers.Health(healthChecks),
		Tokens:         tokenManager,
		Limiter:        limiter,
		CSRF:           csrfManager,
		TrustedOrigins: middleware.NewOriginSet(cfg.Server.TrustedOrigins()...),
		IPConfig:       ipConfig,
		RateLimit:      cfg.RateLimit,
		Env:            cfg.Server.Env,
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        m,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweeps := background.NewCleanupManager(logger, cfg.RateLimit.SweepInterval,
		background.LimiterSweep(limiter),
		background.CSRFSweep(csrfManager.SweepExpired),
	)
	tokenCleanup := background.NewCleanupManager(logger, cfg.Cleanup.Interval,
		background.RefreshTokenSweep(tokenRepo, cfg.Cleanup.RefreshRetention, nil),
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go sweeps.Start(bgCtx)
	go tokenCleanup.Start(bgCtx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	bgCancel()
	sweeps.Stop()
	tokenCleanup.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// In-flight breach alerts finish before the process exits.
	sessions.Wait()

	logger.Info("server stopped gracefully")
	return nil
}

type adminBootstrapRepo interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, users adminBootstrapRepo, hasher *pkgauth.PasswordHasher, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := users.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}
	hashedPassword, err := hasher.Hash(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now()
	admin := &models.User{
		Email:             adminEmail,
		PasswordHash:      hashedPassword,
		Name:              "Admin",
		Role:              models.RoleAdmin,
		PasswordChangedAt: &now,
	}
	if _, err := users.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
