package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BradenHooton/visaportal/internal/crypto"
	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	BackendMemory = "memory"
	BackendRedis  = "redis"

	developmentEncryptionKey = "visaportal-development-only-key"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	CSRF       CSRFConfig
	Redis      RedisConfig
	Encryption EncryptionConfig
	Email      EmailConfig
	Cleanup    CleanupConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	FrontendURL    string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	RunMigrations  bool
}

func (s ServerConfig) IsProduction() bool {
	return s.Env == EnvProduction
}

// TrustedOrigins is AllowedOrigins plus FrontendURL, normalized and deduplicated.
func (s ServerConfig) TrustedOrigins() []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range append(append([]string{}, s.AllowedOrigins...), s.FrontendURL) {
		origin, ok := pkghttp.NormalizeOrigin(raw)
		if !ok || seen[origin] {
			continue
		}
		seen[origin] = true
		out = append(out, origin)
	}
	return out
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type AuthConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	BcryptCost         int
	LockoutThreshold   int
	LockoutDuration    time.Duration
	CookieDomain       string
	CookieSameSite     string
}

type RateLimitConfig struct {
	Backend       string
	GlobalWindow  time.Duration
	GlobalMax     int
	AuthWindow    time.Duration
	AuthMax       int
	SweepInterval time.Duration
	// OpsPerMinute bounds /health and /metrics per IP.
	OpsPerMinute int
}

type CSRFConfig struct {
	TokenTTL time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type EncryptionConfig struct {
	Key string
}

type EmailConfig struct {
	Enabled      bool
	AWSRegion    string
	FromAddress  string
	SecurityTeam []string
	SendTimeout  time.Duration
}

type CleanupConfig struct {
	Interval         time.Duration
	RefreshRetention time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", EnvDevelopment)

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			FrontendURL:    getEnv("FRONTEND_URL", ""),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 10*time.Second),
			RunMigrations:  getEnvAsBool("RUN_MIGRATIONS", env != EnvProduction),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "visaportal"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Auth: AuthConfig{
			AccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			BcryptCost:         getEnvAsInt("BCRYPT_COST", 12),
			LockoutThreshold:   getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:    getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			CookieDomain:       getEnv("COOKIE_DOMAIN", ""),
			CookieSameSite:     strings.ToLower(getEnv("COOKIE_SAMESITE", "strict")),
		},
		RateLimit: RateLimitConfig{
			Backend:       strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendMemory)),
			GlobalWindow:  getEnvAsDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
			GlobalMax:     getEnvAsInt("RATE_LIMIT_MAX", 300),
			AuthWindow:    getEnvAsDuration("AUTH_RATE_LIMIT_WINDOW", 15*time.Minute),
			AuthMax:       getEnvAsInt("AUTH_RATE_LIMIT_MAX", 10),
			SweepInterval: getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			OpsPerMinute:  getEnvAsInt("OPS_RATE_LIMIT_PER_MINUTE", 60),
		},
		CSRF: CSRFConfig{
			TokenTTL: getEnvAsDuration("CSRF_TOKEN_TTL", time.Hour),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "visaportal"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Email: EmailConfig{
			Enabled:      getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			FromAddress:  getEnv("EMAIL_FROM_ADDRESS", ""),
			SecurityTeam: getEnvAsList("SECURITY_ALERT_RECIPIENTS"),
			SendTimeout:  getEnvAsDuration("EMAIL_SEND_TIMEOUT", 10*time.Second),
		},
		Cleanup: CleanupConfig{
			Interval:         getEnvAsDuration("CLEANUP_INTERVAL", time.Hour),
			RefreshRetention: getEnvAsDuration("REFRESH_TOKEN_RETENTION", 30*24*time.Hour),
		},
	}

	if cfg.Encryption.Key == "" && env != EnvProduction {
		cfg.Encryption.Key = developmentEncryptionKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would leave the perimeter weak.
func (c *Config) Validate() error {
	env := c.Server.Env

	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret("JWT_ACCESS_SECRET", c.Auth.AccessSecret, env); err != nil {
		return err
	}
	if err := validateJWTSecret("JWT_REFRESH_SECRET", c.Auth.RefreshSecret, env); err != nil {
		return err
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in %s environment", env)
	}
	if err := crypto.ValidateKey(c.Encryption.Key, env); err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}

	if c.Auth.LockoutThreshold < 1 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}
	if c.Auth.LockoutDuration <= 0 {
		return fmt.Errorf("LOCKOUT_DURATION must be positive")
	}
	if c.Auth.AccessTokenExpiry <= 0 || c.Auth.RefreshTokenExpiry <= c.Auth.AccessTokenExpiry {
		return fmt.Errorf("REFRESH_TOKEN_EXPIRY must exceed ACCESS_TOKEN_EXPIRY")
	}
	switch c.Auth.CookieSameSite {
	case "strict", "lax", "none":
	default:
		return fmt.Errorf("COOKIE_SAMESITE must be strict, lax or none (got %q)", c.Auth.CookieSameSite)
	}

	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q (got %q)", BackendMemory, BackendRedis, c.RateLimit.Backend)
	}
	if c.RateLimit.GlobalMax < 1 || c.RateLimit.AuthMax < 1 {
		return fmt.Errorf("rate limit maximums must be at least 1")
	}
	if c.RateLimit.GlobalWindow <= 0 || c.RateLimit.AuthWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}

	if c.Email.Enabled && c.Email.FromAddress == "" {
		return fmt.Errorf("EMAIL_FROM_ADDRESS is required when EMAIL_ENABLED=true")
	}

	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secrets
func validateJWTSecret(name, secret, env string) error {
	if secret == "" {
		return fmt.Errorf("%s is required", name)
	}

	minLength := 16
	if env == EnvProduction {
		minLength = 32
	}
	if len(secret) < minLength {
		return fmt.Errorf("%s must be at least %d characters in %s environment (got %d)",
			name, minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "password", "changeme", "default", "example",
		"secretsecretsecret", "changemechangeme", "0123456789abcdef",
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if lower == weak {
			return fmt.Errorf("%s cannot be a common weak value", name)
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if origins := getEnvAsList("ALLOWED_ORIGINS"); len(origins) > 0 || env == EnvProduction {
		return origins
	}

	return []string{
		"http://localhost:3000",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
}
