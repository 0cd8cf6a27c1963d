package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fitnesse-backend/internal/auth"
	"fitnesse-backend/internal/ratelimit"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Route names used in rate-limit keys and RATE_LIMIT_<ROUTE>_* variables.
const (
	RouteRegister = "register"
	RouteLogin    = "login"
	RouteLogout   = "logout"
	RouteMe       = "me"
)

type DBPool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Config struct {
	DatabaseURL  string
	RedisURL     string
	StateBackend string

	AccessTokenSecret  string
	RefreshTokenSecret string
	PasswordSecret     string

	Policy     auth.Policy
	RateLimits map[string]ratelimit.Rule

	// TrustedProxyHops is how many proxies append to X-Forwarded-For. Zero ignores the header.
	TrustedProxyHops int

	CronSecret         string
	JanitorInterval    time.Duration
	CleanupBatchSize   int
	RateLimitRetention time.Duration

	SentryDSN   string
	Environment string
	Release     string
	Port        string
	DB          DBPool
}

var defaultRateLimits = map[string]ratelimit.Rule{
	RouteRegister: {Max: 5, Window: 15 * time.Minute},
	RouteLogin:    {Max: 20, Window: 15 * time.Minute},
	RouteLogout:   {Max: 30, Window: time.Minute},
	RouteMe:       {Max: 120, Window: time.Minute},
}

// LoadConfig reads the process environment. Missing secrets are an error.
func LoadConfig() (Config, error) {
	var cfg Config
	var err error

	if cfg.DatabaseURL, err = mustEnv("DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenSecret, err = mustEnv("ACCESS_TOKEN_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenSecret, err = mustEnv("REFRESH_TOKEN_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.PasswordSecret, err = mustEnv("PASSWORD_SECRET"); err != nil {
		return Config{}, err
	}

	cfg.RedisURL = envOrDefault("REDIS_URL", "")
	if cfg.StateBackend, err = stateBackend(envOrDefault("STATE_BACKEND", ""), cfg.RedisURL); err != nil {
		return Config{}, err
	}

	defaults := auth.DefaultPolicy()
	cfg.Policy = auth.Policy{
		MinPasswordLength:   envIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", defaults.MinPasswordLength),
		MaxFailedLogins:     envIntOrDefault("AUTH_MAX_FAILED_LOGINS", defaults.MaxFailedLogins),
		FailedLoginWindow:   envSecondsOrDefault("AUTH_FAILED_LOGIN_WINDOW_SECONDS", seconds(defaults.FailedLoginWindow)),
		LockoutDuration:     envSecondsOrDefault("AUTH_LOCKOUT_SECONDS", seconds(defaults.LockoutDuration)),
		IdleTimeout:         envSecondsOrDefault("AUTH_IDLE_TIMEOUT_SECONDS", seconds(defaults.IdleTimeout)),
		AccessTokenLifetime: envSecondsOrDefault("AUTH_ACCESS_TOKEN_LIFETIME_SECONDS", seconds(defaults.AccessTokenLifetime)),
	}

	cfg.RateLimits = make(map[string]ratelimit.Rule, len(defaultRateLimits))
	for route, rule := range defaultRateLimits {
		prefix := "RATE_LIMIT_" + strings.ToUpper(route)
		cfg.RateLimits[route] = ratelimit.Rule{
			Max:    int64(envIntOrDefault(prefix+"_MAX", int(rule.Max))),
			Window: envSecondsOrDefault(prefix+"_WINDOW_SECONDS", seconds(rule.Window)),
		}
	}

	cfg.TrustedProxyHops = envIntOrDefault("TRUSTED_PROXY_HOPS", 0)

	cfg.CronSecret = envOrDefault("CRON_SECRET", "")
	cfg.JanitorInterval = envSecondsOrDefault("JANITOR_INTERVAL_SECONDS", 60)
	cfg.CleanupBatchSize = envIntOrDefault("CLEANUP_BATCH_SIZE", 500)
	cfg.RateLimitRetention = envSecondsOrDefault("RATE_LIMIT_RETENTION_SECONDS", 24*60*60)

	cfg.SentryDSN = envOrDefault("SENTRY_DSN", "")
	cfg.Environment = envOrDefault("APP_ENV", "development")
	cfg.Release = envOrDefault("APP_RELEASE", "")
	cfg.Port = envOrDefault("PORT", "8080")
	cfg.DB = DBPool{
		MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
	}

	return cfg, nil
}

// stateBackend defaults to Redis whenever a Redis URL is configured.
func stateBackend(requested, redisURL string) (string, error) {
	switch strings.ToLower(requested) {
	case "":
		if redisURL != "" {
			return BackendRedis, nil
		}
		return BackendPostgres, nil
	case BackendPostgres:
		return BackendPostgres, nil
	case BackendRedis:
		if redisURL == "" {
			return "", errors.New("STATE_BACKEND=redis requires REDIS_URL")
		}
		return BackendRedis, nil
	default:
		return "", fmt.Errorf("unknown STATE_BACKEND %q", requested)
	}
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}
