package app

import (
	"strings"
	"testing"
	"time"

	"fitnesse-backend/internal/auth"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/fitnesse")
	t.Setenv("ACCESS_TOKEN_SECRET", "access")
	t.Setenv("REFRESH_TOKEN_SECRET", "refresh")
	t.Setenv("PASSWORD_SECRET", "password")
	t.Setenv("REDIS_URL", "")
	t.Setenv("STATE_BACKEND", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Policy != auth.DefaultPolicy() {
		t.Fatalf("expected default policy, got %+v", cfg.Policy)
	}
	if cfg.StateBackend != BackendPostgres {
		t.Fatalf("expected postgres backend, got %q", cfg.StateBackend)
	}
	if cfg.RateLimits[RouteLogin] != defaultRateLimits[RouteLogin] {
		t.Fatalf("unexpected login rule %+v", cfg.RateLimits[RouteLogin])
	}
	if cfg.TrustedProxyHops != 0 {
		t.Fatalf("expected forwarded headers to be untrusted by default, got %d hops", cfg.TrustedProxyHops)
	}
	if cfg.JanitorInterval != time.Minute || cfg.Port != "8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AUTH_MAX_FAILED_LOGINS", "4")
	t.Setenv("AUTH_LOCKOUT_SECONDS", "60")
	t.Setenv("AUTH_IDLE_TIMEOUT_SECONDS", "3600")
	t.Setenv("RATE_LIMIT_REGISTER_MAX", "2")
	t.Setenv("RATE_LIMIT_REGISTER_WINDOW_SECONDS", "30")
	t.Setenv("AUTH_MIN_PASSWORD_LENGTH", "not-a-number")
	t.Setenv("TRUSTED_PROXY_HOPS", "1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.StateBackend != BackendRedis {
		t.Fatalf("expected redis backend when REDIS_URL is set, got %q", cfg.StateBackend)
	}
	if cfg.Policy.MaxFailedLogins != 4 || cfg.Policy.LockoutDuration != time.Minute || cfg.Policy.IdleTimeout != time.Hour {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.Policy.MinPasswordLength != 8 {
		t.Fatalf("expected invalid value to fall back to default, got %d", cfg.Policy.MinPasswordLength)
	}
	if rule := cfg.RateLimits[RouteRegister]; rule.Max != 2 || rule.Window != 30*time.Second {
		t.Fatalf("unexpected register rule %+v", rule)
	}
	if cfg.TrustedProxyHops != 1 {
		t.Fatalf("expected one trusted proxy hop, got %d", cfg.TrustedProxyHops)
	}
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	for _, name := range []string{"DATABASE_URL", "ACCESS_TOKEN_SECRET", "REFRESH_TOKEN_SECRET", "PASSWORD_SECRET"} {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(name, "")

			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("expected missing %s error, got %v", name, err)
			}
		})
	}
}

func TestStateBackend(t *testing.T) {
	tests := []struct {
		requested string
		redisURL  string
		want      string
		wantErr   bool
	}{
		{"", "", BackendPostgres, false},
		{"", "redis://x", BackendRedis, false},
		{"postgres", "redis://x", BackendPostgres, false},
		{"REDIS", "redis://x", BackendRedis, false},
		{"redis", "", "", true},
		{"mongo", "", "", true},
	}

	for _, tt := range tests {
		got, err := stateBackend(tt.requested, tt.redisURL)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("stateBackend(%q, %q) = %q, %v", tt.requested, tt.redisURL, got, err)
		}
	}
}

func TestEnvBoolOrDefault(t *testing.T) {
	t.Setenv("FLAG", "yes")
	if !EnvBoolOrDefault("FLAG", false) {
		t.Fatal("expected true")
	}
	t.Setenv("FLAG", "maybe")
	if EnvBoolOrDefault("FLAG", false) {
		t.Fatal("expected fallback")
	}
}
