package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"fitnesse-backend/internal/auth"
	"fitnesse-backend/internal/db"
	"fitnesse-backend/internal/maintenance"
	"fitnesse-backend/internal/observability"
	"fitnesse-backend/internal/ratelimit"
)

const APIPrefix = "/fitnesse/v1"

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Janitor *maintenance.Janitor
	Port    string
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger().With(map[string]any{"env": cfg.Environment})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	closers := []func() error{database.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		return fail(fmt.Errorf("ping database: %w", err))
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse redis url: %w", err))
		}
		redisClient = redis.NewClient(redisOptions)
		closers = append(closers, redisClient.Close)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
	}

	repo := auth.NewRepository(database, cfg.Policy.Windows(), time.Now)
	state := repo.State()
	if cfg.StateBackend == BackendRedis {
		state = auth.NewRedisState(redisClient, cfg.Policy.Windows(), time.Now)
	}

	var limitStore ratelimit.Store
	pgLimitStore := ratelimit.NewPostgresStore(database, time.Now)
	limitStore = pgLimitStore
	if redisClient != nil {
		limitStore = ratelimit.NewRedisStore(redisClient)
	}

	tokens, err := auth.NewJWTIssuer(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, time.Now)
	if err != nil {
		return fail(fmt.Errorf("init token issuer: %w", err))
	}
	cipher, err := auth.NewSecretBoxCipher(cfg.PasswordSecret)
	if err != nil {
		return fail(fmt.Errorf("init password cipher: %w", err))
	}

	service, err := auth.NewService(auth.Dependencies{
		Credentials: repo,
		Failures:    state.Failures,
		Lockouts:    state.Lockouts,
		Sessions:    state.Sessions,
		Tokens:      tokens,
		Cipher:      cipher,
		Policy:      cfg.Policy,
		Logger:      logger.With(map[string]any{"component": "auth"}),
		Now:         time.Now,
	})
	if err != nil {
		return fail(err)
	}

	cleaner := stateCleaner(cfg, repo, pgLimitStore)

	handler := NewRouter(Routes{
		Auth:       auth.NewHandler(service, logger),
		Guard:      auth.NewGuard(service, logger),
		Limiter:    ratelimit.New(limitStore, observability.ClientIPResolver{TrustedProxyHops: cfg.TrustedProxyHops}, logger),
		RateLimits: cfg.RateLimits,
		Cleanup:    maintenance.NewCleanupHandler(cleaner, logger, cfg.CronSecret),
		Health:     healthHandler(database),
	})

	return &Runtime{
		Handler: observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, handler)),
		Janitor: maintenance.NewJanitor(cleaner, cfg.JanitorInterval, logger),
		Port:    cfg.Port,
		Close: func() error {
			observability.FlushSentry()
			return closeAll()
		},
	}, nil
}

// stateCleaner sweeps the SQL auth tables only when they hold live state. Rate-limit rows are
// swept either way, since they exist whenever the limiter ran without Redis.
func stateCleaner(cfg Config, repo *auth.Repository, limits *ratelimit.PostgresStore) maintenance.Cleaner {
	return maintenance.CleanerFunc(func(ctx context.Context) (maintenance.Result, error) {
		result := maintenance.Result{}

		if cfg.StateBackend == BackendPostgres {
			deleted, err := repo.CleanupExpired(ctx, cfg.CleanupBatchSize)
			if err != nil {
				return nil, err
			}
			result["failed_logins"] = deleted.DeletedFailedLogins
			result["lockouts"] = deleted.DeletedLockouts
			result["sessions"] = deleted.DeletedSessions
		}

		deleted, err := limits.Cleanup(ctx, cfg.RateLimitRetention, cfg.CleanupBatchSize)
		if err != nil {
			return nil, err
		}
		result["rate_limits"] = deleted

		return result, nil
	})
}

// Routes are the handlers NewRouter mounts.
type Routes struct {
	Auth       *auth.Handler
	Guard      *auth.Guard
	Limiter    *ratelimit.Limiter
	RateLimits map[string]ratelimit.Rule
	Cleanup    *maintenance.CleanupHandler
	Health     http.HandlerFunc
}

func NewRouter(routes Routes) http.Handler {
	limited := func(route string, next http.Handler) http.Handler {
		return routes.Limiter.Middleware(route, routes.RateLimits[route], next)
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+APIPrefix+"/auth/register", limited(RouteRegister, http.HandlerFunc(routes.Auth.Register)))
	mux.Handle("POST "+APIPrefix+"/auth/login", limited(RouteLogin, http.HandlerFunc(routes.Auth.Login)))
	mux.Handle("DELETE "+APIPrefix+"/auth/logout", limited(RouteLogout,
		routes.Guard.Require(auth.OrderSensitive, http.HandlerFunc(routes.Auth.Logout))))
	mux.Handle("GET "+APIPrefix+"/auth/me", limited(RouteMe,
		routes.Guard.Require(auth.OrderStandard, http.HandlerFunc(routes.Auth.Me))))

	if routes.Health != nil {
		mux.HandleFunc("GET "+APIPrefix+"/health", routes.Health)
	}
	if routes.Cleanup != nil {
		mux.HandleFunc("GET "+APIPrefix+"/internal/maintenance/cleanup", routes.Cleanup.Handle)
		mux.HandleFunc("POST "+APIPrefix+"/internal/maintenance/cleanup", routes.Cleanup.Handle)
	}

	return mux
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
