package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps one row per key in auth_rate_limits.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{db: db, now: now}
}

func (s *PostgresStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now().UTC()
	threshold := now.Add(-window)

	var hits int64
	var windowStartedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auth_rate_limits (key, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (key) DO UPDATE
		SET
			hits = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN 1
				ELSE auth_rate_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_rate_limits.window_started_at <= $3 THEN $2
				ELSE auth_rate_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, key, now, threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert rate limit: %w", err)
	}

	return hits, windowStartedAt.Add(window).Sub(now), nil
}

// Cleanup deletes up to batchSize rows not hit within retention.
func (s *PostgresStore) Cleanup(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := s.now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT key
			FROM auth_rate_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_rate_limits t
		USING stale
		WHERE t.key = stale.key
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate limits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale rate limits rows affected: %w", err)
	}

	return affected, nil
}
