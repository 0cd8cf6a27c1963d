package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

// StateWindows are the lifetimes of the expiring auth records.
type StateWindows struct {
	FailedLogin time.Duration
	Lockout     time.Duration
	Idle        time.Duration
}

func (p Policy) Windows() StateWindows {
	return StateWindows{
		FailedLogin: p.FailedLoginWindow,
		Lockout:     p.LockoutDuration,
		Idle:        p.IdleTimeout,
	}
}

// State groups the three expiring registries of one backend.
type State struct {
	Failures FailedAttemptTracker
	Lockouts LockoutRegistry
	Sessions SessionRegistry
}

type CleanupResult struct {
	DeletedFailedLogins int64 `json:"deleted_failed_logins"`
	DeletedLockouts     int64 `json:"deleted_lockouts"`
	DeletedSessions     int64 `json:"deleted_sessions"`
}

// Repository is the PostgreSQL backend. Rows past their window stay on disk until
// CleanupExpired removes them, but every read filters them out.
type Repository struct {
	db      *sql.DB
	windows StateWindows
	now     func() time.Time
}

func NewRepository(db *sql.DB, windows StateWindows, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{db: db, windows: windows, now: now}
}

func (r *Repository) State() State {
	return State{
		Failures: pgFailedLogins{r},
		Lockouts: pgLockouts{r},
		Sessions: pgSessions{r},
	}
}

func (r *Repository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.findUser(ctx, `WHERE id = $1`, id)
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (*User, error) {
	return r.findUser(ctx, `WHERE username = $1`, username)
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findUser(ctx, `WHERE email = $1`, email)
}

// FindByIdentifier prefers a username match when one user's username equals another's email.
func (r *Repository) FindByIdentifier(ctx context.Context, usernameOrEmail string) (*User, error) {
	return r.findUser(ctx, `WHERE username = $1 OR email = $1 ORDER BY (username = $1) DESC LIMIT 1`, usernameOrEmail)
}

func (r *Repository) findUser(ctx context.Context, where string, arg string) (*User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password, created_at, updated_at
		FROM users
		`+where, arg).Scan(&user.ID, &user.Username, &user.Email, &user.Password, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

func (r *Repository) Create(ctx context.Context, user *User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Username, user.Email, user.Password, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if field, ok := duplicateField(err); ok {
			return &DuplicateKeyError{Field: field, Err: err}
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

func duplicateField(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return "", false
	}

	switch pgErr.ConstraintName {
	case "users_username_key":
		return "username", true
	case "users_email_key":
		return "email", true
	default:
		return "", false
	}
}

type pgFailedLogins struct{ r *Repository }

func (s pgFailedLogins) Get(ctx context.Context, userID string) (*FailedLoginRecord, error) {
	cutoff := s.r.now().UTC().Add(-s.r.windows.FailedLogin)

	record := FailedLoginRecord{UserID: userID}
	err := s.r.db.QueryRowContext(ctx, `
		SELECT num_failed, created_at
		FROM auth_failed_logins
		WHERE user_id = $1 AND created_at > $2
	`, userID, cutoff).Scan(&record.NumFailed, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query failed logins: %w", err)
	}

	return &record, nil
}

func (s pgFailedLogins) RecordFailure(ctx context.Context, userID string) (*FailedLoginRecord, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := FailedLoginRecord{UserID: userID, NumFailed: 1, CreatedAt: s.r.now().UTC()}
	if current != nil {
		next.NumFailed = current.NumFailed + 1
		next.CreatedAt = current.CreatedAt
	}

	// An expired row may still be on disk, so write the whole record rather than incrementing.
	if _, err := s.r.db.ExecContext(ctx, `
		INSERT INTO auth_failed_logins (user_id, num_failed, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET num_failed = EXCLUDED.num_failed,
		    created_at = EXCLUDED.created_at
	`, userID, next.NumFailed, next.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert failed logins: %w", err)
	}

	return &next, nil
}

func (s pgFailedLogins) Clear(ctx context.Context, userID string) error {
	if _, err := s.r.db.ExecContext(ctx, `DELETE FROM auth_failed_logins WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete failed logins: %w", err)
	}
	return nil
}

type pgLockouts struct{ r *Repository }

func (s pgLockouts) Get(ctx context.Context, userID string) (*LockoutRecord, error) {
	cutoff := s.r.now().UTC().Add(-s.r.windows.Lockout)

	record := LockoutRecord{UserID: userID}
	err := s.r.db.QueryRowContext(ctx, `
		SELECT created_at
		FROM auth_lockouts
		WHERE user_id = $1 AND created_at > $2
	`, userID, cutoff).Scan(&record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query lockout: %w", err)
	}

	return &record, nil
}

func (s pgLockouts) Lock(ctx context.Context, userID string) error {
	if _, err := s.r.db.ExecContext(ctx, `
		INSERT INTO auth_lockouts (user_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET created_at = EXCLUDED.created_at
	`, userID, s.r.now().UTC()); err != nil {
		return fmt.Errorf("upsert lockout: %w", err)
	}
	return nil
}

func (s pgLockouts) Clear(ctx context.Context, userID string) error {
	if _, err := s.r.db.ExecContext(ctx, `DELETE FROM auth_lockouts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete lockout: %w", err)
	}
	return nil
}

type pgSessions struct{ r *Repository }

func (s pgSessions) Create(ctx context.Context, userID, token string) (*RefreshTokenRecord, error) {
	now := s.r.now().UTC()
	if _, err := s.r.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (user_id, token_hash, created_at, last_used)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, token_hash) DO UPDATE
		SET last_used = EXCLUDED.last_used
	`, userID, hashToken(token), now); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &RefreshTokenRecord{UserID: userID, Token: token, LastUsed: now}, nil
}

func (s pgSessions) Find(ctx context.Context, userID, token string) (*RefreshTokenRecord, error) {
	cutoff := s.r.now().UTC().Add(-s.r.windows.Idle)

	record := RefreshTokenRecord{UserID: userID, Token: token}
	err := s.r.db.QueryRowContext(ctx, `
		SELECT last_used
		FROM auth_sessions
		WHERE user_id = $1 AND token_hash = $2 AND last_used > $3
	`, userID, hashToken(token), cutoff).Scan(&record.LastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	return &record, nil
}

func (s pgSessions) Touch(ctx context.Context, record *RefreshTokenRecord) error {
	now := s.r.now().UTC()
	if _, err := s.r.db.ExecContext(ctx, `
		UPDATE auth_sessions
		SET last_used = $3
		WHERE user_id = $1 AND token_hash = $2
	`, record.UserID, hashToken(record.Token), now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	record.LastUsed = now
	return nil
}

func (s pgSessions) Delete(ctx context.Context, userID, token string) error {
	if _, err := s.r.db.ExecContext(ctx, `
		DELETE FROM auth_sessions WHERE user_id = $1 AND token_hash = $2
	`, userID, hashToken(token)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupExpired deletes up to batchSize expired rows from each state table.
func (r *Repository) CleanupExpired(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := r.now().UTC()

	deletedFailed, err := r.deleteStale(ctx, "auth_failed_logins", "user_id", "created_at", now.Add(-r.windows.FailedLogin), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLockouts, err := r.deleteStale(ctx, "auth_lockouts", "user_id", "created_at", now.Add(-r.windows.Lockout), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedSessions, err := r.deleteStaleSessions(ctx, now.Add(-r.windows.Idle), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedFailedLogins: deletedFailed,
		DeletedLockouts:     deletedLockouts,
		DeletedSessions:     deletedSessions,
	}, nil
}

// deleteStale interpolates identifiers, so callers pass only the constants above.
func (r *Repository) deleteStale(ctx context.Context, table, key, stamp string, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		WITH stale AS (
			SELECT %[2]s
			FROM %[1]s
			WHERE %[3]s <= $1
			ORDER BY %[3]s ASC
			LIMIT $2
		)
		DELETE FROM %[1]s t
		USING stale
		WHERE t.%[2]s = stale.%[2]s
	`, table, key, stamp), cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s: %w", table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale %s rows affected: %w", table, err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleSessions(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT user_id, token_hash
			FROM auth_sessions
			WHERE last_used <= $1
			ORDER BY last_used ASC
			LIMIT $2
		)
		DELETE FROM auth_sessions t
		USING stale
		WHERE t.user_id = stale.user_id AND t.token_hash = stale.token_hash
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale sessions rows affected: %w", err)
	}

	return affected, nil
}
