package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// CredentialStore persists users. Lookups return nil, nil when nothing matches.
// Create returns a *DuplicateKeyError when a unique constraint rejects the row.
type CredentialStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByIdentifier(ctx context.Context, usernameOrEmail string) (*User, error)
	Create(ctx context.Context, user *User) error
}

// FailedAttemptTracker counts recent failed logins per user. Expired records read as absent.
type FailedAttemptTracker interface {
	Get(ctx context.Context, userID string) (*FailedLoginRecord, error)
	// RecordFailure is a read-modify-write, not an atomic increment. Concurrent failures for
	// the same user may be under-counted.
	RecordFailure(ctx context.Context, userID string) (*FailedLoginRecord, error)
	Clear(ctx context.Context, userID string) error
}

// LockoutRegistry holds per-user lockout markers. Expired markers read as absent.
type LockoutRegistry interface {
	Get(ctx context.Context, userID string) (*LockoutRecord, error)
	Lock(ctx context.Context, userID string) error
	Clear(ctx context.Context, userID string) error
}

// SessionRegistry holds refresh-token sessions keyed by (userID, token).
// A session not touched for the idle timeout reads as absent.
type SessionRegistry interface {
	Create(ctx context.Context, userID, token string) (*RefreshTokenRecord, error)
	Find(ctx context.Context, userID, token string) (*RefreshTokenRecord, error)
	Touch(ctx context.Context, record *RefreshTokenRecord) error
	Delete(ctx context.Context, userID, token string) error
}

// IsAtThreshold reports whether record has reached maxFailed failures.
func IsAtThreshold(record *FailedLoginRecord, maxFailed int) bool {
	return record != nil && record.NumFailed >= maxFailed
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
