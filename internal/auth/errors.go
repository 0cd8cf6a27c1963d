package auth

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrUsernameTaken       = fmt.Errorf("username taken: %w", ErrDuplicateKey)
	ErrEmailTaken          = fmt.Errorf("email taken: %w", ErrDuplicateKey)
	ErrWeakPassword        = errors.New("password does not meet requirements")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrTooManyFailedLogins = errors.New("too many failed logins")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrSessionExpired      = errors.New("session expired")

	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// DuplicateKeyError reports which unique field a Create call collided on.
type DuplicateKeyError struct {
	Field string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplicate %s: %v", e.Field, e.Err)
	}
	return "duplicate " + e.Field
}

func (e *DuplicateKeyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDuplicateKey}
	}
	return []error{ErrDuplicateKey, e.Err}
}

func isTokenError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken)
}
