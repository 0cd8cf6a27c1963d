package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenIssuer mints and verifies the access/refresh pair. Verify methods fail with
// ErrInvalidToken or ErrExpiredToken.
type TokenIssuer interface {
	SignAccess(userID string, lifetime time.Duration) (string, error)
	SignRefresh(userID string) (string, error)
	VerifyAccess(token string) (*TokenClaims, error)
	VerifyRefresh(token string) (*TokenClaims, error)
}

type TokenClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 tokens. Access tokens expire; refresh tokens carry no exp claim and
// are trusted only while a matching session record exists.
type JWTIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewJWTIssuer(accessSecret, refreshSecret string, now func() time.Time) (*JWTIssuer, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("token signing secrets must not be empty")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	if now == nil {
		now = time.Now
	}

	return &JWTIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           now,
	}, nil
}

func (i *JWTIssuer) SignAccess(userID string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		return "", fmt.Errorf("invalid access token lifetime %s", lifetime)
	}

	now := i.now().UTC()
	claims := TokenClaims{
		Type: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	return i.sign(claims, i.accessSecret)
}

func (i *JWTIssuer) SignRefresh(userID string) (string, error) {
	claims := TokenClaims{
		Type: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(i.now().UTC()),
			ID:       uuid.NewString(),
		},
	}

	return i.sign(claims, i.refreshSecret)
}

func (i *JWTIssuer) VerifyAccess(token string) (*TokenClaims, error) {
	return i.verify(token, i.accessSecret, tokenTypeAccess, jwt.WithExpirationRequired())
}

func (i *JWTIssuer) VerifyRefresh(token string) (*TokenClaims, error) {
	return i.verify(token, i.refreshSecret, tokenTypeRefresh)
}

func (i *JWTIssuer) sign(claims TokenClaims, secret []byte) (string, error) {
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

func (i *JWTIssuer) verify(token string, secret []byte, wantType string, extra ...jwt.ParserOption) (*TokenClaims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	options := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}, extra...)

	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Type != wantType || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
