package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock *testClock) *JWTIssuer {
	t.Helper()

	issuer, err := NewJWTIssuer("access-secret", "refresh-secret", clock.Now)
	if err != nil {
		t.Fatalf("NewJWTIssuer failed: %v", err)
	}
	return issuer
}

func TestAccessTokenExpires(t *testing.T) {
	clock := newTestClock()
	issuer := newTestIssuer(t, clock)

	token, err := issuer.SignAccess("user-1", 15*time.Minute)
	if err != nil {
		t.Fatalf("SignAccess failed: %v", err)
	}

	claims, err := issuer.VerifyAccess(token)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.Type != tokenTypeAccess {
		t.Fatalf("unexpected claims %+v", claims)
	}

	clock.Advance(15 * time.Minute)
	if _, err := issuer.VerifyAccess(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestRefreshTokenHasNoExpiry(t *testing.T) {
	clock := newTestClock()
	issuer := newTestIssuer(t, clock)

	first, err := issuer.SignRefresh("user-1")
	if err != nil {
		t.Fatalf("SignRefresh failed: %v", err)
	}
	second, _ := issuer.SignRefresh("user-1")
	if first == second {
		t.Fatal("expected refresh tokens to differ by jti")
	}

	clock.Advance(365 * 24 * time.Hour)
	claims, err := issuer.VerifyRefresh(first)
	if err != nil {
		t.Fatalf("VerifyRefresh failed: %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Fatalf("expected no exp claim, got %v", claims.ExpiresAt)
	}
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	issuer := newTestIssuer(t, newTestClock())

	access, _ := issuer.SignAccess("user-1", time.Minute)
	refresh, _ := issuer.SignRefresh("user-1")

	if _, err := issuer.VerifyRefresh(access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected access token to be rejected as refresh, got %v", err)
	}
	if _, err := issuer.VerifyAccess(refresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected refresh token to be rejected as access, got %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	clock := newTestClock()
	issuer := newTestIssuer(t, clock)

	other, err := NewJWTIssuer("other-access", "other-refresh", clock.Now)
	if err != nil {
		t.Fatalf("NewJWTIssuer failed: %v", err)
	}
	foreign, _ := other.SignAccess("user-1", time.Minute)

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Type: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("access-secret"))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Type:             tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString([]byte("access-secret"))

	for name, token := range map[string]string{
		"other secret": foreign,
		"no subject":   noSubject,
		"no expiry":    noExpiry,
		"garbage":      "not.a.jwt",
		"empty":        "",
	} {
		if _, err := issuer.VerifyAccess(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewJWTIssuerValidatesSecrets(t *testing.T) {
	for _, pair := range [][2]string{{"", "x"}, {"x", ""}, {"same", "same"}} {
		if _, err := NewJWTIssuer(pair[0], pair[1], nil); err == nil {
			t.Fatalf("expected error for secrets %q/%q", pair[0], pair[1])
		}
	}
}
