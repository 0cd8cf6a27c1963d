package auth

import (
	"context"
	"net/http"
	"strings"

	"fitnesse-backend/internal/observability"
)

const (
	AuthorizationHeader  = "Authorization"
	RefreshTokenHeader   = "X-Refresh-Token"
	NewAccessTokenHeader = "X-New-Access-Token"
)

type contextKey string

const userIDContextKey contextKey = "auth_user_id"

// Authenticator is the part of Service a Guard needs.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials, order Order) (*AuthResult, error)
}

// Guard protects routes with the token pair carried in the request headers.
type Guard struct {
	auth   Authenticator
	logger *observability.Logger
}

func NewGuard(auth Authenticator, logger *observability.Logger) *Guard {
	return &Guard{auth: auth, logger: logger}
}

func (g *Guard) Require(order Order, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := CredentialsFromRequest(r)

		result, err := g.auth.Authenticate(r.Context(), creds, order)
		if err != nil {
			writeServiceError(w, r, g.logger, err)
			return
		}

		if result.NewAccessToken != "" {
			w.Header().Set(NewAccessTokenHeader, result.NewAccessToken)
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), result.UserID)))
	})
}

func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		AccessToken:  bearerToken(r.Header.Get(AuthorizationHeader)),
		RefreshToken: bearerToken(r.Header.Get(RefreshTokenHeader)),
	}
}

// bearerToken strips a case-insensitive "Bearer " prefix. A header with any other shape is
// returned as-is so it fails verification instead of reading as absent.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return header
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return header
	}
	return token
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok && userID != ""
}
