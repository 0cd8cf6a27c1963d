package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"fitnesse-backend/internal/observability"

	"github.com/google/uuid"
)

// Dependencies wires a Service. Every field except Logger and Now is required.
type Dependencies struct {
	Credentials CredentialStore
	Failures    FailedAttemptTracker
	Lockouts    LockoutRegistry
	Sessions    SessionRegistry
	Tokens      TokenIssuer
	Cipher      PasswordCipher
	Policy      Policy
	Logger      *observability.Logger
	Now         func() time.Time
}

type Service struct {
	credentials CredentialStore
	failures    FailedAttemptTracker
	lockouts    LockoutRegistry
	sessions    SessionRegistry
	tokens      TokenIssuer
	cipher      PasswordCipher
	policy      Policy
	logger      *observability.Logger
	now         func() time.Time
}

func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errors.New("auth service: credential store is required")
	case deps.Failures == nil:
		return nil, errors.New("auth service: failed-attempt tracker is required")
	case deps.Lockouts == nil:
		return nil, errors.New("auth service: lockout registry is required")
	case deps.Sessions == nil:
		return nil, errors.New("auth service: session registry is required")
	case deps.Tokens == nil:
		return nil, errors.New("auth service: token issuer is required")
	case deps.Cipher == nil:
		return nil, errors.New("auth service: password cipher is required")
	}

	policy := deps.Policy
	defaults := DefaultPolicy()
	if policy.MinPasswordLength <= 0 {
		policy.MinPasswordLength = defaults.MinPasswordLength
	}
	if policy.MaxFailedLogins <= 0 {
		policy.MaxFailedLogins = defaults.MaxFailedLogins
	}
	if policy.AccessTokenLifetime <= 0 {
		policy.AccessTokenLifetime = defaults.AccessTokenLifetime
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		credentials: deps.Credentials,
		failures:    deps.Failures,
		lockouts:    deps.Lockouts,
		sessions:    deps.Sessions,
		tokens:      deps.Tokens,
		cipher:      deps.Cipher,
		policy:      policy,
		logger:      deps.Logger,
		now:         now,
	}, nil
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (*PublicUser, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.TrimSpace(input.Email)

	existing, err := s.credentials.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("find user by username: %w", err)
	}
	if existing != nil {
		return nil, ErrUsernameTaken
	}

	existing, err = s.credentials.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	if utf8.RuneCountInString(input.Password) < s.policy.MinPasswordLength {
		return nil, ErrWeakPassword
	}

	ciphertext, err := s.cipher.Encrypt(input.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	user := &User{
		ID:        id.String(),
		Username:  username,
		Email:     email,
		Password:  ciphertext,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.credentials.Create(ctx, user); err != nil {
		var dup *DuplicateKeyError
		if errors.As(err, &dup) {
			if dup.Field == "email" {
				return nil, ErrEmailTaken
			}
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user registered", map[string]any{"user_id": user.ID})

	public := user.Public()
	return &public, nil
}

// Login checks the lockout before the password, so a locked account is rejected even when the
// password is correct.
func (s *Service) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.credentials.FindByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	lockout, err := s.lockouts.Get(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("get lockout: %w", err)
	}
	if lockout != nil {
		return nil, ErrTooManyFailedLogins
	}

	stored, err := s.cipher.Decrypt(user.Password)
	if err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}

	if !passwordsMatch(stored, password) {
		if err := s.registerFailure(ctx, user.ID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.failures.Clear(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("clear failed logins: %w", err)
	}
	if err := s.lockouts.Clear(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("clear lockout: %w", err)
	}

	accessToken, err := s.tokens.SignAccess(user.ID, s.policy.AccessTokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := s.tokens.SignRefresh(user.ID)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	if _, err := s.sessions.Create(ctx, user.ID, refreshToken); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &LoginResult{
		User:         user.Public(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func (s *Service) registerFailure(ctx context.Context, userID string) error {
	record, err := s.failures.RecordFailure(ctx, userID)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if !IsAtThreshold(record, s.policy.MaxFailedLogins) {
		return nil
	}

	if err := s.lockouts.Lock(ctx, userID); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	if err := s.failures.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear failed logins: %w", err)
	}

	s.logger.Warn("user locked out", map[string]any{
		"user_id":    userID,
		"num_failed": record.NumFailed,
	})
	return nil
}

// Authenticate verifies a request's token pair. See Order for the two step sequences.
func (s *Service) Authenticate(ctx context.Context, creds Credentials, order Order) (*AuthResult, error) {
	if order == OrderSensitive {
		return s.authenticateSensitive(ctx, creds)
	}
	return s.authenticateStandard(ctx, creds)
}

func (s *Service) authenticateStandard(ctx context.Context, creds Credentials) (*AuthResult, error) {
	accessClaims, accessErr := s.requireAccess(creds)
	if errors.Is(accessErr, ErrNotAuthenticated) {
		return nil, accessErr
	}
	if accessErr == nil {
		return &AuthResult{UserID: accessClaims.Subject}, nil
	}

	refreshClaims, err := s.requireRefresh(creds)
	if err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, refreshClaims.Subject, creds.RefreshToken)
	if err != nil {
		return nil, err
	}

	return s.rotateIfNeeded(ctx, session, true)
}

func (s *Service) authenticateSensitive(ctx context.Context, creds Credentials) (*AuthResult, error) {
	refreshClaims, err := s.requireRefresh(creds)
	if err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, refreshClaims.Subject, creds.RefreshToken)
	if err != nil {
		return nil, err
	}

	accessClaims, accessErr := s.requireAccess(creds)
	if errors.Is(accessErr, ErrNotAuthenticated) {
		return nil, accessErr
	}
	// An access token minted for another user does not vouch for this session.
	stale := accessErr != nil || accessClaims.Subject != session.UserID

	return s.rotateIfNeeded(ctx, session, stale)
}

// requireAccess returns ErrNotAuthenticated when no access token was sent, or the issuer's
// token error when it does not verify.
func (s *Service) requireAccess(creds Credentials) (*TokenClaims, error) {
	if creds.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	return s.tokens.VerifyAccess(creds.AccessToken)
}

func (s *Service) requireRefresh(creds Credentials) (*TokenClaims, error) {
	if creds.RefreshToken == "" {
		return nil, ErrSessionExpired
	}

	claims, err := s.tokens.VerifyRefresh(creds.RefreshToken)
	if err != nil {
		if isTokenError(err) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("verify refresh token: %w", err)
	}
	return claims, nil
}

func (s *Service) loadSession(ctx context.Context, userID, refreshToken string) (*RefreshTokenRecord, error) {
	session, err := s.sessions.Find(ctx, userID, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (s *Service) rotateIfNeeded(ctx context.Context, session *RefreshTokenRecord, rotate bool) (*AuthResult, error) {
	if err := s.sessions.Touch(ctx, session); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	result := &AuthResult{UserID: session.UserID}
	if !rotate {
		return result, nil
	}

	accessToken, err := s.tokens.SignAccess(session.UserID, s.policy.AccessTokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	result.NewAccessToken = accessToken
	return result, nil
}

// Logout deletes the session named by refreshToken. Deleting an absent session is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.requireRefresh(Credentials{RefreshToken: refreshToken})
	if err != nil {
		return err
	}

	if err := s.sessions.Delete(ctx, claims.Subject, refreshToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (*PublicUser, error) {
	user, err := s.credentials.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	if user == nil {
		return nil, ErrNotAuthenticated
	}

	public := user.Public()
	return &public, nil
}
