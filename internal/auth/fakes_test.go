package auth

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"fitnesse-backend/internal/observability"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryCredentials struct {
	mu        sync.Mutex
	users     map[string]User
	createErr error
}

func newMemoryCredentials() *memoryCredentials {
	return &memoryCredentials{users: make(map[string]User)}
}

func (m *memoryCredentials) find(match func(User) bool) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			found := u
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memoryCredentials) FindByID(_ context.Context, id string) (*User, error) {
	return m.find(func(u User) bool { return u.ID == id })
}

func (m *memoryCredentials) FindByUsername(_ context.Context, username string) (*User, error) {
	return m.find(func(u User) bool { return u.Username == username })
}

func (m *memoryCredentials) FindByEmail(_ context.Context, email string) (*User, error) {
	return m.find(func(u User) bool { return u.Email == email })
}

func (m *memoryCredentials) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	if u, err := m.FindByUsername(ctx, identifier); u != nil || err != nil {
		return u, err
	}
	return m.FindByEmail(ctx, identifier)
}

func (m *memoryCredentials) Create(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.users {
		if u.Username == user.Username {
			return &DuplicateKeyError{Field: "username"}
		}
		if u.Email == user.Email {
			return &DuplicateKeyError{Field: "email"}
		}
	}
	m.users[user.ID] = *user
	return nil
}

// memoryState mirrors the store contract: a record past its window reads as absent.
type memoryState struct {
	mu       sync.Mutex
	clock    *testClock
	windows  StateWindows
	failed   map[string]FailedLoginRecord
	lockouts map[string]LockoutRecord
	sessions map[string]RefreshTokenRecord
}

func newMemoryState(clock *testClock, windows StateWindows) *memoryState {
	return &memoryState{
		clock:    clock,
		windows:  windows,
		failed:   make(map[string]FailedLoginRecord),
		lockouts: make(map[string]LockoutRecord),
		sessions: make(map[string]RefreshTokenRecord),
	}
}

func (m *memoryState) alive(ref time.Time, window time.Duration) bool {
	return ref.Add(window).After(m.clock.Now())
}

func (m *memoryState) State() State {
	return State{Failures: memoryFailures{m}, Lockouts: memoryLockouts{m}, Sessions: memorySessions{m}}
}

type memoryFailures struct{ m *memoryState }

func (f memoryFailures) Get(_ context.Context, userID string) (*FailedLoginRecord, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	rec, ok := f.m.failed[userID]
	if !ok || !f.m.alive(rec.CreatedAt, f.m.windows.FailedLogin) {
		return nil, nil
	}
	return &rec, nil
}

func (f memoryFailures) RecordFailure(ctx context.Context, userID string) (*FailedLoginRecord, error) {
	current, _ := f.Get(ctx, userID)

	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	next := FailedLoginRecord{UserID: userID, NumFailed: 1, CreatedAt: f.m.clock.Now()}
	if current != nil {
		next.NumFailed = current.NumFailed + 1
		next.CreatedAt = current.CreatedAt
	}
	f.m.failed[userID] = next
	return &next, nil
}

func (f memoryFailures) Clear(_ context.Context, userID string) error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	delete(f.m.failed, userID)
	return nil
}

type memoryLockouts struct{ m *memoryState }

func (l memoryLockouts) Get(_ context.Context, userID string) (*LockoutRecord, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	rec, ok := l.m.lockouts[userID]
	if !ok || !l.m.alive(rec.CreatedAt, l.m.windows.Lockout) {
		return nil, nil
	}
	return &rec, nil
}

func (l memoryLockouts) Lock(_ context.Context, userID string) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.lockouts[userID] = LockoutRecord{UserID: userID, CreatedAt: l.m.clock.Now()}
	return nil
}

func (l memoryLockouts) Clear(_ context.Context, userID string) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	delete(l.m.lockouts, userID)
	return nil
}

type memorySessions struct{ m *memoryState }

func (s memorySessions) key(userID, token string) string {
	return userID + ":" + hashToken(token)
}

func (s memorySessions) Create(_ context.Context, userID, token string) (*RefreshTokenRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec := RefreshTokenRecord{UserID: userID, Token: token, LastUsed: s.m.clock.Now()}
	s.m.sessions[s.key(userID, token)] = rec
	return &rec, nil
}

func (s memorySessions) Find(_ context.Context, userID, token string) (*RefreshTokenRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rec, ok := s.m.sessions[s.key(userID, token)]
	if !ok || !s.m.alive(rec.LastUsed, s.m.windows.Idle) {
		return nil, nil
	}
	return &rec, nil
}

func (s memorySessions) Touch(_ context.Context, record *RefreshTokenRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := s.key(record.UserID, record.Token)
	if _, ok := s.m.sessions[key]; !ok {
		return nil
	}
	record.LastUsed = s.m.clock.Now()
	s.m.sessions[key] = *record
	return nil
}

func (s memorySessions) Delete(_ context.Context, userID, token string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.sessions, s.key(userID, token))
	return nil
}

type testEnv struct {
	clock       *testClock
	credentials *memoryCredentials
	state       *memoryState
	issuer      *JWTIssuer
	service     *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPolicy(t, DefaultPolicy())
}

func newTestEnvWithPolicy(t *testing.T, policy Policy) *testEnv {
	t.Helper()

	clock := newTestClock()
	credentials := newMemoryCredentials()
	state := newMemoryState(clock, policy.Windows())

	issuer, err := NewJWTIssuer("access-secret-for-tests", "refresh-secret-for-tests", clock.Now)
	if err != nil {
		t.Fatalf("NewJWTIssuer failed: %v", err)
	}
	cipher, err := NewSecretBoxCipher("password-secret-for-tests")
	if err != nil {
		t.Fatalf("NewSecretBoxCipher failed: %v", err)
	}

	registries := state.State()
	service, err := NewService(Dependencies{
		Credentials: credentials,
		Failures:    registries.Failures,
		Lockouts:    registries.Lockouts,
		Sessions:    registries.Sessions,
		Tokens:      issuer,
		Cipher:      cipher,
		Policy:      policy,
		Logger:      observability.NewLoggerTo(io.Discard),
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	return &testEnv{clock: clock, credentials: credentials, state: state, issuer: issuer, service: service}
}

func (e *testEnv) register(t *testing.T, username, email, password string) *PublicUser {
	t.Helper()

	user, err := e.service.Register(context.Background(), RegisterInput{Username: username, Email: email, Password: password})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", username, err)
	}
	return user
}

func (e *testEnv) login(t *testing.T, identifier, password string) *LoginResult {
	t.Helper()

	result, err := e.service.Login(context.Background(), identifier, password)
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", identifier, err)
	}
	return result
}
