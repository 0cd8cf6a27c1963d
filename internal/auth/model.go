package auth

import "time"

// User is the persisted credential record. Password holds reversible ciphertext, never plaintext.
type User struct {
	ID        string
	Username  string
	Email     string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PublicUser is the view of a User that may leave the service.
type PublicUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// FailedLoginRecord counts recent failed logins. It expires FailedLoginWindow after CreatedAt.
type FailedLoginRecord struct {
	UserID    string    `json:"userId"`
	NumFailed int       `json:"numFailed"`
	CreatedAt time.Time `json:"createdAt"`
}

// LockoutRecord blocks login while it exists. It expires LockoutDuration after CreatedAt.
type LockoutRecord struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RefreshTokenRecord is one login session. It expires IdleTimeout after LastUsed.
type RefreshTokenRecord struct {
	UserID   string    `json:"userId"`
	Token    string    `json:"-"`
	LastUsed time.Time `json:"lastUsed"`
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type LoginResult struct {
	User         PublicUser
	AccessToken  string
	RefreshToken string
}

// Credentials are the raw bearer tokens presented with a request. Empty means absent.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is the outcome of a successful Authenticate call.
// NewAccessToken is set only when the access token was rotated.
type AuthResult struct {
	UserID         string
	NewAccessToken string
}

// Order selects the step order of Authenticate.
type Order int

const (
	// OrderStandard trusts a valid access token without a store lookup and consults the
	// session only when the access token must be rotated.
	OrderStandard Order = iota
	// OrderSensitive re-validates the session before looking at the access token.
	OrderSensitive
)

func (o Order) String() string {
	switch o {
	case OrderSensitive:
		return "sensitive"
	default:
		return "standard"
	}
}

// Policy holds the tunables of the credential state machine.
type Policy struct {
	MinPasswordLength   int
	MaxFailedLogins     int
	FailedLoginWindow   time.Duration
	LockoutDuration     time.Duration
	IdleTimeout         time.Duration
	AccessTokenLifetime time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinPasswordLength:   8,
		MaxFailedLogins:     5,
		FailedLoginWindow:   15 * time.Minute,
		LockoutDuration:     15 * time.Minute,
		IdleTimeout:         7 * 24 * time.Hour,
		AccessTokenLifetime: 15 * time.Minute,
	}
}
