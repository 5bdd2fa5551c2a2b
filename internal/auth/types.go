package auth

import (
	"time"
)

// Account is the identity for one backend connection. At most one account is
// current per process; token material lives in the CredentialsStore, not here.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ServerURL string    `json:"serverUrl"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Credentials is the token pair for an account. A Credentials value is only
// ever replaced as a whole; refresh always produces a brand-new record.
// Dates serialize as RFC3339 strings rather than epoch numbers for backward
// compatibility with previously stored blobs.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// Valid reports whether the access token is still inside its validity window.
// Some backends omit the expiration field; such tokens count as valid until
// the backend rejects them, which routes through the onAuthError refresh path.
func (c *Credentials) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt)
}

// Age returns how long ago the credentials were issued or last refreshed.
func (c *Credentials) Age(now time.Time) time.Duration {
	if c == nil || c.IssuedAt.IsZero() {
		return 0
	}
	return now.Sub(c.IssuedAt)
}
