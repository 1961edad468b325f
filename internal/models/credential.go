package models

import "time"

// Integration types a credential can belong to.
const (
	IntegrationGoogle = "google"
	IntegrationCalDAV = "caldav"
)

// Credential holds a user's tokens for one external calendar integration.
// Rows are deactivated on disconnect and never deleted.
type Credential struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	IntegrationType string    `json:"integration_type"`
	Account         string    `json:"account,omitempty"`
	AccessToken     string    `json:"-"`
	RefreshToken    string    `json:"-"`
	Expiry          time.Time `json:"expiry,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Expired reports whether the access token expired before now.
// A zero expiry never expires.
func (c *Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// Tokens is the token set written by an upsert.
type Tokens struct {
	Account      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Authorization is what a provider needs to act on behalf of a user.
type Authorization struct {
	UserID      string
	Account     string
	AccessToken string
}
