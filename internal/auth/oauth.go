package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"crmsync/internal/models"
)

// CredentialUpserter stores a newly authorized credential.
type CredentialUpserter interface {
	UpsertCredential(ctx context.Context, userID, integrationType string, tokens models.Tokens) error
}

// GoogleConfig builds the OAuth2 client configuration for the Google integration.
// Empty authURL or tokenURL fall back to Google's endpoints.
// Client credentials travel in the form body, as the token endpoint expects.
func GoogleConfig(clientID, clientSecret, redirectURL, authURL, tokenURL string) *oauth2.Config {
	endpoint := google.Endpoint
	if authURL != "" {
		endpoint.AuthURL = authURL
	}
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarEventsScope},
		Endpoint:     endpoint,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func AuthCodeURL(config *oauth2.Config, state string) string {
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Connect exchanges an authorization code and stores the resulting tokens
// as the user's active credential.
func Connect(ctx context.Context, config *oauth2.Config, store CredentialUpserter, userID, account, code string) error {
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("provider returned no refresh token; revoke access and connect again")
	}

	err = store.UpsertCredential(ctx, userID, models.IntegrationGoogle, models.Tokens{
		Account:      account,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Connector runs the browser consent flow. The user is recovered from the
// state issued with the consent link, never from the callback request itself.
type Connector struct {
	config *oauth2.Config
	store  CredentialUpserter
	states *StateStore
}

// NewConnector creates a Connector.
func NewConnector(config *oauth2.Config, store CredentialUpserter, states *StateStore) *Connector {
	return &Connector{config: config, store: store, states: states}
}

// AuthURL returns a single-use consent link for userID.
func (c *Connector) AuthURL(userID string) string {
	return AuthCodeURL(c.config, c.states.Issue(userID))
}

// Complete stores the credential for the user the state was issued to
// and returns that user.
func (c *Connector) Complete(ctx context.Context, state, code string) (string, error) {
	userID, err := c.states.Consume(state)
	if err != nil {
		return "", err
	}
	if err := Connect(ctx, c.config, c.store, userID, "", code); err != nil {
		return userID, err
	}
	return userID, nil
}
