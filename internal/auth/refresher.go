package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"crmsync/internal/models"
)

// TokenWriter persists refreshed tokens on an existing credential. It must fail
// when the credential is no longer active.
type TokenWriter interface {
	UpdateTokens(ctx context.Context, credentialID string, tokens models.Tokens) error
}

// Refresher keeps a user's access token usable, exchanging the refresh token when needed.
type Refresher struct {
	config *oauth2.Config
	store  TokenWriter
	clock  models.Clock
	logger *slog.Logger
}

// NewRefresher creates a Refresher. config must carry the client id, client secret
// and token endpoint.
func NewRefresher(logger *slog.Logger, config *oauth2.Config, store TokenWriter, clock models.Clock) *Refresher {
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Refresher{config: config, store: store, clock: clock, logger: logger}
}

// EnsureValid returns an access token for the credential.
// A token whose expiry is in the past is refreshed and the new token stored;
// no clock skew margin is applied.
func (r *Refresher) EnsureValid(ctx context.Context, cred *models.Credential) (string, error) {
	if !cred.Expired(r.clock.Now()) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrCredentialExpired
	}

	r.logger.Debug("Access token expired, refreshing.", "user", cred.UserID, "expiry", cred.Expiry)

	// An empty access token forces the token source to hit the endpoint.
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return "", classifyRefreshError(err)
	}

	refresh := token.RefreshToken
	if refresh == "" {
		refresh = cred.RefreshToken
	}
	tokens := models.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: refresh,
		Expiry:       token.Expiry,
	}
	if err := r.store.UpdateTokens(ctx, cred.ID, tokens); err != nil {
		return "", fmt.Errorf("failed to save refreshed token: %w", err)
	}

	cred.AccessToken = tokens.AccessToken
	cred.RefreshToken = tokens.RefreshToken
	cred.Expiry = tokens.Expiry

	r.logger.Info("Refreshed access token.", "user", cred.UserID, "expiry", token.Expiry)
	return token.AccessToken, nil
}

func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %v", ErrCredentialExpired, err)
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &TokenRefreshError{StatusCode: status, Err: err}
	}
	return &TokenRefreshError{Err: err}
}
