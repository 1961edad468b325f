package auth

import (
	"errors"
	"fmt"
)

// ErrCredentialExpired means the access token expired and cannot be refreshed:
// there is no refresh token or the provider rejected it. The user must reconnect.
var ErrCredentialExpired = errors.New("credential expired, user must re-authenticate")

// TokenRefreshError is returned when the token endpoint call fails.
// The next scheduled run retries it.
type TokenRefreshError struct {
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *TokenRefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}
