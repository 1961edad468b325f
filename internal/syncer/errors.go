package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned when the user has no active credential for the integration.
	ErrNoCredential = errors.New("no active calendar credential")
	// ErrSyncInProgress is returned when another run for the same user holds the guard.
	ErrSyncInProgress = errors.New("sync already in progress for user")
)

// FetchError ends the import phase for a user. The export phase still runs.
type FetchError struct {
	UserID string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch external events for %s: %v", e.UserID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ExportError is a single local event that could not be created remotely.
type ExportError struct {
	EventID string
	Err     error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export event %s: %v", e.EventID, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
