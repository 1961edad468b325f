package testutil

import (
	"testing"

	"crmsync/internal/models"
	"crmsync/internal/store"
)

// NewTestStore creates an in-memory SQLite store with migrations applied.
// The store is closed when the test completes.
func NewTestStore(t *testing.T, clock models.Clock) *store.Store {
	t.Helper()

	s, err := store.Open(":memory:", clock, NewStubIDGenerator())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
