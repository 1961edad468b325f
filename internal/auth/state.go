package auth

import (
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"crmsync/internal/models"
)

// DefaultStateTTL bounds how long a consent link can be completed.
const DefaultStateTTL = 10 * time.Minute

// ErrUnknownState is returned for a state that was never issued, has expired
// or was already used.
var ErrUnknownState = errors.New("unknown or expired oauth state")

// StateStore binds the OAuth state parameter to the user that started the
// consent flow. A state can be consumed once.
type StateStore struct {
	cache *ttlcache.Cache[string, string]
	ids   models.IDGenerator
}

// NewStateStore creates a StateStore whose states expire after ttl.
func NewStateStore(ttl time.Duration, ids models.IDGenerator) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return &StateStore{cache: cache, ids: ids}
}

// Issue returns a new state for userID.
func (s *StateStore) Issue(userID string) string {
	state := s.ids.New()
	s.cache.Set(state, userID, ttlcache.DefaultTTL)
	return state
}

// Consume returns the user bound to state and forgets the state.
func (s *StateStore) Consume(state string) (string, error) {
	if state == "" {
		return "", ErrUnknownState
	}
	it, ok := s.cache.GetAndDelete(state)
	if !ok {
		return "", ErrUnknownState
	}
	return it.Value(), nil
}
