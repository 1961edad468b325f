package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"crmsync/internal/models"
)

// DefaultGuardTTL bounds how long a crashed run can keep a user locked.
const DefaultGuardTTL = 10 * time.Minute

// MemoryGuard serializes runs inside one process.
type MemoryGuard struct {
	cache *ttlcache.Cache[string, string]
	ids   models.IDGenerator
}

// NewMemoryGuard creates an in-process guard whose locks expire after ttl.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return &MemoryGuard{cache: cache, ids: models.UUIDGenerator{}}
}

func (g *MemoryGuard) Acquire(_ context.Context, userID string) (func(), error) {
	token := g.ids.New()
	if _, found := g.cache.GetOrSet(userID, token); found {
		return nil, ErrSyncInProgress
	}
	return func() {
		if it := g.cache.Get(userID); it != nil && it.Value() == token {
			g.cache.Delete(userID)
		}
	}, nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard serializes runs across instances sharing a Redis server.
type RedisGuard struct {
	logger *slog.Logger
	client redis.UniversalClient
	ttl    time.Duration
	ids    models.IDGenerator
}

// NewRedisGuard creates a guard backed by client.
func NewRedisGuard(logger *slog.Logger, client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &RedisGuard{logger: logger, client: client, ttl: ttl, ids: models.UUIDGenerator{}}
}

func guardKey(userID string) string {
	return "crmsync:sync:" + userID
}

func (g *RedisGuard) Acquire(ctx context.Context, userID string) (func(), error) {
	token := g.ids.New()
	key := guardKey(userID)
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	return func() {
		// The run's context may already be cancelled.
		if err := releaseScript.Run(context.Background(), g.client, []string{key}, token).Err(); err != nil {
			g.logger.Warn("Failed to release sync lock, it expires with its TTL.",
				"user", userID, "ttl", g.ttl, "error", err)
		}
	}, nil
}
