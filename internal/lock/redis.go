package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "orgmembers:lock:"

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend takes locks with SET NX PX so they expire after the hold duration
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a backend on a shared Redis client
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// TryAcquire implements Backend
func (b *RedisBackend) TryAcquire(ctx context.Context, key string, hold time.Duration) (Guard, error) {
	token := uuid.NewString()
	ok, err := b.client.SetNX(ctx, redisKeyPrefix+key, token, hold).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %q: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisGuard{client: b.client, key: redisKeyPrefix + key, token: token}, nil
}

type redisGuard struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (g *redisGuard) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key}, g.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis unlock %q: %w", g.key, err)
	}
	return nil
}
