package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only when it still holds the caller's token.
// Returns 1 when deleted, 0 when absent, -1 when held by someone else.
var unlockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return 0
end
if v == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return -1
`)

// Redis is a Locker shared across server instances.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Locker over client. prefix namespaces every key.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return false, "", nil
	}
	return true, token, nil
}

func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	res, err := unlockScript.Run(ctx, r.client, []string{r.key(key)}, token).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if res < 0 {
		return ErrNotOwner
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
