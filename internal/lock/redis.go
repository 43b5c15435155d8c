package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our owner token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements Manager with SET NX PX.
type RedisManager struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisManager returns a manager storing keys under prefix.
func NewRedisManager(client redis.UniversalClient, prefix string) *RedisManager {
	return &RedisManager{client: client, prefix: prefix}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, opts Options) (Lease, error) {
	k := m.prefix + key
	owner := uuid.NewString()
	err := poll(ctx, opts.Wait, func() (bool, error) {
		ok, err := m.client.SetNX(ctx, k, owner, opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("redis setnx: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{client: m.client, key: k, owner: owner}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
