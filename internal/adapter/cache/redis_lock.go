package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/agentkey/internal/rotation"
)

// releaseScript deletes the lock only if it still holds our token, so a
// holder whose TTL lapsed cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements rotation.Locker with SET NX PX so that only one
// replica runs a scheduler tick at a time.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

var _ rotation.Locker = (*RedisLocker)(nil)

// NewRedisLocker constructs a Redis-backed locker. Keys are namespaced by
// prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock attempts to take key for ttl.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token, err := lockToken()
	if err != nil {
		return nil, false, err
	}
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release lock %s: %w", full, err)
		}
		return nil
	}, true, nil
}

func lockToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
