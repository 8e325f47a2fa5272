package lock

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store is the pair of atomic primitives a lock needs from its backend.
type Store interface {
	// SetNXPX writes value under key with the given expiry only if key is
	// absent. It reports whether the write took effect.
	SetNXPX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds value, in one
	// atomic step. It reports whether the delete took effect.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store with SET NX PX and a compare-and-delete script.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// SetNXPX implements Store.SetNXPX.
func (s *RedisStore) SetNXPX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndDelete implements Store.CompareAndDelete. The script is sent by
// digest and loaded on a NOSCRIPT reply.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, value).Int64()
	if stdErrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
