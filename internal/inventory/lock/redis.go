package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
)

// releaseScript deletes the key only when it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker shares opname locks between service replicas.
// Locks are obtained through redislock; since the session that releases a lock
// may run on another replica than the one that took it, release and holder
// checks work on the stored token instead of the *redislock.Lock handle.
type RedisLocker struct {
	rdb    *redis.Client
	locker *redislock.Client
}

// NewRedisLocker wraps a go-redis client
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:    rdb,
		locker: redislock.New(rdb),
	}
}

// Acquire obtains key without retrying; a held key is OpnameLocked
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	lk, err := l.locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if stderrors.Is(err, redislock.ErrNotObtained) {
			return "", errors.OpnameLocked(productOf(key))
		}
		return "", errors.Unavailable(fmt.Sprintf("lock backend: %v", err))
	}
	// without metadata the stored value is exactly the token
	return lk.Token(), nil
}

// Release deletes key if token still owns it
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && !stderrors.Is(err, redis.Nil) {
		return errors.Unavailable(fmt.Sprintf("lock backend: %v", err))
	}
	return nil
}

// Holder reads the token stored under key
func (l *RedisLocker) Holder(ctx context.Context, key string) (string, bool, error) {
	token, err := l.rdb.Get(ctx, key).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, errors.Unavailable(fmt.Sprintf("lock backend: %v", err))
	}
	return token, true, nil
}
