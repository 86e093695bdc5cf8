package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultRedisExpiration    = 30 * time.Second
	defaultRedisRetryInterval = 50 * time.Millisecond
	defaultRedisMaxRetries    = 100
)

// ErrLockFailed is returned when a key stays held for every retry.
var ErrLockFailed = errors.New("lock not acquired")

// unlockScript deletes the key only while it still holds this caller's token, so an expired
// lock taken over by another caller is left alone.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker is a SET NX EX lock shared by every instance pointed at the same Redis.
type RedisLocker struct {
	client        redis.UniversalClient
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithExpiration bounds how long a crashed holder can keep a key.
func WithExpiration(expiration time.Duration) RedisOption {
	return func(locker *RedisLocker) {
		if expiration > 0 {
			locker.expiration = expiration
		}
	}
}

// WithRetry sets the polling interval and attempt count used while a key is held.
func WithRetry(interval time.Duration, maxRetries int) RedisOption {
	return func(locker *RedisLocker) {
		if interval > 0 {
			locker.retryInterval = interval
		}
		if maxRetries > 0 {
			locker.maxRetries = maxRetries
		}
	}
}

// NewRedisLocker wraps client.
func NewRedisLocker(client redis.UniversalClient, options ...RedisOption) *RedisLocker {
	locker := &RedisLocker{
		client:        client,
		expiration:    defaultRedisExpiration,
		retryInterval: defaultRedisRetryInterval,
		maxRetries:    defaultRedisMaxRetries,
	}
	for _, option := range options {
		option(locker)
	}
	return locker
}

// TryLock makes a single acquisition attempt.
func (locker *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, key, token, locker.expiration).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return locker.unlockFunc(key, token), true, nil
}

// Lock retries TryLock until the key is acquired, the retries run out or ctx is done.
func (locker *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	for attempt := 0; attempt < locker.maxRetries; attempt++ {
		unlock, acquired, err := locker.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if acquired {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(locker.retryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockFailed, key)
}

func (locker *RedisLocker) unlockFunc(key string, token string) func() {
	return func() {
		// the caller's context may already be cancelled when it releases
		ctx, cancel := context.WithTimeout(context.Background(), locker.retryInterval*10)
		defer cancel()
		_ = unlockScript.Run(ctx, locker.client, []string{key}, token).Err()
	}
}
