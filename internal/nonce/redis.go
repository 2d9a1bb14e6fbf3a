package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only when the stored token still belongs to
// this holder, so an expired lease re-acquired elsewhere is never clobbered.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

const acquireRetryInterval = 100 * time.Millisecond

// RedisLockerOptions tune the lease.
type RedisLockerOptions struct {
	// TTL is the lease duration; a crashed holder frees the key after TTL.
	TTL time.Duration
	// Wait bounds how long Acquire polls before returning ErrLockTimeout.
	Wait time.Duration
}

// redisLockClient is the slice of the redis API the locker needs.
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker implements Locker on a shared Redis instance using
// SET NX PX leases with token-checked release.
type RedisLocker struct {
	client redisLockClient
	opts   RedisLockerOptions
	logger zerolog.Logger
}

// NewRedisLocker wires a redis client into a distributed locker.
func NewRedisLocker(client redisLockClient, opts RedisLockerOptions, logger zerolog.Logger) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	return &RedisLocker{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "redis_locker").Logger(),
	}
}

// Acquire polls SET NX until the key is obtained or the bounded wait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.opts.Wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("nonce: acquire %s: %w", key, err)
		}
		if ok {
			return l.releaseFunc(key, token), nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, l.opts.Wait)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-time.After(acquireRetryInterval):
		}
	}
}

func (l *RedisLocker) releaseFunc(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("lock release failed; lease will expire via TTL")
		}
	}
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisClient builds a redis client for the locker.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}
