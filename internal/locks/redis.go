// Package locks provides a Redis-backed mutual exclusion lock shared by service instances.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL        = 2 * time.Minute
	defaultRetryDelay = 100 * time.Millisecond
	keyPrefix         = "folio:lock:"
)

var (
	// ErrLockNotHeld indicates the lock expired or was taken over before release.
	ErrLockNotHeld = errors.New("locks: lock not held")

	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Client is the subset of the Redis client the locker uses.
type Client interface {
	goredis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
}

// RedisLockerConfig configures the lock.
type RedisLockerConfig struct {
	Client     Client
	TTL        time.Duration
	RetryDelay time.Duration
}

// RedisLocker acquires short-lived locks with SET NX and releases them only when still owned.
type RedisLocker struct {
	client     Client
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("locks: redis client required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &RedisLocker{client: cfg.Client, ttl: ttl, retryDelay: retryDelay}, nil
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, address string) (*goredis.Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("locks: redis address required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        address,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Acquire blocks until the lock for key is held or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("locks: key required")
	}
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()
	for {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if acquired {
			return func(releaseCtx context.Context) error {
				return l.release(releaseCtx, redisKey, token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("locks: acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	removed, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
	if err != nil {
		return fmt.Errorf("locks: release %s: %w", redisKey, err)
	}
	if removed == 0 {
		return ErrLockNotHeld
	}
	return nil
}
