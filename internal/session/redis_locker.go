package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockPrefix   = "studio:processing:"
	defaultRedisLease = 10 * time.Minute
)

// Only the holder that set the token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica pointing at the same Redis.
// Leases expire on their own so a crashed replica cannot hold a session forever.
type RedisLocker struct {
	client *redis.Client
	lease  time.Duration
}

// NewRedisLocker connects to the Redis server at url (redis://host:port/db).
func NewRedisLocker(ctx context.Context, url string, lease time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if lease <= 0 {
		lease = defaultRedisLease
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLocker{client: client, lease: lease}, nil
}

// TryLock sets the lease key if absent.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token, err := gonanoid.New()
	if err != nil {
		return nil, false, fmt.Errorf("generate lock token: %w", err)
	}

	redisKey := redisLockPrefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			slog.Warn("Failed to release processing lock", "key", key, "error", err)
		}
	}
	return release, true, nil
}

// Ping verifies the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
