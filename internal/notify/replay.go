package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ReplayProtector claims a key for a TTL so a delivery is handled once.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisReplayProtector implements ReplayProtector with SETNX. A nil client admits everything.
type RedisReplayProtector struct {
	Client *redis.Client
	Prefix string
}

// Acquire claims key for ttl and reports whether this caller won it.
func (r RedisReplayProtector) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, r.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release drops a claim so a later retry can be processed.
func (r RedisReplayProtector) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, r.key(key)).Err()
}

func (r RedisReplayProtector) key(k string) string {
	if r.Prefix == "" {
		return k
	}
	return r.Prefix + ":" + k
}
