package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter implements a sliding window rate limiter backed by Redis sorted sets.
// Rejected attempts are recorded too, so a client that keeps guessing stays
// blocked until it pauses for a full window.
type Limiter struct {
	Client redis.Cmdable
	Prefix string
	Now    func() time.Time
}

// Decision is the outcome of a single attempt.
type Decision struct {
	Allowed   bool
	Remaining int
	// Reset is when the oldest attempt in the window expires.
	Reset time.Time
}

// Allow records an attempt for key and reports whether it fits within limit per window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, limit int) (Decision, error) {
	now := l.now()
	d := Decision{Allowed: true, Remaining: limit, Reset: now.Add(window)}
	if l.Client == nil || limit <= 0 || window <= 0 {
		return d, nil
	}

	redisKey := l.Prefix + key
	cutoff := now.Add(-window).UnixMicro()

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()})
	count := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Reset: d.Reset}, err
	}

	current := int(count.Val())
	d.Allowed = current <= limit
	d.Remaining = max(limit-current, 0)
	if first := oldest.Val(); len(first) > 0 {
		d.Reset = time.UnixMicro(int64(first[0].Score)).Add(window)
	}
	return d, nil
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
