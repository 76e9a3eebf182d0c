package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the sliding window in a Redis sorted set per key, scored
// by hit time in milliseconds. Use it when several gateway nodes must share
// one quota.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKeyForWindow(key string) string {
	return fmt.Sprintf("warden:ratelimit:%s", key)
}

func (s *RedisStore) Take(ctx context.Context, key string, window time.Duration, max int) (bool, time.Time, error) {
	now := time.Now()
	rkey := redisKeyForWindow(key)
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	member := uuid.NewString()

	// Add first, then count: two nodes racing can momentarily overshoot, but
	// the loser withdraws its own member below, so the window never keeps
	// more than max hits.
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", cutoff)
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	cntCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, time.Time{}, fmt.Errorf("rate limit window update: %w", err)
	}
	if cntCmd.Val() <= int64(max) {
		return true, time.Time{}, nil
	}

	if err := s.rdb.ZRem(ctx, rkey, member).Err(); err != nil {
		return false, time.Time{}, fmt.Errorf("withdraw rate limit hit: %w", err)
	}
	zs, err := s.rdb.ZRangeWithScores(ctx, rkey, 0, 0).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("read oldest rate limit hit: %w", err)
	}
	if len(zs) == 0 {
		// Window emptied between commands; treat as allowed on retry.
		return false, now, nil
	}
	return false, time.UnixMilli(int64(zs[0].Score)), nil
}
