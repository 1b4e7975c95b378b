package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

var slidingWindow = redis.NewScript(slidingWindowLua)

// RateLimiter is a sliding-window limiter shared by every API replica.
// Timestamps live in one sorted set per key.
type RateLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

func rateLimitKey(key string) string { return namespaced("ratelimit", key) }

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), now: time.Now}
}

// Allow counts one request against key and reports whether it fits in limit
// per window. Rejected requests are not counted.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := slidingWindow.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)},
		rl.now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	switch {
	case err != nil:
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	case len(res) != 2:
		return false, fmt.Errorf("redis: rate limit %s: script returned %d values", key, len(res))
	}
	return res[0] == 1, nil
}
