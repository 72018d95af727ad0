package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/smartgate/internal/registry"
)

// window is one of a user's three independently enforced budgets.
type window struct {
	suffix string
	size   time.Duration
	limit  int
}

// UserLimiter enforces a registry.User's per-minute/per-hour/per-day
// budgets, reusing the same sliding-window Lua script as RPMLimiter — one
// independent sorted set per window, keyed by user ID.
type UserLimiter struct {
	rdb *redis.Client
}

// NewUserLimiter creates a UserLimiter backed by rdb.
func NewUserLimiter(rdb *redis.Client) *UserLimiter {
	return &UserLimiter{rdb: rdb}
}

// Allow checks every configured window for userID's rate limit in order
// from tightest to widest, short-circuiting on the first rejection. A nil
// or all-zero rl means unlimited. On Redis failure, Allow degrades open
// (matching RPMLimiter's behavior) rather than blocking traffic because
// the rate limiter itself is unavailable.
func (u *UserLimiter) Allow(ctx context.Context, userID string, rl *registry.RateLimit) (bool, error) {
	if rl == nil {
		return true, nil
	}

	for _, w := range windowsFor(rl) {
		key := fmt.Sprintf("ratelimit:user:%s:%s", userID, w.suffix)
		allowed, err := u.check(ctx, key, w.size, w.limit)
		if err != nil {
			return true, nil
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

func windowsFor(rl *registry.RateLimit) []window {
	var ws []window
	if rl.PerMinute > 0 {
		ws = append(ws, window{suffix: "m", size: time.Minute, limit: rl.PerMinute})
	}
	if rl.PerHour > 0 {
		ws = append(ws, window{suffix: "h", size: time.Hour, limit: rl.PerHour})
	}
	if rl.PerDay > 0 {
		ws = append(ws, window{suffix: "d", size: 24 * time.Hour, limit: rl.PerDay})
	}
	return ws
}

func (u *UserLimiter) check(ctx context.Context, key string, size time.Duration, limit int) (bool, error) {
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, u.rdb,
		[]string{key},
		now, size.Nanoseconds(), limit,
	).Int()
	if err != nil {
		return true, err
	}
	return result == 1, nil
}
