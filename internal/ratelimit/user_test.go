package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/smartgate/internal/ratelimit"
	"github.com/nulpointcorp/smartgate/internal/registry"
)

func newUserTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestUserLimiter_NilRateLimitAlwaysAllowed(t *testing.T) {
	rdb, cleanup := newUserTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewUserLimiter(rdb)
	allowed, err := limiter.Allow(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected nil rate limit to always allow")
	}
}

func TestUserLimiter_BlocksOverPerMinuteLimit(t *testing.T) {
	rdb, cleanup := newUserTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewUserLimiter(rdb)
	rl := &registry.RateLimit{PerMinute: 3}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "bob", rl)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "bob", rl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after per_minute limit exceeded")
	}
}

func TestUserLimiter_TightestWindowBindsFirst(t *testing.T) {
	rdb, cleanup := newUserTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewUserLimiter(rdb)
	// per_minute is tighter than per_hour here, so it must be the one
	// that trips first even though per_hour has budget remaining.
	rl := &registry.RateLimit{PerMinute: 1, PerHour: 100}
	ctx := context.Background()

	if allowed, err := limiter.Allow(ctx, "carol", rl); err != nil || !allowed {
		t.Fatalf("first request should be allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, err := limiter.Allow(ctx, "carol", rl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected second request within the same minute to be blocked")
	}
}

func TestUserLimiter_IsolatedPerUser(t *testing.T) {
	rdb, cleanup := newUserTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewUserLimiter(rdb)
	rl := &registry.RateLimit{PerMinute: 1}
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "dave", rl); !allowed {
		t.Fatal("dave's first request should be allowed")
	}
	if allowed, _ := limiter.Allow(ctx, "erin", rl); !allowed {
		t.Error("erin's budget must be independent of dave's")
	}
}

func TestUserLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newUserTestRedis(t)
	cleanup()

	limiter := ratelimit.NewUserLimiter(rdb)
	rl := &registry.RateLimit{PerMinute: 1}

	allowed, err := limiter.Allow(context.Background(), "frank", rl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
