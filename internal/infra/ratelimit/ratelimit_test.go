package ratelimit

import (
	"context"
	"testing"
	"time"

	"trellis-signer/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewMemoryLimiter(MemoryLimiterConfig{Now: func() time.Time { return now }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "worker:w1:submit", 2, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v %v", i, d, err)
		}
		if d.Remaining != 1-i {
			t.Fatalf("request %d: expected %d remaining, got %d", i, 1-i, d.Remaining)
		}
	}
	d, err := limiter.Allow(ctx, "worker:w1:submit", 2, time.Minute)
	if err != nil || d.Allowed {
		t.Fatalf("expected the third request to be limited, got %+v %v", d, err)
	}
	if !d.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected reset %v", d.ResetAt)
	}

	if d, _ := limiter.Allow(ctx, "worker:w2:submit", 2, time.Minute); !d.Allowed {
		t.Fatal("keys must not share a window")
	}

	now = now.Add(time.Minute)
	if d, _ := limiter.Allow(ctx, "worker:w1:submit", 2, time.Minute); !d.Allowed {
		t.Fatal("expected a new window to allow again")
	}
}

func TestMemoryLimiterCapacity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewMemoryLimiter(MemoryLimiterConfig{Now: func() time.Time { return now }, MaxKeys: 1})
	ctx := context.Background()
	if _, err := limiter.Allow(ctx, "a", 1, time.Second); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, err := limiter.Allow(ctx, "b", 1, time.Second); err == nil {
		t.Fatal("expected a capacity error while a is live")
	}
	now = now.Add(2 * time.Second)
	if _, err := limiter.Allow(ctx, "b", 1, time.Second); err != nil {
		t.Fatalf("expected expired keys to be collected: %v", err)
	}
}

func TestLimitDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	redisLimiter, err := NewRedisLimiter(client, "trellis-signer", nil)
	if err != nil {
		t.Fatalf("redis limiter: %v", err)
	}
	for name, limiter := range map[string]domain.RateLimiter{
		"memory": NewMemoryLimiter(MemoryLimiterConfig{}),
		"redis":  redisLimiter,
	} {
		d, err := limiter.Allow(context.Background(), "k", 0, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("%s: a zero limit must allow, got %+v %v", name, d, err)
		}
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter, err := NewRedisLimiter(client, "trellis-signer", nil)
	if err != nil {
		t.Fatalf("redis limiter: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "worker:w1:submit", 3, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v %v", i, d, err)
		}
	}
	d, err := limiter.Allow(ctx, "worker:w1:submit", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected the fourth request to be limited, got %+v", d)
	}
	if !mr.Exists("trellis-signer:ratelimit:worker:w1:submit") {
		t.Fatal("expected the counter under the service prefix")
	}

	mr.FastForward(time.Minute + time.Second)
	if d, _ := limiter.Allow(ctx, "worker:w1:submit", 3, time.Minute); !d.Allowed {
		t.Fatal("expected the window to expire")
	}
}

func TestNewRedisLimiterRequiresClient(t *testing.T) {
	if _, err := NewRedisLimiter(nil, "x", nil); err == nil {
		t.Fatal("expected an error")
	}
}
