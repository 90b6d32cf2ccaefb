package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "owner-1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should pass: %+v err=%v", i+1, d, err)
		}
	}
	d, err := limiter.Allow(ctx, "owner-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.Count != 3 {
		t.Fatalf("third request should be blocked: %+v", d)
	}
	if d.RetryAfter(time.Now()) <= 0 || d.RetryAfter(time.Now()) > time.Minute {
		t.Fatalf("unexpected retry-after: %v", d.RetryAfter(time.Now()))
	}
	if d, _ := limiter.Allow(ctx, "owner-2"); !d.Allowed {
		t.Fatalf("keys must be limited independently")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	d, err := limiter.Allow(context.Background(), "owner-1")
	if err == nil || d.Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedis(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
	if _, err := NewFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected constructor error for nil client")
	}
}
