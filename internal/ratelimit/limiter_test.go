package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLimiter(rdb), mr, context.Background()
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _, ctx := setupTestLimiter(t)

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "U1", testRule)
		if err != nil || !ok {
			t.Fatalf("request %d should pass: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "U1", testRule); ok {
		t.Error("fourth request should be limited")
	}
	if ok, _ := l.Allow(ctx, "U2", testRule); !ok {
		t.Error("other identifiers are counted separately")
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l, mr, ctx := setupTestLimiter(t)

	for i := 0; i < 4; i++ {
		l.Allow(ctx, "U1", testRule)
	}
	mr.FastForward(time.Minute + time.Second)

	if ok, _ := l.Allow(ctx, "U1", testRule); !ok {
		t.Error("new window should allow again")
	}
}

func TestAllow_HealsMissingTTL(t *testing.T) {
	l, mr, ctx := setupTestLimiter(t)

	mr.Set("rl:test:U1", "99")
	if ok, _ := l.Allow(ctx, "U1", testRule); ok {
		t.Error("counter over limit should deny")
	}
	if ttl := mr.TTL("rl:test:U1"); ttl != time.Minute {
		t.Errorf("expected TTL restored to 1m, got %s", ttl)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr, ctx := setupTestLimiter(t)
	mr.Close()

	ok, err := l.Allow(ctx, "U1", testRule)
	if err == nil {
		t.Error("expected redis error")
	}
	if !ok {
		t.Error("limiter should fail open")
	}
}

func TestRetryAfter(t *testing.T) {
	l, mr, ctx := setupTestLimiter(t)

	if d, _ := l.RetryAfter(ctx, "U1", testRule); d != 0 {
		t.Errorf("expected 0 before any request, got %s", d)
	}
	l.Allow(ctx, "U1", testRule)
	if d, _ := l.RetryAfter(ctx, "U1", testRule); d <= 0 || d > time.Minute {
		t.Errorf("unexpected retry-after %s", d)
	}

	mr.FastForward(time.Minute)
	if d, _ := l.RetryAfter(ctx, "U1", testRule); d != 0 {
		t.Errorf("expected 0 once the window passes, got %s", d)
	}
}
