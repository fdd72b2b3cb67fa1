package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, 25*time.Millisecond)
	key := "caller:alice"

	first := lim.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := lim.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := lim.Allow(key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	mr.FastForward(30 * time.Millisecond)
	reset := lim.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestRedisLimiterFallsBackOnOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	lim := NewRedis(client, time.Second)
	if d := lim.Allow("caller:alice", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected in-memory fallback allow, got %+v", d)
	}
	if d := lim.Allow("caller:alice", 1); d.Allowed {
		t.Fatalf("fallback limiter should still enforce limits, got %+v", d)
	}
}

func TestRedisLimiterNoClientNoFallback(t *testing.T) {
	lim := &RedisLimiter{Window: 2 * time.Second}
	d := lim.Allow("caller:x", 0)
	if !d.Allowed || d.Limit != 1 || d.Count != 0 || d.Remaining != 1 {
		t.Fatalf("expected permissive decision, got %+v", d)
	}
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, time.Second)

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return "bad-value"`)
	defer func() { rateLimitScript = originalScript }()

	first := lim.Allow("caller:u2", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected fallback first decision, got %+v", first)
	}
	if second := lim.Allow("caller:u2", 1); second.Allowed {
		t.Fatalf("expected fallback enforcement, got %+v", second)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, 500*time.Millisecond)
	// Seed a counter with no expiry so PTTL reports -1.
	if err := client.Set(context.Background(), lim.Prefix+"caller:u3", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}
	d := lim.Allow("caller:u3", 10)
	if d.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in future, got %v", d.ResetAt)
	}
}

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute {
		t.Fatalf("expected default one-minute window, got %v", lim.Window)
	}
	if lim.Prefix != "gatekeeper:rl:" {
		t.Fatalf("unexpected redis prefix %q", lim.Prefix)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}
