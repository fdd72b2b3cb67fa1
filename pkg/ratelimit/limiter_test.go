package ratelimit

import (
	"testing"
	"time"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	lim := NewInMemory(time.Minute)
	lim.timeNow = func() time.Time { return now }
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
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if !third.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("reset at %v", third.ResetAt)
	}

	now = now.Add(61 * time.Second)
	reset := lim.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterIsolatesCallers(t *testing.T) {
	lim := NewInMemory(time.Minute)
	lim.Allow("caller:alice", 1)
	lim.Allow("caller:alice", 1)
	if d := lim.Allow("caller:bob", 1); !d.Allowed {
		t.Fatalf("bob should not share alice's window: %+v", d)
	}
}

func TestInMemoryLimiterCleanup(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	lim := NewInMemory(time.Minute)
	lim.timeNow = func() time.Time { return now }
	lim.Allow("caller:a", 1)
	lim.Allow("caller:b", 1)
	now = now.Add(2 * time.Minute)
	lim.Allow("caller:c", 1)
	lim.mu.Lock()
	defer lim.mu.Unlock()
	if len(lim.items) != 1 {
		t.Fatalf("expected expired windows gone, got %d entries", len(lim.items))
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	lim := NewInMemory(time.Minute)
	d := lim.Allow("caller:x", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected fallback limit=1, got %+v", d)
	}
}

func TestNewInMemoryDefaultWindow(t *testing.T) {
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", lim.window)
	}
}
