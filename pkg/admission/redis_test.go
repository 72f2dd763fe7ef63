package admission

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisLimiterMinuteWindow(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	limits := Limits{PerMinute: 2, PerHour: 100, DailyTokenBudget: 1000}

	for i := 0; i < 2; i++ {
		if d := l.Allow("u-1", limits); !d.Allowed {
			t.Fatalf("request %d should be allowed: %+v", i+1, d)
		}
	}
	d := l.Allow("u-1", limits)
	if d.Allowed || d.Reason != ReasonMinuteLimit {
		t.Fatalf("expected minute limit, got %+v", d)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("retry-after should be positive, got %v", d.RetryAfter)
	}
	if d := l.Allow("u-2", limits); !d.Allowed {
		t.Fatalf("counters are per user: %+v", d)
	}
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	limits := Limits{PerMinute: 1, PerHour: 100, DailyTokenBudget: 1000}

	if d := l.Allow("u-1", limits); !d.Allowed {
		t.Fatalf("first request: %+v", d)
	}
	if d := l.Allow("u-1", limits); d.Allowed {
		t.Fatalf("second request should be limited: %+v", d)
	}
	mr.FastForward(61 * time.Second)
	if d := l.Allow("u-1", limits); !d.Allowed {
		t.Fatalf("request after window expiry should be allowed: %+v", d)
	}
}

func TestRedisLimiterDailyBudget(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	limits := Limits{PerMinute: 100, PerHour: 1000, DailyTokenBudget: 300}

	if d := l.Allow("u-1", limits); !d.Allowed {
		t.Fatalf("first request: %+v", d)
	}
	l.RecordTokens("u-1", 300)
	d := l.Allow("u-1", limits)
	if d.Allowed || d.Reason != ReasonDailyBudget {
		t.Fatalf("expected daily budget rejection, got %+v", d)
	}
	if d.TokensUsed != 300 {
		t.Fatalf("expected 300 tokens used, got %d", d.TokensUsed)
	}
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	l, mr := newTestRedisLimiter(t)
	mr.Close()
	limits := Limits{PerMinute: 1, PerHour: 100, DailyTokenBudget: 1000}

	// Counting degrades to the in-memory limiter instead of failing open
	// or closed.
	if d := l.Allow("u-1", limits); !d.Allowed {
		t.Fatalf("fallback should allow the first request: %+v", d)
	}
	if d := l.Allow("u-1", limits); d.Allowed {
		t.Fatalf("fallback should still enforce limits: %+v", d)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	l := NewRedis(nil)
	limits := Limits{PerMinute: 1, PerHour: 100, DailyTokenBudget: 1000}
	if d := l.Allow("u-1", limits); !d.Allowed {
		t.Fatalf("nil client should use the fallback: %+v", d)
	}
}
