package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares counters across gateway replicas. Any Redis failure
// falls back to the in-memory limiter so admission keeps working during an
// outage, at the cost of per-replica counting.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Fallback *InMemoryLimiter
	now      func() time.Time
}

func NewRedis(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "adm:",
		Fallback: NewInMemory(),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(userID string, limits Limits) Decision {
	limits = limits.normalized()
	if l.Client == nil {
		return l.Fallback.Allow(userID, limits)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := l.now().UTC()

	tokensUsed, err := l.dayTokens(ctx, userID)
	if err != nil {
		return l.Fallback.Allow(userID, limits)
	}
	if tokensUsed >= limits.DailyTokenBudget {
		return Decision{
			Allowed:    false,
			Reason:     ReasonDailyBudget,
			RetryAfter: nextUTCMidnight(now).Sub(now),
			TokensUsed: tokensUsed,
		}
	}

	minuteCount, minuteTTL, err := l.bump(ctx, l.Prefix+"m:"+userID, time.Minute)
	if err != nil {
		return l.Fallback.Allow(userID, limits)
	}
	hourCount, hourTTL, err := l.bump(ctx, l.Prefix+"h:"+userID, time.Hour)
	if err != nil {
		return l.Fallback.Allow(userID, limits)
	}
	if minuteCount > int64(limits.PerMinute) {
		return Decision{
			Allowed:    false,
			Reason:     ReasonMinuteLimit,
			RetryAfter: minuteTTL,
			MinuteUsed: int(minuteCount),
			HourUsed:   int(hourCount),
			TokensUsed: tokensUsed,
		}
	}
	if hourCount > int64(limits.PerHour) {
		return Decision{
			Allowed:    false,
			Reason:     ReasonHourLimit,
			RetryAfter: hourTTL,
			MinuteUsed: int(minuteCount),
			HourUsed:   int(hourCount),
			TokensUsed: tokensUsed,
		}
	}
	return Decision{
		Allowed:    true,
		MinuteUsed: int(minuteCount),
		HourUsed:   int(hourCount),
		TokensUsed: tokensUsed,
	}
}

func (l *RedisLimiter) RecordTokens(userID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	if l.Client == nil {
		l.Fallback.RecordTokens(userID, tokens)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := l.now().UTC()
	key := l.dayKey(userID)
	pipe := l.Client.TxPipeline()
	pipe.IncrBy(ctx, key, tokens)
	pipe.ExpireAt(ctx, key, nextUTCMidnight(now))
	if _, err := pipe.Exec(ctx); err != nil {
		l.Fallback.RecordTokens(userID, tokens)
	}
}

func (l *RedisLimiter) bump(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := windowScript.Run(ctx, l.Client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, redis.Nil
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (l *RedisLimiter) dayTokens(ctx context.Context, userID string) (int64, error) {
	raw, err := l.Client.Get(ctx, l.dayKey(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (l *RedisLimiter) dayKey(userID string) string {
	return l.Prefix + "d:" + l.now().UTC().Format("2006-01-02") + ":" + userID
}
