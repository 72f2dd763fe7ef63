package admission

import (
	"sync"
	"time"
)

const (
	ReasonMinuteLimit = "minute_limit"
	ReasonHourLimit   = "hour_limit"
	ReasonDailyBudget = "daily_token_budget"
)

type Limits struct {
	PerMinute        int
	PerHour          int
	DailyTokenBudget int64
}

func (l Limits) normalized() Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = 60
	}
	if l.PerHour <= 0 {
		l.PerHour = 600
	}
	if l.DailyTokenBudget <= 0 {
		l.DailyTokenBudget = 1_000_000
	}
	return l
}

type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	MinuteUsed int
	HourUsed   int
	TokensUsed int64
}

// Limiter admits or rejects requests per user. Allow counts the request
// against the minute/hour windows; RecordTokens charges the daily budget
// once the outcome (and its real token cost) is known.
type Limiter interface {
	Allow(userID string, limits Limits) Decision
	RecordTokens(userID string, tokens int64)
}

type window struct {
	count   int
	resetAt time.Time
}

type userUsage struct {
	minute    window
	hour      window
	dayTokens int64
	dayReset  time.Time
}

// InMemoryLimiter keeps per-user counters with fixed reset boundaries.
type InMemoryLimiter struct {
	mu    sync.Mutex
	users map[string]*userUsage
	now   func() time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{
		users: map[string]*userUsage{},
		now:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	l.now = now
	return l
}

func (l *InMemoryLimiter) Allow(userID string, limits Limits) Decision {
	limits = limits.normalized()
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.usage(userID, now)

	if u.minute.count >= limits.PerMinute {
		return Decision{
			Allowed:    false,
			Reason:     ReasonMinuteLimit,
			RetryAfter: u.minute.resetAt.Sub(now),
			MinuteUsed: u.minute.count,
			HourUsed:   u.hour.count,
			TokensUsed: u.dayTokens,
		}
	}
	if u.hour.count >= limits.PerHour {
		return Decision{
			Allowed:    false,
			Reason:     ReasonHourLimit,
			RetryAfter: u.hour.resetAt.Sub(now),
			MinuteUsed: u.minute.count,
			HourUsed:   u.hour.count,
			TokensUsed: u.dayTokens,
		}
	}
	if u.dayTokens >= limits.DailyTokenBudget {
		return Decision{
			Allowed:    false,
			Reason:     ReasonDailyBudget,
			RetryAfter: u.dayReset.Sub(now),
			MinuteUsed: u.minute.count,
			HourUsed:   u.hour.count,
			TokensUsed: u.dayTokens,
		}
	}
	u.minute.count++
	u.hour.count++
	return Decision{
		Allowed:    true,
		MinuteUsed: u.minute.count,
		HourUsed:   u.hour.count,
		TokensUsed: u.dayTokens,
	}
}

func (l *InMemoryLimiter) RecordTokens(userID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.usage(userID, now)
	u.dayTokens += tokens
}

func (l *InMemoryLimiter) usage(userID string, now time.Time) *userUsage {
	u, ok := l.users[userID]
	if !ok {
		u = &userUsage{}
		l.users[userID] = u
	}
	if u.minute.resetAt.IsZero() || now.After(u.minute.resetAt) {
		u.minute = window{resetAt: now.Add(time.Minute)}
	}
	if u.hour.resetAt.IsZero() || now.After(u.hour.resetAt) {
		u.hour = window{resetAt: now.Add(time.Hour)}
	}
	if u.dayReset.IsZero() || !now.Before(u.dayReset) {
		u.dayTokens = 0
		u.dayReset = nextUTCMidnight(now)
	}
	return u
}

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
