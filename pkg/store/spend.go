package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
)

// SpendStore tracks rolling spend per user. One row per user; each window
// column carries the period it was accumulated in and is zeroed lazily when
// a read or write crosses the period boundary. All boundaries are UTC.
type SpendStore struct {
	DB  approvalDB
	now func() time.Time
}

func NewSpendStore(db approvalDB) *SpendStore {
	return &SpendStore{DB: db, now: time.Now}
}

func (s *SpendStore) WithClock(now func() time.Time) *SpendStore {
	s.now = now
	return s
}

// Snapshot returns the user's current spend with expired windows zeroed.
// A user with no row gets a zero snapshot.
func (s *SpendStore) Snapshot(ctx context.Context, userID string) (models.SpendingSnapshot, error) {
	now := s.now().UTC()
	snap := models.SpendingSnapshot{UserID: userID, AsOf: now}
	var day, week, month time.Time
	row := s.DB.QueryRow(ctx, `
		SELECT daily_cents, weekly_cents, monthly_cents, day_start, week_start, month_start
		FROM user_spending WHERE user_id=$1
	`, userID)
	err := row.Scan(&snap.DailyCents, &snap.WeeklyCents, &snap.MonthlyCents, &day, &week, &month)
	if err == pgx.ErrNoRows {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if !day.Equal(dayStart(now)) {
		snap.DailyCents = 0
	}
	if !week.Equal(weekStart(now)) {
		snap.WeeklyCents = 0
	}
	if !month.Equal(monthStart(now)) {
		snap.MonthlyCents = 0
	}
	return snap, nil
}

// Add charges finalized spend to every window, resetting any window whose
// period has rolled over since the last write.
func (s *SpendStore) Add(ctx context.Context, userID string, cents int64) error {
	now := s.now().UTC()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO user_spending (user_id, daily_cents, weekly_cents, monthly_cents, day_start, week_start, month_start)
		VALUES ($1,$2,$2,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO UPDATE SET
			daily_cents   = CASE WHEN user_spending.day_start   = EXCLUDED.day_start   THEN user_spending.daily_cents   + EXCLUDED.daily_cents   ELSE EXCLUDED.daily_cents   END,
			weekly_cents  = CASE WHEN user_spending.week_start  = EXCLUDED.week_start  THEN user_spending.weekly_cents  + EXCLUDED.weekly_cents  ELSE EXCLUDED.weekly_cents  END,
			monthly_cents = CASE WHEN user_spending.month_start = EXCLUDED.month_start THEN user_spending.monthly_cents + EXCLUDED.monthly_cents ELSE EXCLUDED.monthly_cents END,
			day_start     = EXCLUDED.day_start,
			week_start    = EXCLUDED.week_start,
			month_start   = EXCLUDED.month_start
	`, userID, cents, dayStart(now), weekStart(now), monthStart(now))
	return err
}

func dayStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func weekStart(now time.Time) time.Time {
	d := dayStart(now)
	// ISO weeks start Monday.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
