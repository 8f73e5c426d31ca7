package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/persistence"
)

func seedTracker(t *testing.T, stores *persistence.Stores, userID string) {
	t.Helper()
	require.NoError(t, stores.Trackers.Upsert(context.Background(), &persistence.SpendingTracker{
		UserID:       userID,
		DailySpent:   dec(120),
		WeeklySpent:  dec(700),
		MonthlySpent: dec(2100),
		TotalSpent:   dec(5000),
	}))
}

func TestMidnightResetsDailyOnly(t *testing.T) {
	engine, stores, mem, _ := newTestEngine(t)
	ctx := context.Background()
	seedTracker(t, stores, "u1")
	seedTracker(t, stores, "u2")
	_, err := mem.Incr(ctx, cache.KeyHourlyTx+"u1", time.Hour)
	require.NoError(t, err)

	s := NewScheduler(engine)
	// Wednesday mid-month: crossing midnight must reset daily only.
	before := time.Date(2026, 8, 19, 23, 59, 0, 0, time.Local)
	after := time.Date(2026, 8, 20, 0, 0, 30, 0, time.Local)
	s.lastDaily = dayKey(before)
	s.lastWeek = weekKey(before)
	s.lastMonth = monthKey(before)

	s.runDue(ctx, after)

	for _, user := range []string{"u1", "u2"} {
		tracker, err := stores.Trackers.Get(ctx, user)
		require.NoError(t, err)
		require.True(t, tracker.DailySpent.IsZero(), "daily reset for %s", user)
		require.True(t, tracker.WeeklySpent.Equal(dec(700)), "weekly untouched for %s", user)
		require.True(t, tracker.MonthlySpent.Equal(dec(2100)), "monthly untouched for %s", user)
		require.True(t, tracker.TotalSpent.Equal(dec(5000)), "total never reset for %s", user)
	}

	_, ok, err := mem.Get(ctx, cache.KeyHourlyTx+"u1")
	require.NoError(t, err)
	require.False(t, ok, "hourly counters swept at midnight")
}

func TestWeekAndMonthBoundaries(t *testing.T) {
	engine, stores, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedTracker(t, stores, "u1")

	s := NewScheduler(engine)
	// Crossing from Sunday Jan 31 into Monday Feb 1: daily, weekly and
	// monthly all reset.
	before := time.Date(2027, 1, 31, 23, 59, 0, 0, time.Local)
	after := time.Date(2027, 2, 1, 0, 0, 30, 0, time.Local)
	s.lastDaily = dayKey(before)
	s.lastWeek = weekKey(before)
	s.lastMonth = monthKey(before)

	s.runDue(ctx, after)

	tracker, err := stores.Trackers.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, tracker.DailySpent.IsZero())
	require.True(t, tracker.WeeklySpent.IsZero())
	require.True(t, tracker.MonthlySpent.IsZero())
	require.True(t, tracker.TotalSpent.Equal(dec(5000)))
}

func TestTickIdempotentWithinBoundary(t *testing.T) {
	engine, stores, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedTracker(t, stores, "u1")

	s := NewScheduler(engine)
	before := time.Date(2026, 8, 19, 23, 59, 0, 0, time.Local)
	after := time.Date(2026, 8, 20, 0, 0, 30, 0, time.Local)
	s.lastDaily = dayKey(before)
	s.lastWeek = weekKey(before)
	s.lastMonth = monthKey(before)

	s.runDue(ctx, after)

	// New spending after the reset survives repeated ticks the same day.
	require.NoError(t, engine.Record(ctx, buy("u1", 40)))
	s.runDue(ctx, after.Add(time.Minute))
	s.runDue(ctx, after.Add(2*time.Minute))

	tracker, err := stores.Trackers.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, tracker.DailySpent.Equal(dec(40)))
}

func TestWeekKeyMondayBoundary(t *testing.T) {
	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, time.Local)
	monday := time.Date(2026, 8, 24, 0, 1, 0, 0, time.Local)
	require.NotEqual(t, weekKey(sunday), weekKey(monday))

	tuesday := time.Date(2026, 8, 25, 12, 0, 0, 0, time.Local)
	require.Equal(t, weekKey(monday), weekKey(tuesday))
}
