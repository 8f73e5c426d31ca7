package budget

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/persistence"
)

func validLimits() *persistence.BudgetLimits {
	return &persistence.BudgetLimits{
		UserID:        "u1",
		DailyLimit:    dec(500),
		WeeklyLimit:   dec(3500),
		MonthlyLimit:  dec(14000),
		MaxPerItem:    dec(200),
		TotalBudget:   dec(50000),
		EmergencyStop: dec(40000),
		ReserveAmount: dec(1000),
		Currency:      "USD",
	}
}

func TestValidateLimits(t *testing.T) {
	require.NoError(t, ValidateLimits(validLimits()))

	cases := []struct {
		name   string
		mutate func(*persistence.BudgetLimits)
	}{
		{"daily over weekly", func(l *persistence.BudgetLimits) { l.DailyLimit = dec(4000) }},
		{"weekly over monthly", func(l *persistence.BudgetLimits) { l.WeeklyLimit = dec(20000) }},
		{"weekly under seven dailies", func(l *persistence.BudgetLimits) { l.WeeklyLimit = dec(3000) }},
		{"monthly under four weeklies", func(l *persistence.BudgetLimits) { l.MonthlyLimit = dec(13000) }},
		{"emergency over total", func(l *persistence.BudgetLimits) { l.EmergencyStop = dec(60000) }},
		{"reserve over half total", func(l *persistence.BudgetLimits) { l.ReserveAmount = dec(26000) }},
		{"per item over daily", func(l *persistence.BudgetLimits) { l.MaxPerItem = dec(600) }},
		{"negative daily", func(l *persistence.BudgetLimits) { l.DailyLimit = dec(-1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			limits := validLimits()
			tc.mutate(limits)
			require.Error(t, ValidateLimits(limits))
		})
	}
}

func TestModestUpdateAppliesImmediately(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	daily := dec(600)
	weekly := dec(4200)
	monthly := dec(16800)
	limits, pending, err := engine.UpdateLimits(ctx, "u1", LimitUpdate{
		DailyLimit:   &daily,
		WeeklyLimit:  &weekly,
		MonthlyLimit: &monthly,
	})
	require.NoError(t, err)
	require.False(t, pending)
	require.True(t, limits.DailyLimit.Equal(daily))
}

func TestSignificantChangeParksForConfirmation(t *testing.T) {
	engine, stores, mem, _ := newTestEngine(t)
	ctx := context.Background()

	// More than doubling the daily cap must not apply immediately.
	daily := dec(1500)
	weekly := dec(10500)
	monthly := dec(42000)
	limits, pending, err := engine.UpdateLimits(ctx, "u1", LimitUpdate{
		DailyLimit:   &daily,
		WeeklyLimit:  &weekly,
		MonthlyLimit: &monthly,
	})
	require.NoError(t, err)
	require.True(t, pending)
	require.True(t, limits.DailyLimit.Equal(dec(500)), "old limits still in force")

	_, ok, err := mem.Get(ctx, cache.KeyPendingChanges+"u1")
	require.NoError(t, err)
	require.True(t, ok)

	// Accepting applies the parked change.
	confirmed, err := engine.ConfirmLimitChange(ctx, "u1", true)
	require.NoError(t, err)
	require.True(t, confirmed.DailyLimit.Equal(daily))

	stored, err := stores.Limits.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, stored.DailyLimit.Equal(daily))

	// The parked change is consumed.
	_, err = engine.ConfirmLimitChange(ctx, "u1", true)
	require.Error(t, err)
}

func TestDiscardedChangeLeavesLimits(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	daily := dec(100)
	weekly := dec(700)
	monthly := dec(2800)
	maxItem := dec(100)
	_, pending, err := engine.UpdateLimits(ctx, "u1", LimitUpdate{
		DailyLimit:   &daily,
		WeeklyLimit:  &weekly,
		MonthlyLimit: &monthly,
		MaxPerItem:   &maxItem,
	})
	require.NoError(t, err)
	require.True(t, pending, "halving the daily cap is significant")

	limits, err := engine.ConfirmLimitChange(ctx, "u1", false)
	require.NoError(t, err)
	require.True(t, limits.DailyLimit.Equal(dec(500)))
}

func TestInvalidUpdateRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	daily := dec(600) // weekly stays 3500 < 7*600
	_, _, err := engine.UpdateLimits(context.Background(), "u1", LimitUpdate{DailyLimit: &daily})
	require.Error(t, err)
}

func TestDeescalationHalvesAndRestores(t *testing.T) {
	engine, stores, mem, _ := newTestEngine(t)
	ctx := context.Background()
	setLimits(t, stores, "u1", 500, 200, 3500, 14000, 10000, 8000)

	limits, err := stores.Limits.Get(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, engine.deescalate(ctx, limits))

	halved, err := stores.Limits.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, halved.DailyLimit.Equal(dec(250)))
	require.True(t, halved.MaxPerItem.Equal(dec(100)))

	// Second block while de-escalated does not halve again.
	require.NoError(t, engine.deescalate(ctx, halved))
	again, err := stores.Limits.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, again.DailyLimit.Equal(dec(250)))

	// Backdate the stash so the restore window has passed.
	var stash stashedLimits
	ok, err := mem.GetJSON(ctx, cache.KeyOriginalLimits+"u1", &stash)
	require.NoError(t, err)
	require.True(t, ok)
	stash.RestoreAt = time.Now().Add(-time.Minute)
	require.NoError(t, mem.SetJSON(ctx, cache.KeyOriginalLimits+"u1", stash, time.Hour))

	restored, err := engine.Limits(ctx, "u1")
	require.NoError(t, err)
	require.True(t, restored.DailyLimit.Equal(dec(500)))
	require.True(t, restored.MaxPerItem.Equal(dec(200)))

	_, ok, err = mem.Get(ctx, cache.KeyOriginalLimits+"u1")
	require.NoError(t, err)
	require.False(t, ok, "stash cleared after restore")
}

func TestSignificantChangeDetection(t *testing.T) {
	before := validLimits()

	after := *before
	require.False(t, significantChange(before, &after))

	after.DailyLimit = before.DailyLimit.Mul(decimal.NewFromInt(2))
	require.False(t, significantChange(before, &after), "exactly 2x is not significant")

	after.DailyLimit = before.DailyLimit.Mul(decimal.NewFromInt(3))
	require.True(t, significantChange(before, &after))

	after = *before
	after.TotalBudget = before.TotalBudget.Div(decimal.NewFromInt(4))
	require.True(t, significantChange(before, &after))
}
