package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/courtflow/courtflow/internal/persistence"
)

func newMockedDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestBudgetLimitsGet(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewBudgetLimitsRepo(db, time.Second)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"user_id", "daily_limit", "weekly_limit", "monthly_limit", "max_per_item",
		"total_budget", "emergency_stop", "reserve_amount", "currency",
		"created_at", "updated_at",
	}).AddRow("u1", "500", "3500", "14000", "200", "50000", "40000", "1000", "USD", now, now)
	mock.ExpectQuery(`SELECT .+ FROM budget_limits WHERE user_id = \$1`).
		WithArgs("u1").WillReturnRows(rows)

	limits, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", limits.UserID)
	require.True(t, limits.DailyLimit.Equal(decimal.NewFromInt(500)))
	require.Equal(t, "USD", limits.Currency)
}

func TestBudgetLimitsGetMiss(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewBudgetLimitsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM budget_limits`).
		WithArgs("ghost").WillReturnError(errNoRows())

	_, err := repo.Get(context.Background(), "ghost")
	require.Error(t, err)
	require.True(t, persistence.IsNotFound(err))
}

func TestBudgetLimitsUpsert(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewBudgetLimitsRepo(db, time.Second)

	mock.ExpectExec(`INSERT INTO budget_limits .+ ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs("u1",
			decimal.NewFromInt(500), decimal.NewFromInt(3500), decimal.NewFromInt(14000),
			decimal.NewFromInt(200), decimal.NewFromInt(50000), decimal.NewFromInt(40000),
			decimal.NewFromInt(1000), "USD").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &persistence.BudgetLimits{
		UserID:        "u1",
		DailyLimit:    decimal.NewFromInt(500),
		WeeklyLimit:   decimal.NewFromInt(3500),
		MonthlyLimit:  decimal.NewFromInt(14000),
		MaxPerItem:    decimal.NewFromInt(200),
		TotalBudget:   decimal.NewFromInt(50000),
		EmergencyStop: decimal.NewFromInt(40000),
		ReserveAmount: decimal.NewFromInt(1000),
		Currency:      "USD",
	})
	require.NoError(t, err)
}

func TestTrackerResetWindow(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewSpendingTrackerRepo(db, time.Second)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE spending_trackers SET daily_spent = 0`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, repo.ResetWindow(ctx, "daily"))

	mock.ExpectExec(`UPDATE spending_trackers SET weekly_spent = 0`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, repo.ResetWindow(ctx, "weekly"))

	require.Error(t, repo.ResetWindow(ctx, "total"), "total never resets")
}

func TestTrackerListUserIDs(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewSpendingTrackerRepo(db, time.Second)

	mock.ExpectQuery(`SELECT user_id FROM spending_trackers`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	ids, err := repo.ListUserIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, ids)
}

func TestEmergencyStopResolve(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewEmergencyStopRepo(db, time.Second)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE emergency_stops`).
		WithArgs("stop-1", "u1", "admin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Resolve(ctx, "u1", "stop-1", "admin"))

	mock.ExpectExec(`UPDATE emergency_stops`).
		WithArgs("stop-2", "u1", "admin").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Resolve(ctx, "u1", "stop-2", "admin")
	require.Error(t, err)
	require.True(t, persistence.IsNotFound(err), "resolving a missing stop reports not found")
}

func TestEmergencyStopActiveForUser(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewEmergencyStopRepo(db, time.Second)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "reason", "triggered_by", "active", "triggered_at", "resolved_at", "resolved_by",
	}).AddRow("stop-1", "u1", "spending threshold reached", "system", true, now, nil, nil)
	mock.ExpectQuery(`SELECT .+ FROM emergency_stops WHERE user_id = \$1 AND active = TRUE`).
		WithArgs("u1").WillReturnRows(rows)

	stop, err := repo.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stop)
	require.Equal(t, "system", stop.TriggeredBy)

	mock.ExpectQuery(`SELECT .+ FROM emergency_stops`).
		WithArgs("u2").WillReturnError(errNoRows())
	stop, err = repo.ActiveForUser(ctx, "u2")
	require.NoError(t, err, "no active stop is not an error")
	require.Nil(t, stop)
}

func TestPriceAlertCreateRequiresReference(t *testing.T) {
	db, _ := newMockedDB(t)
	repo := NewPriceAlertRepo(db, time.Second)

	err := repo.Create(context.Background(), &persistence.PriceAlert{
		ID:     "a1",
		UserID: "u1",
		Type:   "price_drop",
	})
	require.Error(t, err, "moment or player reference required")
}

func TestPriceAlertCreateAndList(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewPriceAlertRepo(db, time.Second)
	ctx := context.Background()
	moment := "m1"

	mock.ExpectExec(`INSERT INTO price_alerts`).
		WithArgs("a1", "u1", &moment, nil, "price_drop",
			decimal.NewFromInt(90), nil, true, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(ctx, &persistence.PriceAlert{
		ID:        "a1",
		UserID:    "u1",
		MomentID:  &moment,
		Type:      "price_drop",
		Threshold: decimal.NewFromInt(90),
		Active:    true,
	}))

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "moment_id", "player_id", "alert_type", "threshold",
		"current_value", "active", "triggered", "triggered_at", "created_at",
	}).AddRow("a1", "u1", "m1", nil, "price_drop", "90", nil, true, false, nil, time.Now())
	mock.ExpectQuery(`SELECT .+ FROM price_alerts WHERE active = TRUE`).WillReturnRows(rows)

	alerts, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "a1", alerts[0].ID)
	require.NotNil(t, alerts[0].MomentID)
	require.Equal(t, "m1", *alerts[0].MomentID)
}

func TestPriceAlertTriggerLifecycle(t *testing.T) {
	db, mock := newMockedDB(t)
	repo := NewPriceAlertRepo(db, time.Second)
	ctx := context.Background()
	at := time.Now()

	mock.ExpectExec(`UPDATE price_alerts SET triggered = TRUE`).
		WithArgs("a1", at, decimal.NewFromInt(85)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkTriggered(ctx, "a1", at, decimal.NewFromInt(85)))

	mock.ExpectExec(`UPDATE price_alerts SET triggered = FALSE`).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.ResetTrigger(ctx, "a1"))

	mock.ExpectExec(`DELETE FROM price_alerts`).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(ctx, "a1"))
}

func errNoRows() error { return sql.ErrNoRows }
