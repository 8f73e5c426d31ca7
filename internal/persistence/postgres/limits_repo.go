package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/courtflow/courtflow/internal/persistence"
)

type budgetLimitsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBudgetLimitsRepo creates the PostgreSQL budget-limits repository.
func NewBudgetLimitsRepo(db *sqlx.DB, timeout time.Duration) persistence.BudgetLimitsRepo {
	return &budgetLimitsRepo{db: db, timeout: timeout}
}

func (r *budgetLimitsRepo) Get(ctx context.Context, userID string) (*persistence.BudgetLimits, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var limits persistence.BudgetLimits
	query := `
		SELECT user_id, daily_limit, weekly_limit, monthly_limit, max_per_item,
		       total_budget, emergency_stop, reserve_amount, currency,
		       created_at, updated_at
		FROM budget_limits
		WHERE user_id = $1`

	if err := r.db.GetContext(ctx, &limits, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, &persistence.ErrNotFound{Entity: "budget_limits", Key: userID}
		}
		return nil, fmt.Errorf("failed to load budget limits: %w", err)
	}
	return &limits, nil
}

func (r *budgetLimitsRepo) Upsert(ctx context.Context, limits *persistence.BudgetLimits) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO budget_limits (
			user_id, daily_limit, weekly_limit, monthly_limit, max_per_item,
			total_budget, emergency_stop, reserve_amount, currency, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			daily_limit    = EXCLUDED.daily_limit,
			weekly_limit   = EXCLUDED.weekly_limit,
			monthly_limit  = EXCLUDED.monthly_limit,
			max_per_item   = EXCLUDED.max_per_item,
			total_budget   = EXCLUDED.total_budget,
			emergency_stop = EXCLUDED.emergency_stop,
			reserve_amount = EXCLUDED.reserve_amount,
			currency       = EXCLUDED.currency,
			updated_at     = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		limits.UserID, limits.DailyLimit, limits.WeeklyLimit, limits.MonthlyLimit,
		limits.MaxPerItem, limits.TotalBudget, limits.EmergencyStop,
		limits.ReserveAmount, limits.Currency)
	if err != nil {
		return fmt.Errorf("failed to upsert budget limits: %w", err)
	}
	return nil
}
