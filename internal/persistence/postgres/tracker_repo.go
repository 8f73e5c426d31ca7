package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/courtflow/courtflow/internal/persistence"
)

type spendingTrackerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSpendingTrackerRepo creates the PostgreSQL spending-tracker repository.
func NewSpendingTrackerRepo(db *sqlx.DB, timeout time.Duration) persistence.SpendingTrackerRepo {
	return &spendingTrackerRepo{db: db, timeout: timeout}
}

func (r *spendingTrackerRepo) Get(ctx context.Context, userID string) (*persistence.SpendingTracker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var tracker persistence.SpendingTracker
	query := `
		SELECT user_id, tracker_date, daily_spent, weekly_spent, monthly_spent,
		       total_spent, transaction_count, average_transaction,
		       largest_transaction, updated_at
		FROM spending_trackers
		WHERE user_id = $1`

	if err := r.db.GetContext(ctx, &tracker, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, &persistence.ErrNotFound{Entity: "spending_tracker", Key: userID}
		}
		return nil, fmt.Errorf("failed to load spending tracker: %w", err)
	}
	return &tracker, nil
}

func (r *spendingTrackerRepo) Upsert(ctx context.Context, tracker *persistence.SpendingTracker) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO spending_trackers (
			user_id, tracker_date, daily_spent, weekly_spent, monthly_spent,
			total_spent, transaction_count, average_transaction,
			largest_transaction, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tracker_date        = EXCLUDED.tracker_date,
			daily_spent         = EXCLUDED.daily_spent,
			weekly_spent        = EXCLUDED.weekly_spent,
			monthly_spent       = EXCLUDED.monthly_spent,
			total_spent         = EXCLUDED.total_spent,
			transaction_count   = EXCLUDED.transaction_count,
			average_transaction = EXCLUDED.average_transaction,
			largest_transaction = EXCLUDED.largest_transaction,
			updated_at          = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		tracker.UserID, tracker.TrackerDate, tracker.DailySpent,
		tracker.WeeklySpent, tracker.MonthlySpent, tracker.TotalSpent,
		tracker.TransactionCount, tracker.AverageTransaction,
		tracker.LargestTransaction)
	if err != nil {
		return fmt.Errorf("failed to upsert spending tracker: %w", err)
	}
	return nil
}

func (r *spendingTrackerRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM spending_trackers`); err != nil {
		return nil, fmt.Errorf("failed to list tracker users: %w", err)
	}
	return ids, nil
}

// ResetWindow zeroes one spending window for every tracker. Window must be
// daily, weekly or monthly; column names are fixed here so no user input
// reaches the SQL text.
func (r *spendingTrackerRepo) ResetWindow(ctx context.Context, window string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var column string
	switch window {
	case "daily":
		column = "daily_spent"
	case "weekly":
		column = "weekly_spent"
	case "monthly":
		column = "monthly_spent"
	default:
		return fmt.Errorf("unknown reset window: %s", window)
	}

	query := fmt.Sprintf(`UPDATE spending_trackers SET %s = 0, updated_at = NOW()`, column)
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to reset %s window: %w", window, err)
	}
	return nil
}
