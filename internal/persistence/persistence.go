// Package persistence defines the relational entities owned by the budget
// and alerting cores, and the repository interfaces consumed by them. The
// PostgreSQL implementations live in the postgres subpackage.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetLimits holds a user's spending caps. One row per user.
type BudgetLimits struct {
	UserID            string          `db:"user_id" json:"userId"`
	DailyLimit        decimal.Decimal `db:"daily_limit" json:"dailyLimit"`
	WeeklyLimit       decimal.Decimal `db:"weekly_limit" json:"weeklyLimit"`
	MonthlyLimit      decimal.Decimal `db:"monthly_limit" json:"monthlyLimit"`
	MaxPerItem        decimal.Decimal `db:"max_per_item" json:"maxPerItem"`
	TotalBudget       decimal.Decimal `db:"total_budget" json:"totalBudget"`
	EmergencyStop     decimal.Decimal `db:"emergency_stop" json:"emergencyStopThreshold"`
	ReserveAmount     decimal.Decimal `db:"reserve_amount" json:"reserveAmount"`
	Currency          string          `db:"currency" json:"currency"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// SpendingTracker accumulates a user's spending per window. Exactly one
// tracker per user at any time; window fields are zeroed on schedule.
type SpendingTracker struct {
	UserID             string          `db:"user_id" json:"userId"`
	TrackerDate        time.Time       `db:"tracker_date" json:"trackerDate"`
	DailySpent         decimal.Decimal `db:"daily_spent" json:"dailySpent"`
	WeeklySpent        decimal.Decimal `db:"weekly_spent" json:"weeklySpent"`
	MonthlySpent       decimal.Decimal `db:"monthly_spent" json:"monthlySpent"`
	TotalSpent         decimal.Decimal `db:"total_spent" json:"totalSpent"`
	TransactionCount   int             `db:"transaction_count" json:"transactionCount"`
	AverageTransaction decimal.Decimal `db:"average_transaction" json:"averageTransaction"`
	LargestTransaction decimal.Decimal `db:"largest_transaction" json:"largestTransaction"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

// EmergencyStop records a block on all spending for a user.
type EmergencyStop struct {
	ID          string     `db:"id" json:"id"`
	UserID      string     `db:"user_id" json:"userId"`
	Reason      string     `db:"reason" json:"reason"`
	TriggeredBy string     `db:"triggered_by" json:"triggeredBy"` // system|user|external
	Active      bool       `db:"active" json:"active"`
	TriggeredAt time.Time  `db:"triggered_at" json:"triggeredAt"`
	ResolvedAt  *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedBy  *string    `db:"resolved_by" json:"resolvedBy,omitempty"`
}

// PriceAlert is a user-defined watch on a moment or player.
type PriceAlert struct {
	ID           string           `db:"id" json:"id"`
	UserID       string           `db:"user_id" json:"userId"`
	MomentID     *string          `db:"moment_id" json:"momentId,omitempty"`
	PlayerID     *string          `db:"player_id" json:"playerId,omitempty"`
	Type         string           `db:"alert_type" json:"type"` // price_drop|price_increase|volume_spike|new_listing|arbitrage
	Threshold    decimal.Decimal  `db:"threshold" json:"threshold"`
	CurrentValue *decimal.Decimal `db:"current_value" json:"currentValue,omitempty"`
	Active       bool             `db:"active" json:"active"`
	Triggered    bool             `db:"triggered" json:"triggered"`
	TriggeredAt  *time.Time       `db:"triggered_at" json:"triggeredAt,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"createdAt"`
}

// BudgetLimitsRepo persists per-user caps.
type BudgetLimitsRepo interface {
	Get(ctx context.Context, userID string) (*BudgetLimits, error)
	Upsert(ctx context.Context, limits *BudgetLimits) error
}

// SpendingTrackerRepo persists windowed accumulators.
type SpendingTrackerRepo interface {
	Get(ctx context.Context, userID string) (*SpendingTracker, error)
	Upsert(ctx context.Context, tracker *SpendingTracker) error
	ListUserIDs(ctx context.Context) ([]string, error)
	ResetWindow(ctx context.Context, window string) error
}

// EmergencyStopRepo persists stop records.
type EmergencyStopRepo interface {
	Create(ctx context.Context, stop *EmergencyStop) error
	ActiveForUser(ctx context.Context, userID string) (*EmergencyStop, error)
	Resolve(ctx context.Context, userID, stopID, resolvedBy string) error
}

// PriceAlertRepo persists user alerts.
type PriceAlertRepo interface {
	Create(ctx context.Context, alert *PriceAlert) error
	Get(ctx context.Context, id string) (*PriceAlert, error)
	ListActive(ctx context.Context) ([]PriceAlert, error)
	ListByUser(ctx context.Context, userID string) ([]PriceAlert, error)
	MarkTriggered(ctx context.Context, id string, at time.Time, current decimal.Decimal) error
	ResetTrigger(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Stores bundles the repositories consumed by the core.
type Stores struct {
	Limits   BudgetLimitsRepo
	Trackers SpendingTrackerRepo
	Stops    EmergencyStopRepo
	Alerts   PriceAlertRepo
}

// ErrNotFound is returned by repositories when a row does not exist.
type ErrNotFound struct{ Entity, Key string }

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a repository miss.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return IsNotFound(u.Unwrap())
	}
	return false
}
