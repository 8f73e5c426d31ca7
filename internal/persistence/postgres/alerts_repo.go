package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/persistence"
)

type priceAlertRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPriceAlertRepo creates the PostgreSQL price-alert repository.
func NewPriceAlertRepo(db *sqlx.DB, timeout time.Duration) persistence.PriceAlertRepo {
	return &priceAlertRepo{db: db, timeout: timeout}
}

const alertColumns = `id, user_id, moment_id, player_id, alert_type, threshold,
	current_value, active, triggered, triggered_at, created_at`

func (r *priceAlertRepo) Create(ctx context.Context, alert *persistence.PriceAlert) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if alert.MomentID == nil && alert.PlayerID == nil {
		return fmt.Errorf("price alert requires a moment or player reference")
	}

	query := `
		INSERT INTO price_alerts (id, user_id, moment_id, player_id, alert_type,
			threshold, current_value, active, triggered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	_, err := r.db.ExecContext(ctx, query,
		alert.ID, alert.UserID, alert.MomentID, alert.PlayerID, alert.Type,
		alert.Threshold, alert.CurrentValue, alert.Active, alert.Triggered)
	if err != nil {
		return fmt.Errorf("failed to create price alert: %w", err)
	}
	return nil
}

func (r *priceAlertRepo) Get(ctx context.Context, id string) (*persistence.PriceAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var alert persistence.PriceAlert
	query := `SELECT ` + alertColumns + ` FROM price_alerts WHERE id = $1`
	if err := r.db.GetContext(ctx, &alert, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, &persistence.ErrNotFound{Entity: "price_alert", Key: id}
		}
		return nil, fmt.Errorf("failed to load price alert: %w", err)
	}
	return &alert, nil
}

func (r *priceAlertRepo) ListActive(ctx context.Context) ([]persistence.PriceAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var alerts []persistence.PriceAlert
	query := `SELECT ` + alertColumns + ` FROM price_alerts WHERE active = TRUE ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &alerts, query); err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

func (r *priceAlertRepo) ListByUser(ctx context.Context, userID string) ([]persistence.PriceAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var alerts []persistence.PriceAlert
	query := `SELECT ` + alertColumns + ` FROM price_alerts WHERE user_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &alerts, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list user alerts: %w", err)
	}
	return alerts, nil
}

func (r *priceAlertRepo) MarkTriggered(ctx context.Context, id string, at time.Time, current decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE price_alerts
		SET triggered = TRUE, triggered_at = $2, current_value = $3
		WHERE id = $1 AND triggered = FALSE`

	if _, err := r.db.ExecContext(ctx, query, id, at, current); err != nil {
		return fmt.Errorf("failed to mark alert triggered: %w", err)
	}
	return nil
}

func (r *priceAlertRepo) ResetTrigger(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE price_alerts SET triggered = FALSE, triggered_at = NULL WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to reset alert trigger: %w", err)
	}
	return nil
}

func (r *priceAlertRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM price_alerts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete price alert: %w", err)
	}
	return nil
}
