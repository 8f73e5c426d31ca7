package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/courtflow/courtflow/internal/persistence"
)

type emergencyStopRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEmergencyStopRepo creates the PostgreSQL emergency-stop repository.
func NewEmergencyStopRepo(db *sqlx.DB, timeout time.Duration) persistence.EmergencyStopRepo {
	return &emergencyStopRepo{db: db, timeout: timeout}
}

func (r *emergencyStopRepo) Create(ctx context.Context, stop *persistence.EmergencyStop) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO emergency_stops (id, user_id, reason, triggered_by, active, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		stop.ID, stop.UserID, stop.Reason, stop.TriggeredBy, stop.Active, stop.TriggeredAt)
	if err != nil {
		return fmt.Errorf("failed to create emergency stop: %w", err)
	}
	return nil
}

func (r *emergencyStopRepo) ActiveForUser(ctx context.Context, userID string) (*persistence.EmergencyStop, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stop persistence.EmergencyStop
	query := `
		SELECT id, user_id, reason, triggered_by, active, triggered_at, resolved_at, resolved_by
		FROM emergency_stops
		WHERE user_id = $1 AND active = TRUE
		ORDER BY triggered_at DESC
		LIMIT 1`

	if err := r.db.GetContext(ctx, &stop, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no active stop
		}
		return nil, fmt.Errorf("failed to load emergency stop: %w", err)
	}
	return &stop, nil
}

func (r *emergencyStopRepo) Resolve(ctx context.Context, userID, stopID, resolvedBy string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE emergency_stops
		SET active = FALSE, resolved_at = NOW(), resolved_by = $3
		WHERE id = $1 AND user_id = $2 AND active = TRUE`

	res, err := r.db.ExecContext(ctx, query, stopID, userID, resolvedBy)
	if err != nil {
		return fmt.Errorf("failed to resolve emergency stop: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolve result: %w", err)
	}
	if affected == 0 {
		return &persistence.ErrNotFound{Entity: "emergency_stop", Key: stopID}
	}
	return nil
}
