// Package postgres implements the persistence repositories on PostgreSQL
// via sqlx. Every query runs under a context deadline.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/courtflow/courtflow/internal/persistence"
)

// Config holds connection-pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// Connect opens the pool, verifies it, and returns the wired repositories.
func Connect(cfg Config) (*sqlx.DB, *persistence.Stores, error) {
	if cfg.DSN == "" {
		return nil, nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	stores := &persistence.Stores{
		Limits:   NewBudgetLimitsRepo(db, timeout),
		Trackers: NewSpendingTrackerRepo(db, timeout),
		Stops:    NewEmergencyStopRepo(db, timeout),
		Alerts:   NewPriceAlertRepo(db, timeout),
	}
	return db, stores, nil
}
