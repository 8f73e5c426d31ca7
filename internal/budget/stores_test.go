package budget

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/persistence"
)

// In-memory repositories for engine tests.

type memLimitsRepo struct {
	mu   sync.Mutex
	rows map[string]*persistence.BudgetLimits
}

func newMemLimitsRepo() *memLimitsRepo {
	return &memLimitsRepo{rows: map[string]*persistence.BudgetLimits{}}
}

func (r *memLimitsRepo) Get(_ context.Context, userID string) (*persistence.BudgetLimits, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok {
		return nil, &persistence.ErrNotFound{Entity: "budget limits", Key: userID}
	}
	copied := *row
	return &copied, nil
}

func (r *memLimitsRepo) Upsert(_ context.Context, limits *persistence.BudgetLimits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *limits
	r.rows[limits.UserID] = &copied
	return nil
}

type memTrackerRepo struct {
	mu   sync.Mutex
	rows map[string]*persistence.SpendingTracker
}

func newMemTrackerRepo() *memTrackerRepo {
	return &memTrackerRepo{rows: map[string]*persistence.SpendingTracker{}}
}

func (r *memTrackerRepo) Get(_ context.Context, userID string) (*persistence.SpendingTracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok {
		return nil, &persistence.ErrNotFound{Entity: "spending tracker", Key: userID}
	}
	copied := *row
	return &copied, nil
}

func (r *memTrackerRepo) Upsert(_ context.Context, tracker *persistence.SpendingTracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *tracker
	r.rows[tracker.UserID] = &copied
	return nil
}

func (r *memTrackerRepo) ListUserIDs(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *memTrackerRepo) ResetWindow(_ context.Context, window string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		switch window {
		case "daily":
			row.DailySpent = decimal.Zero
		case "weekly":
			row.WeeklySpent = decimal.Zero
		case "monthly":
			row.MonthlySpent = decimal.Zero
		}
		row.UpdatedAt = time.Now()
	}
	return nil
}

type memStopsRepo struct {
	mu   sync.Mutex
	rows []*persistence.EmergencyStop
}

func newMemStopsRepo() *memStopsRepo { return &memStopsRepo{} }

func (r *memStopsRepo) Create(_ context.Context, stop *persistence.EmergencyStop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *stop
	r.rows = append(r.rows, &copied)
	return nil
}

func (r *memStopsRepo) ActiveForUser(_ context.Context, userID string) (*persistence.EmergencyStop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stop := range r.rows {
		if stop.UserID == userID && stop.Active {
			copied := *stop
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memStopsRepo) Resolve(_ context.Context, userID, stopID, resolvedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stop := range r.rows {
		if stop.UserID == userID && stop.ID == stopID && stop.Active {
			now := time.Now()
			stop.Active = false
			stop.ResolvedAt = &now
			stop.ResolvedBy = &resolvedBy
			return nil
		}
	}
	return &persistence.ErrNotFound{Entity: "emergency stop", Key: stopID}
}

func newTestStores() *persistence.Stores {
	return &persistence.Stores{
		Limits:   newMemLimitsRepo(),
		Trackers: newMemTrackerRepo(),
		Stops:    newMemStopsRepo(),
	}
}
