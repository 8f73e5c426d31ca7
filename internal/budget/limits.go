package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/persistence"
)

var (
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)
	half = decimal.NewFromFloat(0.5)
)

// LimitUpdate carries the caps a user may change. Nil fields are left
// untouched.
type LimitUpdate struct {
	DailyLimit    *decimal.Decimal `json:"dailyLimit,omitempty"`
	WeeklyLimit   *decimal.Decimal `json:"weeklyLimit,omitempty"`
	MonthlyLimit  *decimal.Decimal `json:"monthlyLimit,omitempty"`
	MaxPerItem    *decimal.Decimal `json:"maxPerItem,omitempty"`
	TotalBudget   *decimal.Decimal `json:"totalBudget,omitempty"`
	EmergencyStop *decimal.Decimal `json:"emergencyStopThreshold,omitempty"`
	ReserveAmount *decimal.Decimal `json:"reserveAmount,omitempty"`
}

// pendingChange is the cached record of an update awaiting confirmation.
type pendingChange struct {
	UserID    string      `json:"userId"`
	Update    LimitUpdate `json:"update"`
	CreatedAt time.Time   `json:"createdAt"`
}

// stashedLimits is the cached record of de-escalated caps.
type stashedLimits struct {
	DailyLimit decimal.Decimal `json:"dailyLimit"`
	MaxPerItem decimal.Decimal `json:"maxPerItem"`
	RestoreAt  time.Time       `json:"restoreAt"`
}

// Limits returns the user's caps, creating defaults if absent.
func (e *Engine) Limits(ctx context.Context, userID string) (*persistence.BudgetLimits, error) {
	l := e.lockUser(userID)
	l.Lock()
	defer l.Unlock()
	limits, err := e.loadLimits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.maybeRestoreLimits(ctx, limits); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("limit restoration check failed")
	}
	return limits, nil
}

func (e *Engine) loadLimits(ctx context.Context, userID string) (*persistence.BudgetLimits, error) {
	limits, err := e.stores.Limits.Get(ctx, userID)
	if err == nil {
		return limits, nil
	}
	if !persistence.IsNotFound(err) {
		return nil, fmt.Errorf("limits load: %w", err)
	}

	limits = e.defaultLimits(userID)
	if err := e.stores.Limits.Upsert(ctx, limits); err != nil {
		return nil, fmt.Errorf("limits create: %w", err)
	}
	log.Info().Str("user", userID).Msg("created default budget limits")
	return limits, nil
}

func (e *Engine) defaultLimits(userID string) *persistence.BudgetLimits {
	now := time.Now()
	return &persistence.BudgetLimits{
		UserID:        userID,
		DailyLimit:    e.cfg.DefaultDaily,
		WeeklyLimit:   e.cfg.DefaultWeekly,
		MonthlyLimit:  e.cfg.DefaultMonthly,
		MaxPerItem:    e.cfg.DefaultMaxPerItem,
		TotalBudget:   e.cfg.DefaultTotal,
		EmergencyStop: e.cfg.DefaultEmergencyStop,
		ReserveAmount: decimal.Zero,
		Currency:      e.cfg.Currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ValidateLimits enforces the structural invariants between caps.
func ValidateLimits(l *persistence.BudgetLimits) error {
	seven := decimal.NewFromInt(7)
	switch {
	case l.DailyLimit.Sign() <= 0 || l.WeeklyLimit.Sign() <= 0 ||
		l.MonthlyLimit.Sign() <= 0 || l.TotalBudget.Sign() <= 0:
		return fmt.Errorf("limits must be positive")
	case l.DailyLimit.GreaterThan(l.WeeklyLimit):
		return fmt.Errorf("daily limit cannot exceed weekly limit")
	case l.WeeklyLimit.GreaterThan(l.MonthlyLimit):
		return fmt.Errorf("weekly limit cannot exceed monthly limit")
	case l.WeeklyLimit.LessThan(l.DailyLimit.Mul(seven)):
		return fmt.Errorf("weekly limit must cover seven days at the daily limit")
	case l.MonthlyLimit.LessThan(l.WeeklyLimit.Mul(four)):
		return fmt.Errorf("monthly limit must cover four weeks at the weekly limit")
	case l.EmergencyStop.GreaterThan(l.TotalBudget):
		return fmt.Errorf("emergency stop threshold cannot exceed total budget")
	case l.ReserveAmount.GreaterThan(l.TotalBudget.Mul(half)):
		return fmt.Errorf("reserve cannot exceed half the total budget")
	case l.MaxPerItem.GreaterThan(l.DailyLimit):
		return fmt.Errorf("per-item limit cannot exceed daily limit")
	}
	return nil
}

// UpdateLimits applies an update. A significant change — any cap more than
// doubled or more than halved — is parked for confirmation instead of
// applied. The bool reports whether the change is pending.
func (e *Engine) UpdateLimits(ctx context.Context, userID string, update LimitUpdate) (*persistence.BudgetLimits, bool, error) {
	l := e.lockUser(userID)
	l.Lock()
	defer l.Unlock()

	current, err := e.loadLimits(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	proposed := *current
	applyUpdate(&proposed, update)
	if err := ValidateLimits(&proposed); err != nil {
		return nil, false, err
	}

	if significantChange(current, &proposed) {
		pending := pendingChange{UserID: userID, Update: update, CreatedAt: time.Now()}
		if err := e.cache.SetJSON(ctx, cache.KeyPendingChanges+userID, pending, cache.TTLPendingChange); err != nil {
			return nil, false, fmt.Errorf("park pending change: %w", err)
		}
		log.Info().Str("user", userID).Msg("budget change parked pending confirmation")
		return current, true, nil
	}

	return e.commitLimits(ctx, &proposed)
}

// ConfirmLimitChange applies or discards a parked change.
func (e *Engine) ConfirmLimitChange(ctx context.Context, userID string, accept bool) (*persistence.BudgetLimits, error) {
	l := e.lockUser(userID)
	l.Lock()
	defer l.Unlock()

	var pending pendingChange
	ok, err := e.cache.GetJSON(ctx, cache.KeyPendingChanges+userID, &pending)
	if err != nil {
		return nil, fmt.Errorf("pending change lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no pending budget change for user")
	}
	if err := e.cache.Delete(ctx, cache.KeyPendingChanges+userID); err != nil {
		return nil, fmt.Errorf("pending change clear: %w", err)
	}

	current, err := e.loadLimits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !accept {
		log.Info().Str("user", userID).Msg("pending budget change discarded")
		return current, nil
	}

	proposed := *current
	applyUpdate(&proposed, pending.Update)
	if err := ValidateLimits(&proposed); err != nil {
		return nil, err
	}
	limits, _, err := e.commitLimits(ctx, &proposed)
	return limits, err
}

func (e *Engine) commitLimits(ctx context.Context, limits *persistence.BudgetLimits) (*persistence.BudgetLimits, bool, error) {
	limits.UpdatedAt = time.Now()
	if err := e.stores.Limits.Upsert(ctx, limits); err != nil {
		return nil, false, fmt.Errorf("limits update: %w", err)
	}
	log.Info().Str("user", limits.UserID).Msg("budget limits updated")
	return limits, false, nil
}

func applyUpdate(limits *persistence.BudgetLimits, update LimitUpdate) {
	if update.DailyLimit != nil {
		limits.DailyLimit = *update.DailyLimit
	}
	if update.WeeklyLimit != nil {
		limits.WeeklyLimit = *update.WeeklyLimit
	}
	if update.MonthlyLimit != nil {
		limits.MonthlyLimit = *update.MonthlyLimit
	}
	if update.MaxPerItem != nil {
		limits.MaxPerItem = *update.MaxPerItem
	}
	if update.TotalBudget != nil {
		limits.TotalBudget = *update.TotalBudget
	}
	if update.EmergencyStop != nil {
		limits.EmergencyStop = *update.EmergencyStop
	}
	if update.ReserveAmount != nil {
		limits.ReserveAmount = *update.ReserveAmount
	}
}

// significantChange reports whether any cap moved by more than 2x in
// either direction.
func significantChange(before, after *persistence.BudgetLimits) bool {
	pairs := [][2]decimal.Decimal{
		{before.DailyLimit, after.DailyLimit},
		{before.WeeklyLimit, after.WeeklyLimit},
		{before.MonthlyLimit, after.MonthlyLimit},
		{before.MaxPerItem, after.MaxPerItem},
		{before.TotalBudget, after.TotalBudget},
	}
	for _, p := range pairs {
		if p[0].Sign() <= 0 {
			continue
		}
		ratio := p[1].Div(p[0])
		if ratio.GreaterThan(two) || ratio.LessThan(half) {
			return true
		}
	}
	return false
}

// deescalate halves the daily and per-item caps for 24 hours after a
// blocked transaction, stashing the originals for restoration.
func (e *Engine) deescalate(ctx context.Context, limits *persistence.BudgetLimits) error {
	var existing stashedLimits
	if ok, err := e.cache.GetJSON(ctx, cache.KeyOriginalLimits+limits.UserID, &existing); err != nil {
		return fmt.Errorf("stash lookup: %w", err)
	} else if ok {
		// Already de-escalated; do not halve twice.
		return nil
	}

	stash := stashedLimits{
		DailyLimit: limits.DailyLimit,
		MaxPerItem: limits.MaxPerItem,
		RestoreAt:  time.Now().Add(24 * time.Hour),
	}
	if err := e.cache.SetJSON(ctx, cache.KeyOriginalLimits+limits.UserID, stash, cache.TTLPendingChange); err != nil {
		return fmt.Errorf("stash originals: %w", err)
	}

	limits.DailyLimit = limits.DailyLimit.Div(two).Round(2)
	limits.MaxPerItem = limits.MaxPerItem.Div(two).Round(2)
	limits.UpdatedAt = time.Now()
	if err := e.stores.Limits.Upsert(ctx, limits); err != nil {
		return fmt.Errorf("apply de-escalation: %w", err)
	}
	log.Warn().Str("user", limits.UserID).
		Str("daily", limits.DailyLimit.String()).
		Str("maxPerItem", limits.MaxPerItem.String()).
		Msg("limits de-escalated after blocked transaction")
	return nil
}

// maybeRestoreLimits undoes an expired de-escalation. Self-healing: runs
// on every limits load rather than on a timer.
func (e *Engine) maybeRestoreLimits(ctx context.Context, limits *persistence.BudgetLimits) error {
	var stash stashedLimits
	ok, err := e.cache.GetJSON(ctx, cache.KeyOriginalLimits+limits.UserID, &stash)
	if err != nil {
		return fmt.Errorf("stash lookup: %w", err)
	}
	if !ok || time.Now().Before(stash.RestoreAt) {
		return nil
	}

	limits.DailyLimit = stash.DailyLimit
	limits.MaxPerItem = stash.MaxPerItem
	limits.UpdatedAt = time.Now()
	if err := e.stores.Limits.Upsert(ctx, limits); err != nil {
		return fmt.Errorf("restore limits: %w", err)
	}
	if err := e.cache.Delete(ctx, cache.KeyOriginalLimits+limits.UserID); err != nil {
		return fmt.Errorf("clear stash: %w", err)
	}
	log.Info().Str("user", limits.UserID).Msg("de-escalated limits restored")
	return nil
}

// PendingChange returns the parked update for a user, if any.
func (e *Engine) PendingChange(ctx context.Context, userID string) (*LimitUpdate, error) {
	var pending pendingChange
	ok, err := e.cache.GetJSON(ctx, cache.KeyPendingChanges+userID, &pending)
	if err != nil {
		return nil, fmt.Errorf("pending change lookup: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &pending.Update, nil
}
