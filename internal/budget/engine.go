// Package budget is the authoritative approval engine for spending
// requests: multi-window accounting, suspicious-activity consultation,
// safety de-escalation and emergency-stop state. All operations for one
// user are serialised so check-and-record is atomic.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/persistence"
	"github.com/courtflow/courtflow/internal/suspicious"
)

// Rejection codes surfaced to clients.
const (
	CodeEmergencyStop     = "emergency_stop_active"
	CodeMaxPerItem        = "max_per_item_exceeded"
	CodeNeedsVerification = "needs_verification"
	CodeSuspiciousBlocked = "suspicious_activity_blocked"
	CodeDailySafety       = "daily_safety_margin"
	CodeHourlyVelocity    = "hourly_velocity"
)

// Risk scores attached to rejections, per window.
const (
	riskMaxPerItem = 100
	riskDaily      = 90
	riskWeekly     = 85
	riskMonthly    = 80
	riskTotal      = 95
)

// Request is one spending request under approval.
type Request struct {
	UserID   string              `json:"userId"`
	Amount   decimal.Decimal     `json:"amount"`
	MomentID string              `json:"momentId"`
	Strategy string              `json:"strategy,omitempty"`
	Type     string              `json:"type"` // buy|bid|offer
	Metadata suspicious.Metadata `json:"metadata,omitempty"`
}

// Approval is the engine's verdict. Rejections are normal outcomes, not
// errors; errors are reserved for store/cache failures, which must not be
// mistaken for approval.
type Approval struct {
	Approved   bool               `json:"approved"`
	Code       string             `json:"code,omitempty"`
	Window     string             `json:"window,omitempty"` // set for budget_exceeded_*
	Reason     string             `json:"reason,omitempty"`
	RiskScore  float64            `json:"riskScore"`
	Warnings   []string           `json:"warnings,omitempty"`
	Suspicious *suspicious.Result `json:"suspiciousActivity,omitempty"`
}

// Config tunes the engine.
type Config struct {
	DefaultDaily         decimal.Decimal
	DefaultWeekly        decimal.Decimal
	DefaultMonthly       decimal.Decimal
	DefaultTotal         decimal.Decimal
	DefaultMaxPerItem    decimal.Decimal
	DefaultEmergencyStop decimal.Decimal
	WarningThreshold     float64 // window utilisation warning, default 0.8
	HourlyTxMax          int
	Currency             string
}

// Engine approves and records spending under per-user serialisation.
type Engine struct {
	cfg    Config
	stores *persistence.Stores
	cache  cache.Cache
	scorer *suspicious.Scorer
	bus    *events.Bus

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex

	outcomeHook func(outcome string) // optional metrics hook
}

// NewEngine creates the approval engine.
func NewEngine(cfg Config, stores *persistence.Stores, c cache.Cache, scorer *suspicious.Scorer, bus *events.Bus, outcomeHook func(string)) *Engine {
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = 0.8
	}
	if cfg.HourlyTxMax <= 0 {
		cfg.HourlyTxMax = 10
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Engine{
		cfg:         cfg,
		stores:      stores,
		cache:       c,
		scorer:      scorer,
		bus:         bus,
		userLocks:   make(map[string]*sync.Mutex),
		outcomeHook: outcomeHook,
	}
}

func (e *Engine) lockUser(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.userLocks[userID] = l
	}
	return l
}

func (e *Engine) outcome(name string) {
	if e.outcomeHook != nil {
		e.outcomeHook(name)
	}
}

// Approve runs the approval pipeline under the user's lock without
// recording.
func (e *Engine) Approve(ctx context.Context, req Request) (*Approval, error) {
	l := e.lockUser(req.UserID)
	l.Lock()
	defer l.Unlock()
	return e.approve(ctx, req)
}

// ApproveAndRecord runs approval and, for approved buy-type requests,
// records the spending — all under one user lock, so two requests cannot
// both pass a cap check before either commits.
func (e *Engine) ApproveAndRecord(ctx context.Context, req Request) (*Approval, error) {
	l := e.lockUser(req.UserID)
	l.Lock()
	defer l.Unlock()

	approval, err := e.approve(ctx, req)
	if err != nil {
		return nil, err
	}
	if approval.Approved && req.Type == "buy" {
		if err := e.record(ctx, req); err != nil {
			return nil, err
		}
	}
	return approval, nil
}

// approve implements the pipeline. Caller holds the user lock.
func (e *Engine) approve(ctx context.Context, req Request) (*Approval, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("spending request missing user")
	}
	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("spending request amount must be positive")
	}

	limits, err := e.loadLimits(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := e.maybeRestoreLimits(ctx, limits); err != nil {
		log.Warn().Err(err).Str("user", req.UserID).Msg("limit restoration check failed")
	}
	tracker, err := e.loadTracker(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	// 1. Active emergency stop blocks everything.
	stop, err := e.stores.Stops.ActiveForUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("emergency stop lookup: %w", err)
	}
	if stop != nil {
		e.outcome("rejected_emergency_stop")
		return &Approval{
			Approved:  false,
			Code:      CodeEmergencyStop,
			Reason:    "emergency stop is active for this user",
			RiskScore: 100,
		}, nil
	}

	// 2. Per-item cap.
	if req.Amount.GreaterThan(limits.MaxPerItem) {
		e.outcome("rejected_max_per_item")
		return &Approval{
			Approved:  false,
			Code:      CodeMaxPerItem,
			Reason:    fmt.Sprintf("amount exceeds per-item limit of %s", limits.MaxPerItem),
			RiskScore: riskMaxPerItem,
		}, nil
	}

	// 3. Window caps.
	if rejection := checkWindows(limits, tracker, req.Amount); rejection != nil {
		e.outcome("rejected_" + rejection.Window)
		return rejection, nil
	}

	// 4. Emergency threshold on total spend.
	if tracker.TotalSpent.Add(req.Amount).GreaterThan(limits.EmergencyStop) {
		if err := e.triggerEmergencyStop(ctx, req.UserID,
			fmt.Sprintf("spending would exceed emergency threshold %s", limits.EmergencyStop),
			"system"); err != nil {
			return nil, err
		}
		e.outcome("rejected_emergency_trigger")
		return &Approval{
			Approved:  false,
			Code:      CodeEmergencyStop,
			Reason:    "emergency stop triggered: spending would exceed the emergency threshold",
			RiskScore: 100,
		}, nil
	}

	// 5. Behavioural scoring.
	verdict, err := e.scorer.Evaluate(ctx, suspicious.Request{
		UserID:   req.UserID,
		Amount:   req.Amount,
		MomentID: req.MomentID,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("suspicious-activity evaluation: %w", err)
	}

	var warnings []string
	switch verdict.Action {
	case suspicious.ActionBlock:
		if err := e.deescalate(ctx, limits); err != nil {
			log.Error().Err(err).Str("user", req.UserID).Msg("safety de-escalation failed")
		}
		e.outcome("rejected_suspicious")
		return &Approval{
			Approved:   false,
			Code:       CodeSuspiciousBlocked,
			Reason:     "transaction blocked by suspicious-activity checks",
			RiskScore:  verdict.Score,
			Suspicious: verdict,
		}, nil
	case suspicious.ActionRequireVerify:
		e.outcome("rejected_needs_verification")
		return &Approval{
			Approved:   false,
			Code:       CodeNeedsVerification,
			Reason:     "additional verification required",
			RiskScore:  verdict.Score,
			Suspicious: verdict,
		}, nil
	case suspicious.ActionFlag:
		warnings = append(warnings, "transaction flagged for unusual activity")
	}

	// 6. Additional safety margins, applied when the base risk is high.
	if verdict.Score >= 70 {
		remaining := limits.DailyLimit.Sub(tracker.DailySpent)
		if remaining.Sign() > 0 && req.Amount.GreaterThan(remaining.Div(decimal.NewFromInt(2))) {
			e.outcome("rejected_daily_safety")
			return &Approval{
				Approved:   false,
				Code:       CodeDailySafety,
				Reason:     "transaction would consume most of the remaining daily budget",
				RiskScore:  verdict.Score,
				Suspicious: verdict,
			}, nil
		}
		if hourly, err := e.hourlyCount(ctx, req.UserID); err != nil {
			return nil, err
		} else if hourly > int64(e.cfg.HourlyTxMax) {
			e.outcome("rejected_hourly_velocity")
			return &Approval{
				Approved:   false,
				Code:       CodeHourlyVelocity,
				Reason:     "hourly transaction velocity exceeded",
				RiskScore:  verdict.Score,
				Suspicious: verdict,
			}, nil
		}
	}

	// 7. Utilisation warnings.
	warnings = append(warnings, e.utilisationWarnings(limits, tracker, req.Amount)...)

	e.outcome("approved")
	approval := &Approval{
		Approved:  true,
		RiskScore: verdict.Score,
		Warnings:  warnings,
	}
	if len(verdict.Reasons) > 0 {
		approval.Suspicious = verdict
	}
	return approval, nil
}

// checkWindows verifies every accumulator against its cap for the proposed
// amount. Rejection carries the per-window risk score.
func checkWindows(limits *persistence.BudgetLimits, tracker *persistence.SpendingTracker, amount decimal.Decimal) *Approval {
	windows := []struct {
		name  string
		spent decimal.Decimal
		cap   decimal.Decimal
		risk  float64
	}{
		{"daily", tracker.DailySpent, limits.DailyLimit, riskDaily},
		{"weekly", tracker.WeeklySpent, limits.WeeklyLimit, riskWeekly},
		{"monthly", tracker.MonthlySpent, limits.MonthlyLimit, riskMonthly},
		{"total", tracker.TotalSpent, limits.TotalBudget, riskTotal},
	}
	for _, w := range windows {
		if w.spent.Add(amount).GreaterThan(w.cap) {
			return &Approval{
				Approved:  false,
				Code:      "budget_exceeded_" + w.name,
				Window:    w.name,
				Reason:    fmt.Sprintf("request would exceed %s limit of %s (spent %s)", w.name, w.cap, w.spent),
				RiskScore: w.risk,
			}
		}
	}
	return nil
}

func (e *Engine) utilisationWarnings(limits *persistence.BudgetLimits, tracker *persistence.SpendingTracker, amount decimal.Decimal) []string {
	threshold := decimal.NewFromFloat(e.cfg.WarningThreshold)
	var warnings []string
	windows := []struct {
		name  string
		spent decimal.Decimal
		cap   decimal.Decimal
	}{
		{"daily", tracker.DailySpent, limits.DailyLimit},
		{"weekly", tracker.WeeklySpent, limits.WeeklyLimit},
		{"monthly", tracker.MonthlySpent, limits.MonthlyLimit},
		{"total", tracker.TotalSpent, limits.TotalBudget},
	}
	for _, w := range windows {
		if w.cap.Sign() <= 0 {
			continue
		}
		utilisation := w.spent.Add(amount).Div(w.cap)
		if utilisation.GreaterThanOrEqual(threshold) {
			pct := utilisation.Mul(decimal.NewFromInt(100)).Round(0)
			warnings = append(warnings, fmt.Sprintf("%s budget utilisation at %s%%", w.name, pct))
		}
	}
	return warnings
}

// record mutates the tracker for a buy. Caller holds the user lock.
func (e *Engine) record(ctx context.Context, req Request) error {
	tracker, err := e.loadTracker(ctx, req.UserID)
	if err != nil {
		return err
	}

	tracker.DailySpent = tracker.DailySpent.Add(req.Amount)
	tracker.WeeklySpent = tracker.WeeklySpent.Add(req.Amount)
	tracker.MonthlySpent = tracker.MonthlySpent.Add(req.Amount)
	tracker.TotalSpent = tracker.TotalSpent.Add(req.Amount)
	tracker.TransactionCount++
	tracker.AverageTransaction = tracker.TotalSpent.
		Div(decimal.NewFromInt(int64(tracker.TransactionCount))).Round(2)
	if req.Amount.GreaterThan(tracker.LargestTransaction) {
		tracker.LargestTransaction = req.Amount
	}
	tracker.UpdatedAt = time.Now()

	if err := e.stores.Trackers.Upsert(ctx, tracker); err != nil {
		return fmt.Errorf("record spending: %w", err)
	}
	if _, err := e.cache.Incr(ctx, cache.KeyHourlyTx+req.UserID, cache.TTLHourlyCounter); err != nil {
		return fmt.Errorf("hourly counter: %w", err)
	}
	return nil
}

// Record registers an approved buy outside ApproveAndRecord; used by
// callers that split the two phases.
func (e *Engine) Record(ctx context.Context, req Request) error {
	if req.Type != "buy" {
		return nil
	}
	l := e.lockUser(req.UserID)
	l.Lock()
	defer l.Unlock()
	return e.record(ctx, req)
}

func (e *Engine) hourlyCount(ctx context.Context, userID string) (int64, error) {
	data, ok, err := e.cache.Get(ctx, cache.KeyHourlyTx+userID)
	if err != nil {
		return 0, fmt.Errorf("hourly counter read: %w", err)
	}
	if !ok {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil {
		return 0, nil
	}
	return n, nil
}

// Tracker returns the user's current tracker, creating it lazily.
func (e *Engine) Tracker(ctx context.Context, userID string) (*persistence.SpendingTracker, error) {
	l := e.lockUser(userID)
	l.Lock()
	defer l.Unlock()
	return e.loadTracker(ctx, userID)
}

func (e *Engine) loadTracker(ctx context.Context, userID string) (*persistence.SpendingTracker, error) {
	tracker, err := e.stores.Trackers.Get(ctx, userID)
	if err == nil {
		return tracker, nil
	}
	if !persistence.IsNotFound(err) {
		return nil, fmt.Errorf("tracker load: %w", err)
	}

	tracker = &persistence.SpendingTracker{
		UserID:      userID,
		TrackerDate: time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := e.stores.Trackers.Upsert(ctx, tracker); err != nil {
		return nil, fmt.Errorf("tracker create: %w", err)
	}
	return tracker, nil
}
