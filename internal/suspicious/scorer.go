// Package suspicious maintains a per-user behavioural model and scores
// spending requests for anomalous activity. Patterns live in the cache
// only, bounded per user.
package suspicious

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/cache"
)

// Actions, ordered by severity.
const (
	ActionAllow              = "allow"
	ActionFlag               = "flag"
	ActionRequireVerify      = "require_verification"
	ActionBlock              = "block"
)

// Action thresholds over the capped score.
const (
	thresholdFlag   = 30
	thresholdVerify = 60
	thresholdBlock  = 80
)

// Config tunes the checks.
type Config struct {
	MaxHourlyTx      int
	MaxDailyTx       int
	AmountRatio      float64
	RapidFireSeconds int
	PatternTTL       time.Duration
}

// Metadata carries the optional request context used for novelty checks.
type Metadata struct {
	IPAddress         string `json:"ipAddress,omitempty"`
	UserAgent         string `json:"userAgent,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Geolocation       string `json:"geolocation,omitempty"`
}

// Request is one transaction under evaluation.
type Request struct {
	UserID   string
	Amount   decimal.Decimal
	MomentID string
	Metadata Metadata
}

// Result is the scorer's verdict.
type Result struct {
	Score   float64  `json:"score"`
	Action  string   `json:"action"`
	Reasons []string `json:"reasons"`
}

// txRecord is one remembered transaction.
type txRecord struct {
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// pattern is the cached per-user behavioural model.
type pattern struct {
	UserID       string          `json:"userId"`
	Transactions []txRecord      `json:"transactions"` // last 100
	MeanAmount   decimal.Decimal `json:"meanAmount"`
	TypicalHours []int           `json:"typicalHours"`
	Devices      []string        `json:"devices"`   // last 5
	IPs          []string        `json:"ips"`       // last 10
	Geolocations []string        `json:"geolocations"` // last 10
}

const (
	maxTxHistory = 100
	maxDevices   = 5
	maxIPs       = 10
	maxGeos      = 10
)

// Scorer evaluates requests against cached activity patterns.
type Scorer struct {
	cfg   Config
	cache cache.Cache
}

// New creates a scorer.
func New(cfg Config, c cache.Cache) *Scorer {
	if cfg.MaxHourlyTx <= 0 {
		cfg.MaxHourlyTx = 10
	}
	if cfg.MaxDailyTx <= 0 {
		cfg.MaxDailyTx = 50
	}
	if cfg.AmountRatio <= 0 {
		cfg.AmountRatio = 3.0
	}
	if cfg.RapidFireSeconds <= 0 {
		cfg.RapidFireSeconds = 30
	}
	if cfg.PatternTTL <= 0 {
		cfg.PatternTTL = cache.TTLPattern
	}
	return &Scorer{cfg: cfg, cache: c}
}

// Evaluate scores the request and updates the user's pattern. The raw score
// is capped at 100 before the action thresholds are applied, so the action
// is a monotone step function of the reported score.
func (s *Scorer) Evaluate(ctx context.Context, req Request) (*Result, error) {
	pat, err := s.loadPattern(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	score := 0.0
	var reasons []string

	// Frequency checks.
	hourly := countSince(pat.Transactions, now.Add(-time.Hour))
	if hourly >= s.cfg.MaxHourlyTx {
		score += 30
		reasons = append(reasons, fmt.Sprintf("hourly transaction count %d at or above limit %d", hourly, s.cfg.MaxHourlyTx))
	}
	daily := countSince(pat.Transactions, now.Add(-24*time.Hour))
	if daily >= s.cfg.MaxDailyTx {
		score += 40
		reasons = append(reasons, fmt.Sprintf("daily transaction count %d at or above limit %d", daily, s.cfg.MaxDailyTx))
	}

	// Amount deviation against the rolling mean.
	if pat.MeanAmount.Sign() > 0 {
		ratio, _ := req.Amount.Div(pat.MeanAmount).Float64()
		if ratio > s.cfg.AmountRatio {
			points := ratio * 5
			if points > 25 {
				points = 25
			}
			score += points
			reasons = append(reasons, fmt.Sprintf("amount %.1fx above user average", ratio))
		}
	}

	// Rapid-fire gap from the cached last-transaction marker.
	if last, ok := s.lastTransaction(ctx, req.UserID); ok {
		if gap := now.Sub(last); gap < time.Duration(s.cfg.RapidFireSeconds)*time.Second {
			score += 20
			reasons = append(reasons, fmt.Sprintf("only %.0fs since previous transaction", gap.Seconds()))
		}
	}

	// Hour-of-day novelty.
	if len(pat.TypicalHours) > 0 {
		distance := hourDistance(now.Hour(), pat.TypicalHours)
		if distance > 3 {
			points := float64(distance) * 2
			if points > 15 {
				points = 15
			}
			score += points
			reasons = append(reasons, fmt.Sprintf("unusual hour of day (%d hours from typical)", distance))
		}
	}

	// Geolocation novelty.
	if geo := req.Metadata.Geolocation; geo != "" && !contains(pat.Geolocations, geo) {
		score += 10
		reasons = append(reasons, "new geolocation")
		if len(pat.Geolocations) >= 5 {
			score += 15
			reasons = append(reasons, "new geolocation after established location history")
		}
	}

	// Device novelty.
	if dev := req.Metadata.DeviceFingerprint; dev != "" && !contains(pat.Devices, dev) {
		score += 10
		reasons = append(reasons, "new device")
		if len(pat.Devices) >= 2 {
			score += 15
			reasons = append(reasons, "new device after established device history")
		}
	}

	if score > 100 {
		score = 100
	}

	result := &Result{Score: score, Action: actionFor(score), Reasons: reasons}

	if err := s.updatePattern(ctx, pat, req, now); err != nil {
		// Pattern maintenance must not fail the evaluation.
		log.Warn().Err(err).Str("user", req.UserID).Msg("activity pattern update failed")
	}
	return result, nil
}

func actionFor(score float64) string {
	switch {
	case score >= thresholdBlock:
		return ActionBlock
	case score >= thresholdVerify:
		return ActionRequireVerify
	case score >= thresholdFlag:
		return ActionFlag
	default:
		return ActionAllow
	}
}

func (s *Scorer) loadPattern(ctx context.Context, userID string) (*pattern, error) {
	var pat pattern
	ok, err := s.cache.GetJSON(ctx, cache.KeyActivity+userID, &pat)
	if err != nil {
		return nil, fmt.Errorf("load activity pattern: %w", err)
	}
	if !ok {
		return &pattern{UserID: userID}, nil
	}
	return &pat, nil
}

func (s *Scorer) lastTransaction(ctx context.Context, userID string) (time.Time, bool) {
	data, ok, err := s.cache.Get(ctx, cache.KeyLastTx+userID)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// updatePattern appends the transaction, recomputes the mean, records the
// hour and the bounded device/IP/geo sets, and refreshes the cache markers.
func (s *Scorer) updatePattern(ctx context.Context, pat *pattern, req Request, now time.Time) error {
	pat.Transactions = append(pat.Transactions, txRecord{Amount: req.Amount, Timestamp: now})
	if len(pat.Transactions) > maxTxHistory {
		pat.Transactions = pat.Transactions[len(pat.Transactions)-maxTxHistory:]
	}

	var sum decimal.Decimal
	for _, tx := range pat.Transactions {
		sum = sum.Add(tx.Amount)
	}
	pat.MeanAmount = sum.Div(decimal.NewFromInt(int64(len(pat.Transactions)))).Round(2)

	if !containsInt(pat.TypicalHours, now.Hour()) {
		pat.TypicalHours = append(pat.TypicalHours, now.Hour())
	}
	pat.Devices = appendBounded(pat.Devices, req.Metadata.DeviceFingerprint, maxDevices)
	pat.IPs = appendBounded(pat.IPs, req.Metadata.IPAddress, maxIPs)
	pat.Geolocations = appendBounded(pat.Geolocations, req.Metadata.Geolocation, maxGeos)

	if err := s.cache.SetJSON(ctx, cache.KeyActivity+pat.UserID, pat, s.cfg.PatternTTL); err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.KeyLastTx+pat.UserID,
		[]byte(now.Format(time.RFC3339Nano)), 24*time.Hour)
}

func countSince(txs []txRecord, cutoff time.Time) int {
	n := 0
	for _, tx := range txs {
		if !tx.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// hourDistance is the minimum circular distance from hour to any typical
// hour.
func hourDistance(hour int, typical []int) int {
	best := 24
	for _, t := range typical {
		d := hour - t
		if d < 0 {
			d = -d
		}
		if wrapped := 24 - d; wrapped < d {
			d = wrapped
		}
		if d < best {
			best = d
		}
	}
	return best
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func appendBounded(list []string, v string, max int) []string {
	if v == "" || contains(list, v) {
		return list
	}
	list = append(list, v)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
