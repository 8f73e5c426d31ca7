// Package arbitrage scans listings across venues for cross-venue price
// gaps, scores them for profit and risk, and tracks active opportunities
// with a TTL.
package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/marketplace"
)

// Opportunity statuses.
const (
	StatusActive   = "active"
	StatusExecuted = "executed"
	StatusExpired  = "expired"
	StatusInvalid  = "invalid"
)

// ExecutionRisk breaks the opportunity risk into sub-scores.
type ExecutionRisk struct {
	Liquidity     float64 `json:"liquidity"`
	PriceMovement float64 `json:"priceMovement"`
	ExecutionTime float64 `json:"executionTime"`
}

// Opportunity is one detected cross-venue price gap.
type Opportunity struct {
	ID                string          `json:"id"`
	MomentID          string          `json:"momentId"`
	SourceMarketplace string          `json:"sourceMarketplace"`
	SourcePrice       decimal.Decimal `json:"sourcePrice"`
	TargetMarketplace string          `json:"targetMarketplace"`
	TargetPrice       decimal.Decimal `json:"targetPrice"`
	ProfitAmount      decimal.Decimal `json:"profitAmount"`
	ProfitPercentage  float64         `json:"profitPercentage"`
	Confidence        float64         `json:"confidence"`
	RiskScore         float64         `json:"riskScore"`
	ExecutionRisk     ExecutionRisk   `json:"executionRisk"`
	DetectedAt        time.Time       `json:"detectedAt"`
	ExpiresAt         time.Time       `json:"expiresAt"`
	Status            string          `json:"status"`
}

// Config tunes the detector.
type Config struct {
	ScanInterval        time.Duration
	MinProfitPercentage float64
	MinProfitAmount     decimal.Decimal
	MaxRiskScore        float64
	OpportunityTTL      time.Duration
}

// VenueLister is the adapter surface the detector consumes.
type VenueLister interface {
	Name() string
	Healthy() bool
	ExecutionRisk() float64
	FetchActiveListings(ctx context.Context) ([]marketplace.Listing, error)
}

// Detector runs the periodic cross-venue scan.
type Detector struct {
	cfg    Config
	venues []VenueLister
	cache  cache.Cache
	bus    *events.Bus

	mu            sync.RWMutex
	opportunities map[string]*Opportunity // keyed by moment|source|target

	activeGauge func(int)
}

// New creates a detector. activeGauge (optional) receives the live count.
func New(cfg Config, venues []VenueLister, c cache.Cache, bus *events.Bus, activeGauge func(int)) *Detector {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.OpportunityTTL <= 0 {
		cfg.OpportunityTTL = 10 * time.Minute
	}
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = 70
	}
	return &Detector{
		cfg:           cfg,
		venues:        venues,
		cache:         c,
		bus:           bus,
		opportunities: make(map[string]*Opportunity),
		activeGauge:   activeGauge,
	}
}

// Run executes the scan cycle until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Scan runs one cycle: expire stale opportunities, gather listings from
// healthy venues, and evaluate every venue pair per moment.
func (d *Detector) Scan(ctx context.Context) {
	d.expire(ctx)

	byMoment := d.gather(ctx)
	found := 0
	for momentID, byVenue := range byMoment {
		if len(byVenue) < 2 {
			continue
		}
		found += d.evaluateMoment(ctx, momentID, byVenue)
	}

	d.mu.RLock()
	active := len(d.opportunities)
	d.mu.RUnlock()
	if d.activeGauge != nil {
		d.activeGauge(active)
	}
	log.Debug().Int("new", found).Int("active", active).Msg("arbitrage scan complete")
}

// gather fetches active listings from each healthy venue and groups them
// moment → venue. Per-venue failures are logged and skipped.
func (d *Detector) gather(ctx context.Context) map[string]map[string][]marketplace.Listing {
	byMoment := make(map[string]map[string][]marketplace.Listing)

	for _, venue := range d.venues {
		if !venue.Healthy() {
			log.Debug().Str("venue", venue.Name()).Msg("skipping unhealthy venue")
			continue
		}
		listings, err := venue.FetchActiveListings(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue.Name()).Msg("listing fetch failed")
			continue
		}
		for _, l := range listings {
			if l.Status != marketplace.StatusActive {
				continue
			}
			if byMoment[l.MomentID] == nil {
				byMoment[l.MomentID] = make(map[string][]marketplace.Listing)
			}
			byMoment[l.MomentID][l.VenueID] = append(byMoment[l.MomentID][l.VenueID], l)
		}
	}
	return byMoment
}

// evaluateMoment checks every unordered venue pair in both directions.
func (d *Detector) evaluateMoment(ctx context.Context, momentID string, byVenue map[string][]marketplace.Listing) int {
	venues := make([]string, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}

	found := 0
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			if d.evaluatePair(ctx, momentID, byVenue[venues[i]], byVenue[venues[j]]) {
				found++
			}
			if d.evaluatePair(ctx, momentID, byVenue[venues[j]], byVenue[venues[i]]) {
				found++
			}
		}
	}
	return found
}

// evaluatePair considers buying the cheapest listing on the source side and
// selling at the highest price on the target side.
func (d *Detector) evaluatePair(ctx context.Context, momentID string, source, target []marketplace.Listing) bool {
	buy := minPrice(source)
	sell := maxPrice(target)
	if buy == nil || sell == nil {
		return false
	}

	profit := sell.Price.Sub(buy.Price)
	if profit.Sign() <= 0 {
		return false
	}
	pct, _ := profit.Div(buy.Price).Mul(decimal.NewFromInt(100)).Float64()
	if pct < d.cfg.MinProfitPercentage || profit.LessThan(d.cfg.MinProfitAmount) {
		return false
	}

	risk := riskScore(buy, sell)
	if risk > d.cfg.MaxRiskScore {
		return false
	}

	now := time.Now()
	opp := &Opportunity{
		ID:                uuid.New().String(),
		MomentID:          momentID,
		SourceMarketplace: buy.VenueID,
		SourcePrice:       buy.Price,
		TargetMarketplace: sell.VenueID,
		TargetPrice:       sell.Price,
		ProfitAmount:      profit,
		ProfitPercentage:  pct,
		Confidence:        confidence(buy, sell, pct),
		RiskScore:         risk,
		ExecutionRisk: ExecutionRisk{
			Liquidity:     20 + priceBucketPoints(buy.Price),
			PriceMovement: movementRisk(pct),
			ExecutionTime: d.maxVenueRisk(buy.VenueID, sell.VenueID),
		},
		DetectedAt: now,
		ExpiresAt:  now.Add(d.cfg.OpportunityTTL),
		Status:     StatusActive,
	}

	key := fmt.Sprintf("%s|%s|%s", momentID, opp.SourceMarketplace, opp.TargetMarketplace)

	d.mu.Lock()
	existing, rediscovered := d.opportunities[key]
	if rediscovered {
		// Refresh prices and TTL, keep identity and detection time.
		opp.ID = existing.ID
		opp.DetectedAt = existing.DetectedAt
	}
	d.opportunities[key] = opp
	d.mu.Unlock()

	d.persist(ctx, opp)
	if !rediscovered {
		d.bus.Publish(events.Event{Type: events.TypeArbitrageFound, Payload: opp})
		log.Info().Str("moment", momentID).
			Str("source", opp.SourceMarketplace).Str("target", opp.TargetMarketplace).
			Str("profit", profit.String()).Float64("pct", pct).
			Msg("arbitrage opportunity detected")
	}
	return !rediscovered
}

func (d *Detector) persist(ctx context.Context, opp *Opportunity) {
	if err := d.cache.SetJSON(ctx, cache.KeyArbitrage+opp.ID, opp, cache.TTLArbitrage); err != nil {
		log.Warn().Err(err).Str("id", opp.ID).Msg("failed to cache opportunity")
	}
	d.mu.RLock()
	ids := make([]string, 0, len(d.opportunities))
	for _, o := range d.opportunities {
		ids = append(ids, o.ID)
	}
	d.mu.RUnlock()
	if err := d.cache.SetJSON(ctx, cache.KeyArbitrageList, ids, cache.TTLArbitrage); err != nil {
		log.Warn().Err(err).Msg("failed to cache opportunity index")
	}
}

// expire removes opportunities past their TTL.
func (d *Detector) expire(ctx context.Context) {
	now := time.Now()

	d.mu.Lock()
	var expired []*Opportunity
	for key, opp := range d.opportunities {
		if opp.ExpiresAt.Before(now) {
			opp.Status = StatusExpired
			expired = append(expired, opp)
			delete(d.opportunities, key)
		}
	}
	d.mu.Unlock()

	for _, opp := range expired {
		if err := d.cache.Delete(ctx, cache.KeyArbitrage+opp.ID); err != nil {
			log.Warn().Err(err).Str("id", opp.ID).Msg("failed to drop expired opportunity")
		}
		d.bus.Publish(events.Event{Type: events.TypeArbitrageExpired, Payload: opp})
	}
}

// Active returns a snapshot of tracked opportunities.
func (d *Detector) Active() []Opportunity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Opportunity, 0, len(d.opportunities))
	for _, opp := range d.opportunities {
		out = append(out, *opp)
	}
	return out
}

// MarkExecuted transitions an opportunity to executed; caller-driven.
func (d *Detector) MarkExecuted(ctx context.Context, id string) bool {
	return d.transition(ctx, id, StatusExecuted)
}

// MarkInvalid transitions an opportunity to invalid; caller-driven.
func (d *Detector) MarkInvalid(ctx context.Context, id string) bool {
	return d.transition(ctx, id, StatusInvalid)
}

func (d *Detector) transition(ctx context.Context, id, status string) bool {
	d.mu.Lock()
	var found *Opportunity
	for key, opp := range d.opportunities {
		if opp.ID == id {
			opp.Status = status
			found = opp
			delete(d.opportunities, key)
			break
		}
	}
	d.mu.Unlock()

	if found == nil {
		return false
	}
	d.persistStatus(ctx, found)
	return true
}

func (d *Detector) persistStatus(ctx context.Context, opp *Opportunity) {
	if err := d.cache.SetJSON(ctx, cache.KeyArbitrage+opp.ID, opp, cache.TTLArbitrage); err != nil {
		log.Warn().Err(err).Str("id", opp.ID).Msg("failed to persist opportunity status")
	}
}

func (d *Detector) maxVenueRisk(a, b string) float64 {
	max := 0.0
	for _, venue := range d.venues {
		if venue.Name() == a || venue.Name() == b {
			if r := venue.ExecutionRisk(); r > max {
				max = r
			}
		}
	}
	return max
}

func minPrice(listings []marketplace.Listing) *marketplace.Listing {
	var best *marketplace.Listing
	for i := range listings {
		if best == nil || listings[i].Price.LessThan(best.Price) {
			best = &listings[i]
		}
	}
	return best
}

func maxPrice(listings []marketplace.Listing) *marketplace.Listing {
	var best *marketplace.Listing
	for i := range listings {
		if best == nil || listings[i].Price.GreaterThan(best.Price) {
			best = &listings[i]
		}
	}
	return best
}
