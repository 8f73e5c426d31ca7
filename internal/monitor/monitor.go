// Package monitor maintains per-moment price state, detects significant
// price moves and volume spikes, and evaluates user price alerts.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/marketplace"
	"github.com/courtflow/courtflow/internal/persistence"
)

// Config tunes the monitor cycle.
type Config struct {
	UpdateInterval   time.Duration
	ChangeThreshold  float64 // percent; significant move at or above this
	VolumeSpikeRatio float64 // current vs 7d mean multiple
	HistoryRetention time.Duration
}

// VenueSource is the slice of the adapter surface the monitor consumes.
type VenueSource interface {
	Name() string
	Healthy() bool
	FetchMomentListings(ctx context.Context, momentID string) ([]marketplace.Listing, error)
	FetchTrending(ctx context.Context) ([]string, error)
}

// Monitor runs the periodic refresh cycle and receives event-driven updates
// from venue streams. Price-state updates are serialised per moment so the
// diff-vs-previous semantics hold.
type Monitor struct {
	cfg    Config
	cache  cache.Cache
	alerts persistence.PriceAlertRepo
	venues []VenueSource
	bus    *events.Bus

	mu            sync.Mutex
	momentLocks   map[string]*sync.Mutex
	playerMoments map[string]map[string]bool // playerID → momentID set
}

// New creates a price monitor.
func New(cfg Config, c cache.Cache, alerts persistence.PriceAlertRepo, venues []VenueSource, bus *events.Bus) *Monitor {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 60 * time.Second
	}
	if cfg.ChangeThreshold <= 0 {
		cfg.ChangeThreshold = 10.0
	}
	if cfg.VolumeSpikeRatio <= 0 {
		cfg.VolumeSpikeRatio = 3.0
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 30 * 24 * time.Hour
	}
	return &Monitor{
		cfg:           cfg,
		cache:         c,
		alerts:        alerts,
		venues:        venues,
		bus:           bus,
		momentLocks:   make(map[string]*sync.Mutex),
		playerMoments: make(map[string]map[string]bool),
	}
}

// indexPlayer records which moments belong to a player, so player-scoped
// alerts can find their cached states.
func (m *Monitor) indexPlayer(state *marketplace.PriceState) {
	if state.PlayerID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerMoments[state.PlayerID] == nil {
		m.playerMoments[state.PlayerID] = make(map[string]bool)
	}
	m.playerMoments[state.PlayerID][state.MomentID] = true
}

func (m *Monitor) momentsForPlayer(playerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	moments := make([]string, 0, len(m.playerMoments[playerID]))
	for id := range m.playerMoments[playerID] {
		moments = append(moments, id)
	}
	return moments
}

func (m *Monitor) lockMoment(momentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.momentLocks[momentID]
	if !ok {
		l = &sync.Mutex{}
		m.momentLocks[momentID] = l
	}
	return l
}

// Run executes the periodic cycle until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cycle refreshes every moment in the active set and evaluates alerts.
// Per-moment failures are logged and skipped; the cycle continues.
func (m *Monitor) cycle(ctx context.Context) {
	start := time.Now()
	moments := m.activeSet(ctx)

	for _, momentID := range moments {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.RefreshMoment(ctx, momentID); err != nil {
			log.Warn().Err(err).Str("moment", momentID).Msg("price refresh failed")
		}
	}

	if err := m.evaluateAlerts(ctx); err != nil {
		log.Warn().Err(err).Msg("alert evaluation failed")
	}

	log.Debug().Int("moments", len(moments)).
		Dur("elapsed", time.Since(start)).Msg("price monitor cycle complete")
}

// activeSet is the union of alert-referenced moments and venue trending.
func (m *Monitor) activeSet(ctx context.Context) []string {
	seen := make(map[string]bool)
	var moments []string

	alerts, err := m.alerts.ListActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list active alerts")
	} else {
		for _, a := range alerts {
			if a.MomentID != nil && !seen[*a.MomentID] {
				seen[*a.MomentID] = true
				moments = append(moments, *a.MomentID)
			}
			if a.PlayerID != nil {
				for _, id := range m.momentsForPlayer(*a.PlayerID) {
					if !seen[id] {
						seen[id] = true
						moments = append(moments, id)
					}
				}
			}
		}
	}

	for _, venue := range m.venues {
		if !venue.Healthy() {
			continue
		}
		trending, err := venue.FetchTrending(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue.Name()).Msg("trending fetch failed")
			continue
		}
		for _, id := range trending {
			if !seen[id] {
				seen[id] = true
				moments = append(moments, id)
			}
		}
	}
	return moments
}

// RefreshMoment fetches fresh price state across healthy venues, diffs it
// against the cached prior, emits change/spike events, and stores the new
// state. Returns the new state.
func (m *Monitor) RefreshMoment(ctx context.Context, momentID string) (*marketplace.PriceState, error) {
	l := m.lockMoment(momentID)
	l.Lock()
	defer l.Unlock()

	prior := m.cachedState(ctx, momentID)
	fresh, err := m.fetchState(ctx, momentID, prior)
	if err != nil {
		return nil, err
	}

	m.diffAndEmit(prior, fresh)

	if err := m.storeState(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (m *Monitor) cachedState(ctx context.Context, momentID string) *marketplace.PriceState {
	var state marketplace.PriceState
	ok, err := m.cache.GetJSON(ctx, cache.KeyPriceData+momentID, &state)
	if err != nil {
		log.Warn().Err(err).Str("moment", momentID).Msg("cached price state read failed")
		return nil
	}
	if !ok {
		return nil
	}
	return &state
}

// fetchState aggregates listings from every healthy venue into a fresh
// price state, carrying forward history and 24h figures from the prior.
func (m *Monitor) fetchState(ctx context.Context, momentID string, prior *marketplace.PriceState) (*marketplace.PriceState, error) {
	var all []marketplace.Listing
	for _, venue := range m.venues {
		if !venue.Healthy() {
			continue
		}
		listings, err := venue.FetchMomentListings(ctx, momentID)
		if err != nil {
			log.Warn().Err(err).Str("venue", venue.Name()).
				Str("moment", momentID).Msg("venue listing fetch failed")
			continue
		}
		all = append(all, listings...)
	}

	state := &marketplace.PriceState{
		MomentID:    momentID,
		LastUpdated: time.Now(),
	}
	if prior != nil {
		state.PlayerID = prior.PlayerID
		state.History = prior.History
		state.Volume24h = prior.Volume24h
		state.SalesCount24h = prior.SalesCount24h
		state.LastSalePrice = prior.LastSalePrice
	}

	active := 0
	var sum decimal.Decimal
	for _, l := range all {
		if state.PlayerID == "" && l.PlayerID != "" {
			state.PlayerID = l.PlayerID
		}
		if l.Status != marketplace.StatusActive {
			continue
		}
		active++
		sum = sum.Add(l.Price)
		if state.FloorPrice.IsZero() || l.Price.LessThan(state.FloorPrice) {
			state.FloorPrice = l.Price
		}
	}
	state.ListingCount = active
	if active > 0 {
		state.AveragePrice = sum.Div(decimal.NewFromInt(int64(active))).Round(2)
		state.CurrentPrice = state.FloorPrice
	} else if prior != nil {
		state.CurrentPrice = prior.CurrentPrice
		state.AveragePrice = prior.AveragePrice
		state.FloorPrice = prior.FloorPrice
	}

	m.appendHistory(state)
	state.Change24hPct = change24h(state)
	state.Volatility = volatility(state.History)
	return state, nil
}

// appendHistory records the current price and drops entries older than the
// retention window.
func (m *Monitor) appendHistory(state *marketplace.PriceState) {
	if !state.CurrentPrice.IsZero() {
		state.History = append(state.History, marketplace.PricePoint{
			Price:     state.CurrentPrice,
			Volume:    state.Volume24h,
			Timestamp: state.LastUpdated,
		})
	}
	cutoff := time.Now().Add(-m.cfg.HistoryRetention)
	trimmed := state.History[:0:0]
	for _, p := range state.History {
		if !p.Timestamp.Before(cutoff) {
			trimmed = append(trimmed, p)
		}
	}
	state.History = trimmed
}

func (m *Monitor) diffAndEmit(prior, fresh *marketplace.PriceState) {
	if prior == nil || prior.CurrentPrice.IsZero() || fresh.CurrentPrice.IsZero() {
		return
	}

	change := percentChange(prior.CurrentPrice, fresh.CurrentPrice)
	if abs(change) >= m.cfg.ChangeThreshold {
		m.bus.Publish(events.Event{
			Type: events.TypePriceChange,
			Payload: map[string]interface{}{
				"momentId":         fresh.MomentID,
				"oldPrice":         prior.CurrentPrice,
				"newPrice":         fresh.CurrentPrice,
				"changePercentage": change,
			},
		})
	}

	if spike, ratio := m.volumeSpike(fresh); spike {
		m.bus.Publish(events.Event{
			Type: events.TypeVolumeSpike,
			Payload: map[string]interface{}{
				"momentId":  fresh.MomentID,
				"volume24h": fresh.Volume24h,
				"ratio":     ratio,
			},
		})
	}
}

// volumeSpike compares the current 24h volume against the 7-day rolling
// mean computed from the history ring.
func (m *Monitor) volumeSpike(state *marketplace.PriceState) (bool, float64) {
	if state.Volume24h.IsZero() {
		return false, 0
	}
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	var sum decimal.Decimal
	n := 0
	for _, p := range state.History {
		if p.Timestamp.Before(cutoff) || p.Volume.IsZero() {
			continue
		}
		sum = sum.Add(p.Volume)
		n++
	}
	if n == 0 {
		return false, 0
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))
	if mean.IsZero() {
		return false, 0
	}
	ratio, _ := state.Volume24h.Div(mean).Float64()
	return ratio >= m.cfg.VolumeSpikeRatio, ratio
}

func (m *Monitor) storeState(ctx context.Context, state *marketplace.PriceState) error {
	m.indexPlayer(state)
	if err := m.cache.SetJSON(ctx, cache.KeyPriceData+state.MomentID, state, cache.TTLPriceData); err != nil {
		return err
	}
	// History is kept under its own key so consumers can read the ring
	// without the full state.
	return m.cache.SetJSON(ctx, cache.KeyPriceHistory+state.MomentID, state.History, 0)
}

func percentChange(old, new decimal.Decimal) float64 {
	if old.IsZero() {
		return 0
	}
	pct, _ := new.Sub(old).Div(old).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func change24h(state *marketplace.PriceState) float64 {
	if len(state.History) == 0 || state.CurrentPrice.IsZero() {
		return 0
	}
	cutoff := state.LastUpdated.Add(-24 * time.Hour)
	for _, p := range state.History {
		if !p.Timestamp.Before(cutoff) && !p.Price.IsZero() {
			return percentChange(p.Price, state.CurrentPrice)
		}
	}
	return 0
}

// volatility is the standard deviation of percent moves between successive
// history points, expressed in percent.
func volatility(history []marketplace.PricePoint) float64 {
	if len(history) < 3 {
		return 0
	}
	var moves []float64
	for i := 1; i < len(history); i++ {
		if history[i-1].Price.IsZero() {
			continue
		}
		moves = append(moves, percentChange(history[i-1].Price, history[i].Price))
	}
	if len(moves) < 2 {
		return 0
	}
	var sum float64
	for _, v := range moves {
		sum += v
	}
	mean := sum / float64(len(moves))
	var variance float64
	for _, v := range moves {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(moves) - 1)
	return math.Sqrt(variance)
}
