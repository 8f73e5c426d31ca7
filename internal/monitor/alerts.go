package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/marketplace"
	"github.com/courtflow/courtflow/internal/persistence"
)

// evaluateAlerts recomputes the monitored metric for every active alert
// from cached state and tests its predicate. A triggered alert does not
// retrigger until externally reset.
func (m *Monitor) evaluateAlerts(ctx context.Context) error {
	alerts, err := m.alerts.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range alerts {
		alert := &alerts[i]
		if alert.Triggered {
			continue
		}
		for _, state := range m.alertStates(ctx, alert) {
			current, fired := m.testAlert(alert.Type, alert.Threshold, state)
			if !fired {
				continue
			}

			now := time.Now()
			if err := m.alerts.MarkTriggered(ctx, alert.ID, now, current); err != nil {
				log.Warn().Err(err).Str("alert", alert.ID).Msg("failed to mark alert triggered")
				break
			}

			payload := map[string]interface{}{
				"alertId":      alert.ID,
				"alertType":    alert.Type,
				"momentId":     state.MomentID,
				"threshold":    alert.Threshold,
				"currentValue": current,
			}
			if alert.PlayerID != nil {
				payload["playerId"] = *alert.PlayerID
			}
			m.bus.Publish(events.Event{
				Type:    events.TypeAlertTriggered,
				UserID:  alert.UserID,
				Payload: payload,
			})
			log.Info().Str("alert", alert.ID).Str("type", alert.Type).
				Str("user", alert.UserID).Msg("price alert triggered")
			break
		}
	}
	return nil
}

// alertStates resolves the cached states an alert is scoped to: one for a
// moment alert, every indexed moment of the player for a player alert.
func (m *Monitor) alertStates(ctx context.Context, alert *persistence.PriceAlert) []*marketplace.PriceState {
	switch {
	case alert.MomentID != nil:
		if state := m.cachedState(ctx, *alert.MomentID); state != nil {
			return []*marketplace.PriceState{state}
		}
	case alert.PlayerID != nil:
		var states []*marketplace.PriceState
		for _, momentID := range m.momentsForPlayer(*alert.PlayerID) {
			if state := m.cachedState(ctx, momentID); state != nil {
				states = append(states, state)
			}
		}
		return states
	}
	return nil
}

// testAlert evaluates one alert predicate against cached state, returning
// the current value of the monitored metric and whether the alert fires.
func (m *Monitor) testAlert(alertType string, threshold decimal.Decimal, state *marketplace.PriceState) (decimal.Decimal, bool) {
	switch alertType {
	case "price_drop":
		return state.CurrentPrice, !state.CurrentPrice.IsZero() && state.CurrentPrice.LessThanOrEqual(threshold)
	case "price_increase":
		return state.CurrentPrice, !state.CurrentPrice.IsZero() && state.CurrentPrice.GreaterThanOrEqual(threshold)
	case "volume_spike":
		mean := sevenDayMeanVolume(state)
		if mean.IsZero() {
			return state.Volume24h, false
		}
		return state.Volume24h, state.Volume24h.GreaterThanOrEqual(mean.Mul(threshold))
	default:
		return decimal.Zero, false
	}
}

func sevenDayMeanVolume(state *marketplace.PriceState) decimal.Decimal {
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
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

// HandleStreamEvent applies event-driven updates from venue streams. The
// update is serialised with the periodic refresh for the same moment.
func (m *Monitor) HandleStreamEvent(ev marketplace.StreamEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Type {
	case marketplace.MsgSale:
		if ev.Sale == nil || ev.Sale.MomentID == "" {
			return
		}
		m.applyUpdate(ctx, ev.Sale.MomentID, func(state *marketplace.PriceState) {
			state.LastSalePrice = ev.Sale.Price
			state.SalesCount24h++
			state.Volume24h = state.Volume24h.Add(ev.Sale.Price)
		})
	case marketplace.MsgPriceChange:
		if ev.PriceChange == nil || ev.PriceChange.MomentID == "" {
			return
		}
		m.applyUpdate(ctx, ev.PriceChange.MomentID, func(state *marketplace.PriceState) {
			prior := state.CurrentPrice
			state.CurrentPrice = ev.PriceChange.NewPrice
			if !prior.IsZero() {
				change := percentChange(prior, state.CurrentPrice)
				if abs(change) >= m.cfg.ChangeThreshold {
					m.bus.Publish(events.Event{
						Type: events.TypePriceChange,
						Payload: map[string]interface{}{
							"momentId":         state.MomentID,
							"oldPrice":         prior,
							"newPrice":         state.CurrentPrice,
							"changePercentage": change,
						},
					})
				}
			}
		})
	case marketplace.MsgVolumeUpdate:
		if ev.VolumeUpdate == nil || ev.VolumeUpdate.MomentID == "" {
			return
		}
		m.applyUpdate(ctx, ev.VolumeUpdate.MomentID, func(state *marketplace.PriceState) {
			state.Volume24h = ev.VolumeUpdate.Volume24h
			if ev.VolumeUpdate.Sales24h > 0 {
				state.SalesCount24h = ev.VolumeUpdate.Sales24h
			}
		})
	case marketplace.MsgListingUpdate:
		if ev.Listing == nil || ev.Listing.MomentID == "" {
			return
		}
		m.applyUpdate(ctx, ev.Listing.MomentID, func(state *marketplace.PriceState) {
			if state.PlayerID == "" {
				state.PlayerID = ev.Listing.PlayerID
			}
			if ev.Listing.Status == marketplace.StatusActive &&
				(state.FloorPrice.IsZero() || ev.Listing.Price.LessThan(state.FloorPrice)) {
				state.FloorPrice = ev.Listing.Price
				state.CurrentPrice = ev.Listing.Price
			}
		})
		m.bus.Publish(events.Event{
			Type:    events.TypeNewListing,
			Payload: ev.Listing,
		})
	case "venue_offline":
		m.bus.Publish(events.Event{
			Type:    events.TypeVenueOffline,
			Payload: map[string]string{"venue": ev.Venue},
		})
	}
}

// applyUpdate mutates the cached state for one moment under its lock.
func (m *Monitor) applyUpdate(ctx context.Context, momentID string, mutate func(*marketplace.PriceState)) {
	l := m.lockMoment(momentID)
	l.Lock()
	defer l.Unlock()

	state := m.cachedState(ctx, momentID)
	if state == nil {
		state = &marketplace.PriceState{MomentID: momentID}
	}
	mutate(state)
	state.LastUpdated = time.Now()
	m.indexPlayer(state)

	if err := m.cache.SetJSON(ctx, cache.KeyPriceData+momentID, state, cache.TTLPriceData); err != nil {
		log.Warn().Err(err).Str("moment", momentID).Msg("failed to store stream update")
	}
}

// State returns the cached price state for a moment, if present.
func (m *Monitor) State(ctx context.Context, momentID string) *marketplace.PriceState {
	return m.cachedState(ctx, momentID)
}
