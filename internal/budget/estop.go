package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/persistence"
)

// TriggerEmergencyStop blocks all spending for a user. triggeredBy is
// "user", "system" or "external".
func (e *Engine) TriggerEmergencyStop(ctx context.Context, userID, reason, triggeredBy string) (*persistence.EmergencyStop, error) {
	l := e.lockUser(userID)
	l.Lock()
	defer l.Unlock()

	existing, err := e.stores.Stops.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("emergency stop lookup: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	if err := e.triggerEmergencyStop(ctx, userID, reason, triggeredBy); err != nil {
		return nil, err
	}
	return e.stores.Stops.ActiveForUser(ctx, userID)
}

// triggerEmergencyStop creates the stop record and publishes the critical
// alert. Caller holds the user lock.
func (e *Engine) triggerEmergencyStop(ctx context.Context, userID, reason, triggeredBy string) error {
	stop := &persistence.EmergencyStop{
		ID:          uuid.New().String(),
		UserID:      userID,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Active:      true,
		TriggeredAt: time.Now(),
	}
	if err := e.stores.Stops.Create(ctx, stop); err != nil {
		return fmt.Errorf("emergency stop create: %w", err)
	}

	e.bus.Publish(events.Event{
		Type:   events.TypeEmergencyStop,
		UserID: userID,
		Payload: map[string]interface{}{
			"stopId":      stop.ID,
			"reason":      reason,
			"triggeredBy": triggeredBy,
			"severity":    "critical",
		},
	})
	log.Error().Str("user", userID).Str("reason", reason).
		Str("triggeredBy", triggeredBy).Msg("emergency stop triggered")
	return nil
}

// ResolveEmergencyStop lifts an active stop.
func (e *Engine) ResolveEmergencyStop(ctx context.Context, userID, stopID, resolvedBy string) error {
	l := e.lockUser(userID)
	l.Lock()
	defer l.Unlock()

	if err := e.stores.Stops.Resolve(ctx, userID, stopID, resolvedBy); err != nil {
		return fmt.Errorf("emergency stop resolve: %w", err)
	}
	log.Info().Str("user", userID).Str("stop", stopID).
		Str("resolvedBy", resolvedBy).Msg("emergency stop resolved")
	return nil
}

// ActiveStop returns the user's active stop, or nil.
func (e *Engine) ActiveStop(ctx context.Context, userID string) (*persistence.EmergencyStop, error) {
	return e.stores.Stops.ActiveForUser(ctx, userID)
}
