// Package events carries domain events from the monitoring and budget cores
// to the realtime hub and other in-process consumers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types emitted by the core components.
const (
	TypePriceChange      = "significant_price_change"
	TypeVolumeSpike      = "volume_spike"
	TypeAlertTriggered   = "alert_triggered"
	TypeNewListing       = "new_listing"
	TypeArbitrageFound   = "arbitrage_opportunity"
	TypeArbitrageExpired = "arbitrage_expired"
	TypeEmergencyStop    = "emergency_stop"
	TypeVenueOffline     = "venue_offline"
)

// Event is a typed payload published on the bus.
type Event struct {
	Type      string      `json:"type"`
	UserID    string      `json:"userId,omitempty"` // targeted events; empty = broadcast
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler consumes published events. Handlers must not block.
type Handler func(Event)

// Bus is a small in-process pub/sub fan-out. Subscribers receive events on
// a dedicated goroutine per subscriber; a slow subscriber drops events
// rather than stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
	done chan struct{}
	once sync.Once
}

const subscriberBuffer = 256

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{done: make(chan struct{})}
}

// Subscribe registers a handler and starts its delivery goroutine.
func (b *Bus) Subscribe(handler Handler) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-ch:
				handler(ev)
			case <-b.done:
				return
			}
		}
	}()
}

// Publish delivers an event to every subscriber, dropping on full buffers.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("type", ev.Type).Msg("event bus subscriber buffer full, dropping event")
		}
	}
}

// Close stops all delivery goroutines.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}
