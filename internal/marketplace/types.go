// Package marketplace defines the canonical data model for external venues
// and the per-venue adapter (rate-limited HTTP plus streaming client).
package marketplace

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing statuses.
const (
	StatusActive    = "active"
	StatusSold      = "sold"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Listing is one moment offered for sale on a venue.
type Listing struct {
	ID           string            `json:"id"`
	MomentID     string            `json:"momentId"`
	PlayerID     string            `json:"playerId"`
	PlayerName   string            `json:"playerName"`
	MomentType   string            `json:"momentType"`
	SerialNumber int               `json:"serialNumber"`
	Price        decimal.Decimal   `json:"price"`
	Currency     string            `json:"currency"`
	VenueID      string            `json:"marketplaceId"`
	SellerID     string            `json:"sellerId"`
	ListedAt     time.Time         `json:"listedAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

// Sale is a completed trade reported by a venue stream.
type Sale struct {
	MomentID  string          `json:"momentId"`
	ListingID string          `json:"listingId"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	VenueID   string          `json:"marketplaceId"`
	SoldAt    time.Time       `json:"soldAt"`
}

// PriceChange is a venue-reported repricing of a listing.
type PriceChange struct {
	MomentID  string          `json:"momentId"`
	ListingID string          `json:"listingId"`
	OldPrice  decimal.Decimal `json:"oldPrice"`
	NewPrice  decimal.Decimal `json:"newPrice"`
	VenueID   string          `json:"marketplaceId"`
	ChangedAt time.Time       `json:"changedAt"`
}

// VolumeUpdate is a venue-reported 24h volume figure for a moment.
type VolumeUpdate struct {
	MomentID  string          `json:"momentId"`
	Volume24h decimal.Decimal `json:"volume24h"`
	Sales24h  int             `json:"sales24h"`
	VenueID   string          `json:"marketplaceId"`
	At        time.Time       `json:"at"`
}

// PricePoint is one entry in a moment's rolling price history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceState is the cached per-moment view maintained by the price monitor.
type PriceState struct {
	MomentID      string          `json:"momentId"`
	PlayerID      string          `json:"playerId,omitempty"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	FloorPrice    decimal.Decimal `json:"floorPrice"`
	AveragePrice  decimal.Decimal `json:"averagePrice"`
	LastSalePrice decimal.Decimal `json:"lastSalePrice"`
	History       []PricePoint    `json:"history"`
	Volume24h     decimal.Decimal `json:"volume24h"`
	SalesCount24h int             `json:"salesCount24h"`
	ListingCount  int             `json:"listingCount"`
	Change24hPct  float64         `json:"change24hPct"`
	Volatility    float64         `json:"volatility"`
	LastUpdated   time.Time       `json:"lastUpdated"`
}

// StreamEvent is the tagged variant dispatched from a venue stream. Exactly
// one of the payload fields is set, matching Type.
type StreamEvent struct {
	Type         string
	Venue        string
	Listing      *Listing
	Sale         *Sale
	PriceChange  *PriceChange
	VolumeUpdate *VolumeUpdate
}

// Stream message type tags.
const (
	MsgListingUpdate = "listing_update"
	MsgSale          = "sale"
	MsgPriceChange   = "price_change"
	MsgVolumeUpdate  = "volume_update"
)

// Handler consumes typed stream events from an adapter.
type Handler interface {
	HandleStreamEvent(ev StreamEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev StreamEvent)

// HandleStreamEvent implements Handler.
func (f HandlerFunc) HandleStreamEvent(ev StreamEvent) { f(ev) }
