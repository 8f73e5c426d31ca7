package marketplace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue payloads are heterogeneous: the same field arrives snake_case on one
// venue and camelCase on another, and numbers arrive as strings, floats or
// ints. The pick helpers below normalise all of that into the canonical
// model. Missing optional fields default (currency USD, status active,
// empty metadata).

type rawObject map[string]interface{}

func (o rawObject) pick(keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := o[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (o rawObject) str(keys ...string) string {
	v, ok := o.pick(keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return decimal.NewFromFloat(s).String()
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}

func (o rawObject) dec(keys ...string) (decimal.Decimal, bool) {
	v, ok := o.pick(keys...)
	if !ok {
		return decimal.Zero, false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	default:
		return decimal.Zero, false
	}
}

func (o rawObject) integer(keys ...string) int {
	d, ok := o.dec(keys...)
	if !ok {
		return 0
	}
	return int(d.IntPart())
}

func (o rawObject) timestamp(keys ...string) time.Time {
	v, ok := o.pick(keys...)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case float64:
		// Epoch seconds, possibly fractional.
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec)
	}
	return time.Time{}
}

func (o rawObject) metadata(keys ...string) map[string]string {
	out := map[string]string{}
	v, ok := o.pick(keys...)
	if !ok {
		return out
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

// ParseListing normalises a venue listing payload.
func ParseListing(data []byte, venue string) (*Listing, error) {
	var raw rawObject
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("listing payload: %w", err)
	}
	return parseListingObject(raw, venue)
}

func parseListingObject(raw rawObject, venue string) (*Listing, error) {
	price, ok := raw.dec("price", "listing_price", "listingPrice", "amount")
	if !ok {
		return nil, fmt.Errorf("listing missing price")
	}
	momentID := raw.str("moment_id", "momentId", "moment")
	if momentID == "" {
		return nil, fmt.Errorf("listing missing moment id")
	}

	l := &Listing{
		ID:           raw.str("id", "listing_id", "listingId"),
		MomentID:     momentID,
		PlayerID:     raw.str("player_id", "playerId"),
		PlayerName:   raw.str("player_name", "playerName"),
		MomentType:   raw.str("moment_type", "momentType", "type"),
		SerialNumber: raw.integer("serial_number", "serialNumber", "serial"),
		Price:        price,
		Currency:     raw.str("currency"),
		VenueID:      raw.str("marketplace_id", "marketplaceId", "venue_id", "venueId"),
		SellerID:     raw.str("seller_id", "sellerId"),
		ListedAt:     raw.timestamp("listed_at", "listedAt", "created_at", "createdAt"),
		UpdatedAt:    raw.timestamp("updated_at", "updatedAt"),
		Status:       raw.str("status"),
		Metadata:     raw.metadata("metadata", "meta"),
	}
	if l.Currency == "" {
		l.Currency = "USD"
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	if l.VenueID == "" {
		l.VenueID = venue
	}
	return l, nil
}

// ParseListings normalises an array payload, skipping unparseable entries.
// The number of skipped entries is returned for logging by the caller.
func ParseListings(data []byte, venue string) ([]Listing, int, error) {
	var rawList []rawObject
	if err := json.Unmarshal(data, &rawList); err != nil {
		// Some venues wrap the array: {"listings": [...]} or {"data": [...]}.
		var wrapper rawObject
		if err2 := json.Unmarshal(data, &wrapper); err2 != nil {
			return nil, 0, fmt.Errorf("listings payload: %w", err)
		}
		inner, ok := wrapper.pick("listings", "data", "results")
		if !ok {
			return nil, 0, fmt.Errorf("listings payload has no recognised array")
		}
		arr, ok := inner.([]interface{})
		if !ok {
			return nil, 0, fmt.Errorf("listings payload array has wrong shape")
		}
		for _, item := range arr {
			if m, ok := item.(map[string]interface{}); ok {
				rawList = append(rawList, rawObject(m))
			}
		}
	}

	listings := make([]Listing, 0, len(rawList))
	skipped := 0
	for _, raw := range rawList {
		l, err := parseListingObject(raw, venue)
		if err != nil {
			skipped++
			continue
		}
		listings = append(listings, *l)
	}
	return listings, skipped, nil
}

// ParseStreamEvent decodes one stream frame into the tagged variant.
func ParseStreamEvent(data []byte, venue string) (*StreamEvent, error) {
	var raw rawObject
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("stream frame: %w", err)
	}

	msgType := raw.str("type", "message_type", "messageType", "event")
	payload := raw
	if inner, ok := raw.pick("payload", "data"); ok {
		if m, ok := inner.(map[string]interface{}); ok {
			payload = rawObject(m)
		}
	}

	ev := &StreamEvent{Type: msgType, Venue: venue}
	switch msgType {
	case MsgListingUpdate:
		l, err := parseListingObject(payload, venue)
		if err != nil {
			return nil, fmt.Errorf("listing_update: %w", err)
		}
		ev.Listing = l
	case MsgSale:
		price, ok := payload.dec("price", "sale_price", "salePrice")
		if !ok {
			return nil, fmt.Errorf("sale missing price")
		}
		currency := payload.str("currency")
		if currency == "" {
			currency = "USD"
		}
		soldAt := payload.timestamp("sold_at", "soldAt", "timestamp")
		if soldAt.IsZero() {
			soldAt = time.Now()
		}
		ev.Sale = &Sale{
			MomentID:  payload.str("moment_id", "momentId"),
			ListingID: payload.str("listing_id", "listingId"),
			Price:     price,
			Currency:  currency,
			VenueID:   venue,
			SoldAt:    soldAt,
		}
	case MsgPriceChange:
		newPrice, ok := payload.dec("new_price", "newPrice", "price")
		if !ok {
			return nil, fmt.Errorf("price_change missing new price")
		}
		oldPrice, _ := payload.dec("old_price", "oldPrice")
		changedAt := payload.timestamp("changed_at", "changedAt", "timestamp")
		if changedAt.IsZero() {
			changedAt = time.Now()
		}
		ev.PriceChange = &PriceChange{
			MomentID:  payload.str("moment_id", "momentId"),
			ListingID: payload.str("listing_id", "listingId"),
			OldPrice:  oldPrice,
			NewPrice:  newPrice,
			VenueID:   venue,
			ChangedAt: changedAt,
		}
	case MsgVolumeUpdate:
		volume, ok := payload.dec("volume_24h", "volume24h", "volume")
		if !ok {
			return nil, fmt.Errorf("volume_update missing volume")
		}
		at := payload.timestamp("at", "timestamp")
		if at.IsZero() {
			at = time.Now()
		}
		ev.VolumeUpdate = &VolumeUpdate{
			MomentID:  payload.str("moment_id", "momentId"),
			Volume24h: volume,
			Sales24h:  payload.integer("sales_24h", "sales24h"),
			VenueID:   venue,
			At:        at,
		}
	default:
		return nil, fmt.Errorf("unknown stream message type: %q", msgType)
	}
	return ev, nil
}
