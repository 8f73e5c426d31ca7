package arbitrage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/cache/cachetest"
	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/marketplace"
)

type fakeVenue struct {
	name     string
	healthy  bool
	risk     float64
	listings []marketplace.Listing
	err      error
}

func (f *fakeVenue) Name() string           { return f.name }
func (f *fakeVenue) Healthy() bool          { return f.healthy }
func (f *fakeVenue) ExecutionRisk() float64 { return f.risk }
func (f *fakeVenue) FetchActiveListings(context.Context) ([]marketplace.Listing, error) {
	return f.listings, f.err
}

func listing(venue, moment string, price int64) marketplace.Listing {
	return marketplace.Listing{
		ID:       venue + "-" + moment,
		VenueID:  venue,
		MomentID: moment,
		Price:    decimal.NewFromInt(price),
		Currency: "USD",
		Status:   marketplace.StatusActive,
		ListedAt: time.Now().Add(-30 * time.Minute),
	}
}

func newTestDetector(t *testing.T, venues ...VenueLister) (*Detector, *cachetest.Memory, *events.Bus) {
	t.Helper()
	mem := cachetest.New()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	d := New(Config{
		MinProfitPercentage: 5.0,
		MinProfitAmount:     decimal.NewFromInt(1),
		MaxRiskScore:        70,
		OpportunityTTL:      10 * time.Minute,
	}, venues, mem, bus, nil)
	return d, mem, bus
}

func TestCrossVenueGapDetected(t *testing.T) {
	v1 := &fakeVenue{name: "marketplace1", healthy: true, risk: 20,
		listings: []marketplace.Listing{listing("marketplace1", "m1", 100)}}
	v2 := &fakeVenue{name: "marketplace2", healthy: true, risk: 35,
		listings: []marketplace.Listing{listing("marketplace2", "m1", 120)}}
	d, mem, bus := newTestDetector(t, v1, v2)

	found := make(chan events.Event, 1)
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeArbitrageFound {
			found <- ev
		}
	})

	d.Scan(context.Background())

	active := d.Active()
	require.Len(t, active, 1)
	opp := active[0]
	require.Equal(t, "m1", opp.MomentID)
	require.Equal(t, "marketplace1", opp.SourceMarketplace)
	require.Equal(t, "marketplace2", opp.TargetMarketplace)
	require.True(t, opp.ProfitAmount.Equal(decimal.NewFromInt(20)))
	require.InDelta(t, 20.0, opp.ProfitPercentage, 1e-9)
	require.Greater(t, opp.Confidence, 0.0)
	require.LessOrEqual(t, opp.Confidence, 1.0)
	require.Equal(t, StatusActive, opp.Status)
	require.True(t, opp.ExpiresAt.After(opp.DetectedAt))

	select {
	case <-found:
	case <-time.After(time.Second):
		t.Fatal("no opportunity event published")
	}

	var cached Opportunity
	ok, err := mem.GetJSON(context.Background(), cache.KeyArbitrage+opp.ID, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, opp.ID, cached.ID)
}

func TestEmittedOpportunitiesSatisfyBounds(t *testing.T) {
	v1 := &fakeVenue{name: "a", healthy: true, listings: []marketplace.Listing{
		listing("a", "m1", 100), listing("a", "m2", 50), listing("a", "m3", 900),
	}}
	v2 := &fakeVenue{name: "b", healthy: true, listings: []marketplace.Listing{
		listing("b", "m1", 140), listing("b", "m2", 51), listing("b", "m3", 1800),
	}}
	d, _, _ := newTestDetector(t, v1, v2)

	d.Scan(context.Background())

	for _, opp := range d.Active() {
		require.True(t, opp.TargetPrice.GreaterThan(opp.SourcePrice))
		require.GreaterOrEqual(t, opp.ProfitPercentage, 5.0)
		require.LessOrEqual(t, opp.RiskScore, 70.0)
		require.GreaterOrEqual(t, opp.Confidence, 0.0)
		require.LessOrEqual(t, opp.Confidence, 1.0)
		require.True(t, opp.ExpiresAt.After(opp.DetectedAt))
	}
}

func TestThinMarginsIgnored(t *testing.T) {
	v1 := &fakeVenue{name: "a", healthy: true,
		listings: []marketplace.Listing{listing("a", "m1", 100)}}
	v2 := &fakeVenue{name: "b", healthy: true,
		listings: []marketplace.Listing{listing("b", "m1", 103)}} // 3% < 5% minimum
	d, _, _ := newTestDetector(t, v1, v2)

	d.Scan(context.Background())
	require.Empty(t, d.Active())
}

func TestUnhealthyVenueSkipped(t *testing.T) {
	v1 := &fakeVenue{name: "a", healthy: true,
		listings: []marketplace.Listing{listing("a", "m1", 100)}}
	v2 := &fakeVenue{name: "b", healthy: false,
		listings: []marketplace.Listing{listing("b", "m1", 200)}}
	d, _, _ := newTestDetector(t, v1, v2)

	d.Scan(context.Background())
	require.Empty(t, d.Active())
}

func TestRediscoveryKeepsIdentity(t *testing.T) {
	v1 := &fakeVenue{name: "a", healthy: true,
		listings: []marketplace.Listing{listing("a", "m1", 100)}}
	v2 := &fakeVenue{name: "b", healthy: true,
		listings: []marketplace.Listing{listing("b", "m1", 120)}}
	d, _, _ := newTestDetector(t, v1, v2)

	d.Scan(context.Background())
	first := d.Active()[0]

	v2.listings = []marketplace.Listing{listing("b", "m1", 125)}
	d.Scan(context.Background())

	active := d.Active()
	require.Len(t, active, 1)
	require.Equal(t, first.ID, active[0].ID)
	require.Equal(t, first.DetectedAt.Unix(), active[0].DetectedAt.Unix())
	require.True(t, active[0].TargetPrice.Equal(decimal.NewFromInt(125)))
}

func TestExpiryRemovesAndPublishes(t *testing.T) {
	v1 := &fakeVenue{name: "a", healthy: true,
		listings: []marketplace.Listing{listing("a", "m1", 100)}}
	v2 := &fakeVenue{name: "b", healthy: true,
		listings: []marketplace.Listing{listing("b", "m1", 120)}}
	d, _, bus := newTestDetector(t, v1, v2)

	expired := make(chan events.Event, 1)
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeArbitrageExpired {
			expired <- ev
		}
	})

	d.Scan(context.Background())
	require.Len(t, d.Active(), 1)

	// Force the TTL into the past, then clear the venues so the next scan
	// cannot rediscover.
	d.mu.Lock()
	for _, opp := range d.opportunities {
		opp.ExpiresAt = time.Now().Add(-time.Second)
	}
	d.mu.Unlock()
	v1.listings = nil
	v2.listings = nil

	d.Scan(context.Background())
	require.Empty(t, d.Active())

	select {
	case ev := <-expired:
		opp, ok := ev.Payload.(*Opportunity)
		require.True(t, ok)
		require.Equal(t, StatusExpired, opp.Status)
	case <-time.After(time.Second):
		t.Fatal("no expiry event published")
	}
}

func TestStatusTransitions(t *testing.T) {
	v1 := &fakeVenue{name: "a", healthy: true,
		listings: []marketplace.Listing{listing("a", "m1", 100)}}
	v2 := &fakeVenue{name: "b", healthy: true,
		listings: []marketplace.Listing{listing("b", "m1", 120)}}
	d, mem, _ := newTestDetector(t, v1, v2)

	d.Scan(context.Background())
	opp := d.Active()[0]

	require.True(t, d.MarkExecuted(context.Background(), opp.ID))
	require.Empty(t, d.Active())

	var cached Opportunity
	ok, err := mem.GetJSON(context.Background(), cache.KeyArbitrage+opp.ID, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusExecuted, cached.Status)

	require.False(t, d.MarkExecuted(context.Background(), "unknown"))
}
