package arbitrage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/marketplace"
)

var (
	price1000 = decimal.NewFromInt(1000)
	price500  = decimal.NewFromInt(500)
	price100  = decimal.NewFromInt(100)
)

// priceBucketPoints scores the capital at risk: 20/10/5 points for prices
// over 1000/500/100.
func priceBucketPoints(price decimal.Decimal) float64 {
	switch {
	case price.GreaterThan(price1000):
		return 20
	case price.GreaterThan(price500):
		return 10
	case price.GreaterThan(price100):
		return 5
	default:
		return 0
	}
}

// serialRarityPoints scores scarcity: 15/10/5 points for serials at or
// under 10/100/1000.
func serialRarityPoints(serial int) float64 {
	switch {
	case serial <= 0:
		return 0
	case serial <= 10:
		return 15
	case serial <= 100:
		return 10
	case serial <= 1000:
		return 5
	default:
		return 0
	}
}

// listingAgePoints scores staleness: one point per hour of age, capped at
// 30. The older of the two listings drives the score.
func listingAgePoints(buy, sell *marketplace.Listing) float64 {
	age := listingAge(buy)
	if sellAge := listingAge(sell); sellAge > age {
		age = sellAge
	}
	points := age.Hours()
	if points > 30 {
		points = 30
	}
	if points < 0 {
		points = 0
	}
	return points
}

func listingAge(l *marketplace.Listing) time.Duration {
	if l.ListedAt.IsZero() {
		return 0
	}
	return time.Since(l.ListedAt)
}

// riskScore combines listing age, price bucket and serial rarity, capped
// at 100.
func riskScore(buy, sell *marketplace.Listing) float64 {
	score := listingAgePoints(buy, sell)
	score += priceBucketPoints(buy.Price)
	score += serialRarityPoints(buy.SerialNumber)
	if score > 100 {
		score = 100
	}
	return score
}

// confidence starts at 0.5 and is adjusted by profit percentage (up to
// +0.30), listing freshness, and matching serial numbers; clamped to [0,1].
func confidence(buy, sell *marketplace.Listing, pct float64) float64 {
	points := 50.0

	profitPoints := pct * 2
	if profitPoints > 30 {
		profitPoints = 30
	}
	points += profitPoints

	age := listingAge(buy)
	if sellAge := listingAge(sell); sellAge > age {
		age = sellAge
	}
	switch {
	case age < time.Hour:
		points += 15
	case age < 6*time.Hour:
		points += 10
	case age < 24*time.Hour:
		points += 5
	default:
		points -= 10
	}

	if buy.SerialNumber > 0 && buy.SerialNumber == sell.SerialNumber {
		points += 20
	}

	if points < 0 {
		points = 0
	}
	if points > 100 {
		points = 100
	}
	return points / 100
}

// movementRisk scores the chance the gap closes before execution, bucketed
// by profit percentage: thinner margins carry higher movement risk.
func movementRisk(pct float64) float64 {
	switch {
	case pct < 10:
		return 80
	case pct < 20:
		return 60
	case pct < 35:
		return 40
	case pct < 50:
		return 20
	default:
		return 10
	}
}
