// Package liquidity measures cross-venue order book depth and screens
// constituents against TVL and volume eligibility floors.
package liquidity

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
)

// Depth bands and score normalization targets.
const (
	band10Bps = 10.0
	band20Bps = 20.0
	band50Bps = 50.0

	depthTarget10USD = 10e6
	depthTarget20USD = 25e6

	// spreadHalfPointBps is the spread at which the penalty term halves.
	spreadHalfPointBps = 5.0

	weightDepth10 = 0.4
	weightDepth20 = 0.4
	weightSpread  = 0.2

	// spreadUndefined is stored when no venue served a two-sided book.
	spreadUndefined = -1.0
)

// Calculator aggregates order book snapshots into per-symbol depth metrics.
type Calculator struct {
	log zerolog.Logger
}

// NewCalculator creates a liquidity calculator.
func NewCalculator(log zerolog.Logger) *Calculator {
	return &Calculator{
		log: log.With().Str("component", "liquidity").Logger(),
	}
}

// Measure folds one symbol's venue snapshots into a single metrics row.
// Depth bands sum USD notional reachable within 10/20/50 bps of each
// side's best price, across all venues. The spread average covers only
// two-sided venues; with none, the penalty term is zero.
func (c *Calculator) Measure(symbol string, books []domain.OrderBookSnapshot, now time.Time) domain.LiquidityMetrics {
	var depth10, depth20, depth50 float64
	var spreadSum float64
	venues := 0
	twoSided := 0

	for i := range books {
		book := &books[i]
		if len(book.Bids) == 0 && len(book.Asks) == 0 {
			continue
		}
		venues++

		b10, b20, b50 := sideDepths(book.Bids, book.BestBid(), true)
		a10, a20, a50 := sideDepths(book.Asks, book.BestAsk(), false)
		depth10 += b10 + a10
		depth20 += b20 + a20
		depth50 += b50 + a50

		if bps, ok := book.SpreadBps(); ok {
			spreadSum += bps
			twoSided++
		}
	}

	avgSpread := spreadUndefined
	spreadPenalty := 0.0
	if twoSided > 0 {
		avgSpread = spreadSum / float64(twoSided)
		spreadPenalty = math.Min(1/(1+avgSpread/spreadHalfPointBps), 1)
	}

	score := weightDepth10*math.Min(depth10/depthTarget10USD, 1) +
		weightDepth20*math.Min(depth20/depthTarget20USD, 1) +
		weightSpread*spreadPenalty

	return domain.LiquidityMetrics{
		WindowEnd:     now,
		Symbol:        symbol,
		Depth10BpsUSD: depth10,
		Depth20BpsUSD: depth20,
		Depth50BpsUSD: depth50,
		AvgSpreadBps:  avgSpread,
		VenuesCovered: venues,
		LiqScore:      math.Max(0, math.Min(1, score)),
	}
}

// sideDepths walks one book half from its best price, accumulating USD
// notional per impact band. Levels are assumed sorted best-first; the walk
// stops past 50 bps.
func sideDepths(levels []domain.PriceLevel, best float64, bid bool) (d10, d20, d50 float64) {
	if best <= 0 {
		return 0, 0, 0
	}
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		impact := (lvl.Price - best) / best * 10000
		if bid {
			impact = (best - lvl.Price) / best * 10000
		}
		if impact > band50Bps {
			break
		}
		notional := lvl.Price * lvl.Size
		if impact <= band10Bps {
			d10 += notional
		}
		if impact <= band20Bps {
			d20 += notional
		}
		d50 += notional
	}
	return d10, d20, d50
}
