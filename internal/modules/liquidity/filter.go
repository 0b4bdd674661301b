package liquidity

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
)

// Aggregates are cross-sample TVL and volume sums consulted by the
// eligibility filter. TVL sums cover only samples that report TVL, so a
// zero entry means no data for that scope rather than an empty market.
type Aggregates struct {
	GlobalTVLUSD      float64
	TVLByChain        map[string]float64
	TVLBySymbol       map[string]float64
	TVLBySource       map[string]float64
	Volume24hBySymbol map[string]float64
}

// BuildAggregates sums TVL per scope over one cycle's yield samples and
// carries the freshest 24h volume per symbol from the market cap feed.
func BuildAggregates(samples []domain.RawYieldSample, caps []domain.MarketCap) Aggregates {
	agg := Aggregates{
		TVLByChain:        make(map[string]float64),
		TVLBySymbol:       make(map[string]float64),
		TVLBySource:       make(map[string]float64),
		Volume24hBySymbol: make(map[string]float64),
	}

	for i := range samples {
		s := &samples[i]
		if s.TVLUSD == nil || *s.TVLUSD <= 0 {
			continue
		}
		tvl := *s.TVLUSD
		agg.GlobalTVLUSD += tvl
		agg.TVLBySymbol[s.Symbol] += tvl
		agg.TVLBySource[s.SourceID] += tvl
		if s.Chain != "" {
			agg.TVLByChain[s.Chain] += tvl
		}
	}

	latest := make(map[string]time.Time)
	for _, mc := range caps {
		if at, ok := latest[mc.Symbol]; ok && !mc.ObservedAt.After(at) {
			continue
		}
		latest[mc.Symbol] = mc.ObservedAt
		agg.Volume24hBySymbol[mc.Symbol] = mc.Volume24hUSD
	}
	return agg
}

// Decision is the outcome of one eligibility check.
type Decision struct {
	Eligible bool
	Reasons  []string
}

// Filter screens yield samples against TVL floors, volume floors, and TVL
// volatility caps before index inclusion.
type Filter struct {
	cfg config.LiquidityFilterConfig
	log zerolog.Logger
}

// NewFilter creates an eligibility filter.
func NewFilter(cfg config.LiquidityFilterConfig, log zerolog.Logger) *Filter {
	return &Filter{
		cfg: cfg,
		log: log.With().Str("component", "liquidity_filter").Logger(),
	}
}

// Check evaluates one sample at its asset grade. Scopes with no reported
// TVL are skipped rather than failed, so CeFi venues pass the on-chain
// floors. Nil volatility means unknown and passes the caps.
func (f *Filter) Check(sample domain.RawYieldSample, grade string, agg Aggregates, tvlVol7d, tvlVol30d *float64) Decision {
	var reasons []string

	if tvl := agg.TVLBySource[sample.SourceID]; tvl > 0 {
		if floor := f.cfg.Protocol.For(grade); tvl < floor {
			reasons = append(reasons, fmt.Sprintf("protocol tvl %.0f below %s floor %.0f", tvl, grade, floor))
		}
	}
	if sample.Chain != "" {
		if tvl := agg.TVLByChain[sample.Chain]; tvl > 0 {
			if floor := f.cfg.Chain.For(grade); tvl < floor {
				reasons = append(reasons, fmt.Sprintf("chain tvl %.0f below %s floor %.0f", tvl, grade, floor))
			}
		}
	}
	if tvl := agg.TVLBySymbol[sample.Symbol]; tvl > 0 {
		if floor := f.cfg.Asset.For(grade); tvl < floor {
			reasons = append(reasons, fmt.Sprintf("asset tvl %.0f below %s floor %.0f", tvl, grade, floor))
		}
	}
	if agg.GlobalTVLUSD > 0 {
		if floor := f.cfg.Global.For(grade); agg.GlobalTVLUSD < floor {
			reasons = append(reasons, fmt.Sprintf("global tvl %.0f below %s floor %.0f", agg.GlobalTVLUSD, grade, floor))
		}
	}
	if vol, ok := agg.Volume24hBySymbol[sample.Symbol]; ok {
		if floor := f.cfg.MinVolume24hUSD[grade]; vol < floor {
			reasons = append(reasons, fmt.Sprintf("24h volume %.0f below %s floor %.0f", vol, grade, floor))
		}
	}
	if tvlVol7d != nil && *tvlVol7d > f.cfg.MaxTVLVolatility7d {
		reasons = append(reasons, fmt.Sprintf("7d tvl volatility %.2f above cap %.2f", *tvlVol7d, f.cfg.MaxTVLVolatility7d))
	}
	if tvlVol30d != nil && *tvlVol30d > f.cfg.MaxTVLVolatility30d {
		reasons = append(reasons, fmt.Sprintf("30d tvl volatility %.2f above cap %.2f", *tvlVol30d, f.cfg.MaxTVLVolatility30d))
	}

	if len(reasons) > 0 {
		f.log.Debug().
			Str("symbol", sample.Symbol).
			Str("source", sample.SourceID).
			Strs("reasons", reasons).
			Msg("Sample failed liquidity screen")
	}
	return Decision{Eligible: len(reasons) == 0, Reasons: reasons}
}
