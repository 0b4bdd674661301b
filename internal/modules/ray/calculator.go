// Package ray computes risk-adjusted yield: a sanitized base APY eroded by
// the geometric combination of five risk factors.
package ray

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
)

// Fallbacks for the two market factors. Source-level factor defaults live in
// config; these mirror what the metrics pipeline emits when it has no data.
const (
	defaultPegScore       = 0.95
	defaultLiquidityScore = 0.50
)

// Staleness flags recorded when a factor falls back to its default.
const (
	FlagPegDefault          = "peg_default"
	FlagLiquidityDefault    = "liquidity_default"
	FlagCounterpartyDefault = "counterparty_default"
	FlagReputationDefault   = "reputation_default"
	FlagTemporalDefault     = "temporal_default"
)

// FactorInputs carries the measured factors available for one source at
// computation time. Nil market scores and short history fall back to
// defaults with a recorded staleness flag.
type FactorInputs struct {
	PegScore       *float64
	LiquidityScore *float64
	// History holds trailing sanitized APYs for this (symbol, source),
	// oldest first, feeding the temporal stability factor.
	History []float64
}

// Calculator derives RAY records from sanitized samples.
type Calculator struct {
	cfg      config.RAYConfig
	registry map[string]config.SourceProfile
	log      zerolog.Logger
}

// NewCalculator creates a RAY calculator. The registry supplies per-source
// counterparty and reputation overrides.
func NewCalculator(cfg config.RAYConfig, registry map[string]config.SourceProfile, log zerolog.Logger) *Calculator {
	return &Calculator{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "ray").Logger(),
	}
}

// Compute maps one sanitized sample to a RAY record. The second return is
// false when the sample was rejected upstream and no record must be emitted.
// Confidence is the sanitizer confidence floored by the mean factor
// confidence, where a defaulted factor scores cfg.DefaultedFactorScore.
func (c *Calculator) Compute(sample domain.RawYieldSample, sanitized domain.SanitizationResult, in FactorInputs) (domain.RAYRecord, bool) {
	if sanitized.Action == domain.SanitizeReject {
		return domain.RAYRecord{}, false
	}

	var flags []string
	factorConf := make([]float64, 0, 5)

	peg := defaultPegScore
	if in.PegScore != nil {
		peg = clamp01(*in.PegScore)
		factorConf = append(factorConf, 1.0)
	} else {
		flags = append(flags, FlagPegDefault)
		factorConf = append(factorConf, c.cfg.DefaultedFactorScore)
	}

	liq := defaultLiquidityScore
	if in.LiquidityScore != nil {
		liq = clamp01(*in.LiquidityScore)
		factorConf = append(factorConf, 1.0)
	} else {
		flags = append(flags, FlagLiquidityDefault)
		factorConf = append(factorConf, c.cfg.DefaultedFactorScore)
	}

	profile := c.registry[sample.SourceID]

	counterparty := c.cfg.DefaultCounterparty
	if profile.Counterparty != nil {
		counterparty = clamp01(*profile.Counterparty)
		factorConf = append(factorConf, 1.0)
	} else {
		flags = append(flags, FlagCounterpartyDefault)
		factorConf = append(factorConf, c.cfg.DefaultedFactorScore)
	}

	reputation := c.cfg.DefaultReputation
	if profile.Reputation != nil {
		reputation = clamp01(*profile.Reputation)
		factorConf = append(factorConf, 1.0)
	} else {
		flags = append(flags, FlagReputationDefault)
		factorConf = append(factorConf, c.cfg.DefaultedFactorScore)
	}

	temporal, measured := c.temporalStability(in.History)
	if measured {
		factorConf = append(factorConf, 1.0)
	} else {
		temporal = c.cfg.DefaultTemporal
		flags = append(flags, FlagTemporalDefault)
		factorConf = append(factorConf, c.cfg.DefaultedFactorScore)
	}

	product := peg * liq * counterparty * reputation * temporal
	multiplier := math.Pow(product, c.cfg.CompositionExponent)
	baseAPY := sanitized.SanitizedAPY
	rayValue := baseAPY * multiplier

	return domain.RAYRecord{
		ObservedAt:  sample.ObservedAt,
		Symbol:      sample.Symbol,
		SourceID:    sample.SourceID,
		BaseAPY:     baseAPY,
		RAY:         rayValue,
		RiskPenalty: baseAPY - rayValue,
		Confidence:  math.Min(sanitized.Confidence, stat.Mean(factorConf, nil)),
		Factors: domain.RiskFactors{
			PegScore:           peg,
			LiquidityScore:     liq,
			CounterpartyScore:  counterparty,
			ProtocolReputation: reputation,
			TemporalStability:  temporal,
		},
		StalenessFlags: flags,
	}, true
}

// temporalStability is 1 − cv over the trailing stability window, clamped
// to [0,1]. It is unmeasured below the minimum sample count.
func (c *Calculator) temporalStability(history []float64) (float64, bool) {
	if len(history) < c.cfg.MinStabilitySamples {
		return 0, false
	}
	window := history
	if n := len(window); n > c.cfg.StabilityWindow {
		window = window[n-c.cfg.StabilityWindow:]
	}
	mean := stat.Mean(window, nil)
	if mean <= 0 {
		return 0, true
	}
	cv := stat.StdDev(window, nil) / mean
	return clamp01(1 - cv), true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
