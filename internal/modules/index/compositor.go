// Package index composes eligible risk-adjusted yields into the published
// index family. Weighting, capping, and tie-breaking are deterministic for
// a given candidate set.
package index

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
)

// Candidate is one (symbol, source) considered for membership.
type Candidate struct {
	Sample            domain.RawYieldSample
	Sanitized         domain.SanitizationResult
	RAY               domain.RAYRecord
	LiquidityEligible bool
	// MarketCapUSD is the symbol's circulating cap; 0 when unknown.
	MarketCapUSD float64
	// OperationalDays feeds the TVL_MATURITY maturity factor.
	OperationalDays int
	// RAYHistory holds trailing RAY values, oldest first, for EQUAL_RISK.
	RAYHistory []float64
}

// Compositor turns candidates into IndexValue snapshots.
type Compositor struct {
	cfg config.IndexConfig
	log zerolog.Logger
}

// NewCompositor creates an index compositor.
func NewCompositor(cfg config.IndexConfig, log zerolog.Logger) *Compositor {
	return &Compositor{
		cfg: cfg,
		log: log.With().Str("component", "compositor").Logger(),
	}
}

// Compose builds one index snapshot. It screens candidates, resolves the
// code's weighting scheme, normalizes and caps weights, and folds the
// basket. Returns InsufficientConstituentsError when too few candidates
// survive screening; no value is emitted in that case.
func (c *Compositor) Compose(code domain.IndexCode, cycleID string, candidates []Candidate, tbill float64, mode domain.IndexMode, now time.Time) (domain.IndexValue, error) {
	pool := c.screen(code, candidates, now)
	sortCandidates(pool)

	scheme := c.scheme(code)
	if scheme == domain.WeightMarketCap {
		pool = dedupBySymbol(pool)
	}

	pool, raw := c.rawWeights(scheme, pool)
	if len(pool) < c.cfg.MinConstituents {
		return domain.IndexValue{}, &domain.InsufficientConstituentsError{
			Code:     code,
			Eligible: len(pool),
			Required: c.cfg.MinConstituents,
		}
	}

	weights := normalize(raw)
	applyCap(weights, c.cfg.MaxWeight)

	rays := make([]float64, len(pool))
	for i := range pool {
		rays[i] = pool[i].RAY.RAY
		if code == domain.IndexSYRPI {
			rays[i] -= tbill
		}
	}
	value := basketValue(weights, rays)

	hhi := 0.0
	confidence := 1.0
	var flags []string
	soft := time.Duration(c.cfg.SoftStalenessMinutes) * time.Minute
	constituents := make([]domain.Constituent, len(pool))

	for i := range pool {
		cand := &pool[i]
		hhi += weights[i] * weights[i]
		if cand.RAY.Confidence < confidence {
			confidence = cand.RAY.Confidence
		}
		if now.Sub(cand.Sample.ObservedAt) > soft {
			flags = append(flags, "STALE:"+cand.Sample.SourceID)
		}
		tvl := 0.0
		if cand.Sample.TVLUSD != nil {
			tvl = *cand.Sample.TVLUSD
		}
		constituents[i] = domain.Constituent{
			Symbol:     cand.Sample.Symbol,
			SourceID:   cand.Sample.SourceID,
			Weight:     weights[i],
			RAY:        cand.RAY.RAY,
			TVLUSD:     tvl,
			Confidence: cand.RAY.Confidence,
		}
	}

	c.log.Debug().
		Str("code", string(code)).
		Str("scheme", string(scheme)).
		Int("constituents", len(pool)).
		Float64("value", value).
		Msg("Index snapshot composed")

	return domain.IndexValue{
		ObservedAt:       now,
		ID:               uuid.NewString(),
		CycleID:          cycleID,
		Code:             code,
		Value:            value,
		Mode:             mode,
		Confidence:       confidence,
		ConstituentCount: len(pool),
		HHI:              hhi,
		StalenessFlags:   flags,
		Constituents:     constituents,
	}, nil
}

// screen applies the code's source-kind scope and the eligibility rules:
// not rejected, confident enough, liquidity-eligible, fresh enough.
func (c *Compositor) screen(code domain.IndexCode, candidates []Candidate, now time.Time) []Candidate {
	maxAge := time.Duration(c.cfg.MaxSampleAgeMinutes) * time.Minute
	out := make([]Candidate, 0, len(candidates))
	for i := range candidates {
		cand := &candidates[i]
		switch code {
		case domain.IndexSYCeFi:
			if cand.Sample.SourceKind != domain.SourceKindCeFi {
				continue
			}
		case domain.IndexSYDeFi:
			if cand.Sample.SourceKind != domain.SourceKindDeFi {
				continue
			}
		}
		if cand.Sanitized.Action == domain.SanitizeReject {
			continue
		}
		if cand.RAY.Confidence < c.cfg.MinConfidence {
			continue
		}
		if !cand.LiquidityEligible {
			continue
		}
		if now.Sub(cand.Sample.ObservedAt) > maxAge {
			continue
		}
		out = append(out, *cand)
	}
	return out
}

func (c *Compositor) scheme(code domain.IndexCode) domain.WeightScheme {
	if s, ok := c.cfg.Schemes[string(code)]; ok {
		return domain.WeightScheme(s)
	}
	return domain.WeightMarketCap
}

// sortCandidates fixes the tie-break order: symbol ascending, then
// source_id ascending. All later float folds follow this order.
func sortCandidates(pool []Candidate) {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Sample.Symbol != pool[j].Sample.Symbol {
			return pool[i].Sample.Symbol < pool[j].Sample.Symbol
		}
		return pool[i].Sample.SourceID < pool[j].Sample.SourceID
	})
}

// dedupBySymbol keeps the highest-confidence source per symbol. The pool
// must already be in tie-break order so equal confidence resolves to the
// lower source_id.
func dedupBySymbol(pool []Candidate) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for i := range pool {
		cand := &pool[i]
		if n := len(out); n > 0 && out[n-1].Sample.Symbol == cand.Sample.Symbol {
			if cand.RAY.Confidence > out[n-1].RAY.Confidence {
				out[n-1] = *cand
			}
			continue
		}
		out = append(out, *cand)
	}
	return out
}
