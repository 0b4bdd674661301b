// Package sanitizer maps raw APY observations to bounded, outlier-checked
// values with an explicit action and a confidence score. Identical inputs
// always produce identical output, so every downstream record is
// reproducible from the raw stream.
package sanitizer

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
)

// Sanitizer applies the configured bounds and outlier policy to raw yields.
type Sanitizer struct {
	cfg config.SanitizerConfig
	log zerolog.Logger
}

// New creates a sanitizer with the given bounds configuration.
func New(cfg config.SanitizerConfig, log zerolog.Logger) *Sanitizer {
	return &Sanitizer{
		cfg: cfg,
		log: log.With().Str("component", "sanitizer").Logger(),
	}
}

// Sanitize maps one sample plus its market context to a SanitizationResult.
// The market slice is the full cycle snapshot; comparables are selected by
// (source_kind, symbol) with a fallback to the whole market when too few
// exist. The function is pure and never mutates its inputs.
func (s *Sanitizer) Sanitize(sample domain.RawYieldSample, market []domain.RawYieldSample) domain.SanitizationResult {
	raw := sample.APYTotal

	if !isFinite(raw) {
		return domain.SanitizationResult{
			Action:     domain.SanitizeReject,
			Warnings:   []string{"non-finite apy"},
			Confidence: 0,
		}
	}

	var warnings []string
	effective := raw
	rejected := false
	floored := false

	// Absolute bounds. Values below the floor are coerced up, values above
	// the ceiling can never be published.
	if raw < s.cfg.AbsoluteMinimum {
		effective = s.cfg.AbsoluteMinimum
		floored = true
		warnings = append(warnings, fmt.Sprintf("apy %.4f below absolute minimum %.4f", raw, s.cfg.AbsoluteMinimum))
	}
	if raw > s.cfg.AbsoluteMaximum {
		effective = s.cfg.AbsoluteMaximum
		rejected = true
		warnings = append(warnings, fmt.Sprintf("apy %.4f above absolute maximum %.4f", raw, s.cfg.AbsoluteMaximum))
	}
	if raw > s.cfg.FlashSpikeThreshold {
		warnings = append(warnings, fmt.Sprintf("apy %.4f above flash spike threshold %.4f", raw, s.cfg.FlashSpikeThreshold))
	}

	// Reward-heavy pools fall back to their base rate.
	if sample.APYBase != nil && sample.APYReward != nil && *sample.APYBase > 0 {
		ratio := *sample.APYReward / *sample.APYBase
		if ratio > s.cfg.MaxRewardRatio {
			effective = *sample.APYBase
			warnings = append(warnings, fmt.Sprintf("reward/base ratio %.2f above %.2f, using base apy", ratio, s.cfg.MaxRewardRatio))
			if effective < s.cfg.AbsoluteMinimum {
				// keep the fallback inside the absolute range
				effective = s.cfg.AbsoluteMinimum
				floored = true
			}
		}
	}

	// An inverted supply/borrow curve is warned about, never mutated.
	if sample.BorrowAPY != nil && raw > *sample.BorrowAPY {
		warnings = append(warnings, fmt.Sprintf("supply apy %.4f above borrow apy %.4f", raw, *sample.BorrowAPY))
	}

	// Outlier test against comparable sources.
	comps := s.comparables(sample, market)
	var (
		sorted  []float64
		outlier bool
		score   float64
		excess  float64
	)
	if len(comps) >= 2 {
		sorted = sortedCopy(comps)
		switch s.cfg.OutlierMethod {
		case "IQR":
			score = iqrExcess(effective, sorted, s.cfg.IQRMultiplier)
			outlier = score > 0
			excess = score
			if outlier {
				warnings = append(warnings, fmt.Sprintf("IQR outlier: %.2f IQR beyond fences", score))
			}
		default:
			score = madZ(effective, sorted)
			outlier = score >= s.cfg.MADThreshold
			excess = score - s.cfg.MADThreshold
			if outlier {
				warnings = append(warnings, fmt.Sprintf("MAD outlier: z %.2f at threshold %.2f", score, s.cfg.MADThreshold))
			}
		}
	}

	// Resolve the action, strongest applicable first.
	action := domain.SanitizeAccept
	if rejected {
		action = domain.SanitizeReject
	} else {
		if outlier {
			action = domain.SanitizeWinsorize
			lo := quantile(sorted, s.cfg.WinsorizeLower)
			hi := quantile(sorted, s.cfg.WinsorizeUpper)
			if effective > hi {
				effective = hi
			} else if effective < lo {
				effective = lo
			}
		}
		if effective > s.cfg.ReasonableMaximum {
			effective = s.cfg.ReasonableMaximum
			action = domain.SanitizeCap
		} else if floored && !outlier {
			action = domain.SanitizeCap
		} else if !outlier && effective > s.cfg.SuspiciousThreshold {
			action = domain.SanitizeFlag
			warnings = append(warnings, fmt.Sprintf("apy %.4f above suspicious threshold %.4f", effective, s.cfg.SuspiciousThreshold))
		}
	}

	// The published value always sits inside the absolute range.
	effective = math.Min(math.Max(effective, s.cfg.AbsoluteMinimum), s.cfg.AbsoluteMaximum)

	confidence := 1.0 - 0.25*float64(len(warnings))
	if outlier && excess > 0 {
		confidence -= 0.1 * excess
	}
	confidence = math.Min(1.0, math.Max(0.0, confidence))

	return domain.SanitizationResult{
		OriginalAPY:  raw,
		SanitizedAPY: effective,
		Action:       action,
		Warnings:     warnings,
		OutlierScore: score,
		Confidence:   confidence,
	}
}

// SanitizeAll runs every sample against the full snapshot, preserving input
// order.
func (s *Sanitizer) SanitizeAll(samples []domain.RawYieldSample) []domain.SanitizationResult {
	results := make([]domain.SanitizationResult, len(samples))
	var rejected, adjusted int
	for i, sample := range samples {
		results[i] = s.Sanitize(sample, samples)
		switch results[i].Action {
		case domain.SanitizeReject:
			rejected++
		case domain.SanitizeWinsorize, domain.SanitizeCap:
			adjusted++
		}
	}

	s.log.Debug().
		Int("samples", len(samples)).
		Int("rejected", rejected).
		Int("adjusted", adjusted).
		Msg("Sanitization pass complete")

	return results
}

// comparables selects the APYs a sample is judged against: same source kind
// and symbol, excluding the sample itself. When fewer than min_comparables
// exist the whole market snapshot is used instead.
func (s *Sanitizer) comparables(sample domain.RawYieldSample, market []domain.RawYieldSample) []float64 {
	same := make([]float64, 0, len(market))
	all := make([]float64, 0, len(market))
	for _, m := range market {
		if isSameSample(m, sample) || !isFinite(m.APYTotal) {
			continue
		}
		all = append(all, m.APYTotal)
		if m.SourceKind == sample.SourceKind && m.Symbol == sample.Symbol {
			same = append(same, m.APYTotal)
		}
	}
	if len(same) >= s.cfg.MinComparables {
		return same
	}
	return all
}

func isSameSample(a, b domain.RawYieldSample) bool {
	return a.SourceID == b.SourceID &&
		a.Symbol == b.Symbol &&
		a.PoolID == b.PoolID &&
		a.ObservedAt.Equal(b.ObservedAt)
}
