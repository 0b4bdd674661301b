package domain

import (
	"context"
	"math"
	"strings"
	"time"
)

// SourceIdentity describes one registered source adapter.
type SourceIdentity struct {
	// ID is the stable source identifier stamped on every record.
	ID string
	// Kind is CEFI or DEFI.
	Kind SourceKind
	// Venue is the human-readable venue name used on price ticks and books.
	Venue string
}

// SourceAdapter is the contract every venue integration implements.
// FetchYields MUST be safe under concurrent calls and MUST honor ctx.
type SourceAdapter interface {
	Identity() SourceIdentity
	FetchYields(ctx context.Context) ([]RawYieldSample, error)
}

// PriceSource is implemented by adapters that can serve spot prices.
type PriceSource interface {
	FetchPrices(ctx context.Context, symbols []string) ([]PriceTick, error)
}

// OrderBookSource is implemented by adapters that can serve order books.
type OrderBookSource interface {
	FetchOrderBooks(ctx context.Context, symbols []string) ([]OrderBookSnapshot, error)
}

// MarketCapSource is implemented by adapters that can serve market caps.
type MarketCapSource interface {
	FetchMarketCaps(ctx context.Context, symbols []string) ([]MarketCap, error)
}

// RateSource is implemented by adapters that can serve the risk-free rate.
type RateSource interface {
	FetchTBillRate(ctx context.Context) (TBillRate, error)
}

// NormalizeSymbol uppercases and trims a venue symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// PercentToDecimal converts a percent-quoted rate (4.5) to decimal (0.045).
func PercentToDecimal(pct float64) float64 {
	return pct / 100
}

// Validate checks a raw yield sample at the adapter boundary. A non-nil
// result means the record must be dropped and counted, never published.
func (s *RawYieldSample) Validate() *ValidationError {
	if s.Symbol == "" {
		return &ValidationError{SourceID: s.SourceID, Field: "symbol", Reason: "empty"}
	}
	if s.SourceID == "" {
		return &ValidationError{SourceID: s.SourceID, Field: "source_id", Reason: "empty"}
	}
	if s.SourceKind != SourceKindCeFi && s.SourceKind != SourceKindDeFi {
		return &ValidationError{SourceID: s.SourceID, Field: "source_kind", Reason: "unknown kind " + string(s.SourceKind)}
	}
	if math.IsNaN(s.APYTotal) || math.IsInf(s.APYTotal, 0) {
		return &ValidationError{SourceID: s.SourceID, Field: "apy_total", Reason: "not finite"}
	}
	if s.TVLUSD != nil && (*s.TVLUSD < 0 || math.IsNaN(*s.TVLUSD) || math.IsInf(*s.TVLUSD, 0)) {
		return &ValidationError{SourceID: s.SourceID, Field: "tvl_usd", Reason: "negative or not finite"}
	}
	if s.ObservedAt.IsZero() {
		return &ValidationError{SourceID: s.SourceID, Field: "observed_at", Reason: "zero timestamp"}
	}
	return nil
}

// Validate checks a price tick at the adapter boundary.
func (t *PriceTick) Validate() *ValidationError {
	if t.Symbol == "" {
		return &ValidationError{SourceID: t.Venue, Field: "symbol", Reason: "empty"}
	}
	if t.PriceUSD <= 0 || math.IsNaN(t.PriceUSD) || math.IsInf(t.PriceUSD, 0) {
		return &ValidationError{SourceID: t.Venue, Field: "price_usd", Reason: "non-positive or not finite"}
	}
	if t.ObservedAt.IsZero() {
		return &ValidationError{SourceID: t.Venue, Field: "observed_at", Reason: "zero timestamp"}
	}
	return nil
}

// Age returns how old the sample is relative to now.
func (s *RawYieldSample) Age(now time.Time) time.Duration {
	return now.Sub(s.ObservedAt)
}
