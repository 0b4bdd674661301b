package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeAction_Severity(t *testing.T) {
	// REJECT must outrank CAP, CAP must outrank WINSORIZE, and so on,
	// because the sanitizer resolves to the most severe applicable action.
	assert.Less(t, SanitizeAccept.Severity(), SanitizeFlag.Severity())
	assert.Less(t, SanitizeFlag.Severity(), SanitizeWinsorize.Severity())
	assert.Less(t, SanitizeWinsorize.Severity(), SanitizeCap.Severity())
	assert.Less(t, SanitizeCap.Severity(), SanitizeReject.Severity())
	assert.Equal(t, -1, SanitizeAction("BOGUS").Severity())
}

func TestOrderBookSnapshot_SpreadBps(t *testing.T) {
	tests := []struct {
		name     string
		bids     []PriceLevel
		asks     []PriceLevel
		expected float64
		ok       bool
	}{
		{
			name:     "two sided book",
			bids:     []PriceLevel{{Price: 0.9995, Size: 100000}},
			asks:     []PriceLevel{{Price: 1.0005, Size: 100000}},
			expected: 10.0,
			ok:       true,
		},
		{
			name: "bid only book",
			bids: []PriceLevel{{Price: 0.9995, Size: 100000}},
			ok:   false,
		},
		{
			name: "ask only book",
			asks: []PriceLevel{{Price: 1.0005, Size: 100000}},
			ok:   false,
		},
		{
			name: "empty book",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob := OrderBookSnapshot{Symbol: "USDT", Venue: "kraken", Bids: tt.bids, Asks: tt.asks}
			spread, ok := ob.SpreadBps()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.expected, spread, 1e-9)
			}
		})
	}
}

func TestOrderBookSnapshot_BestPrices(t *testing.T) {
	ob := OrderBookSnapshot{
		Bids: []PriceLevel{{Price: 0.9998, Size: 50000}, {Price: 0.9997, Size: 75000}},
		Asks: []PriceLevel{{Price: 1.0001, Size: 60000}, {Price: 1.0002, Size: 80000}},
	}
	assert.Equal(t, 0.9998, ob.BestBid())
	assert.Equal(t, 1.0001, ob.BestAsk())
	assert.InDelta(t, 0.99995, ob.Mid(), 1e-12)
	assert.True(t, ob.TwoSided())

	empty := OrderBookSnapshot{}
	assert.Equal(t, 0.0, empty.BestBid())
	assert.Equal(t, 0.0, empty.BestAsk())
	assert.False(t, empty.TwoSided())
}

func TestRawYieldSample_Validate(t *testing.T) {
	tvl := 120_000_000.0
	valid := RawYieldSample{
		ObservedAt: time.Now().UTC(),
		IngestedAt: time.Now().UTC(),
		Symbol:     "USDC",
		SourceID:   "defillama:aave-v3",
		SourceKind: SourceKindDeFi,
		APYTotal:   0.045,
		TVLUSD:     &tvl,
	}
	require.Nil(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*RawYieldSample)
		field  string
	}{
		{"empty symbol", func(s *RawYieldSample) { s.Symbol = "" }, "symbol"},
		{"empty source", func(s *RawYieldSample) { s.SourceID = "" }, "source_id"},
		{"unknown kind", func(s *RawYieldSample) { s.SourceKind = "TRADFI" }, "source_kind"},
		{"negative tvl", func(s *RawYieldSample) { neg := -1.0; s.TVLUSD = &neg }, "tvl_usd"},
		{"zero timestamp", func(s *RawYieldSample) { s.ObservedAt = time.Time{} }, "observed_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample := valid
			tt.mutate(&sample)
			verr := sample.Validate()
			require.NotNil(t, verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "USDT", NormalizeSymbol(" usdt "))
	assert.Equal(t, "DAI", NormalizeSymbol("dai"))
}

func TestPercentToDecimal(t *testing.T) {
	assert.InDelta(t, 0.0525, PercentToDecimal(5.25), 1e-12)
	assert.InDelta(t, 0.0, PercentToDecimal(0), 1e-12)
}
