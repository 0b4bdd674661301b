package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/modules/regime"
)

var base = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "index.db"),
		Profile: database.ProfileSeries,
		Name:    "index",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLite(db.Conn(), zerolog.Nop())
}

func yieldAt(symbol, source string, at time.Time) domain.RawYieldSample {
	return domain.RawYieldSample{
		ObservedAt: at,
		IngestedAt: at.Add(time.Second),
		Symbol:     symbol,
		SourceID:   source,
		SourceKind: domain.SourceKindCeFi,
		APYTotal:   0.05,
	}
}

func TestAppendYieldSamples_MonotonicPerKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appended, conflicted, err := s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		yieldAt("USDT", "bitfinex", base),
		yieldAt("USDC", "bitfinex", base),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, appended)
	assert.Equal(t, 0, conflicted)

	// A stale timestamp on one key is dropped, the advancing key is kept.
	appended, conflicted, err = s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		yieldAt("USDT", "bitfinex", base),                // equal, dropped
		yieldAt("USDC", "bitfinex", base.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, appended)
	assert.Equal(t, 1, conflicted)

	// The same source on a different symbol is an independent stream.
	appended, conflicted, err = s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		yieldAt("DAI", "bitfinex", base.Add(-time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, appended)
	assert.Equal(t, 0, conflicted)
}

func TestAppendYieldSamples_InBatchRegression(t *testing.T) {
	s := newTestStore(t)

	// A batch whose own rows go backward only keeps the advancing prefix.
	appended, conflicted, err := s.AppendYieldSamples(context.Background(), []domain.RawYieldSample{
		yieldAt("USDT", "kraken", base.Add(time.Minute)),
		yieldAt("USDT", "kraken", base),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, appended)
	assert.Equal(t, 1, conflicted)
}

func TestAppendPriceTicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticks := []domain.PriceTick{
		{ObservedAt: base, Symbol: "USDT", Venue: "bitfinex", PriceUSD: 0.9998, Volume24hUSD: 1e8},
		{ObservedAt: base, Symbol: "USDT", Venue: "kraken", PriceUSD: 1.0001, Volume24hUSD: 5e7},
	}
	appended, conflicted, err := s.AppendPriceTicks(ctx, ticks)
	require.NoError(t, err)
	assert.Equal(t, 2, appended)
	assert.Equal(t, 0, conflicted)

	appended, conflicted, err = s.AppendPriceTicks(ctx, ticks)
	require.NoError(t, err)
	assert.Equal(t, 0, appended)
	assert.Equal(t, 2, conflicted)
}

func TestAppendIndexValue_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := domain.IndexValue{
		ObservedAt:       base,
		ID:               "iv-1",
		CycleID:          "cycle-1",
		Code:             domain.IndexSYI,
		Value:            0.0482,
		Mode:             domain.ModeNormal,
		Confidence:       0.93,
		ConstituentCount: 2,
		HHI:              0.52,
		StalenessFlags:   []string{"bitfinex:STALE"},
		Constituents: []domain.Constituent{
			{Symbol: "USDT", SourceID: "bitfinex", Weight: 0.6, RAY: 0.05, TVLUSD: 2e9, Confidence: 0.95},
			{Symbol: "USDC", SourceID: "aave-v3", Weight: 0.4, RAY: 0.045, TVLUSD: 1e9, Confidence: 0.9},
		},
	}
	require.NoError(t, s.AppendIndexValue(ctx, v))

	got, err := s.LatestIndexValue(ctx, domain.IndexSYI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, v.CycleID, got.CycleID)
	assert.Equal(t, v.Value, got.Value)
	assert.Equal(t, domain.ModeNormal, got.Mode)
	assert.Equal(t, []string{"bitfinex:STALE"}, got.StalenessFlags)
	assert.Equal(t, base, got.ObservedAt)
	require.Len(t, got.Constituents, 2)
	assert.Equal(t, "USDT", got.Constituents[0].Symbol, "constituents ordered by weight")

	// Re-publishing the same instant is a conflict, not an overwrite.
	err = s.AppendIndexValue(ctx, v)
	var conflict *domain.StoreConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "index_values", conflict.Stream)

	// Other codes are untouched.
	got, err = s.LatestIndexValue(ctx, domain.IndexSYC)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValueAsOf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendIndexValue(ctx, domain.IndexValue{
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
			ID:         "iv", CycleID: "c", Code: domain.IndexSYI,
			Value: 0.04 + float64(i)*0.001, Mode: domain.ModeNormal,
		}))
	}

	got, err := s.ValueAsOf(ctx, domain.IndexSYI, base.Add(90*time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.041, got.Value, 1e-12)

	got, err = s.ValueAsOf(ctx, domain.IndexSYI, base.Add(-time.Second))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIndexRange_Downsampling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendIndexValue(ctx, domain.IndexValue{
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
			ID:         "iv", CycleID: "c", Code: domain.IndexSYI,
			Value: float64(i), Mode: domain.ModeNormal, Confidence: 1,
		}))
	}
	from, to := base, base.Add(9*time.Minute)

	// Under the cap the raw series comes back untouched.
	raw, bucketMs, err := s.IndexRange(ctx, domain.IndexSYI, from, to, 100)
	require.NoError(t, err)
	assert.Zero(t, bucketMs)
	require.Len(t, raw, 10)
	assert.Equal(t, base, raw[0].ObservedAt)

	// Over the cap values collapse into bucket means.
	down, bucketMs, err := s.IndexRange(ctx, domain.IndexSYI, from, to, 5)
	require.NoError(t, err)
	assert.Greater(t, bucketMs, int64(0))
	require.LessOrEqual(t, len(down), 5)
	assert.InDelta(t, 0.5, down[0].Value, 1e-9, "first bucket averages values 0 and 1")
	assert.Equal(t, base, down[0].ObservedAt, "bucket timestamps snap to bucket start")
}

func TestIndexStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, v := range []float64{0.040, 0.050, 0.045} {
		require.NoError(t, s.AppendIndexValue(ctx, domain.IndexValue{
			ObservedAt: now.Add(time.Duration(i-3) * time.Hour),
			ID:         "iv", CycleID: "c", Code: domain.IndexSYI,
			Value: v, Mode: domain.ModeNormal,
		}))
	}

	stats, err := s.IndexStatistics(ctx, domain.IndexSYI, 7)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 0.040, stats.Min, 1e-12)
	assert.InDelta(t, 0.050, stats.Max, 1e-12)
	assert.InDelta(t, 0.045, stats.Mean, 1e-12)
	assert.InDelta(t, 0.010, stats.Range, 1e-12)
	assert.Greater(t, stats.StdDev, 0.0)

	stats, err = s.IndexStatistics(ctx, domain.IndexSYC, 7)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestDailyClosesAndBasketTVL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	publish := func(at time.Time, value, tvl float64) {
		require.NoError(t, s.AppendIndexValue(ctx, domain.IndexValue{
			ObservedAt: at, ID: "iv", CycleID: "c", Code: domain.IndexSYI,
			Value: value, Mode: domain.ModeNormal,
			Constituents: []domain.Constituent{
				{Symbol: "USDT", SourceID: "bitfinex", Weight: 0.5, TVLUSD: tvl},
				{Symbol: "USDC", SourceID: "aave-v3", Weight: 0.5, TVLUSD: tvl},
			},
		}))
	}
	// Yesterday publishes twice: only the close survives.
	publish(today.Add(-14*time.Hour), 0.040, 1e9)
	publish(today.Add(-13*time.Hour), 0.042, 2e9)
	publish(today.Add(1*time.Minute), 0.044, 3e9)

	closes, err := s.DailyCloses(ctx, domain.IndexSYI, 7)
	require.NoError(t, err)
	require.Len(t, closes, 2)
	assert.InDelta(t, 0.042, closes[0], 1e-12)
	assert.InDelta(t, 0.044, closes[1], 1e-12)

	tvls, err := s.DailyBasketTVL(ctx, domain.IndexSYI, 7)
	require.NoError(t, err)
	require.Len(t, tvls, 2)
	assert.InDelta(t, 4e9, tvls[0], 1, "yesterday's close sums both constituents")
	assert.InDelta(t, 6e9, tvls[1], 1)
}

func TestPegSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendPegMetrics(ctx, domain.PegMetrics{
			WindowEnd: base.Add(time.Duration(i) * time.Minute),
			Symbol:    "USDT",
			VWPrice:   1.0,
			PegDevBps: float64(i),
			PegScore:  0.9,
		}))
	}

	series, bucketMs, err := s.PegSeries(ctx, "USDT", base, base.Add(5*time.Minute), 3)
	require.NoError(t, err)
	assert.Greater(t, bucketMs, int64(0))
	require.LessOrEqual(t, len(series), 3)
	assert.InDelta(t, 0.5, series[0].PegDevBps, 1e-9)
	assert.InDelta(t, 0.9, series[0].PegScore, 1e-9)

	// Out-of-order window close is rejected.
	err = s.AppendPegMetrics(ctx, domain.PegMetrics{WindowEnd: base, Symbol: "USDT"})
	var conflict *domain.StoreConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestLiquiditySeries_UndefinedSpread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One window with no two-sided book, one with a real spread.
	require.NoError(t, s.AppendLiquidityMetrics(ctx, domain.LiquidityMetrics{
		WindowEnd: base, Symbol: "USDT", AvgSpreadBps: -1, VenuesCovered: 0, LiqScore: 0.2,
	}))
	require.NoError(t, s.AppendLiquidityMetrics(ctx, domain.LiquidityMetrics{
		WindowEnd: base.Add(time.Minute), Symbol: "USDT",
		Depth10BpsUSD: 5e6, AvgSpreadBps: 4, VenuesCovered: 2, LiqScore: 0.8,
	}))

	// Raw fetch keeps the sentinel.
	series, bucketMs, err := s.LiquiditySeries(ctx, "USDT", base, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, bucketMs)
	require.Len(t, series, 2)
	assert.Equal(t, float64(-1), series[0].AvgSpreadBps)

	// A bucket mixing sentinel and real windows averages only the real ones.
	series, bucketMs, err = s.LiquiditySeries(ctx, "USDT", base, base.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Greater(t, bucketMs, int64(0))
	require.Len(t, series, 1)
	assert.InDelta(t, 4, series[0].AvgSpreadBps, 1e-9)
	assert.InDelta(t, 0.5, series[0].LiqScore, 1e-9)
}

func rayAt(symbol, source string, at time.Time, apy, ray float64) domain.RAYRecord {
	return domain.RAYRecord{
		ObservedAt: at,
		Symbol:     symbol,
		SourceID:   source,
		BaseAPY:    apy,
		RAY:        ray,
		Confidence: 0.9,
		Factors:    domain.RiskFactors{PegScore: 0.95, LiquidityScore: 0.8},
	}
}

func TestRAYSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []domain.RAYRecord{
		rayAt("USDT", "bitfinex", base, 0.050, 0.042),
		rayAt("USDT", "aave-v3", base, 0.048, 0.045),
		rayAt("USDT", "bitfinex", base.Add(time.Minute), 0.052, 0.044),
	}
	appended, conflicted, err := s.AppendRAYRecords(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, appended)
	assert.Equal(t, 0, conflicted)

	// Filtered to one source.
	series, _, err := s.RAYSeries(ctx, "USDT", "bitfinex", base, base.Add(time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.InDelta(t, 0.042, series[0].RAY, 1e-12)
	assert.InDelta(t, 0.95, series[0].Factors.PegScore, 1e-12)

	// Unfiltered stays raw even past the cap, never averaging across sources.
	series, bucketMs, err := s.RAYSeries(ctx, "USDT", "", base, base.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Zero(t, bucketMs)
	assert.Len(t, series, 3)
}

func TestRAYAndAPYHistories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.AppendRAYRecords(ctx, []domain.RAYRecord{
		rayAt("USDT", "bitfinex", base, 0.050, 0.040),
		rayAt("USDT", "bitfinex", base.Add(time.Minute), 0.051, 0.041),
		rayAt("USDT", "bitfinex", base.Add(2*time.Minute), 0.052, 0.042),
	})
	require.NoError(t, err)

	rays, err := s.RAYHistory(ctx, "USDT", "bitfinex", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.041, 0.042}, rays, "trailing window, oldest first")

	apys, err := s.APYHistory(ctx, "USDT", "bitfinex", 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.050, 0.051, 0.052}, apys)

	none, err := s.RAYHistory(ctx, "DAI", "bitfinex", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTVLHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	sample := func(at time.Time, tvl *float64) domain.RawYieldSample {
		y := yieldAt("USDT", "aave-v3", at)
		y.SourceKind = domain.SourceKindDeFi
		y.TVLUSD = tvl
		return y
	}
	tvl := func(v float64) *float64 { return &v }

	_, _, err := s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		sample(today.Add(-38*time.Hour), tvl(1.0e9)),
		// Yesterday samples twice: only the close survives.
		sample(today.Add(-14*time.Hour), tvl(1.2e9)),
		sample(today.Add(-13*time.Hour), tvl(1.3e9)),
		// A sample that omits TVL never becomes a day point.
		sample(today.Add(1*time.Minute), nil),
	})
	require.NoError(t, err)
	_, _, err = s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		yieldAt("USDT", "bitfinex", today.Add(-14*time.Hour)),
	})
	require.NoError(t, err)

	tvls, err := s.TVLHistory(ctx, "USDT", "aave-v3", 7)
	require.NoError(t, err)
	require.Len(t, tvls, 2)
	assert.InDelta(t, 1.0e9, tvls[0], 1)
	assert.InDelta(t, 1.3e9, tvls[1], 1)

	none, err := s.TVLHistory(ctx, "USDT", "bitfinex", 7)
	require.NoError(t, err)
	assert.Empty(t, none, "a source that never reports TVL has no history")
}

func TestFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.FirstSeen(ctx, "USDT", "bitfinex")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		yieldAt("USDT", "bitfinex", base),
		yieldAt("USDT", "bitfinex", base.Add(time.Hour)),
	})
	require.NoError(t, err)

	first, ok, err := s.FirstSeen(ctx, "USDT", "bitfinex")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, first)
}

func TestDepegForDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	// USDT recovers intra-day: only the final window counts.
	require.NoError(t, s.AppendPegMetrics(ctx, domain.PegMetrics{
		WindowEnd: day.Add(10 * time.Hour), Symbol: "USDT", PegDevBps: -40,
	}))
	require.NoError(t, s.AppendPegMetrics(ctx, domain.PegMetrics{
		WindowEnd: day.Add(20 * time.Hour), Symbol: "USDT", PegDevBps: -12,
	}))
	require.NoError(t, s.AppendPegMetrics(ctx, domain.PegMetrics{
		WindowEnd: day.Add(18 * time.Hour), Symbol: "USDC", PegDevBps: 7,
	}))
	// The next day must not leak in.
	require.NoError(t, s.AppendPegMetrics(ctx, domain.PegMetrics{
		WindowEnd: day.Add(30 * time.Hour), Symbol: "USDC", PegDevBps: 200,
	}))

	maxAbs, aggAbs, err := s.DepegForDay(ctx, day.Add(15*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 12, maxAbs, 1e-9)
	assert.InDelta(t, 19, aggAbs, 1e-9)
}

func TestTBillRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.LatestTBillRate(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.AppendTBillRate(ctx, domain.TBillRate{
		ObservedAt: base, Series: "DGS3MO", Rate: 0.0525,
	}))
	require.NoError(t, s.AppendTBillRate(ctx, domain.TBillRate{
		ObservedAt: base.Add(24 * time.Hour), Series: "DGS3MO", Rate: 0.0530,
	}))

	// Re-ingesting an already published day conflicts.
	err = s.AppendTBillRate(ctx, domain.TBillRate{ObservedAt: base, Series: "DGS3MO", Rate: 0.0525})
	var conflict *domain.StoreConflictError
	require.ErrorAs(t, err, &conflict)

	latest, err := s.LatestTBillRate(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 0.0530, latest.Rate, 1e-12)
}

func TestRegimeSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	days := []time.Time{
		time.Date(2026, 8, 18, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
	}
	for i, d := range days {
		require.NoError(t, s.AppendRegimeSample(ctx, domain.RegimeSample{
			Date: d, IndexCode: domain.IndexSYI,
			SYIExcess: float64(i) * 0.001, State: domain.RegimeOn, DaysInState: i + 1,
		}))
	}

	// Re-evaluating an already recorded day conflicts.
	err := s.AppendRegimeSample(ctx, domain.RegimeSample{
		Date: days[2], IndexCode: domain.IndexSYI, State: domain.RegimeOn,
	})
	var conflict *domain.StoreConflictError
	require.ErrorAs(t, err, &conflict)

	latest, err := s.LatestRegimeSample(ctx, domain.IndexSYI)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, days[2], latest.Date)
	assert.Equal(t, 3, latest.DaysInState)

	history, err := s.RegimeHistory(ctx, domain.IndexSYI, days[0], days[2], 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, days[0], history[0].Date, "history is chronological")

	// A tight limit keeps the newest rows.
	history, err = s.RegimeHistory(ctx, domain.IndexSYI, days[0], days[2], 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, days[1], history[0].Date)
}

func TestRegimeStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.LoadRegimeState(ctx, domain.IndexSYI)
	require.NoError(t, err)
	assert.False(t, found)

	st := regime.EngineState{
		Excess:         []float64{0.001, 0.0012, -0.0003},
		State:          domain.RegimeOn,
		DaysInState:    12,
		ProposalTarget: domain.RegimeOff,
		ProposalDays:   1,
		Cooldown:       0,
		LastDate:       base,
	}
	require.NoError(t, s.SaveRegimeState(ctx, domain.IndexSYI, st))

	got, found, err := s.LoadRegimeState(ctx, domain.IndexSYI)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, st.Excess, got.Excess)
	assert.Equal(t, domain.RegimeOn, got.State)
	assert.Equal(t, 12, got.DaysInState)
	assert.Equal(t, domain.RegimeOff, got.ProposalTarget)
	assert.Equal(t, base, got.LastDate)
	assert.True(t, got.LastBreachAt.IsZero(), "unset breach stays zero")

	// Saving again replaces, never duplicates.
	st.State = domain.RegimeOff
	st.DaysInState = 1
	st.LastBreachAt = base.Add(24 * time.Hour)
	require.NoError(t, s.SaveRegimeState(ctx, domain.IndexSYI, st))

	got, found, err = s.LoadRegimeState(ctx, domain.IndexSYI)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.RegimeOff, got.State)
	assert.Equal(t, 1, got.DaysInState)
	assert.Equal(t, base.Add(24*time.Hour), got.LastBreachAt)
}

func TestRetentionSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -10)

	_, _, err := s.AppendPriceTicks(ctx, []domain.PriceTick{
		{ObservedAt: old, Symbol: "USDT", Venue: "bitfinex", PriceUSD: 1},
		{ObservedAt: now, Symbol: "USDT", Venue: "bitfinex", PriceUSD: 1},
	})
	require.NoError(t, err)
	_, _, err = s.AppendYieldSamples(ctx, []domain.RawYieldSample{
		yieldAt("USDT", "bitfinex", old),
		yieldAt("USDT", "bitfinex", now),
	})
	require.NoError(t, err)
	// Index values are permanent and must survive any sweep.
	require.NoError(t, s.AppendIndexValue(ctx, domain.IndexValue{
		ObservedAt: old, ID: "iv", CycleID: "c", Code: domain.IndexSYI,
		Value: 0.04, Mode: domain.ModeNormal,
	}))

	deleted, err := s.RetentionSweep(ctx, config.RetentionConfig{
		RawPricesDays: 5,
		LiquidityDays: 5,
		YieldDays:     5,
		TBillDays:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM price_ticks").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM yield_samples").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM index_values").Scan(&count))
	assert.Equal(t, 1, count)

	// Zero-day config keeps everything.
	deleted, err = s.RetentionSweep(ctx, config.RetentionConfig{})
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
