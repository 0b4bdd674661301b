// Package store persists the benchmark streams: raw samples, derived
// metrics, published index values and regime history. Every stream is
// append-only with strictly increasing observed_at per natural key; a
// violating write is dropped and reported, never silently overwritten.
package store

import (
	"context"
	"time"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/modules/regime"
)

// Store is the persistence contract shared by the SQLite and Timescale
// backends. Batch appends report how many rows were written and how many
// were dropped for violating per-key monotonicity; single-record appends
// surface the violation as a StoreConflictError instead.
type Store interface {
	AppendYieldSamples(ctx context.Context, samples []domain.RawYieldSample) (appended, conflicted int, err error)
	AppendPriceTicks(ctx context.Context, ticks []domain.PriceTick) (appended, conflicted int, err error)
	AppendRAYRecords(ctx context.Context, records []domain.RAYRecord) (appended, conflicted int, err error)
	AppendPegMetrics(ctx context.Context, m domain.PegMetrics) error
	AppendLiquidityMetrics(ctx context.Context, m domain.LiquidityMetrics) error
	AppendIndexValue(ctx context.Context, v domain.IndexValue) error
	AppendTBillRate(ctx context.Context, r domain.TBillRate) error
	AppendRegimeSample(ctx context.Context, s domain.RegimeSample) error

	LatestIndexValue(ctx context.Context, code domain.IndexCode) (*domain.IndexValue, error)
	ValueAsOf(ctx context.Context, code domain.IndexCode, at time.Time) (*domain.IndexValue, error)
	IndexRange(ctx context.Context, code domain.IndexCode, from, to time.Time, maxPoints int) ([]domain.IndexValue, int64, error)
	IndexStatistics(ctx context.Context, code domain.IndexCode, days int) (*Statistics, error)
	DailyCloses(ctx context.Context, code domain.IndexCode, days int) ([]float64, error)
	DailyBasketTVL(ctx context.Context, code domain.IndexCode, days int) ([]float64, error)

	PegSeries(ctx context.Context, symbol string, from, to time.Time, maxPoints int) ([]domain.PegMetrics, int64, error)
	LiquiditySeries(ctx context.Context, symbol string, from, to time.Time, maxPoints int) ([]domain.LiquidityMetrics, int64, error)
	RAYSeries(ctx context.Context, symbol, sourceID string, from, to time.Time, maxPoints int) ([]domain.RAYRecord, int64, error)
	RAYHistory(ctx context.Context, symbol, sourceID string, n int) ([]float64, error)
	APYHistory(ctx context.Context, symbol, sourceID string, n int) ([]float64, error)
	TVLHistory(ctx context.Context, symbol, sourceID string, days int) ([]float64, error)
	FirstSeen(ctx context.Context, symbol, sourceID string) (time.Time, bool, error)
	DepegForDay(ctx context.Context, day time.Time) (maxAbsBps, aggAbsBps float64, err error)

	LatestTBillRate(ctx context.Context) (*domain.TBillRate, error)

	LatestRegimeSample(ctx context.Context, code domain.IndexCode) (*domain.RegimeSample, error)
	RegimeHistory(ctx context.Context, code domain.IndexCode, from, to time.Time, limit int) ([]domain.RegimeSample, error)
	SaveRegimeState(ctx context.Context, code domain.IndexCode, st regime.EngineState) error
	LoadRegimeState(ctx context.Context, code domain.IndexCode) (regime.EngineState, bool, error)

	RetentionSweep(ctx context.Context, cfg config.RetentionConfig) (deleted int64, err error)
}

// Statistics summarizes one index over a trailing window.
type Statistics struct {
	Code   domain.IndexCode `json:"code"`
	Days   int              `json:"days"`
	Count  int              `json:"count"`
	Min    float64          `json:"min"`
	Max    float64          `json:"max"`
	Mean   float64          `json:"mean"`
	StdDev float64          `json:"std_dev"`
	Range  float64          `json:"range"`
	From   time.Time        `json:"from"`
	To     time.Time        `json:"to"`
}

const dayMs = int64(24 * time.Hour / time.Millisecond)

func ms(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// BucketWidth picks the downsampling bucket for a closed interval so the
// result fits maxPoints. Zero means no downsampling is needed. Both backends
// use it so a series downsamples identically regardless of engine.
func BucketWidth(from, to time.Time, count, maxPoints int) int64 {
	if maxPoints <= 0 || count <= maxPoints {
		return 0
	}
	span := ms(to) - ms(from) + 1
	width := span / int64(maxPoints)
	if span%int64(maxPoints) != 0 {
		width++
	}
	if width < 1 {
		width = 1
	}
	return width
}
