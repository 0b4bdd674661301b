package timescale

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/store"
)

// interval renders a millisecond width as a Postgres interval literal for
// time_bucket.
func interval(widthMs int64) string {
	return fmt.Sprintf("%d milliseconds", widthMs)
}

// LatestIndexValue returns the newest published snapshot for a code with its
// constituents, or nil when the code has never published.
func (s *Store) LatestIndexValue(ctx context.Context, code domain.IndexCode) (*domain.IndexValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.valueWhere(ctx, code, `
		SELECT id, cycle_id, code, value, mode, confidence, constituent_count, hhi, staleness_flags, observed_at
		FROM index_values WHERE code = $1 ORDER BY observed_at DESC LIMIT 1`, string(code))
}

// ValueAsOf returns the newest snapshot observed at or before the given
// instant, or nil when none exists.
func (s *Store) ValueAsOf(ctx context.Context, code domain.IndexCode, at time.Time) (*domain.IndexValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.valueWhere(ctx, code, `
		SELECT id, cycle_id, code, value, mode, confidence, constituent_count, hhi, staleness_flags, observed_at
		FROM index_values WHERE code = $1 AND observed_at <= $2 ORDER BY observed_at DESC LIMIT 1`,
		string(code), at.UTC())
}

func (s *Store) valueWhere(ctx context.Context, code domain.IndexCode, query string, args ...any) (*domain.IndexValue, error) {
	var (
		v     domain.IndexValue
		codeS string
		mode  string
		flags pq.StringArray
		ts    time.Time
	)
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&v.ID, &v.CycleID, &codeS, &v.Value, &mode, &v.Confidence, &v.ConstituentCount, &v.HHI, &flags, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Code = domain.IndexCode(codeS)
	v.Mode = domain.IndexMode(mode)
	v.StalenessFlags = flags
	v.ObservedAt = ts.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, source_id, weight, ray, tvl_usd, confidence
		FROM index_constituents WHERE code = $1 AND observed_at = $2
		ORDER BY weight DESC, symbol, source_id`, codeS, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Constituent
		if err := rows.Scan(&c.Symbol, &c.SourceID, &c.Weight, &c.RAY, &c.TVLUSD, &c.Confidence); err != nil {
			return nil, err
		}
		v.Constituents = append(v.Constituents, c)
	}
	return &v, rows.Err()
}

// IndexRange returns snapshots in [from, to] ascending. Past maxPoints the
// series collapses into time_bucket aggregates: numeric fields average,
// categorical fields keep the bucket's last value.
func (s *Store) IndexRange(ctx context.Context, code domain.IndexCode, from, to time.Time, maxPoints int) ([]domain.IndexValue, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	from, to = from.UTC(), to.UTC()

	count, err := s.countRows(ctx,
		`SELECT COUNT(*) FROM index_values WHERE code = $1 AND observed_at >= $2 AND observed_at <= $3`,
		string(code), from, to)
	if err != nil {
		return nil, 0, err
	}
	width := store.BucketWidth(from, to, count, maxPoints)

	var rows *sql.Rows
	if width == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, cycle_id, value, mode, confidence, constituent_count, hhi, staleness_flags, observed_at
			FROM index_values WHERE code = $1 AND observed_at >= $2 AND observed_at <= $3
			ORDER BY observed_at ASC`, string(code), from, to)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT last(id, observed_at), last(cycle_id, observed_at), AVG(value),
				last(mode, observed_at), AVG(confidence), last(constituent_count, observed_at),
				AVG(hhi), last(staleness_flags, observed_at),
				time_bucket($1::interval, observed_at, $2::timestamptz) AS bucket
			FROM index_values WHERE code = $3 AND observed_at >= $2 AND observed_at <= $4
			GROUP BY bucket ORDER BY bucket ASC`,
			interval(width), from, string(code), to)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var values []domain.IndexValue
	for rows.Next() {
		var (
			v     domain.IndexValue
			mode  string
			flags pq.StringArray
			ts    time.Time
		)
		if err := rows.Scan(&v.ID, &v.CycleID, &v.Value, &mode, &v.Confidence, &v.ConstituentCount, &v.HHI, &flags, &ts); err != nil {
			return nil, 0, err
		}
		v.Code = code
		v.Mode = domain.IndexMode(mode)
		v.StalenessFlags = flags
		v.ObservedAt = ts.UTC()
		values = append(values, v)
	}
	return values, width, rows.Err()
}

// IndexStatistics summarizes the trailing window of one code, or nil when
// the window holds no values.
func (s *Store) IndexStatistics(ctx context.Context, code domain.IndexCode, days int) (*store.Statistics, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	var (
		stats    store.Statistics
		stddev   sql.NullFloat64
		firstObs sql.NullTime
		lastObs  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(value), 0), COALESCE(MAX(value), 0), COALESCE(AVG(value), 0),
			STDDEV_SAMP(value), MIN(observed_at), MAX(observed_at)
		FROM index_values WHERE code = $1 AND observed_at >= $2 AND observed_at <= $3`,
		string(code), from, to).
		Scan(&stats.Count, &stats.Min, &stats.Max, &stats.Mean, &stddev, &firstObs, &lastObs)
	if err != nil {
		return nil, err
	}
	if stats.Count == 0 {
		return nil, nil
	}
	stats.Code = code
	stats.Days = days
	stats.StdDev = stddev.Float64
	stats.Range = stats.Max - stats.Min
	stats.From = firstObs.Time.UTC()
	stats.To = lastObs.Time.UTC()
	return &stats, nil
}

// DailyCloses returns the last published value of each UTC day over the
// trailing window, oldest first.
func (s *Store) DailyCloses(ctx context.Context, code domain.IndexCode, days int) ([]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT last(value, observed_at)
		FROM index_values WHERE code = $1 AND observed_at >= $2
		GROUP BY time_bucket('1 day', observed_at)
		ORDER BY time_bucket('1 day', observed_at) ASC`, string(code), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFloats(rows)
}

// DailyBasketTVL returns the basket's total constituent TVL at each UTC
// day's last snapshot, oldest first.
func (s *Store) DailyBasketTVL(ctx context.Context, code domain.IndexCode, days int) ([]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT SUM(c.tvl_usd)
		FROM index_constituents c
		JOIN (
			SELECT time_bucket('1 day', observed_at) AS day, MAX(observed_at) AS last_at
			FROM index_values WHERE code = $1 AND observed_at >= $2
			GROUP BY day
		) d ON c.code = $1 AND c.observed_at = d.last_at
		GROUP BY d.day ORDER BY d.day ASC`, string(code), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFloats(rows)
}

// PegSeries returns peg windows in [from, to] ascending, bucket-averaged
// past maxPoints.
func (s *Store) PegSeries(ctx context.Context, symbol string, from, to time.Time, maxPoints int) ([]domain.PegMetrics, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	from, to = from.UTC(), to.UTC()

	count, err := s.countRows(ctx,
		`SELECT COUNT(*) FROM peg_metrics WHERE symbol = $1 AND window_end >= $2 AND window_end <= $3`,
		symbol, from, to)
	if err != nil {
		return nil, 0, err
	}
	width := store.BucketWidth(from, to, count, maxPoints)

	var rows *sql.Rows
	if width == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT vw_price, peg_dev_bps, vol_5m_bps, vol_1h_bps, peg_score, window_end
			FROM peg_metrics WHERE symbol = $1 AND window_end >= $2 AND window_end <= $3
			ORDER BY window_end ASC`, symbol, from, to)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT AVG(vw_price), AVG(peg_dev_bps), AVG(vol_5m_bps), AVG(vol_1h_bps), AVG(peg_score),
				time_bucket($1::interval, window_end, $2::timestamptz) AS bucket
			FROM peg_metrics WHERE symbol = $3 AND window_end >= $2 AND window_end <= $4
			GROUP BY bucket ORDER BY bucket ASC`,
			interval(width), from, symbol, to)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var series []domain.PegMetrics
	for rows.Next() {
		m := domain.PegMetrics{Symbol: symbol}
		var ts time.Time
		if err := rows.Scan(&m.VWPrice, &m.PegDevBps, &m.Vol5mBps, &m.Vol1hBps, &m.PegScore, &ts); err != nil {
			return nil, 0, err
		}
		m.WindowEnd = ts.UTC()
		series = append(series, m)
	}
	return series, width, rows.Err()
}

// LiquiditySeries returns liquidity windows in [from, to] ascending. The
// spread average skips undefined (-1) windows and stays -1 when a whole
// bucket is undefined.
func (s *Store) LiquiditySeries(ctx context.Context, symbol string, from, to time.Time, maxPoints int) ([]domain.LiquidityMetrics, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	from, to = from.UTC(), to.UTC()

	count, err := s.countRows(ctx,
		`SELECT COUNT(*) FROM liquidity_metrics WHERE symbol = $1 AND window_end >= $2 AND window_end <= $3`,
		symbol, from, to)
	if err != nil {
		return nil, 0, err
	}
	width := store.BucketWidth(from, to, count, maxPoints)

	var rows *sql.Rows
	if width == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT depth_10bps_usd, depth_20bps_usd, depth_50bps_usd, avg_spread_bps, venues_covered, liq_score, window_end
			FROM liquidity_metrics WHERE symbol = $1 AND window_end >= $2 AND window_end <= $3
			ORDER BY window_end ASC`, symbol, from, to)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT AVG(depth_10bps_usd), AVG(depth_20bps_usd), AVG(depth_50bps_usd),
				COALESCE(AVG(avg_spread_bps) FILTER (WHERE avg_spread_bps >= 0), -1),
				last(venues_covered, window_end), AVG(liq_score),
				time_bucket($1::interval, window_end, $2::timestamptz) AS bucket
			FROM liquidity_metrics WHERE symbol = $3 AND window_end >= $2 AND window_end <= $4
			GROUP BY bucket ORDER BY bucket ASC`,
			interval(width), from, symbol, to)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var series []domain.LiquidityMetrics
	for rows.Next() {
		m := domain.LiquidityMetrics{Symbol: symbol}
		var ts time.Time
		if err := rows.Scan(&m.Depth10BpsUSD, &m.Depth20BpsUSD, &m.Depth50BpsUSD,
			&m.AvgSpreadBps, &m.VenuesCovered, &m.LiqScore, &ts); err != nil {
			return nil, 0, err
		}
		m.WindowEnd = ts.UTC()
		series = append(series, m)
	}
	return series, width, rows.Err()
}

// RAYSeries returns RAY records in [from, to] ascending for one symbol,
// optionally filtered to one source. Only single-source series are
// bucketed: averaging across sources would fabricate records.
func (s *Store) RAYSeries(ctx context.Context, symbol, sourceID string, from, to time.Time, maxPoints int) ([]domain.RAYRecord, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	from, to = from.UTC(), to.UTC()

	width := int64(0)
	if sourceID != "" {
		count, err := s.countRows(ctx,
			`SELECT COUNT(*) FROM ray_records WHERE symbol = $1 AND source_id = $2 AND observed_at >= $3 AND observed_at <= $4`,
			symbol, sourceID, from, to)
		if err != nil {
			return nil, 0, err
		}
		width = store.BucketWidth(from, to, count, maxPoints)
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case width > 0:
		rows, err = s.db.QueryContext(ctx, `
			SELECT AVG(base_apy), AVG(ray), AVG(risk_penalty), AVG(confidence),
				AVG(peg_score), AVG(liquidity_score), AVG(counterparty_score),
				AVG(protocol_reputation), AVG(temporal_stability),
				last(staleness_flags, observed_at),
				time_bucket($1::interval, observed_at, $2::timestamptz) AS bucket
			FROM ray_records WHERE symbol = $3 AND source_id = $4 AND observed_at >= $2 AND observed_at <= $5
			GROUP BY bucket ORDER BY bucket ASC`,
			interval(width), from, symbol, sourceID, to)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()

		var series []domain.RAYRecord
		for rows.Next() {
			rec := domain.RAYRecord{Symbol: symbol, SourceID: sourceID}
			var flags pq.StringArray
			var ts time.Time
			if err := rows.Scan(&rec.BaseAPY, &rec.RAY, &rec.RiskPenalty, &rec.Confidence,
				&rec.Factors.PegScore, &rec.Factors.LiquidityScore, &rec.Factors.CounterpartyScore,
				&rec.Factors.ProtocolReputation, &rec.Factors.TemporalStability, &flags, &ts); err != nil {
				return nil, 0, err
			}
			rec.StalenessFlags = flags
			rec.ObservedAt = ts.UTC()
			series = append(series, rec)
		}
		return series, width, rows.Err()

	case sourceID != "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT source_id, base_apy, ray, risk_penalty, confidence, peg_score, liquidity_score,
				counterparty_score, protocol_reputation, temporal_stability, staleness_flags, observed_at
			FROM ray_records WHERE symbol = $1 AND source_id = $2 AND observed_at >= $3 AND observed_at <= $4
			ORDER BY observed_at ASC`, symbol, sourceID, from, to)

	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT source_id, base_apy, ray, risk_penalty, confidence, peg_score, liquidity_score,
				counterparty_score, protocol_reputation, temporal_stability, staleness_flags, observed_at
			FROM ray_records WHERE symbol = $1 AND observed_at >= $2 AND observed_at <= $3
			ORDER BY observed_at ASC, source_id ASC`, symbol, from, to)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var series []domain.RAYRecord
	for rows.Next() {
		rec := domain.RAYRecord{Symbol: symbol}
		var flags pq.StringArray
		var ts time.Time
		if err := rows.Scan(&rec.SourceID, &rec.BaseAPY, &rec.RAY, &rec.RiskPenalty, &rec.Confidence,
			&rec.Factors.PegScore, &rec.Factors.LiquidityScore, &rec.Factors.CounterpartyScore,
			&rec.Factors.ProtocolReputation, &rec.Factors.TemporalStability, &flags, &ts); err != nil {
			return nil, 0, err
		}
		rec.StalenessFlags = flags
		rec.ObservedAt = ts.UTC()
		series = append(series, rec)
	}
	return series, 0, rows.Err()
}

// RAYHistory returns the trailing n RAY values for one (symbol, source),
// oldest first.
func (s *Store) RAYHistory(ctx context.Context, symbol, sourceID string, n int) ([]float64, error) {
	return s.trailing(ctx, "ray", symbol, sourceID, n)
}

// APYHistory returns the trailing n sanitized APYs for one (symbol, source),
// oldest first.
func (s *Store) APYHistory(ctx context.Context, symbol, sourceID string, n int) ([]float64, error) {
	return s.trailing(ctx, "base_apy", symbol, sourceID, n)
}

// TVLHistory returns one (symbol, source)'s reported TVL at each UTC day's
// last sample over the trailing window, oldest first.
func (s *Store) TVLHistory(ctx context.Context, symbol, sourceID string, days int) ([]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT last(tvl_usd, observed_at)
		FROM yield_samples
		WHERE symbol = $1 AND source_id = $2 AND observed_at >= $3 AND tvl_usd IS NOT NULL
		GROUP BY time_bucket('1 day', observed_at)
		ORDER BY time_bucket('1 day', observed_at) ASC`, symbol, sourceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFloats(rows)
}

func (s *Store) trailing(ctx context.Context, column, symbol, sourceID string, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s, observed_at FROM ray_records
			WHERE symbol = $1 AND source_id = $2
			ORDER BY observed_at DESC LIMIT $3
		) t ORDER BY observed_at ASC`, column, column), symbol, sourceID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFloats(rows)
}

// FirstSeen returns when a (symbol, source) first produced a yield sample.
func (s *Store) FirstSeen(ctx context.Context, symbol, sourceID string) (time.Time, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var first sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(observed_at) FROM yield_samples WHERE symbol = $1 AND source_id = $2`,
		symbol, sourceID).Scan(&first)
	if err != nil {
		return time.Time{}, false, err
	}
	if !first.Valid {
		return time.Time{}, false, nil
	}
	return first.Time.UTC(), true, nil
}

// DepegForDay reports the worst single-symbol deviation and the sum of
// per-symbol deviations at each symbol's last peg window of the UTC day.
func (s *Store) DepegForDay(ctx context.Context, day time.Time) (float64, float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	dayStart := day.UTC().Truncate(24 * time.Hour)
	var maxAbs, aggAbs float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ABS(dev)), 0), COALESCE(SUM(ABS(dev)), 0) FROM (
			SELECT DISTINCT ON (symbol) peg_dev_bps AS dev
			FROM peg_metrics WHERE window_end >= $1 AND window_end < $2
			ORDER BY symbol, window_end DESC
		) t`, dayStart, dayStart.Add(24*time.Hour)).Scan(&maxAbs, &aggAbs)
	if err != nil {
		return 0, 0, err
	}
	return maxAbs, aggAbs, nil
}

// LatestTBillRate returns the newest stored observation across series, or
// nil when none exists.
func (s *Store) LatestTBillRate(ctx context.Context) (*domain.TBillRate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r domain.TBillRate
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT series, rate, observed_at FROM tbill_rates ORDER BY observed_at DESC LIMIT 1`).
		Scan(&r.Series, &r.Rate, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ObservedAt = ts.UTC()
	return &r, nil
}

// LatestRegimeSample returns the newest daily evaluation for a code, or nil.
func (s *Store) LatestRegimeSample(ctx context.Context, code domain.IndexCode) (*domain.RegimeSample, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	samples, err := s.regimeWhere(ctx, `
		SELECT index_code, date, syi_excess, ema_short, ema_long, spread, volatility_30d, z_score,
			slope7, breadth_pct, state, days_in_state, alert_level, alert_message, max_depeg_bps, agg_depeg_bps
		FROM regime_samples WHERE index_code = $1 ORDER BY date DESC LIMIT 1`, string(code))
	if err != nil || len(samples) == 0 {
		return nil, err
	}
	return &samples[0], nil
}

// RegimeHistory returns daily evaluations in [from, to] ascending, at most
// limit rows (the newest are kept when truncating).
func (s *Store) RegimeHistory(ctx context.Context, code domain.IndexCode, from, to time.Time, limit int) ([]domain.RegimeSample, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 365
	}
	samples, err := s.regimeWhere(ctx, `
		SELECT index_code, date, syi_excess, ema_short, ema_long, spread, volatility_30d, z_score,
			slope7, breadth_pct, state, days_in_state, alert_level, alert_message, max_depeg_bps, agg_depeg_bps
		FROM regime_samples WHERE index_code = $1 AND date >= $2 AND date <= $3
		ORDER BY date DESC LIMIT $4`,
		string(code), from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"), limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func (s *Store) regimeWhere(ctx context.Context, query string, args ...any) ([]domain.RegimeSample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.RegimeSample
	for rows.Next() {
		var (
			sample domain.RegimeSample
			code   string
			date   time.Time
			state  string
			level  string
		)
		if err := rows.Scan(&code, &date, &sample.SYIExcess, &sample.EMAShort, &sample.EMALong,
			&sample.Spread, &sample.Volatility30, &sample.ZScore, &sample.Slope7, &sample.BreadthPct,
			&state, &sample.DaysInState, &level, &sample.AlertMessage,
			&sample.MaxDepegBps, &sample.AggDepegBps); err != nil {
			return nil, err
		}
		sample.IndexCode = domain.IndexCode(code)
		sample.Date = date.UTC()
		sample.State = domain.RegimeState(state)
		sample.AlertLevel = domain.AlertLevel(level)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *Store) countRows(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func scanFloats(rows *sql.Rows) ([]float64, error) {
	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
