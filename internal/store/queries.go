package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/stableyield/indexd/internal/domain"
)

// LatestIndexValue returns the newest published snapshot for a code with its
// constituents, or nil when the code has never published.
func (s *SQLite) LatestIndexValue(ctx context.Context, code domain.IndexCode) (*domain.IndexValue, error) {
	return s.valueWhere(ctx, code,
		`SELECT id, cycle_id, code, value, mode, confidence, constituent_count, hhi, staleness_flags, observed_at
		 FROM index_values WHERE code = ? ORDER BY observed_at DESC LIMIT 1`, string(code))
}

// ValueAsOf returns the newest snapshot observed at or before the given
// instant, or nil when none exists.
func (s *SQLite) ValueAsOf(ctx context.Context, code domain.IndexCode, at time.Time) (*domain.IndexValue, error) {
	return s.valueWhere(ctx, code,
		`SELECT id, cycle_id, code, value, mode, confidence, constituent_count, hhi, staleness_flags, observed_at
		 FROM index_values WHERE code = ? AND observed_at <= ? ORDER BY observed_at DESC LIMIT 1`,
		string(code), ms(at))
}

func (s *SQLite) valueWhere(ctx context.Context, code domain.IndexCode, query string, args ...any) (*domain.IndexValue, error) {
	var (
		v     domain.IndexValue
		codeS string
		mode  string
		flags string
		ts    int64
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
	v.StalenessFlags = unmarshalFlags(flags)
	v.ObservedAt = fromMs(ts)

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, source_id, weight, ray, tvl_usd, confidence
		FROM index_constituents WHERE code = ? AND observed_at = ?
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

// IndexRange returns snapshots in the closed interval [from, to] ascending.
// When the raw series exceeds maxPoints it is downsampled into fixed-width
// buckets: numeric fields are bucket means, categorical fields keep the last
// value. The second return is the bucket width in milliseconds, 0 for raw.
func (s *SQLite) IndexRange(ctx context.Context, code domain.IndexCode, from, to time.Time, maxPoints int) ([]domain.IndexValue, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, value, mode, confidence, constituent_count, hhi, staleness_flags, observed_at
		FROM index_values WHERE code = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC`, string(code), ms(from), ms(to))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var values []domain.IndexValue
	for rows.Next() {
		var (
			v     domain.IndexValue
			mode  string
			flags string
			ts    int64
		)
		if err := rows.Scan(&v.ID, &v.CycleID, &v.Value, &mode, &v.Confidence, &v.ConstituentCount, &v.HHI, &flags, &ts); err != nil {
			return nil, 0, err
		}
		v.Code = code
		v.Mode = domain.IndexMode(mode)
		v.StalenessFlags = unmarshalFlags(flags)
		v.ObservedAt = fromMs(ts)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	width := BucketWidth(from, to, len(values), maxPoints)
	if width == 0 {
		return values, 0, nil
	}
	return downsampleIndex(values, ms(from), width), width, nil
}

func downsampleIndex(values []domain.IndexValue, start, width int64) []domain.IndexValue {
	var out []domain.IndexValue
	i := 0
	for i < len(values) {
		bucket := (ms(values[i].ObservedAt) - start) / width
		j := i
		var sumValue, sumConf, sumHHI float64
		for j < len(values) && (ms(values[j].ObservedAt)-start)/width == bucket {
			sumValue += values[j].Value
			sumConf += values[j].Confidence
			sumHHI += values[j].HHI
			j++
		}
		n := float64(j - i)
		last := values[j-1]
		out = append(out, domain.IndexValue{
			ObservedAt:       fromMs(start + bucket*width),
			ID:               last.ID,
			CycleID:          last.CycleID,
			Code:             last.Code,
			Value:            sumValue / n,
			Mode:             last.Mode,
			Confidence:       sumConf / n,
			ConstituentCount: last.ConstituentCount,
			HHI:              sumHHI / n,
			StalenessFlags:   last.StalenessFlags,
		})
		i = j
	}
	return out
}

// IndexStatistics summarizes the trailing window of one code, or nil when
// the window holds no values.
func (s *SQLite) IndexStatistics(ctx context.Context, code domain.IndexCode, days int) (*Statistics, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx, `
		SELECT value, observed_at FROM index_values
		WHERE code = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC`, string(code), ms(from), ms(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		values  []float64
		firstTs int64
		lastTs  int64
	)
	for rows.Next() {
		var v float64
		var ts int64
		if err := rows.Scan(&v, &ts); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			firstTs = ts
		}
		lastTs = ts
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	stats := &Statistics{
		Code:  code,
		Days:  days,
		Count: len(values),
		Min:   minV,
		Max:   maxV,
		Mean:  stat.Mean(values, nil),
		Range: maxV - minV,
		From:  fromMs(firstTs),
		To:    fromMs(lastTs),
	}
	if len(values) > 1 {
		stats.StdDev = stat.StdDev(values, nil)
	}
	return stats, nil
}

// DailyCloses returns the last published value of each UTC day over the
// trailing window, oldest first. Days without values are skipped.
func (s *SQLite) DailyCloses(ctx context.Context, code domain.IndexCode, days int) ([]float64, error) {
	since := ms(time.Now().UTC().AddDate(0, 0, -days))
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM (
			SELECT value, observed_at,
				MAX(observed_at) OVER (PARTITION BY observed_at / ?) AS day_last
			FROM index_values WHERE code = ? AND observed_at >= ?
		) WHERE observed_at = day_last ORDER BY observed_at ASC`,
		dayMs, string(code), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		closes = append(closes, v)
	}
	return closes, rows.Err()
}

// DailyBasketTVL returns the basket's total constituent TVL at each UTC
// day's last snapshot, oldest first.
func (s *SQLite) DailyBasketTVL(ctx context.Context, code domain.IndexCode, days int) ([]float64, error) {
	since := ms(time.Now().UTC().AddDate(0, 0, -days))
	rows, err := s.db.QueryContext(ctx, `
		SELECT SUM(tvl_usd) FROM (
			SELECT tvl_usd, observed_at,
				MAX(observed_at) OVER (PARTITION BY observed_at / ?) AS day_last
			FROM index_constituents WHERE code = ? AND observed_at >= ?
		) WHERE observed_at = day_last
		GROUP BY observed_at / ? ORDER BY observed_at / ? ASC`,
		dayMs, string(code), since, dayMs, dayMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tvls []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		tvls = append(tvls, v)
	}
	return tvls, rows.Err()
}

// PegSeries returns peg windows in [from, to] ascending, downsampled to
// maxPoints with bucket means on every numeric field.
func (s *SQLite) PegSeries(ctx context.Context, symbol string, from, to time.Time, maxPoints int) ([]domain.PegMetrics, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vw_price, peg_dev_bps, vol_5m_bps, vol_1h_bps, peg_score, window_end
		FROM peg_metrics WHERE symbol = ? AND window_end >= ? AND window_end <= ?
		ORDER BY window_end ASC`, symbol, ms(from), ms(to))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var series []domain.PegMetrics
	for rows.Next() {
		m := domain.PegMetrics{Symbol: symbol}
		var ts int64
		if err := rows.Scan(&m.VWPrice, &m.PegDevBps, &m.Vol5mBps, &m.Vol1hBps, &m.PegScore, &ts); err != nil {
			return nil, 0, err
		}
		m.WindowEnd = fromMs(ts)
		series = append(series, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	width := BucketWidth(from, to, len(series), maxPoints)
	if width == 0 {
		return series, 0, nil
	}

	start := ms(from)
	var out []domain.PegMetrics
	i := 0
	for i < len(series) {
		bucket := (ms(series[i].WindowEnd) - start) / width
		j := i
		var agg domain.PegMetrics
		for j < len(series) && (ms(series[j].WindowEnd)-start)/width == bucket {
			agg.VWPrice += series[j].VWPrice
			agg.PegDevBps += series[j].PegDevBps
			agg.Vol5mBps += series[j].Vol5mBps
			agg.Vol1hBps += series[j].Vol1hBps
			agg.PegScore += series[j].PegScore
			j++
		}
		n := float64(j - i)
		out = append(out, domain.PegMetrics{
			WindowEnd: fromMs(start + bucket*width),
			Symbol:    symbol,
			VWPrice:   agg.VWPrice / n,
			PegDevBps: agg.PegDevBps / n,
			Vol5mBps:  agg.Vol5mBps / n,
			Vol1hBps:  agg.Vol1hBps / n,
			PegScore:  agg.PegScore / n,
		})
		i = j
	}
	return out, width, nil
}

// LiquiditySeries returns liquidity windows in [from, to] ascending,
// downsampled like PegSeries. The spread mean skips undefined (-1) windows
// and stays -1 when a whole bucket is undefined.
func (s *SQLite) LiquiditySeries(ctx context.Context, symbol string, from, to time.Time, maxPoints int) ([]domain.LiquidityMetrics, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depth_10bps_usd, depth_20bps_usd, depth_50bps_usd, avg_spread_bps, venues_covered, liq_score, window_end
		FROM liquidity_metrics WHERE symbol = ? AND window_end >= ? AND window_end <= ?
		ORDER BY window_end ASC`, symbol, ms(from), ms(to))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var series []domain.LiquidityMetrics
	for rows.Next() {
		m := domain.LiquidityMetrics{Symbol: symbol}
		var ts int64
		if err := rows.Scan(&m.Depth10BpsUSD, &m.Depth20BpsUSD, &m.Depth50BpsUSD, &m.AvgSpreadBps, &m.VenuesCovered, &m.LiqScore, &ts); err != nil {
			return nil, 0, err
		}
		m.WindowEnd = fromMs(ts)
		series = append(series, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	width := BucketWidth(from, to, len(series), maxPoints)
	if width == 0 {
		return series, 0, nil
	}

	start := ms(from)
	var out []domain.LiquidityMetrics
	i := 0
	for i < len(series) {
		bucket := (ms(series[i].WindowEnd) - start) / width
		j := i
		var agg domain.LiquidityMetrics
		var spreadSum float64
		spreadN := 0
		for j < len(series) && (ms(series[j].WindowEnd)-start)/width == bucket {
			agg.Depth10BpsUSD += series[j].Depth10BpsUSD
			agg.Depth20BpsUSD += series[j].Depth20BpsUSD
			agg.Depth50BpsUSD += series[j].Depth50BpsUSD
			agg.LiqScore += series[j].LiqScore
			if series[j].AvgSpreadBps >= 0 {
				spreadSum += series[j].AvgSpreadBps
				spreadN++
			}
			j++
		}
		n := float64(j - i)
		last := series[j-1]
		spread := float64(-1)
		if spreadN > 0 {
			spread = spreadSum / float64(spreadN)
		}
		out = append(out, domain.LiquidityMetrics{
			WindowEnd:     fromMs(start + bucket*width),
			Symbol:        symbol,
			Depth10BpsUSD: agg.Depth10BpsUSD / n,
			Depth20BpsUSD: agg.Depth20BpsUSD / n,
			Depth50BpsUSD: agg.Depth50BpsUSD / n,
			AvgSpreadBps:  spread,
			VenuesCovered: last.VenuesCovered,
			LiqScore:      agg.LiqScore / n,
		})
		i = j
	}
	return out, width, nil
}

// RAYSeries returns RAY records in [from, to] ascending for one symbol,
// optionally filtered to one source, downsampled with bucket means on the
// numeric fields and last-wins on flags.
func (s *SQLite) RAYSeries(ctx context.Context, symbol, sourceID string, from, to time.Time, maxPoints int) ([]domain.RAYRecord, int64, error) {
	query := `
		SELECT source_id, base_apy, ray, risk_penalty, confidence, peg_score, liquidity_score,
			counterparty_score, protocol_reputation, temporal_stability, staleness_flags, observed_at
		FROM ray_records WHERE symbol = ? AND observed_at >= ? AND observed_at <= ?`
	args := []any{symbol, ms(from), ms(to)}
	if sourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY observed_at ASC, source_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var series []domain.RAYRecord
	for rows.Next() {
		rec := domain.RAYRecord{Symbol: symbol}
		var flags string
		var ts int64
		if err := rows.Scan(&rec.SourceID, &rec.BaseAPY, &rec.RAY, &rec.RiskPenalty, &rec.Confidence,
			&rec.Factors.PegScore, &rec.Factors.LiquidityScore, &rec.Factors.CounterpartyScore,
			&rec.Factors.ProtocolReputation, &rec.Factors.TemporalStability, &flags, &ts); err != nil {
			return nil, 0, err
		}
		rec.StalenessFlags = unmarshalFlags(flags)
		rec.ObservedAt = fromMs(ts)
		series = append(series, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Mixed-source series are served raw: averaging across sources would
	// fabricate a record no venue reported.
	if sourceID == "" {
		return series, 0, nil
	}

	width := BucketWidth(from, to, len(series), maxPoints)
	if width == 0 {
		return series, 0, nil
	}

	start := ms(from)
	var out []domain.RAYRecord
	i := 0
	for i < len(series) {
		bucket := (ms(series[i].ObservedAt) - start) / width
		j := i
		var agg domain.RAYRecord
		for j < len(series) && (ms(series[j].ObservedAt)-start)/width == bucket {
			agg.BaseAPY += series[j].BaseAPY
			agg.RAY += series[j].RAY
			agg.RiskPenalty += series[j].RiskPenalty
			agg.Confidence += series[j].Confidence
			agg.Factors.PegScore += series[j].Factors.PegScore
			agg.Factors.LiquidityScore += series[j].Factors.LiquidityScore
			agg.Factors.CounterpartyScore += series[j].Factors.CounterpartyScore
			agg.Factors.ProtocolReputation += series[j].Factors.ProtocolReputation
			agg.Factors.TemporalStability += series[j].Factors.TemporalStability
			j++
		}
		n := float64(j - i)
		last := series[j-1]
		out = append(out, domain.RAYRecord{
			ObservedAt:  fromMs(start + bucket*width),
			Symbol:      symbol,
			SourceID:    sourceID,
			BaseAPY:     agg.BaseAPY / n,
			RAY:         agg.RAY / n,
			RiskPenalty: agg.RiskPenalty / n,
			Confidence:  agg.Confidence / n,
			Factors: domain.RiskFactors{
				PegScore:           agg.Factors.PegScore / n,
				LiquidityScore:     agg.Factors.LiquidityScore / n,
				CounterpartyScore:  agg.Factors.CounterpartyScore / n,
				ProtocolReputation: agg.Factors.ProtocolReputation / n,
				TemporalStability:  agg.Factors.TemporalStability / n,
			},
			StalenessFlags: last.StalenessFlags,
		})
		i = j
	}
	return out, width, nil
}

// RAYHistory returns the trailing n RAY values for one (symbol, source),
// oldest first.
func (s *SQLite) RAYHistory(ctx context.Context, symbol, sourceID string, n int) ([]float64, error) {
	return s.trailing(ctx,
		`SELECT ray FROM ray_records WHERE symbol = ? AND source_id = ? ORDER BY observed_at DESC LIMIT ?`,
		symbol, sourceID, n)
}

// APYHistory returns the trailing n sanitized APYs for one (symbol, source),
// oldest first. It feeds the temporal stability factor.
func (s *SQLite) APYHistory(ctx context.Context, symbol, sourceID string, n int) ([]float64, error) {
	return s.trailing(ctx,
		`SELECT base_apy FROM ray_records WHERE symbol = ? AND source_id = ? ORDER BY observed_at DESC LIMIT ?`,
		symbol, sourceID, n)
}

// TVLHistory returns one (symbol, source)'s reported TVL at each UTC day's
// last sample over the trailing window, oldest first. It feeds the liquidity
// screen's TVL volatility caps.
func (s *SQLite) TVLHistory(ctx context.Context, symbol, sourceID string, days int) ([]float64, error) {
	since := ms(time.Now().UTC().AddDate(0, 0, -days))
	rows, err := s.db.QueryContext(ctx, `
		SELECT tvl_usd FROM (
			SELECT tvl_usd, observed_at,
				MAX(observed_at) OVER (PARTITION BY observed_at / ?) AS day_last
			FROM yield_samples
			WHERE symbol = ? AND source_id = ? AND observed_at >= ? AND tvl_usd IS NOT NULL
		) WHERE observed_at = day_last ORDER BY observed_at ASC`,
		dayMs, symbol, sourceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tvls []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		tvls = append(tvls, v)
	}
	return tvls, rows.Err()
}

func (s *SQLite) trailing(ctx context.Context, query, symbol, sourceID string, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, symbol, sourceID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

// FirstSeen returns when a (symbol, source) first produced a yield sample.
// It anchors the operational-days maturity input.
func (s *SQLite) FirstSeen(ctx context.Context, symbol, sourceID string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(observed_at) FROM yield_samples WHERE symbol = ? AND source_id = ?`,
		symbol, sourceID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return fromMs(ts.Int64), true, nil
}

// DepegForDay reports the worst single-symbol deviation and the sum of
// per-symbol deviations at each symbol's last peg window of the UTC day.
func (s *SQLite) DepegForDay(ctx context.Context, day time.Time) (float64, float64, error) {
	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	from, to := ms(dayStart), ms(dayStart.Add(24*time.Hour))-1

	rows, err := s.db.QueryContext(ctx, `
		SELECT ABS(peg_dev_bps) FROM (
			SELECT peg_dev_bps, window_end,
				MAX(window_end) OVER (PARTITION BY symbol) AS sym_last
			FROM peg_metrics WHERE window_end >= ? AND window_end <= ?
		) WHERE window_end = sym_last`, from, to)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var maxAbs, aggAbs float64
	for rows.Next() {
		var dev float64
		if err := rows.Scan(&dev); err != nil {
			return 0, 0, err
		}
		maxAbs = math.Max(maxAbs, dev)
		aggAbs += dev
	}
	return maxAbs, aggAbs, rows.Err()
}

// LatestTBillRate returns the newest stored observation across series, or
// nil when none exists.
func (s *SQLite) LatestTBillRate(ctx context.Context) (*domain.TBillRate, error) {
	var r domain.TBillRate
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT series, rate, observed_at FROM tbill_rates ORDER BY observed_at DESC LIMIT 1`).
		Scan(&r.Series, &r.Rate, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ObservedAt = fromMs(ts)
	return &r, nil
}

// LatestRegimeSample returns the newest daily evaluation for a code, or nil.
func (s *SQLite) LatestRegimeSample(ctx context.Context, code domain.IndexCode) (*domain.RegimeSample, error) {
	samples, err := s.regimeWhere(ctx,
		`SELECT index_code, date, syi_excess, ema_short, ema_long, spread, volatility_30d, z_score,
			slope7, breadth_pct, state, days_in_state, alert_level, alert_message, max_depeg_bps, agg_depeg_bps
		 FROM regime_samples WHERE index_code = ? ORDER BY date DESC LIMIT 1`, string(code))
	if err != nil || len(samples) == 0 {
		return nil, err
	}
	return &samples[0], nil
}

// RegimeHistory returns daily evaluations in [from, to] ascending, at most
// limit rows (the newest are kept when truncating).
func (s *SQLite) RegimeHistory(ctx context.Context, code domain.IndexCode, from, to time.Time, limit int) ([]domain.RegimeSample, error) {
	if limit <= 0 {
		limit = 365
	}
	samples, err := s.regimeWhere(ctx,
		`SELECT index_code, date, syi_excess, ema_short, ema_long, spread, volatility_30d, z_score,
			slope7, breadth_pct, state, days_in_state, alert_level, alert_message, max_depeg_bps, agg_depeg_bps
		 FROM regime_samples WHERE index_code = ? AND date >= ? AND date <= ?
		 ORDER BY date DESC LIMIT ?`,
		string(code), from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"), limit)
	if err != nil {
		return nil, err
	}
	// Flip the newest-first page into chronological order.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func (s *SQLite) regimeWhere(ctx context.Context, query string, args ...any) ([]domain.RegimeSample, error) {
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
			date   string
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
		sample.Date, _ = time.ParseInLocation("2006-01-02", date, time.UTC)
		sample.State = domain.RegimeState(state)
		sample.AlertLevel = domain.AlertLevel(level)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
