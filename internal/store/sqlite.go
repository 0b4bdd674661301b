package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/modules/regime"
)

// SQLite is the embedded Store backend over the index database.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLite creates the SQLite-backed store.
func NewSQLite(db *sql.DB, log zerolog.Logger) *SQLite {
	return &SQLite{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

var _ Store = (*SQLite)(nil)

// lastObserved returns the newest observed_at for one natural key, or -1
// when the key has never been written.
func lastObserved(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx, query, args...).Scan(&last)
	return last, err
}

// AppendYieldSamples writes a batch, dropping rows whose observed_at does
// not advance their (symbol, source_id) stream.
func (s *SQLite) AppendYieldSamples(ctx context.Context, samples []domain.RawYieldSample) (int, int, error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	appended, conflicted := 0, 0
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		last := make(map[string]int64)
		for _, smp := range samples {
			key := smp.Symbol + "\x00" + smp.SourceID
			lastTs, seen := last[key]
			if !seen {
				var err error
				lastTs, err = lastObserved(ctx, tx,
					`SELECT COALESCE(MAX(observed_at), -1) FROM yield_samples WHERE symbol = ? AND source_id = ?`,
					smp.Symbol, smp.SourceID)
				if err != nil {
					return err
				}
				last[key] = lastTs
			}
			ts := ms(smp.ObservedAt)
			if ts <= lastTs {
				conflicted++
				s.logConflict("yield_samples", key, lastTs, ts)
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO yield_samples (symbol, source_id, source_kind, chain, pool_id,
					apy_total, apy_base, apy_reward, borrow_apy, tvl_usd, capacity_usd,
					synthetic, observed_at, ingested_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				smp.Symbol, smp.SourceID, string(smp.SourceKind), smp.Chain, smp.PoolID,
				smp.APYTotal, smp.APYBase, smp.APYReward, smp.BorrowAPY, smp.TVLUSD, smp.CapacityUSD,
				boolToInt(smp.Synthetic), ts, ms(smp.IngestedAt))
			if err != nil {
				return err
			}
			last[key] = ts
			appended++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return appended, conflicted, nil
}

// AppendPriceTicks writes a batch keyed by (symbol, venue).
func (s *SQLite) AppendPriceTicks(ctx context.Context, ticks []domain.PriceTick) (int, int, error) {
	if len(ticks) == 0 {
		return 0, 0, nil
	}
	appended, conflicted := 0, 0
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		last := make(map[string]int64)
		for _, tick := range ticks {
			key := tick.Symbol + "\x00" + tick.Venue
			lastTs, seen := last[key]
			if !seen {
				var err error
				lastTs, err = lastObserved(ctx, tx,
					`SELECT COALESCE(MAX(observed_at), -1) FROM price_ticks WHERE symbol = ? AND venue = ?`,
					tick.Symbol, tick.Venue)
				if err != nil {
					return err
				}
				last[key] = lastTs
			}
			ts := ms(tick.ObservedAt)
			if ts <= lastTs {
				conflicted++
				s.logConflict("price_ticks", key, lastTs, ts)
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO price_ticks (symbol, venue, price_usd, volume_24h_usd, observed_at)
				VALUES (?, ?, ?, ?, ?)`,
				tick.Symbol, tick.Venue, tick.PriceUSD, tick.Volume24hUSD, ts)
			if err != nil {
				return err
			}
			last[key] = ts
			appended++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return appended, conflicted, nil
}

// AppendRAYRecords writes a batch keyed by (symbol, source_id).
func (s *SQLite) AppendRAYRecords(ctx context.Context, records []domain.RAYRecord) (int, int, error) {
	if len(records) == 0 {
		return 0, 0, nil
	}
	appended, conflicted := 0, 0
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		last := make(map[string]int64)
		for _, rec := range records {
			key := rec.Symbol + "\x00" + rec.SourceID
			lastTs, seen := last[key]
			if !seen {
				var err error
				lastTs, err = lastObserved(ctx, tx,
					`SELECT COALESCE(MAX(observed_at), -1) FROM ray_records WHERE symbol = ? AND source_id = ?`,
					rec.Symbol, rec.SourceID)
				if err != nil {
					return err
				}
				last[key] = lastTs
			}
			ts := ms(rec.ObservedAt)
			if ts <= lastTs {
				conflicted++
				s.logConflict("ray_records", key, lastTs, ts)
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ray_records (symbol, source_id, base_apy, ray, risk_penalty, confidence,
					peg_score, liquidity_score, counterparty_score, protocol_reputation,
					temporal_stability, staleness_flags, observed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.Symbol, rec.SourceID, rec.BaseAPY, rec.RAY, rec.RiskPenalty, rec.Confidence,
				rec.Factors.PegScore, rec.Factors.LiquidityScore, rec.Factors.CounterpartyScore,
				rec.Factors.ProtocolReputation, rec.Factors.TemporalStability,
				marshalFlags(rec.StalenessFlags), ts)
			if err != nil {
				return err
			}
			last[key] = ts
			appended++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return appended, conflicted, nil
}

// AppendPegMetrics writes one window close keyed by symbol.
func (s *SQLite) AppendPegMetrics(ctx context.Context, m domain.PegMetrics) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		lastTs, err := lastObserved(ctx, tx,
			`SELECT COALESCE(MAX(window_end), -1) FROM peg_metrics WHERE symbol = ?`, m.Symbol)
		if err != nil {
			return err
		}
		ts := ms(m.WindowEnd)
		if ts <= lastTs {
			return &domain.StoreConflictError{Stream: "peg_metrics", Key: m.Symbol, Last: fromMs(lastTs), Got: m.WindowEnd}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO peg_metrics (symbol, vw_price, peg_dev_bps, vol_5m_bps, vol_1h_bps, peg_score, window_end)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.Symbol, m.VWPrice, m.PegDevBps, m.Vol5mBps, m.Vol1hBps, m.PegScore, ts)
		return err
	})
}

// AppendLiquidityMetrics writes one window close keyed by symbol.
func (s *SQLite) AppendLiquidityMetrics(ctx context.Context, m domain.LiquidityMetrics) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		lastTs, err := lastObserved(ctx, tx,
			`SELECT COALESCE(MAX(window_end), -1) FROM liquidity_metrics WHERE symbol = ?`, m.Symbol)
		if err != nil {
			return err
		}
		ts := ms(m.WindowEnd)
		if ts <= lastTs {
			return &domain.StoreConflictError{Stream: "liquidity_metrics", Key: m.Symbol, Last: fromMs(lastTs), Got: m.WindowEnd}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO liquidity_metrics (symbol, depth_10bps_usd, depth_20bps_usd, depth_50bps_usd,
				avg_spread_bps, venues_covered, liq_score, window_end)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Symbol, m.Depth10BpsUSD, m.Depth20BpsUSD, m.Depth50BpsUSD,
			m.AvgSpreadBps, m.VenuesCovered, m.LiqScore, ts)
		return err
	})
}

// AppendIndexValue writes one published snapshot and its constituents in a
// single transaction, keyed by index code.
func (s *SQLite) AppendIndexValue(ctx context.Context, v domain.IndexValue) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		lastTs, err := lastObserved(ctx, tx,
			`SELECT COALESCE(MAX(observed_at), -1) FROM index_values WHERE code = ?`, string(v.Code))
		if err != nil {
			return err
		}
		ts := ms(v.ObservedAt)
		if ts <= lastTs {
			return &domain.StoreConflictError{Stream: "index_values", Key: string(v.Code), Last: fromMs(lastTs), Got: v.ObservedAt}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_values (id, cycle_id, code, value, mode, confidence,
				constituent_count, hhi, staleness_flags, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.CycleID, string(v.Code), v.Value, string(v.Mode), v.Confidence,
			v.ConstituentCount, v.HHI, marshalFlags(v.StalenessFlags), ts); err != nil {
			return err
		}
		for _, c := range v.Constituents {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO index_constituents (code, observed_at, symbol, source_id, weight, ray, tvl_usd, confidence)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				string(v.Code), ts, c.Symbol, c.SourceID, c.Weight, c.RAY, c.TVLUSD, c.Confidence); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendTBillRate writes one observation keyed by series. Re-fetching the
// same published day conflicts, which callers treat as a no-op.
func (s *SQLite) AppendTBillRate(ctx context.Context, r domain.TBillRate) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		lastTs, err := lastObserved(ctx, tx,
			`SELECT COALESCE(MAX(observed_at), -1) FROM tbill_rates WHERE series = ?`, r.Series)
		if err != nil {
			return err
		}
		ts := ms(r.ObservedAt)
		if ts <= lastTs {
			return &domain.StoreConflictError{Stream: "tbill_rates", Key: r.Series, Last: fromMs(lastTs), Got: r.ObservedAt}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tbill_rates (series, rate, observed_at) VALUES (?, ?, ?)`,
			r.Series, r.Rate, ts)
		return err
	})
}

// AppendRegimeSample writes one daily evaluation keyed by index code. Dates
// are compared as ISO strings, which preserves chronological order.
func (s *SQLite) AppendRegimeSample(ctx context.Context, sample domain.RegimeSample) error {
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var lastDate string
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(date), '') FROM regime_samples WHERE index_code = ?`,
			string(sample.IndexCode)).Scan(&lastDate)
		if err != nil {
			return err
		}
		date := sample.Date.UTC().Format("2006-01-02")
		if lastDate != "" && date <= lastDate {
			lastDay, _ := time.ParseInLocation("2006-01-02", lastDate, time.UTC)
			return &domain.StoreConflictError{Stream: "regime_samples", Key: string(sample.IndexCode), Last: lastDay, Got: sample.Date}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO regime_samples (index_code, date, evaluated_at, syi_excess, ema_short, ema_long,
				spread, volatility_30d, z_score, slope7, breadth_pct, state, days_in_state,
				alert_level, alert_message, max_depeg_bps, agg_depeg_bps)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(sample.IndexCode), date, ms(time.Now()), sample.SYIExcess, sample.EMAShort, sample.EMALong,
			sample.Spread, sample.Volatility30, sample.ZScore, sample.Slope7, sample.BreadthPct,
			string(sample.State), sample.DaysInState, string(sample.AlertLevel), sample.AlertMessage,
			sample.MaxDepegBps, sample.AggDepegBps)
		return err
	})
}

// SaveRegimeState upserts the engine's resume point. The trailing excess
// series is msgpack-encoded so restarts replay deterministically.
func (s *SQLite) SaveRegimeState(ctx context.Context, code domain.IndexCode, st regime.EngineState) error {
	excess, err := msgpack.Marshal(st.Excess)
	if err != nil {
		return fmt.Errorf("failed to encode excess series: %w", err)
	}
	var lastBreach, lastDate *int64
	if !st.LastBreachAt.IsZero() {
		v := ms(st.LastBreachAt)
		lastBreach = &v
	}
	if !st.LastDate.IsZero() {
		v := ms(st.LastDate)
		lastDate = &v
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO regime_engine_state (index_code, excess, state, days_in_state, proposal_target,
			proposal_days, cooldown, override_active, override_days, last_breach_at, last_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(index_code) DO UPDATE SET
			excess = excluded.excess,
			state = excluded.state,
			days_in_state = excluded.days_in_state,
			proposal_target = excluded.proposal_target,
			proposal_days = excluded.proposal_days,
			cooldown = excluded.cooldown,
			override_active = excluded.override_active,
			override_days = excluded.override_days,
			last_breach_at = excluded.last_breach_at,
			last_date = excluded.last_date,
			updated_at = excluded.updated_at`,
		string(code), excess, string(st.State), st.DaysInState, string(st.ProposalTarget),
		st.ProposalDays, st.Cooldown, boolToInt(st.OverrideActive), st.OverrideDays,
		lastBreach, lastDate, ms(time.Now()))
	return err
}

// LoadRegimeState reads the engine's resume point. The second return is
// false when no state has ever been saved for the code.
func (s *SQLite) LoadRegimeState(ctx context.Context, code domain.IndexCode) (regime.EngineState, bool, error) {
	var (
		st         regime.EngineState
		excess     []byte
		state      string
		target     string
		override   int
		lastBreach sql.NullInt64
		lastDate   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT excess, state, days_in_state, proposal_target, proposal_days, cooldown,
			override_active, override_days, last_breach_at, last_date
		FROM regime_engine_state WHERE index_code = ?`, string(code)).
		Scan(&excess, &state, &st.DaysInState, &target, &st.ProposalDays, &st.Cooldown,
			&override, &st.OverrideDays, &lastBreach, &lastDate)
	if err == sql.ErrNoRows {
		return regime.EngineState{}, false, nil
	}
	if err != nil {
		return regime.EngineState{}, false, err
	}
	if err := msgpack.Unmarshal(excess, &st.Excess); err != nil {
		return regime.EngineState{}, false, fmt.Errorf("failed to decode excess series: %w", err)
	}
	st.State = domain.RegimeState(state)
	st.ProposalTarget = domain.RegimeState(target)
	st.OverrideActive = override != 0
	if lastBreach.Valid {
		st.LastBreachAt = fromMs(lastBreach.Int64)
	}
	if lastDate.Valid {
		st.LastDate = fromMs(lastDate.Int64)
	}
	return st, true, nil
}

// RetentionSweep deletes rows past each stream's retention window. Published
// index values and regime history are permanent. A zero retention keeps the
// stream forever.
func (s *SQLite) RetentionSweep(ctx context.Context, cfg config.RetentionConfig) (int64, error) {
	now := time.Now().UTC()
	var total int64
	sweep := func(table, column string, days int) error {
		if days <= 0 {
			return nil
		}
		cutoff := ms(now.AddDate(0, 0, -days))
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff)
		if err != nil {
			return fmt.Errorf("failed to sweep %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
		return nil
	}

	if err := sweep("price_ticks", "observed_at", cfg.RawPricesDays); err != nil {
		return total, err
	}
	// Peg windows share the liquidity retention: both are derived
	// microstructure metrics rebuilt every cycle.
	if err := sweep("peg_metrics", "window_end", cfg.LiquidityDays); err != nil {
		return total, err
	}
	if err := sweep("liquidity_metrics", "window_end", cfg.LiquidityDays); err != nil {
		return total, err
	}
	if err := sweep("yield_samples", "observed_at", cfg.YieldDays); err != nil {
		return total, err
	}
	if err := sweep("ray_records", "observed_at", cfg.YieldDays); err != nil {
		return total, err
	}
	if err := sweep("tbill_rates", "observed_at", cfg.TBillDays); err != nil {
		return total, err
	}

	if total > 0 {
		s.log.Info().Int64("deleted", total).Msg("Retention sweep removed expired rows")
	}
	return total, nil
}

func (s *SQLite) logConflict(stream, key string, last, got int64) {
	s.log.Debug().
		Str("stream", stream).
		Str("key", key).
		Time("last", fromMs(last)).
		Time("got", fromMs(got)).
		Msg("Dropped non-monotonic append")
}

func marshalFlags(flags []string) string {
	if len(flags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(flags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalFlags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var flags []string
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil
	}
	return flags
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
