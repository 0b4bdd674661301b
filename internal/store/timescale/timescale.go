// Package timescale is the Postgres/TimescaleDB store backend. Metric
// streams live in hypertables with native retention policies; the append
// semantics match the embedded backend exactly.
package timescale

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/modules/regime"
	"github.com/stableyield/indexd/internal/store"
)

//go:embed schema.sql
var schema string

// Config holds the connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns pool settings sized for one indexd instance.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Store is the TimescaleDB-backed store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects and verifies the database is reachable.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("timescale DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open timescale connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping timescale: %w", err)
	}

	return &Store{
		db:      db,
		timeout: cfg.QueryTimeout,
		log:     log.With().Str("component", "store").Str("backend", "timescale").Logger(),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Migrate applies the schema and installs one retention policy per metric
// stream. Re-running is a no-op; policies follow the configured windows.
func (s *Store) Migrate(ctx context.Context, retention config.RetentionConfig) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply timescale schema: %w", err)
	}
	for _, p := range retentionPolicies(retention) {
		if p.days <= 0 {
			continue
		}
		stmt := fmt.Sprintf(
			"SELECT add_retention_policy('%s', INTERVAL '%d days', if_not_exists => TRUE)",
			p.table, p.days)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add retention policy for %s: %w", p.table, err)
		}
	}
	return nil
}

type retentionPolicy struct {
	table string
	days  int
}

func retentionPolicies(cfg config.RetentionConfig) []retentionPolicy {
	return []retentionPolicy{
		{"price_ticks", cfg.RawPricesDays},
		{"peg_metrics", cfg.LiquidityDays},
		{"liquidity_metrics", cfg.LiquidityDays},
		{"yield_samples", cfg.YieldDays},
		{"ray_records", cfg.YieldDays},
		{"tbill_rates", cfg.TBillDays},
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// flagsArray adapts a flag slice for a NOT NULL text[] column; a nil slice
// must land as '{}', not NULL.
func flagsArray(flags []string) pq.StringArray {
	if flags == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(flags)
}

// lastTime returns the newest timestamp for one natural key, zero when the
// key has never been written.
func lastTime(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (time.Time, error) {
	var last sql.NullTime
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time.UTC(), nil
}

// AppendYieldSamples writes a batch, dropping rows whose observed_at does
// not advance their (symbol, source_id) stream.
func (s *Store) AppendYieldSamples(ctx context.Context, samples []domain.RawYieldSample) (int, int, error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO yield_samples (symbol, source_id, source_kind, chain, pool_id,
			apy_total, apy_base, apy_reward, borrow_apy, tvl_usd, capacity_usd,
			synthetic, observed_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	appended, conflicted := 0, 0
	last := make(map[string]time.Time)
	for _, smp := range samples {
		key := smp.Symbol + "\x00" + smp.SourceID
		lastTs, seen := last[key]
		if !seen {
			lastTs, err = lastTime(ctx, tx,
				`SELECT MAX(observed_at) FROM yield_samples WHERE symbol = $1 AND source_id = $2`,
				smp.Symbol, smp.SourceID)
			if err != nil {
				return 0, 0, err
			}
			last[key] = lastTs
		}
		at := smp.ObservedAt.UTC()
		if !at.After(lastTs) {
			conflicted++
			s.logConflict("yield_samples", key, lastTs, at)
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			smp.Symbol, smp.SourceID, string(smp.SourceKind), smp.Chain, smp.PoolID,
			smp.APYTotal, smp.APYBase, smp.APYReward, smp.BorrowAPY, smp.TVLUSD, smp.CapacityUSD,
			smp.Synthetic, at, smp.IngestedAt.UTC()); err != nil {
			return 0, 0, fmt.Errorf("failed to insert yield sample: %w", err)
		}
		last[key] = at
		appended++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit yield samples: %w", err)
	}
	return appended, conflicted, nil
}

// AppendPriceTicks writes a batch keyed by (symbol, venue).
func (s *Store) AppendPriceTicks(ctx context.Context, ticks []domain.PriceTick) (int, int, error) {
	if len(ticks) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_ticks (symbol, venue, price_usd, volume_24h_usd, observed_at)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	appended, conflicted := 0, 0
	last := make(map[string]time.Time)
	for _, tick := range ticks {
		key := tick.Symbol + "\x00" + tick.Venue
		lastTs, seen := last[key]
		if !seen {
			lastTs, err = lastTime(ctx, tx,
				`SELECT MAX(observed_at) FROM price_ticks WHERE symbol = $1 AND venue = $2`,
				tick.Symbol, tick.Venue)
			if err != nil {
				return 0, 0, err
			}
			last[key] = lastTs
		}
		at := tick.ObservedAt.UTC()
		if !at.After(lastTs) {
			conflicted++
			s.logConflict("price_ticks", key, lastTs, at)
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			tick.Symbol, tick.Venue, tick.PriceUSD, tick.Volume24hUSD, at); err != nil {
			return 0, 0, fmt.Errorf("failed to insert price tick: %w", err)
		}
		last[key] = at
		appended++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit price ticks: %w", err)
	}
	return appended, conflicted, nil
}

// AppendRAYRecords writes a batch keyed by (symbol, source_id).
func (s *Store) AppendRAYRecords(ctx context.Context, records []domain.RAYRecord) (int, int, error) {
	if len(records) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ray_records (symbol, source_id, base_apy, ray, risk_penalty, confidence,
			peg_score, liquidity_score, counterparty_score, protocol_reputation,
			temporal_stability, staleness_flags, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	appended, conflicted := 0, 0
	last := make(map[string]time.Time)
	for _, rec := range records {
		key := rec.Symbol + "\x00" + rec.SourceID
		lastTs, seen := last[key]
		if !seen {
			lastTs, err = lastTime(ctx, tx,
				`SELECT MAX(observed_at) FROM ray_records WHERE symbol = $1 AND source_id = $2`,
				rec.Symbol, rec.SourceID)
			if err != nil {
				return 0, 0, err
			}
			last[key] = lastTs
		}
		at := rec.ObservedAt.UTC()
		if !at.After(lastTs) {
			conflicted++
			s.logConflict("ray_records", key, lastTs, at)
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Symbol, rec.SourceID, rec.BaseAPY, rec.RAY, rec.RiskPenalty, rec.Confidence,
			rec.Factors.PegScore, rec.Factors.LiquidityScore, rec.Factors.CounterpartyScore,
			rec.Factors.ProtocolReputation, rec.Factors.TemporalStability,
			flagsArray(rec.StalenessFlags), at); err != nil {
			return 0, 0, fmt.Errorf("failed to insert ray record: %w", err)
		}
		last[key] = at
		appended++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit ray records: %w", err)
	}
	return appended, conflicted, nil
}

// AppendPegMetrics writes one window close keyed by symbol.
func (s *Store) AppendPegMetrics(ctx context.Context, m domain.PegMetrics) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lastTs, err := lastTime(ctx, tx,
		`SELECT MAX(window_end) FROM peg_metrics WHERE symbol = $1`, m.Symbol)
	if err != nil {
		return err
	}
	at := m.WindowEnd.UTC()
	if !at.After(lastTs) {
		return &domain.StoreConflictError{Stream: "peg_metrics", Key: m.Symbol, Last: lastTs, Got: at}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO peg_metrics (symbol, vw_price, peg_dev_bps, vol_5m_bps, vol_1h_bps, peg_score, window_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.Symbol, m.VWPrice, m.PegDevBps, m.Vol5mBps, m.Vol1hBps, m.PegScore, at); err != nil {
		return fmt.Errorf("failed to insert peg metrics: %w", err)
	}
	return tx.Commit()
}

// AppendLiquidityMetrics writes one window close keyed by symbol.
func (s *Store) AppendLiquidityMetrics(ctx context.Context, m domain.LiquidityMetrics) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lastTs, err := lastTime(ctx, tx,
		`SELECT MAX(window_end) FROM liquidity_metrics WHERE symbol = $1`, m.Symbol)
	if err != nil {
		return err
	}
	at := m.WindowEnd.UTC()
	if !at.After(lastTs) {
		return &domain.StoreConflictError{Stream: "liquidity_metrics", Key: m.Symbol, Last: lastTs, Got: at}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO liquidity_metrics (symbol, depth_10bps_usd, depth_20bps_usd, depth_50bps_usd,
			avg_spread_bps, venues_covered, liq_score, window_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.Symbol, m.Depth10BpsUSD, m.Depth20BpsUSD, m.Depth50BpsUSD,
		m.AvgSpreadBps, m.VenuesCovered, m.LiqScore, at); err != nil {
		return fmt.Errorf("failed to insert liquidity metrics: %w", err)
	}
	return tx.Commit()
}

// AppendIndexValue writes one published snapshot and its constituents in a
// single transaction, keyed by index code.
func (s *Store) AppendIndexValue(ctx context.Context, v domain.IndexValue) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lastTs, err := lastTime(ctx, tx,
		`SELECT MAX(observed_at) FROM index_values WHERE code = $1`, string(v.Code))
	if err != nil {
		return err
	}
	at := v.ObservedAt.UTC()
	if !at.After(lastTs) {
		return &domain.StoreConflictError{Stream: "index_values", Key: string(v.Code), Last: lastTs, Got: at}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO index_values (id, cycle_id, code, value, mode, confidence,
			constituent_count, hhi, staleness_flags, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.CycleID, string(v.Code), v.Value, string(v.Mode), v.Confidence,
		v.ConstituentCount, v.HHI, flagsArray(v.StalenessFlags), at); err != nil {
		return fmt.Errorf("failed to insert index value: %w", err)
	}
	for _, c := range v.Constituents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_constituents (code, observed_at, symbol, source_id, weight, ray, tvl_usd, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(v.Code), at, c.Symbol, c.SourceID, c.Weight, c.RAY, c.TVLUSD, c.Confidence); err != nil {
			return fmt.Errorf("failed to insert constituent: %w", err)
		}
	}
	return tx.Commit()
}

// AppendTBillRate writes one observation keyed by series.
func (s *Store) AppendTBillRate(ctx context.Context, r domain.TBillRate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lastTs, err := lastTime(ctx, tx,
		`SELECT MAX(observed_at) FROM tbill_rates WHERE series = $1`, r.Series)
	if err != nil {
		return err
	}
	at := r.ObservedAt.UTC()
	if !at.After(lastTs) {
		return &domain.StoreConflictError{Stream: "tbill_rates", Key: r.Series, Last: lastTs, Got: at}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tbill_rates (series, rate, observed_at) VALUES ($1, $2, $3)`,
		r.Series, r.Rate, at); err != nil {
		return fmt.Errorf("failed to insert tbill rate: %w", err)
	}
	return tx.Commit()
}

// AppendRegimeSample writes one daily evaluation keyed by index code.
func (s *Store) AppendRegimeSample(ctx context.Context, sample domain.RegimeSample) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lastDay, err := lastTime(ctx, tx,
		`SELECT MAX(date) FROM regime_samples WHERE index_code = $1`, string(sample.IndexCode))
	if err != nil {
		return err
	}
	day := sample.Date.UTC().Truncate(24 * time.Hour)
	if !lastDay.IsZero() && !day.After(lastDay) {
		return &domain.StoreConflictError{Stream: "regime_samples", Key: string(sample.IndexCode), Last: lastDay, Got: day}
	}
	// DATE params travel as ISO strings so the server timezone never shifts
	// the day.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO regime_samples (index_code, date, evaluated_at, syi_excess, ema_short, ema_long,
			spread, volatility_30d, z_score, slope7, breadth_pct, state, days_in_state,
			alert_level, alert_message, max_depeg_bps, agg_depeg_bps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		string(sample.IndexCode), day.Format("2006-01-02"), time.Now().UTC(), sample.SYIExcess, sample.EMAShort, sample.EMALong,
		sample.Spread, sample.Volatility30, sample.ZScore, sample.Slope7, sample.BreadthPct,
		string(sample.State), sample.DaysInState, string(sample.AlertLevel), sample.AlertMessage,
		sample.MaxDepegBps, sample.AggDepegBps); err != nil {
		return fmt.Errorf("failed to insert regime sample: %w", err)
	}
	return tx.Commit()
}

// SaveRegimeState upserts the engine's resume point.
func (s *Store) SaveRegimeState(ctx context.Context, code domain.IndexCode, st regime.EngineState) error {
	excess, err := msgpack.Marshal(st.Excess)
	if err != nil {
		return fmt.Errorf("failed to encode excess series: %w", err)
	}
	var lastBreach, lastDate sql.NullTime
	if !st.LastBreachAt.IsZero() {
		lastBreach = sql.NullTime{Time: st.LastBreachAt.UTC(), Valid: true}
	}
	if !st.LastDate.IsZero() {
		lastDate = sql.NullTime{Time: st.LastDate.UTC(), Valid: true}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO regime_engine_state (index_code, excess, state, days_in_state, proposal_target,
			proposal_days, cooldown, override_active, override_days, last_breach_at, last_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (index_code) DO UPDATE SET
			excess = EXCLUDED.excess,
			state = EXCLUDED.state,
			days_in_state = EXCLUDED.days_in_state,
			proposal_target = EXCLUDED.proposal_target,
			proposal_days = EXCLUDED.proposal_days,
			cooldown = EXCLUDED.cooldown,
			override_active = EXCLUDED.override_active,
			override_days = EXCLUDED.override_days,
			last_breach_at = EXCLUDED.last_breach_at,
			last_date = EXCLUDED.last_date,
			updated_at = EXCLUDED.updated_at`,
		string(code), excess, string(st.State), st.DaysInState, string(st.ProposalTarget),
		st.ProposalDays, st.Cooldown, st.OverrideActive, st.OverrideDays,
		lastBreach, lastDate, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save regime state: %w", err)
	}
	return nil
}

// LoadRegimeState reads the engine's resume point. The second return is
// false when no state has ever been saved for the code.
func (s *Store) LoadRegimeState(ctx context.Context, code domain.IndexCode) (regime.EngineState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		st         regime.EngineState
		excess     []byte
		state      string
		target     string
		lastBreach sql.NullTime
		lastDate   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT excess, state, days_in_state, proposal_target, proposal_days, cooldown,
			override_active, override_days, last_breach_at, last_date
		FROM regime_engine_state WHERE index_code = $1`, string(code)).
		Scan(&excess, &state, &st.DaysInState, &target, &st.ProposalDays, &st.Cooldown,
			&st.OverrideActive, &st.OverrideDays, &lastBreach, &lastDate)
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
	if lastBreach.Valid {
		st.LastBreachAt = lastBreach.Time.UTC()
	}
	if lastDate.Valid {
		st.LastDate = lastDate.Time.UTC()
	}
	return st, true, nil
}

// RetentionSweep drops expired hypertable chunks immediately instead of
// waiting for the background policies. The count is dropped chunks, not
// rows. Published index values and regime history are never swept.
func (s *Store) RetentionSweep(ctx context.Context, cfg config.RetentionConfig) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int64
	for _, p := range retentionPolicies(cfg) {
		if p.days <= 0 {
			continue
		}
		stmt := fmt.Sprintf(
			"SELECT drop_chunks('%s', older_than => NOW() - INTERVAL '%d days')", p.table, p.days)
		rows, err := s.db.QueryContext(ctx, stmt)
		if err != nil {
			return total, fmt.Errorf("failed to drop chunks for %s: %w", p.table, err)
		}
		for rows.Next() {
			var chunk string
			if err := rows.Scan(&chunk); err != nil {
				rows.Close()
				return total, err
			}
			total++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return total, err
		}
		rows.Close()
	}
	if total > 0 {
		s.log.Info().Int64("chunks", total).Msg("Retention sweep dropped expired chunks")
	}
	return total, nil
}

func (s *Store) logConflict(stream, key string, last, got time.Time) {
	s.log.Debug().
		Str("stream", stream).
		Str("key", key).
		Time("last", last).
		Time("got", got).
		Msg("Dropped non-monotonic append")
}
