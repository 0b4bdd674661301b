package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/events"
	"github.com/stableyield/indexd/internal/metrics"
	"github.com/stableyield/indexd/internal/modules/regime"
	"github.com/stableyield/indexd/internal/store"
)

// RegimeService runs the daily risk-regime evaluation for the flagship
// index and persists the engine's fold state after every step.
type RegimeService struct {
	mu      sync.Mutex
	store   store.Store
	engine  *regime.Engine
	metrics *metrics.Metrics
	bus     *events.Bus
	log     zerolog.Logger
}

// NewRegimeService creates the daily evaluation service.
func NewRegimeService(st store.Store, engine *regime.Engine, m *metrics.Metrics, bus *events.Bus, log zerolog.Logger) *RegimeService {
	return &RegimeService{
		store:   st,
		engine:  engine,
		metrics: m,
		bus:     bus,
		log:     log.With().Str("service", "regime").Logger(),
	}
}

// Restore reloads the persisted fold state, typically at startup. A
// missing snapshot leaves the engine in its bootstrap state.
func (s *RegimeService) Restore(ctx context.Context) error {
	st, ok, err := s.store.LoadRegimeState(ctx, domain.IndexSYI)
	if err != nil {
		return err
	}
	if ok {
		s.engine.Restore(st)
		s.metrics.SetRegimeState(string(domain.IndexSYI), st.State)
	}
	return nil
}

// Persist snapshots the engine's fold state, typically at shutdown.
func (s *RegimeService) Persist(ctx context.Context) error {
	return s.store.SaveRegimeState(ctx, domain.IndexSYI, s.engine.State())
}

// RunDaily evaluates the UTC day before now. A day with no published
// index close is skipped, and re-runs for an already evaluated day are
// no-ops, so the schedule can fire more than once without harm.
func (s *RegimeService) RunDaily(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	dayEnd := day.Add(24*time.Hour - time.Millisecond)

	value, err := s.store.ValueAsOf(ctx, domain.IndexSYI, dayEnd)
	if err != nil {
		return err
	}
	if value == nil || value.ObservedAt.Before(day) {
		s.log.Info().Time("day", day).Msg("No index close for day, regime evaluation skipped")
		return nil
	}

	tbill := 0.0
	if last, err := s.store.LatestTBillRate(ctx); err != nil {
		return err
	} else if last != nil {
		tbill = last.Rate
	}

	rays := make([]float64, 0, len(value.Constituents))
	for _, c := range value.Constituents {
		rays = append(rays, c.RAY)
	}

	maxDepeg, aggDepeg, err := s.store.DepegForDay(ctx, day)
	if err != nil {
		return err
	}

	sample, err := s.engine.Evaluate(regime.DailyInputs{
		Date:            day,
		SYI:             value.Value,
		TBill3M:         tbill,
		ConstituentRAYs: rays,
		MaxDepegBps:     maxDepeg,
		AggDepegBps:     aggDepeg,
	})
	if errors.Is(err, regime.ErrStaleDate) {
		s.log.Debug().Time("day", day).Msg("Day already evaluated")
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.store.AppendRegimeSample(ctx, sample); err != nil {
		var conflict *domain.StoreConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		s.metrics.AddStoreConflicts("regime_samples", 1)
	}
	if err := s.store.SaveRegimeState(ctx, domain.IndexSYI, s.engine.State()); err != nil {
		s.log.Error().Err(err).Msg("Regime state snapshot failed")
	}

	s.metrics.SetRegimeState(string(domain.IndexSYI), sample.State)
	if sample.AlertLevel != "" {
		s.bus.Emit(events.RegimeAlert, "regime", &events.RegimeAlertData{
			Date:       day.Format("2006-01-02"),
			Code:       string(domain.IndexSYI),
			State:      string(sample.State),
			AlertLevel: string(sample.AlertLevel),
			Message:    sample.AlertMessage,
		})
	}

	s.log.Info().
		Time("day", day).
		Str("state", string(sample.State)).
		Float64("z_score", sample.ZScore).
		Float64("breadth_pct", sample.BreadthPct).
		Msg("Regime evaluated")
	return nil
}
