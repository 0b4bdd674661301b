// Package pipeline orchestrates the per-minute computation cycle and the
// daily regime evaluation: fetch, validate, derive, compose, persist,
// publish. A failed source degrades the cycle, never aborts it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/events"
	"github.com/stableyield/indexd/internal/metrics"
	"github.com/stableyield/indexd/internal/modules/index"
	"github.com/stableyield/indexd/internal/modules/liquidity"
	"github.com/stableyield/indexd/internal/modules/peg"
	"github.com/stableyield/indexd/internal/modules/ray"
	"github.com/stableyield/indexd/internal/modules/sanitizer"
	"github.com/stableyield/indexd/internal/store"
)

// publishOrder fixes the per-cycle composition order of the index family.
var publishOrder = []domain.IndexCode{
	domain.IndexSYI,
	domain.IndexSYC,
	domain.IndexSYCeFi,
	domain.IndexSYDeFi,
	domain.IndexSYRPI,
}

// Source pairs one yield adapter with its configured request rate.
type Source struct {
	Adapter domain.SourceAdapter
	RPS     float64
}

type guardedSource struct {
	adapter domain.SourceAdapter
	guard   *Guard
}

// Deps wires a Runner. Everything is required except the capability
// clients, whose nil value disables their fetch.
type Deps struct {
	Settings   *config.Settings
	Store      store.Store
	Tracker    *peg.Tracker
	Depth      *liquidity.Calculator
	Filter     *liquidity.Filter
	Sanitizer  *sanitizer.Sanitizer
	RAY        *ray.Calculator
	Compositor *index.Compositor
	Metrics    *metrics.Metrics
	Bus        *events.Bus
	Log        zerolog.Logger

	Sources []Source

	// MarketCaps serves circulating caps and 24h volumes.
	MarketCaps     domain.MarketCapSource
	MarketCapsRPS  float64
	MarketCapsName string

	// Rates serves the 3M T-Bill rate.
	Rates     domain.RateSource
	RatesRPS  float64
	RatesName string
}

// Runner executes computation cycles. Concurrent invocations serialize,
// and the store's monotonicity check makes replays of the same minute
// idempotent.
type Runner struct {
	mu         sync.Mutex
	settings   *config.Settings
	store      store.Store
	tracker    *peg.Tracker
	depth      *liquidity.Calculator
	filter     *liquidity.Filter
	sanitizer  *sanitizer.Sanitizer
	ray        *ray.Calculator
	compositor *index.Compositor
	metrics    *metrics.Metrics
	bus        *events.Bus
	log        zerolog.Logger

	sources    []guardedSource
	marketCaps domain.MarketCapSource
	capsGuard  *Guard
	rates      domain.RateSource
	ratesGuard *Guard

	codes []domain.IndexCode
}

// NewRunner creates a cycle runner and one guard per source.
func NewRunner(d Deps) *Runner {
	log := d.Log.With().Str("service", "pipeline").Logger()
	r := &Runner{
		settings:   d.Settings,
		store:      d.Store,
		tracker:    d.Tracker,
		depth:      d.Depth,
		filter:     d.Filter,
		sanitizer:  d.Sanitizer,
		ray:        d.RAY,
		compositor: d.Compositor,
		metrics:    d.Metrics,
		bus:        d.Bus,
		log:        log,
		marketCaps: d.MarketCaps,
		rates:      d.Rates,
	}

	for _, src := range d.Sources {
		id := src.Adapter.Identity().ID
		r.sources = append(r.sources, guardedSource{
			adapter: src.Adapter,
			guard:   NewGuard(id, src.RPS, d.Settings.Scheduler, d.Metrics, log),
		})
	}
	if d.MarketCaps != nil {
		name := d.MarketCapsName
		if name == "" {
			name = "market_caps"
		}
		r.capsGuard = NewGuard(name, d.MarketCapsRPS, d.Settings.Scheduler, d.Metrics, log)
	}
	if d.Rates != nil {
		name := d.RatesName
		if name == "" {
			name = "tbill_rate"
		}
		r.ratesGuard = NewGuard(name, d.RatesRPS, d.Settings.Scheduler, d.Metrics, log)
	}

	for _, code := range publishOrder {
		if _, ok := d.Settings.Index.Schemes[string(code)]; ok {
			r.codes = append(r.codes, code)
		}
	}
	return r
}

// Codes returns the index codes this runner publishes, in publish order.
func (r *Runner) Codes() []domain.IndexCode {
	return append([]domain.IndexCode(nil), r.codes...)
}

// SourceStates reports each guarded source's breaker state by guard name.
func (r *Runner) SourceStates() map[string]string {
	states := make(map[string]string, len(r.sources)+2)
	for _, src := range r.sources {
		states[src.guard.id] = src.guard.State()
	}
	if r.capsGuard != nil {
		states[r.capsGuard.id] = r.capsGuard.State()
	}
	if r.ratesGuard != nil {
		states[r.ratesGuard.id] = r.ratesGuard.State()
	}
	return states
}

// RunCycle executes one full cycle for the given codes, or every
// configured code when none are named. It returns an error only when
// nothing could be published.
func (r *Runner) RunCycle(ctx context.Context, codes ...domain.IndexCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(codes) == 0 {
		codes = r.codes
	}
	label := "all"
	if len(codes) == 1 {
		label = string(codes[0])
	}

	cycleID := uuid.NewString()
	timer := r.metrics.StartCycle(label)
	start := time.Now()
	now := start.UTC()
	log := r.log.With().Str("cycle_id", cycleID).Logger()

	ctx, cancel := context.WithTimeout(ctx, r.settings.Scheduler.CycleDeadline())
	defer cancel()

	in := r.fetchAll(ctx)
	r.persistInputs(ctx, log, in)
	market := r.deriveMarket(ctx, log, in, now)
	candidates := r.buildCandidates(ctx, log, in, market, now)
	published := r.composeAll(ctx, log, cycleID, codes, candidates, in, start)

	result := metrics.ResultSuccess
	var err error
	switch {
	case published == 0 && ctx.Err() != nil:
		result = metrics.ResultTimeout
		err = &domain.DeadlineError{Stage: "cycle", Err: ctx.Err()}
	case published == 0:
		result = metrics.ResultError
		err = fmt.Errorf("cycle %s: no index published", cycleID)
	}

	elapsed := timer.Stop(result)
	if err != nil {
		r.bus.EmitError("pipeline", err, map[string]interface{}{"cycle_id": cycleID})
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Cycle published nothing")
		return err
	}
	log.Info().
		Int("published", published).
		Int("candidates", len(candidates)).
		Dur("elapsed", elapsed).
		Msg("Cycle completed")
	return nil
}

// persistInputs validates the fetched records, drops and counts the
// invalid ones, and appends the rest to their streams. Conflicted rows
// are counted, never fatal: the in-memory snapshot still feeds the cycle.
func (r *Runner) persistInputs(ctx context.Context, log zerolog.Logger, in *cycleInputs) {
	validSamples := in.samples[:0]
	for i := range in.samples {
		s := &in.samples[i]
		if verr := s.Validate(); verr != nil {
			r.metrics.RecordValidationDrop(s.SourceID, verr.Field)
			log.Warn().Err(verr).Str("source", s.SourceID).Msg("Yield sample dropped")
			continue
		}
		validSamples = append(validSamples, *s)
	}
	in.samples = validSamples

	validTicks := in.ticks[:0]
	for i := range in.ticks {
		t := &in.ticks[i]
		if verr := t.Validate(); verr != nil {
			r.metrics.RecordValidationDrop(t.Venue, verr.Field)
			log.Warn().Err(verr).Str("venue", t.Venue).Msg("Price tick dropped")
			continue
		}
		validTicks = append(validTicks, *t)
	}
	in.ticks = validTicks

	if len(in.ticks) > 0 {
		if _, conflicted, err := r.store.AppendPriceTicks(ctx, in.ticks); err != nil {
			log.Error().Err(err).Msg("Price tick append failed")
		} else {
			r.metrics.AddStoreConflicts("price_ticks", conflicted)
		}
	}
	if len(in.samples) > 0 {
		if _, conflicted, err := r.store.AppendYieldSamples(ctx, in.samples); err != nil {
			log.Error().Err(err).Msg("Yield sample append failed")
		} else {
			r.metrics.AddStoreConflicts("yield_samples", conflicted)
		}
	}
	if in.tbill != nil {
		if err := r.store.AppendTBillRate(ctx, *in.tbill); err != nil {
			r.countConflict(log, "tbill_rates", err)
		}
	}
}

// marketDerived carries the cycle's measured per-symbol metrics. A symbol
// absent from a map had no ticks or books this cycle, so its factor stays
// unmeasured and the risk model falls back to defaults.
type marketDerived struct {
	peg map[string]domain.PegMetrics
	liq map[string]domain.LiquidityMetrics
}

// deriveMarket folds ticks into peg metrics and books into depth metrics,
// one row per symbol that actually reported.
func (r *Runner) deriveMarket(ctx context.Context, log zerolog.Logger, in *cycleInputs, now time.Time) marketDerived {
	out := marketDerived{
		peg: make(map[string]domain.PegMetrics),
		liq: make(map[string]domain.LiquidityMetrics),
	}

	ticksBySymbol := make(map[string][]domain.PriceTick)
	for _, t := range in.ticks {
		ticksBySymbol[t.Symbol] = append(ticksBySymbol[t.Symbol], t)
	}
	booksBySymbol := make(map[string][]domain.OrderBookSnapshot)
	for _, b := range in.books {
		booksBySymbol[b.Symbol] = append(booksBySymbol[b.Symbol], b)
	}

	for _, symbol := range r.settings.SymbolList() {
		if ticks := ticksBySymbol[symbol]; len(ticks) > 0 {
			m := r.tracker.Observe(symbol, ticks, now)
			out.peg[symbol] = m
			if err := r.store.AppendPegMetrics(ctx, m); err != nil {
				r.countConflict(log, "peg_metrics", err)
			}
		}
		if books := booksBySymbol[symbol]; len(books) > 0 {
			m := r.depth.Measure(symbol, books, now)
			out.liq[symbol] = m
			if err := r.store.AppendLiquidityMetrics(ctx, m); err != nil {
				r.countConflict(log, "liquidity_metrics", err)
			}
		}
	}
	return out
}

// buildCandidates sanitizes the cycle's samples, derives RAY records, and
// assembles the compositor's candidate pool with eligibility and history
// attached.
func (r *Runner) buildCandidates(ctx context.Context, log zerolog.Logger, in *cycleInputs, market marketDerived, now time.Time) []index.Candidate {
	results := r.sanitizer.SanitizeAll(in.samples)
	for i := range results {
		r.metrics.RecordSanitizeAction(results[i].Action)
	}

	agg := liquidity.BuildAggregates(in.samples, in.caps)
	capBySymbol := latestCaps(in.caps)
	soft := r.settings.Index.SoftStaleness()

	candidates := make([]index.Candidate, 0, len(in.samples))
	records := make([]domain.RAYRecord, 0, len(in.samples))
	staleSources := make(map[string]struct{})

	for i := range in.samples {
		sample := &in.samples[i]

		var inputs ray.FactorInputs
		if m, ok := market.peg[sample.Symbol]; ok {
			score := m.PegScore
			inputs.PegScore = &score
		}
		if m, ok := market.liq[sample.Symbol]; ok {
			score := m.LiqScore
			inputs.LiquidityScore = &score
		}
		history, err := r.store.APYHistory(ctx, sample.Symbol, sample.SourceID, r.settings.RAY.StabilityWindow)
		if err != nil {
			log.Error().Err(err).Str("source", sample.SourceID).Msg("APY history lookup failed")
		}
		inputs.History = history

		record, ok := r.ray.Compute(*sample, results[i], inputs)
		if !ok {
			continue
		}
		records = append(records, record)

		decision := r.filter.Check(*sample, r.settings.GradeFor(sample.Symbol), agg,
			r.tvlVolatility(ctx, sample, 7), r.tvlVolatility(ctx, sample, 30))

		rayHistory, err := r.store.RAYHistory(ctx, sample.Symbol, sample.SourceID, r.settings.Index.EqualRiskWindow)
		if err != nil {
			log.Error().Err(err).Str("source", sample.SourceID).Msg("RAY history lookup failed")
		}

		if now.Sub(sample.ObservedAt) > soft {
			staleSources[sample.SourceID] = struct{}{}
		}

		candidates = append(candidates, index.Candidate{
			Sample:            *sample,
			Sanitized:         results[i],
			RAY:               record,
			LiquidityEligible: decision.Eligible,
			MarketCapUSD:      capBySymbol[sample.Symbol],
			OperationalDays:   r.operationalDays(ctx, sample, now),
			RAYHistory:        rayHistory,
		})
	}

	if len(records) > 0 {
		if _, conflicted, err := r.store.AppendRAYRecords(ctx, records); err != nil {
			log.Error().Err(err).Msg("RAY record append failed")
		} else {
			r.metrics.AddStoreConflicts("ray_records", conflicted)
		}
	}
	r.metrics.SetStaleSources(len(staleSources))
	return candidates
}

// composeAll publishes one snapshot per requested code and returns how
// many made it out.
func (r *Runner) composeAll(ctx context.Context, log zerolog.Logger, cycleID string, codes []domain.IndexCode, candidates []index.Candidate, in *cycleInputs, start time.Time) int {
	tbill := r.resolveTBill(ctx, log, in)
	now := start.UTC()

	published := 0
	for _, code := range codes {
		mode := r.compositor.ClassifyMode(r.modeInputs(ctx, log, code, candidates))
		value, err := r.compositor.Compose(code, cycleID, candidates, tbill, mode, now)
		if err != nil {
			var insufficient *domain.InsufficientConstituentsError
			if errors.As(err, &insufficient) {
				log.Warn().
					Str("code", string(code)).
					Int("eligible", insufficient.Eligible).
					Int("required", insufficient.Required).
					Msg("Index not published")
			} else {
				log.Error().Err(err).Str("code", string(code)).Msg("Composition failed")
			}
			continue
		}

		if err := r.store.AppendIndexValue(ctx, value); err != nil {
			r.countConflict(log, "index_values", err)
			continue
		}

		r.metrics.SetPublished(string(code), value.Value, value.Confidence, value.ConstituentCount)
		r.bus.Emit(events.CycleCompleted, "pipeline", &events.CycleCompletedData{
			CycleID:      cycleID,
			Code:         string(code),
			Value:        value.Value,
			Mode:         string(value.Mode),
			Confidence:   value.Confidence,
			Constituents: value.ConstituentCount,
			DurationMs:   time.Since(start).Milliseconds(),
		})
		published++
	}
	return published
}

// resolveTBill prefers the rate fetched this cycle and falls back to the
// last stored observation. Zero means no observation exists yet.
func (r *Runner) resolveTBill(ctx context.Context, log zerolog.Logger, in *cycleInputs) float64 {
	if in.tbill != nil {
		return in.tbill.Rate
	}
	last, err := r.store.LatestTBillRate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("T-Bill rate lookup failed")
		return 0
	}
	if last == nil {
		return 0
	}
	return last.Rate
}

// modeInputs assembles the trailing daily context for mode classification.
func (r *Runner) modeInputs(ctx context.Context, log zerolog.Logger, code domain.IndexCode, candidates []index.Candidate) index.ModeInputs {
	closes, err := r.store.DailyCloses(ctx, code, 180)
	if err != nil {
		log.Error().Err(err).Str("code", string(code)).Msg("Daily close lookup failed")
	}
	tail := closes
	if len(tail) > 30 {
		tail = tail[len(tail)-30:]
	}
	tvl, err := r.store.DailyBasketTVL(ctx, code, 90)
	if err != nil {
		log.Error().Err(err).Str("code", string(code)).Msg("Basket TVL lookup failed")
	}
	return index.ModeInputs{
		ValueHistory30d:  tail,
		ValueHistory180d: closes,
		TVLHistory90d:    tvl,
		CurrentTVLUSD:    basketTVL(candidates, code),
	}
}

// tvlVolatility is the coefficient of variation of a source's daily TVL
// closes. Nil means unknown: no TVL reporting or too little history to
// judge, and the eligibility caps treat unknown as passing.
func (r *Runner) tvlVolatility(ctx context.Context, sample *domain.RawYieldSample, days int) *float64 {
	if sample.TVLUSD == nil {
		return nil
	}
	history, err := r.store.TVLHistory(ctx, sample.Symbol, sample.SourceID, days)
	if err != nil || len(history) < 2 {
		return nil
	}
	mean := stat.Mean(history, nil)
	if mean <= 0 {
		return nil
	}
	cv := stat.StdDev(history, nil) / mean
	return &cv
}

// operationalDays resolves a source's maturity: the registry override
// wins, otherwise days since the (symbol, source) first reported.
func (r *Runner) operationalDays(ctx context.Context, sample *domain.RawYieldSample, now time.Time) int {
	if profile, ok := r.settings.Sources.Registry[sample.SourceID]; ok && profile.OperationalDays != nil {
		return *profile.OperationalDays
	}
	first, ok, err := r.store.FirstSeen(ctx, sample.Symbol, sample.SourceID)
	if err != nil || !ok {
		return 0
	}
	return int(now.Sub(first) / (24 * time.Hour))
}

// countConflict counts a monotonicity violation for a stream and escalates
// anything else to the error log.
func (r *Runner) countConflict(log zerolog.Logger, stream string, err error) {
	var conflict *domain.StoreConflictError
	if errors.As(err, &conflict) {
		r.metrics.AddStoreConflicts(stream, 1)
		log.Debug().Str("stream", stream).Str("key", conflict.Key).Msg("Out-of-order write dropped")
		return
	}
	log.Error().Err(err).Str("stream", stream).Msg("Stream append failed")
}

// latestCaps keeps the freshest circulating cap per symbol.
func latestCaps(caps []domain.MarketCap) map[string]float64 {
	seen := make(map[string]time.Time, len(caps))
	out := make(map[string]float64, len(caps))
	for _, mc := range caps {
		if at, ok := seen[mc.Symbol]; ok && !mc.ObservedAt.After(at) {
			continue
		}
		seen[mc.Symbol] = mc.ObservedAt
		out[mc.Symbol] = mc.CapUSD
	}
	return out
}

// basketTVL sums the reported TVL of liquidity-eligible candidates inside
// the code's source-kind scope. It approximates the basket the compositor
// is about to weigh.
func basketTVL(candidates []index.Candidate, code domain.IndexCode) float64 {
	total := 0.0
	for i := range candidates {
		c := &candidates[i]
		if !c.LiquidityEligible || c.Sample.TVLUSD == nil {
			continue
		}
		switch code {
		case domain.IndexSYCeFi:
			if c.Sample.SourceKind != domain.SourceKindCeFi {
				continue
			}
		case domain.IndexSYDeFi:
			if c.Sample.SourceKind != domain.SourceKindDeFi {
				continue
			}
		}
		total += *c.Sample.TVLUSD
	}
	return total
}
