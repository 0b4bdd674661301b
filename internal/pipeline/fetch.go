package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stableyield/indexd/internal/domain"
)

// kindAux pools the capability fetches (market caps, risk-free rate) that
// belong to no yield source. Never stamped on records.
const kindAux domain.SourceKind = "AUX"

// cycleInputs is everything the fetch stage gathered for one cycle.
// failed maps fetch task to its final classified error; a task absent
// from both its slice and failed simply had nothing to report.
type cycleInputs struct {
	samples []domain.RawYieldSample
	ticks   []domain.PriceTick
	books   []domain.OrderBookSnapshot
	caps    []domain.MarketCap
	tbill   *domain.TBillRate
	failed  map[string]error
}

// fetchAll gathers the cycle's market inputs concurrently, fan-out bounded
// per source kind. A failed fetch records its task and the cycle continues
// with whatever arrived.
func (r *Runner) fetchAll(ctx context.Context) *cycleInputs {
	in := &cycleInputs{failed: make(map[string]error)}
	var mu sync.Mutex

	limit := int64(r.settings.Scheduler.MaxConcurrentPerKind)
	sems := map[domain.SourceKind]*semaphore.Weighted{
		domain.SourceKindCeFi: semaphore.NewWeighted(limit),
		domain.SourceKindDeFi: semaphore.NewWeighted(limit),
		kindAux:               semaphore.NewWeighted(limit),
	}
	symbols := r.settings.SymbolList()

	g, gctx := errgroup.WithContext(ctx)
	run := func(kind domain.SourceKind, task string, fetch func(context.Context) error) {
		g.Go(func() error {
			sem := sems[kind]
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			if err := fetch(gctx); err != nil {
				mu.Lock()
				in.failed[task] = err
				mu.Unlock()
			}
			return nil
		})
	}

	for i := range r.sources {
		src := r.sources[i]
		ident := src.adapter.Identity()

		run(ident.Kind, ident.ID+"/yields", func(ctx context.Context) error {
			return src.guard.Do(ctx, func(ctx context.Context) error {
				samples, err := src.adapter.FetchYields(ctx)
				if err != nil {
					return err
				}
				mu.Lock()
				in.samples = append(in.samples, samples...)
				mu.Unlock()
				return nil
			})
		})

		if prices, ok := src.adapter.(domain.PriceSource); ok {
			run(ident.Kind, ident.ID+"/prices", func(ctx context.Context) error {
				return src.guard.Do(ctx, func(ctx context.Context) error {
					ticks, err := prices.FetchPrices(ctx, symbols)
					if err != nil {
						return err
					}
					mu.Lock()
					in.ticks = append(in.ticks, ticks...)
					mu.Unlock()
					return nil
				})
			})
		}

		if books, ok := src.adapter.(domain.OrderBookSource); ok {
			run(ident.Kind, ident.ID+"/books", func(ctx context.Context) error {
				return src.guard.Do(ctx, func(ctx context.Context) error {
					snapshots, err := books.FetchOrderBooks(ctx, symbols)
					if err != nil {
						return err
					}
					mu.Lock()
					in.books = append(in.books, snapshots...)
					mu.Unlock()
					return nil
				})
			})
		}
	}

	if r.marketCaps != nil {
		run(kindAux, r.capsGuard.id, func(ctx context.Context) error {
			return r.capsGuard.Do(ctx, func(ctx context.Context) error {
				caps, err := r.marketCaps.FetchMarketCaps(ctx, symbols)
				if err != nil {
					return err
				}
				mu.Lock()
				in.caps = append(in.caps, caps...)
				mu.Unlock()
				return nil
			})
		})
	}

	if r.rates != nil {
		run(kindAux, r.ratesGuard.id, func(ctx context.Context) error {
			return r.ratesGuard.Do(ctx, func(ctx context.Context) error {
				tbill, err := r.rates.FetchTBillRate(ctx)
				if err != nil {
					return err
				}
				mu.Lock()
				in.tbill = &tbill
				mu.Unlock()
				return nil
			})
		})
	}

	_ = g.Wait()

	if len(in.failed) > 0 {
		tasks := make([]string, 0, len(in.failed))
		for task := range in.failed {
			tasks = append(tasks, task)
		}
		sort.Strings(tasks)
		r.log.Warn().Strs("tasks", tasks).Msg("Fetches failed, cycle continues degraded")
	}
	return in
}
