package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/clients/bitfinex"
	"github.com/stableyield/indexd/internal/clients/coingecko"
	"github.com/stableyield/indexd/internal/clients/defillama"
	"github.com/stableyield/indexd/internal/clients/fred"
	"github.com/stableyield/indexd/internal/clients/kraken"
	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/events"
	"github.com/stableyield/indexd/internal/metrics"
	"github.com/stableyield/indexd/internal/modules/index"
	"github.com/stableyield/indexd/internal/modules/liquidity"
	"github.com/stableyield/indexd/internal/modules/peg"
	"github.com/stableyield/indexd/internal/modules/ray"
	"github.com/stableyield/indexd/internal/modules/regime"
	"github.com/stableyield/indexd/internal/modules/sanitizer"
	"github.com/stableyield/indexd/internal/pipeline"
	"github.com/stableyield/indexd/internal/reliability"
	"github.com/stableyield/indexd/internal/scheduler"
	"github.com/stableyield/indexd/internal/server"
)

// InitializeServices builds the computation modules, the source adapters and
// the pipeline on top of the stores. Disabled adapters stay nil and the
// pipeline simply runs without them.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	settings := cfg.Settings

	container.Bus = events.NewBus(log)
	container.Metrics = metrics.New()

	container.Tracker = peg.NewTracker(log)
	container.Depth = liquidity.NewCalculator(log)
	container.Filter = liquidity.NewFilter(settings.Liquidity, log)
	container.Sanitizer = sanitizer.New(settings.Sanitizer, log)
	container.RAY = ray.NewCalculator(settings.RAY, settings.Sources.Registry, log)
	container.Compositor = index.NewCompositor(settings.Index, log)
	container.Engine = regime.NewEngine(settings.Regime, domain.IndexSYI, log)

	deps := pipeline.Deps{
		Settings:   settings,
		Store:      container.Store,
		Tracker:    container.Tracker,
		Depth:      container.Depth,
		Filter:     container.Filter,
		Sanitizer:  container.Sanitizer,
		RAY:        container.RAY,
		Compositor: container.Compositor,
		Metrics:    container.Metrics,
		Bus:        container.Bus,
		Log:        log,
	}

	symbols := settings.SymbolList()

	if src := settings.Sources.DefiLlama; src.Enabled {
		container.DefiLlama = defillama.NewClient(src, symbols, container.SourceCache, cfg.DegradedMode, log)
		deps.Sources = append(deps.Sources, pipeline.Source{Adapter: container.DefiLlama, RPS: src.RateLimitRPS})
	}
	if src := settings.Sources.Kraken; src.Enabled {
		container.Kraken = kraken.NewClient(src, container.SourceCache, cfg.DegradedMode, log)
		deps.Sources = append(deps.Sources, pipeline.Source{Adapter: container.Kraken, RPS: src.RateLimitRPS})
	}
	if src := settings.Sources.Bitfinex; src.Enabled {
		container.Bitfinex = bitfinex.NewClient(src, symbols, container.SourceCache, cfg.DegradedMode, log)
		deps.Sources = append(deps.Sources, pipeline.Source{Adapter: container.Bitfinex, RPS: src.RateLimitRPS})
	}
	if src := settings.Sources.CoinGecko; src.Enabled {
		container.CoinGecko = coingecko.NewClient(src, container.SourceCache, log)
		deps.MarketCaps = container.CoinGecko
		deps.MarketCapsRPS = src.RateLimitRPS
		deps.MarketCapsName = "coingecko"
	}
	if src := settings.Sources.Fred; src.Enabled {
		if cfg.FredAPIKey == "" {
			log.Warn().Msg("FRED source enabled but FRED_API_KEY is empty, T-Bill fetch disabled")
		} else {
			container.Fred = fred.NewClient(src, cfg.FredAPIKey, container.SourceCache, log)
			deps.Rates = container.Fred
			deps.RatesRPS = src.RateLimitRPS
			deps.RatesName = "fred"
		}
	}
	if len(deps.Sources) == 0 {
		return fmt.Errorf("no yield sources enabled")
	}

	container.Runner = pipeline.NewRunner(deps)
	container.RegimeService = pipeline.NewRegimeService(container.Store, container.Engine, container.Metrics, container.Bus, log)
	container.Recomputer = scheduler.NewRecomputer(container.Runner, container.Store, log)

	container.Monitor = server.NewStatusMonitor(container.Bus)
	container.Stream = server.NewEventsStreamHandler(container.Bus, log)

	// Backups always work against the local directory; the object store is
	// attached only when a bucket is configured.
	var remote *reliability.ObjectStore
	if cfg.Backup.Enabled && cfg.Backup.Bucket != "" {
		var err error
		remote, err = reliability.NewObjectStore(ctx, cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup object store: %w", err)
		}
	}
	container.Backups = reliability.NewBackupService(container.Databases(), remote, cfg.DataDir, cfg.Backup.Keep, container.Bus, log)

	log.Info().
		Int("sources", len(deps.Sources)).
		Bool("market_caps", deps.MarketCaps != nil).
		Bool("rates", deps.Rates != nil).
		Bool("remote_backups", remote != nil).
		Msg("Services initialized")

	return nil
}
