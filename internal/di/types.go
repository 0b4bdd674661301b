// Package di wires the application in dependency order: databases, store,
// computation modules, source adapters, the pipeline, background jobs and
// the HTTP server. Wire() is the single entry point; the Container it
// returns is what cmd/server runs and shuts down.
package di

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/clients/bitfinex"
	"github.com/stableyield/indexd/internal/clients/coingecko"
	"github.com/stableyield/indexd/internal/clients/defillama"
	"github.com/stableyield/indexd/internal/clients/fred"
	"github.com/stableyield/indexd/internal/clients/kraken"
	"github.com/stableyield/indexd/internal/database"
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
	"github.com/stableyield/indexd/internal/sourcecache"
	"github.com/stableyield/indexd/internal/store"
)

// Container holds every constructed dependency. It is the single source of
// truth for service instances; cmd/server drives its lifecycle.
type Container struct {
	// Databases. IndexDB holds the benchmark streams and is nil when the
	// Timescale backend is selected; CacheDB always holds the local source
	// cache and ring snapshots.
	IndexDB *database.DB
	CacheDB *database.DB

	// Persistence.
	Store       store.Store
	SourceCache *sourcecache.Repository

	// Cross-cutting.
	Bus     *events.Bus
	Metrics *metrics.Metrics

	// Computation modules, stateless except for the peg tracker's rings.
	Tracker    *peg.Tracker
	Depth      *liquidity.Calculator
	Filter     *liquidity.Filter
	Sanitizer  *sanitizer.Sanitizer
	RAY        *ray.Calculator
	Compositor *index.Compositor
	Engine     *regime.Engine

	// Source adapters. Each is nil when disabled in settings.
	DefiLlama *defillama.Client
	Kraken    *kraken.Client
	Bitfinex  *bitfinex.Client
	CoinGecko *coingecko.Client
	Fred      *fred.Client

	// Orchestration.
	Runner        *pipeline.Runner
	RegimeService *pipeline.RegimeService
	Recomputer    *scheduler.Recomputer
	Scheduler     *scheduler.Scheduler

	// Operational surface. The HTTP server itself is built in cmd/server
	// from these pieces.
	Backups *reliability.BackupService
	Monitor *server.StatusMonitor
	Stream  *server.EventsStreamHandler
}

// Databases returns the open SQLite handles, index first when present.
// Backup and maintenance jobs operate on this list.
func (c *Container) Databases() []*database.DB {
	var dbs []*database.DB
	if c.IndexDB != nil {
		dbs = append(dbs, c.IndexDB)
	}
	if c.CacheDB != nil {
		dbs = append(dbs, c.CacheDB)
	}
	return dbs
}

// Close releases everything Wire opened, in reverse dependency order.
// The scheduler and HTTP server must already be stopped.
func (c *Container) Close(log zerolog.Logger) {
	if c.Bitfinex != nil {
		c.Bitfinex.Close()
	}
	if closer, ok := c.Store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	for _, db := range c.Databases() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}
