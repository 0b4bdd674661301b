package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/sourcecache"
	"github.com/stableyield/indexd/internal/store"
	"github.com/stableyield/indexd/internal/store/timescale"
)

// InitializeStores selects the series store backend and creates the source
// cache repository. The Timescale backend runs its own migrations, which
// install one retention policy per stream.
func InitializeStores(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	switch cfg.StoreBackend {
	case "timescale":
		ts, err := timescale.Open(timescale.DefaultConfig(cfg.DatabaseURL), log)
		if err != nil {
			return fmt.Errorf("failed to open timescale store: %w", err)
		}
		if err := ts.Migrate(ctx, cfg.Settings.Retention); err != nil {
			_ = ts.Close()
			return fmt.Errorf("failed to migrate timescale store: %w", err)
		}
		container.Store = ts
	default:
		container.Store = store.NewSQLite(container.IndexDB.Conn(), log)
	}

	container.SourceCache = sourcecache.NewRepository(container.CacheDB.Conn())
	return nil
}
