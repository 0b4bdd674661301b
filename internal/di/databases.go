package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
)

// InitializeDatabases opens the SQLite databases and applies their schemas.
// The series database is skipped for the Timescale backend; the cache
// database is local state and opens for every backend.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	if cfg.StoreBackend != "timescale" {
		indexDB, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, "index.db"),
			Profile: database.ProfileSeries,
			Name:    "index",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize index database: %w", err)
		}
		container.IndexDB = indexDB
	}

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		container.Close(log)
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	for _, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			container.Close(log)
			return nil, fmt.Errorf("failed to apply schema to %s: %w", db.Name(), err)
		}
	}

	log.Info().
		Str("backend", cfg.StoreBackend).
		Int("databases", len(container.Databases())).
		Msg("Databases initialized and schemas applied")

	return container, nil
}
