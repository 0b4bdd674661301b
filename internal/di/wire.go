package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
)

// Wire builds the full application container in dependency order. On any
// failure everything opened so far is closed before returning.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeStores(ctx, container, cfg, log); err != nil {
		container.Close(log)
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := InitializeServices(ctx, container, cfg, log); err != nil {
		container.Close(log)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(container, cfg, log); err != nil {
		container.Close(log)
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().
		Str("backend", cfg.StoreBackend).
		Int("jobs", len(container.Scheduler.Status())).
		Msg("Wiring completed")

	return container, nil
}
