// Package main is the entry point for indexd, the StableYield index engine.
// It polls venue and on-chain yield sources, composes the SYI family of
// stablecoin yield indices, maintains the daily risk regime, and serves the
// HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/di"
	"github.com/stableyield/indexd/internal/reliability"
	"github.com/stableyield/indexd/internal/server"
	"github.com/stableyield/indexd/pkg/logger"
)

// main orchestrates the startup sequence:
//  1. Load configuration from environment and the optional settings file
//  2. Apply a staged restore, if one is pending, before any database opens
//  3. Wire databases, store, computation modules, sources and jobs
//  4. Warm peg rings and regime state from the previous run
//  5. Start the HTTP server and the scheduler
//  6. Wait for SIGINT/SIGTERM, then persist warm state and shut down
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Fallback logger so the configuration error itself is visible.
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("store", cfg.StoreBackend).
		Bool("degraded", cfg.DegradedMode).
		Msg("Starting indexd")

	// A staged restore replaces database files and must land before any
	// connection is opened.
	restored, err := reliability.ApplyPendingRestore(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to apply staged restore")
	}
	if restored {
		log.Info().Msg("Staged restore applied, proceeding with normal startup")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close(log)

	// Warm state from the previous run: peg rings come from cache snapshots,
	// the regime machine from the store.
	reliability.RestoreRings(container.Tracker, container.SourceCache, cfg.Settings.SymbolList(), log)
	if err := container.RegimeService.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore regime state, starting fresh")
	}

	if container.Bitfinex != nil {
		container.Bitfinex.StartStream(ctx)
	}

	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		AppConfig:  cfg,
		Settings:   cfg.Settings,
		Store:      container.Store,
		Databases:  container.Databases(),
		Metrics:    container.Metrics,
		Runner:     container.Runner,
		Scheduler:  container.Scheduler,
		Recomputer: container.Recomputer,
		Backups:    container.Backups,
		Monitor:    container.Monitor,
		Stream:     container.Stream,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	container.Scheduler.Start()
	log.Info().Int("port", cfg.Port).Msg("indexd started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	// No new cycles once the scheduler stops; an in-flight cycle finishes
	// under its own deadline.
	container.Scheduler.Stop()

	// Persist warm state so the next start resumes where this one left off.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 15*time.Second)
	snapshot := reliability.NewRingSnapshotJob(container.Tracker, container.SourceCache, log)
	if err := snapshot.Run(persistCtx); err != nil {
		log.Error().Err(err).Msg("Failed to snapshot peg rings")
	}
	if err := container.RegimeService.Persist(persistCtx); err != nil {
		log.Error().Err(err).Msg("Failed to persist regime state")
	}
	persistCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("indexd stopped")
}
