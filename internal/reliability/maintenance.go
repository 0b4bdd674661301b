package reliability

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/modules/peg"
	"github.com/stableyield/indexd/internal/sourcecache"
	"github.com/stableyield/indexd/internal/store"
)

// CheckpointJob truncates the WAL of every database so the main files stay
// current and WAL growth stays bounded.
type CheckpointJob struct {
	dbs []*database.DB
	log zerolog.Logger
}

func NewCheckpointJob(dbs []*database.DB, log zerolog.Logger) *CheckpointJob {
	return &CheckpointJob{dbs: dbs, log: log.With().Str("component", "maintenance").Logger()}
}

func (j *CheckpointJob) Name() string { return "wal_checkpoint" }

// Run checkpoints each database. A checkpoint blocked by a concurrent reader
// is logged and retried on the next tick, not returned as a failure.
func (j *CheckpointJob) Run(ctx context.Context) error {
	for _, db := range j.dbs {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}
	return nil
}

// RetentionJob deletes series rows older than the configured horizons.
type RetentionJob struct {
	store store.Store
	cfg   config.RetentionConfig
	log   zerolog.Logger
}

func NewRetentionJob(st store.Store, cfg config.RetentionConfig, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{store: st, cfg: cfg, log: log.With().Str("component", "maintenance").Logger()}
}

func (j *RetentionJob) Name() string { return "retention_sweep" }

func (j *RetentionJob) Run(ctx context.Context) error {
	deleted, err := j.store.RetentionSweep(ctx, j.cfg)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("rows", deleted).Msg("Retention sweep removed expired rows")
	}
	return nil
}

// RingSnapshotJob persists the peg tracker's in-memory price rings so a
// restart does not blank the deviation windows.
type RingSnapshotJob struct {
	tracker *peg.Tracker
	repo    *sourcecache.Repository
	log     zerolog.Logger
}

func NewRingSnapshotJob(tracker *peg.Tracker, repo *sourcecache.Repository, log zerolog.Logger) *RingSnapshotJob {
	return &RingSnapshotJob{tracker: tracker, repo: repo, log: log.With().Str("component", "maintenance").Logger()}
}

func (j *RingSnapshotJob) Name() string { return "peg_ring_snapshot" }

func (j *RingSnapshotJob) Run(ctx context.Context) error {
	saved := 0
	for _, symbol := range j.tracker.Symbols() {
		samples := j.tracker.Snapshot(symbol)
		if len(samples) == 0 {
			continue
		}
		if err := j.repo.SaveRingSnapshot(symbol, samples); err != nil {
			return err
		}
		saved++
	}
	if saved > 0 {
		j.log.Debug().Int("symbols", saved).Msg("Peg rings snapshotted")
	}
	return nil
}

// RestoreRings reloads persisted peg rings into the tracker at startup.
func RestoreRings(tracker *peg.Tracker, repo *sourcecache.Repository, symbols []string, log zerolog.Logger) {
	restored := 0
	for _, symbol := range symbols {
		var samples []peg.RingSample
		found, err := repo.LoadRingSnapshot(symbol, &samples)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to load peg ring snapshot")
			continue
		}
		if !found || len(samples) == 0 {
			continue
		}
		tracker.Restore(symbol, samples)
		restored++
	}
	if restored > 0 {
		log.Info().Int("symbols", restored).Msg("Peg rings restored")
	}
}

// VacuumJob compacts one database file.
type VacuumJob struct {
	db  *database.DB
	log zerolog.Logger
}

func NewVacuumJob(db *database.DB, log zerolog.Logger) *VacuumJob {
	return &VacuumJob{db: db, log: log.With().Str("component", "maintenance").Logger()}
}

func (j *VacuumJob) Name() string { return "vacuum_" + j.db.Name() }

func (j *VacuumJob) Run(ctx context.Context) error {
	before := fileSize(j.db.Path())
	if err := j.db.Vacuum(); err != nil {
		return err
	}
	j.log.Info().
		Str("database", j.db.Name()).
		Int64("bytes_before", before).
		Int64("bytes_after", fileSize(j.db.Path())).
		Msg("Vacuum completed")
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// HealthJob pings and integrity-checks every database.
type HealthJob struct {
	dbs []*database.DB
	log zerolog.Logger
}

func NewHealthJob(dbs []*database.DB, log zerolog.Logger) *HealthJob {
	return &HealthJob{dbs: dbs, log: log.With().Str("component", "maintenance").Logger()}
}

func (j *HealthJob) Name() string { return "db_health" }

func (j *HealthJob) Run(ctx context.Context) error {
	for _, db := range j.dbs {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", db.Name(), err)
		}
	}
	return nil
}

// BackupJob runs the backup service on its schedule.
type BackupJob struct {
	svc *BackupService
}

func NewBackupJob(svc *BackupService) *BackupJob {
	return &BackupJob{svc: svc}
}

func (j *BackupJob) Name() string { return "store_backup" }

func (j *BackupJob) Run(ctx context.Context) error {
	_, err := j.svc.Backup(ctx)
	return err
}
