package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/reliability"
	"github.com/stableyield/indexd/internal/scheduler"
	"github.com/stableyield/indexd/internal/sourcecache"
)

// Maintenance cadences. The computation schedules come from settings; these
// run off-peak and are not deployment-tunable.
const (
	checkpointSchedule = "0 15 * * * *"  // hourly, minute 15
	retentionSchedule  = "0 30 3 * * *"  // daily 03:30
	ringSchedule       = "0 */5 * * * *" // every 5 minutes
	cacheSchedule      = "0 45 2 * * *"  // daily 02:45
	healthSchedule     = "0 0 */6 * * *" // every 6 hours
	vacuumSchedule     = "0 0 4 * * 0"   // Sunday 04:00
	backupSchedule     = "0 10 1 * * *"  // daily 01:10
)

type scheduledJob struct {
	schedule string
	job      scheduler.Job
}

// RegisterJobs creates the scheduler and registers the computation and
// maintenance jobs. Nothing runs until the scheduler is started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(log)
	container.Scheduler = sched

	jobs := []scheduledJob{
		{cfg.Settings.Scheduler.CycleSchedule, scheduler.NewJobFunc("index_cycle", func(ctx context.Context) error {
			return container.Runner.RunCycle(ctx)
		})},
		{cfg.Settings.Scheduler.RegimeSchedule, scheduler.NewJobFunc("regime_daily", func(ctx context.Context) error {
			return container.RegimeService.RunDaily(ctx, time.Now().UTC())
		})},
	}

	dbs := container.Databases()
	jobs = append(jobs,
		scheduledJob{checkpointSchedule, reliability.NewCheckpointJob(dbs, log)},
		scheduledJob{retentionSchedule, reliability.NewRetentionJob(container.Store, cfg.Settings.Retention, log)},
		scheduledJob{ringSchedule, reliability.NewRingSnapshotJob(container.Tracker, container.SourceCache, log)},
		scheduledJob{cacheSchedule, sourcecache.NewCleanupJob(container.SourceCache, log)},
		scheduledJob{healthSchedule, reliability.NewHealthJob(dbs, log)},
	)
	for _, db := range dbs {
		jobs = append(jobs, scheduledJob{vacuumSchedule, reliability.NewVacuumJob(db, log)})
	}
	if cfg.Backup.Enabled {
		jobs = append(jobs, scheduledJob{backupSchedule, reliability.NewBackupJob(container.Backups)})
	}

	for _, j := range jobs {
		if err := sched.Register(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register %s job: %w", j.job.Name(), err)
		}
	}

	return nil
}
