package sourcecache

import (
	"context"

	"github.com/rs/zerolog"
)

// CleanupJob removes expired source payloads. Scheduled to run daily.
type CleanupJob struct {
	repo *Repository
	log  zerolog.Logger
}

// NewCleanupJob creates a new source cache cleanup job.
func NewCleanupJob(repo *Repository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "source_cache_cleanup").Logger(),
	}
}

// Run executes the cleanup job.
func (j *CleanupJob) Run(ctx context.Context) error {
	deleted, err := j.repo.DeleteExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete expired source payloads")
		return err
	}

	if deleted > 0 {
		j.log.Info().
			Int64("deleted", deleted).
			Msg("Source cache cleanup completed")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "source_cache_cleanup"
}
