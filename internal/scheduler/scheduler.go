// Package scheduler drives the periodic computation jobs: the minute index
// cycle, the daily regime evaluation and the maintenance jobs. Schedules are
// cron expressions with a seconds field. A tick that fires while the previous
// run of the same job is still in flight is skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a closure to the Job interface.
type JobFunc struct {
	name string
	fn   func(context.Context) error
}

// NewJobFunc wraps fn as a named job.
func NewJobFunc(name string, fn func(context.Context) error) JobFunc {
	return JobFunc{name: name, fn: fn}
}

// Name returns the job name.
func (j JobFunc) Name() string { return j.name }

// Run executes the wrapped closure.
func (j JobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// JobStatus is one job's schedule and last-run outcome, served on the
// status endpoint.
type JobStatus struct {
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Running    bool       `json:"running"`
	LastStart  *time.Time `json:"last_start,omitempty"`
	LastFinish *time.Time `json:"last_finish,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

type jobRecord struct {
	job        Job
	schedule   string
	entryID    cron.EntryID
	running    bool
	lastStart  time.Time
	lastFinish time.Time
	lastError  string
}

// Scheduler manages the background jobs.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu      sync.Mutex
	records []*jobRecord
	byName  map[string]*jobRecord
}

// New creates a scheduler. Jobs receive a context that is canceled after
// Stop has drained the in-flight runs.
func New(log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "scheduler").Logger(),
		byName: make(map[string]*jobRecord),
	}
	return s
}

// Register adds a job on the given cron schedule (seconds field included,
// @every descriptors accepted). Job names must be unique.
func (s *Scheduler) Register(schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[job.Name()]; ok {
		return fmt.Errorf("scheduler: job %q already registered", job.Name())
	}

	rec := &jobRecord{job: job, schedule: schedule}
	id, err := s.cron.AddFunc(schedule, func() { s.runJob(rec) })
	if err != nil {
		return fmt.Errorf("scheduler: register %q: %w", job.Name(), err)
	}
	rec.entryID = id
	s.records = append(s.records, rec)
	s.byName[job.Name()] = rec

	s.log.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.records)).Msg("Scheduler started")
}

// Stop prevents new ticks, waits for in-flight runs to finish, then
// cancels the job context. Every job bounds its own work with a deadline,
// so the wait terminates.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.log.Info().Msg("Scheduler stopped")
}

// RunNow executes a registered job immediately, outside its schedule and
// outside the overlap guard.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	rec, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.log.Info().Str("job", name).Msg("Running job on demand")
	return rec.job.Run(s.ctx)
}

// Status reports every registered job in registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.records))
	for _, rec := range s.records {
		st := JobStatus{
			Name:     rec.job.Name(),
			Schedule: rec.schedule,
			Running:  rec.running,
		}
		if !rec.lastStart.IsZero() {
			t := rec.lastStart
			st.LastStart = &t
		}
		if !rec.lastFinish.IsZero() {
			t := rec.lastFinish
			st.LastFinish = &t
		}
		st.LastError = rec.lastError
		if next := s.cron.Entry(rec.entryID).Next; !next.IsZero() {
			n := next
			st.NextRun = &n
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) runJob(rec *jobRecord) {
	s.mu.Lock()
	if rec.running {
		s.mu.Unlock()
		s.log.Warn().
			Str("job", rec.job.Name()).
			Msg("Previous run still in flight, tick skipped")
		return
	}
	rec.running = true
	rec.lastStart = time.Now().UTC()
	s.mu.Unlock()

	err := rec.job.Run(s.ctx)

	s.mu.Lock()
	rec.running = false
	rec.lastFinish = time.Now().UTC()
	if err != nil {
		rec.lastError = err.Error()
	} else {
		rec.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("job", rec.job.Name()).Msg("Job failed")
	} else {
		s.log.Debug().Str("job", rec.job.Name()).Msg("Job completed")
	}
}
