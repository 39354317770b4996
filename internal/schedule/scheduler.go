// Package schedule runs the gateway's recurring jobs: master contract
// refresh, session sweeps, sandbox square-off, and fund resets.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Func adapts a closure to Job.
type Func struct {
	JobName string
	Fn      func() error
}

// NewJob wraps a closure as a named Job.
func NewJob(name string, fn func() error) Func {
	return Func{JobName: name, Fn: fn}
}

func (f Func) Run() error   { return f.Fn() }
func (f Func) Name() string { return f.JobName }

// Scheduler manages background jobs. Schedules are evaluated in the
// configured location, and a slow run is skipped rather than stacked.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler evaluating cron expressions in loc.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log: log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers a job with a cron schedule ("15 15 * * 1-5", "@hourly",
// "@every 30s"). The returned ID can be passed to Remove.
func (s *Scheduler) AddJob(schedule string, job Job) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(schedule, func() {
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return 0, err
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return id, nil
}

// Remove deregisters a job. Used when schedules are reconfigured at runtime.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run()
}
