// Package scheduler runs CarePipe's periodic maintenance jobs.
//
// Jobs use cron expressions or descriptors such as "@every 5m".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler. Jobs do not fire until Run is called.
func NewScheduler() *Scheduler {
	// Standard 5-field cron (min, hour, dom, month, dow) plus @every descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c}
}

// AddJob schedules task under name. It returns an error if spec is invalid.
func (s *Scheduler) AddJob(name, spec string, task func()) error {
	id, err := s.cron.AddFunc(spec, func() {
		slog.Debug("Scheduler.job: running", "job", name)
		task()
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "spec", spec, "entryID", id)
	return nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Run fires jobs until ctx is cancelled, then waits for running jobs to finish.
// It always returns nil so it can sit in an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler.Run: starting", "jobs", s.Jobs())
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
	return nil
}
