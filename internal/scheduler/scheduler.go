// Package scheduler runs FieldSync's periodic maintenance with cron expressions:
// garbage collection of synced mutations and background prefetch of reference data.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules.
const (
	DefaultGCSpec       = "0 * * * *"    // hourly
	DefaultPrefetchSpec = "*/30 * * * *" // every 30 minutes
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Job is a named maintenance task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// AddJobs schedules each job. Runs share ctx, so cancelling it aborts in-flight work.
func (s *Scheduler) AddJobs(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		job := job
		if job.Spec == "" {
			slog.Debug("Scheduler.AddJobs: job disabled", "job", job.Name)
			continue
		}
		err := s.AddJob(job.Spec, func() {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				slog.Error("Scheduler: job failed", "job", job.Name, "error", err)
				return
			}
			slog.Debug("Scheduler: job finished", "job", job.Name, "duration", time.Since(start))
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
		}
		slog.Info("Scheduler.AddJobs: job scheduled", "job", job.Name, "spec", job.Spec)
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
