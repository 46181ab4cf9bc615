// Package trigger runs the periodic queue drain and alert check in-process
// for deployments without an external cron calling the HTTP endpoints.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// EveryMinute is the cadence the alert schedule matching assumes.
const EveryMinute = "* * * * *"

// Job is one periodic pass. It must be safe to run while a previous pass
// of another process is still in flight.
type Job func(ctx context.Context) error

// Scheduler manages cron entries.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Job
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler creates a scheduler evaluating specs in loc. Each run gets
// timeout as its deadline. Cron expressions use the standard 5-field format.
func NewScheduler(loc *time.Location, timeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		jobs:    make(map[string]Job),
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// Register adds a job under name. A run that is still going when the next
// tick fires causes that tick to be skipped.
func (s *Scheduler) Register(name, spec string, job Job) error {
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		s.run(name, job)
	}))
	if _, err := s.cron.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("registering cron %q for %s: %w", spec, name, err)
	}
	s.jobs[name] = job
	return nil
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	err := job(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err)
		return err
	}
	s.logger.Debug("scheduled job finished", "job", name, "duration", time.Since(started))
	return nil
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
