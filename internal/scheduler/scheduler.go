// Package scheduler runs named recurring jobs on a cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context)

// Scheduler manages cron-based recurring jobs. A job that is still running
// when its next tick arrives skips that tick, and a panic inside a job is
// logged without stopping later ticks.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string][]cron.EntryID // name → entry IDs
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		jobs:   make(map[string][]cron.EntryID),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start begins the cron scheduler. Blocks until context is cancelled, then
// waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// AddJob adds a job under name. The schedule is a standard cron expression
// (5 fields) or a predefined schedule like @every 1h.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}

	s.jobs[name] = append(s.jobs[name], id)
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// Every adds a job that fires at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %q: interval must be positive, got %s", name, interval)
	}
	return s.AddJob(name, "@every "+interval.String(), fn)
}

func (s *Scheduler) run(name string, fn JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", name, "panic", r)
		}
	}()
	fn(s.ctx)
}

// RemoveJob removes all entries registered under name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobs[name] {
		s.cron.Remove(id)
	}
	delete(s.jobs, name)
}

// ListJobs returns all entry IDs for name.
func (s *Scheduler) ListJobs(name string) []cron.EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[name]
}

// JobCount returns the total number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, ids := range s.jobs {
		total += len(ids)
	}
	return total
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
