package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/eventem-go/internal/config"
)

// ReplayJobResult records the outcome of one scheduled replay run.
type ReplayJobResult struct {
	Status          string
	DurationSeconds float64
	Timestamp       time.Time
}

// ReplayJob guards one run config against overlapping scheduled
// executions.
type ReplayJob struct {
	Name string
	Cfg  *config.RunConfig

	mu         sync.Mutex
	running    bool
	LastResult *ReplayJobResult
}

// RunFunc executes one replay job to completion.
type RunFunc func(ctx context.Context, job *ReplayJob) error

// Scheduler runs a fixed set of replay jobs on independent cron schedules
// for batch re-processing of captured acquisition files: one cron entry
// per replay job, each guarded against overlapping executions.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*ReplayJob
}

// NewScheduler registers one cron entry per (schedule, job) pair.
func NewScheduler(logger *slog.Logger, runFn RunFunc, entries map[string]*ReplayJob) (*Scheduler, error) {
	s := &Scheduler{logger: logger}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for schedule, job := range entries {
		s.jobs = append(s.jobs, job)
		jobRef := job
		scheduleRef := schedule
		if _, err := c.AddFunc(schedule, func() { s.execute(jobRef, runFn) }); err != nil {
			return nil, fmt.Errorf("pipeline: adding cron schedule %q for %q: %w", scheduleRef, jobRef.Name, err)
		}
		logger.Info("registered replay job", "name", jobRef.Name, "schedule", schedule)
	}

	s.cron = c
	return s, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop stops the scheduler and waits for in-flight jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Jobs returns the registered replay jobs.
func (s *Scheduler) Jobs() []*ReplayJob { return s.jobs }

func (s *Scheduler) execute(job *ReplayJob, runFn RunFunc) {
	logger := s.logger.With("job", job.Name)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		logger.Warn("replay already running, skipping scheduled execution")
		job.LastResult = &ReplayJobResult{Status: "skipped", Timestamp: time.Now()}
		return
	}
	job.running = true
	job.mu.Unlock()
	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	logger.Info("scheduled replay triggered")
	start := time.Now()
	err := runFn(context.Background(), job)
	duration := time.Since(start)

	if err != nil {
		logger.Error("replay failed", "error", err, "duration", duration)
		job.LastResult = &ReplayJobResult{Status: "failed", DurationSeconds: duration.Seconds(), Timestamp: time.Now()}
		return
	}
	logger.Info("replay completed", "duration", duration)
	job.LastResult = &ReplayJobResult{Status: "completed", DurationSeconds: duration.Seconds(), Timestamp: time.Now()}
}
