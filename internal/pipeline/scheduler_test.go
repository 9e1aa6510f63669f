package pipeline

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nishisan-dev/eventem-go/internal/config"
)

func TestScheduler_SkipsOverlappingExecution(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	job := &ReplayJob{Name: "replay-a", Cfg: &config.RunConfig{Name: "replay-a"}}

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runFn := func(ctx context.Context, j *ReplayJob) error {
		started <- struct{}{}
		<-release
		return nil
	}

	s, err := NewScheduler(logger, runFn, map[string]*ReplayJob{"@every 1h": job})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	go s.execute(job, runFn)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first execution never started")
	}

	// A concurrent execution while the job is still running should be
	// recorded as skipped rather than blocking or double-running.
	s.execute(job, runFn)
	if job.LastResult == nil || job.LastResult.Status != "skipped" {
		t.Fatalf("expected the overlapping execution to be skipped, got %+v", job.LastResult)
	}

	close(release)
	time.Sleep(10 * time.Millisecond)
}

func TestScheduler_RecordsFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	job := &ReplayJob{Name: "replay-b", Cfg: &config.RunConfig{Name: "replay-b"}}
	runFn := func(ctx context.Context, j *ReplayJob) error {
		return context.DeadlineExceeded
	}
	s, err := NewScheduler(logger, runFn, map[string]*ReplayJob{"@every 1h": job})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.execute(job, runFn)
	if job.LastResult == nil || job.LastResult.Status != "failed" {
		t.Fatalf("expected a failed result, got %+v", job.LastResult)
	}
}
