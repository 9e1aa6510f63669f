package progress

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSample is one point-in-time CPU/memory reading, reported
// alongside the frame-rate/processing-rate observables so a host can tell
// a slow run from a starved one.
type ResourceSample struct {
	CPUPercent float64
	RSSBytes   uint64
	At         time.Time
}

// ResourceSampler periodically samples the current process's CPU and
// memory usage via gopsutil.
type ResourceSampler struct {
	proc *process.Process

	mu     sync.RWMutex
	latest ResourceSample
}

// NewResourceSampler constructs a sampler for the current process.
func NewResourceSampler() (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ResourceSampler{proc: proc}, nil
}

// Run samples at the given interval until ctx is cancelled.
func (r *ResourceSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce()
		}
	}
}

func (r *ResourceSampler) sampleOnce() {
	pct, err := r.proc.CPUPercent()
	if err != nil {
		pct = 0
	}
	var rss uint64
	if mi, err := r.proc.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	r.mu.Lock()
	r.latest = ResourceSample{CPUPercent: pct, RSSBytes: rss, At: time.Now()}
	r.mu.Unlock()
}

// Latest returns the most recent sample.
func (r *ResourceSampler) Latest() ResourceSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// SystemCPUPercent reports the whole machine's aggregate CPU usage over the
// given sampling window, used to distinguish a run that is CPU-bound on
// this host from one waiting on a slower upstream transport.
func SystemCPUPercent(window time.Duration) (float64, error) {
	percents, err := cpu.Percent(window, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}
