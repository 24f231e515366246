// Package restrack samples and enforces per-job resource budgets: CPU time,
// memory, disk, and wall clock. Sampling is advisory and asynchronous; it
// never blocks job progress. On a breach the tracker fires the breach
// callback exactly once so the caller can kill the sandbox.
package restrack

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

// Dimension names a budgeted resource.
type Dimension string

const (
	DimCPUTime   Dimension = "cpu_time"
	DimMemory    Dimension = "memory"
	DimDisk      Dimension = "disk"
	DimWallClock Dimension = "wall_clock"
)

// Violation reports which budget was breached and by how much.
type Violation struct {
	Dimension Dimension
	Observed  int64 // bytes, or milliseconds for time dimensions
	Limit     int64
}

func (v Violation) String() string {
	switch v.Dimension {
	case DimMemory, DimDisk:
		return fmt.Sprintf("%s budget exceeded: used %d bytes of %d allowed", v.Dimension, v.Observed, v.Limit)
	default:
		return fmt.Sprintf("%s budget exceeded: used %s of %s allowed",
			v.Dimension, time.Duration(v.Observed)*time.Millisecond, time.Duration(v.Limit)*time.Millisecond)
	}
}

// Budget is the set of ceilings for one job. Zero values mean unlimited.
type Budget struct {
	CPUTime     time.Duration
	MemoryBytes int64
	DiskBytes   int64
	WallTime    time.Duration
}

// Tracker is the per-worker sampler configuration, shared by all jobs. The
// counters it maintains are private to each monitored job.
type Tracker struct {
	interval time.Duration
	log      *zap.Logger
}

func New(sampleInterval time.Duration, log *zap.Logger) *Tracker {
	if sampleInterval <= 0 {
		sampleInterval = 500 * time.Millisecond
	}
	return &Tracker{interval: sampleInterval, log: log}
}

// Interval returns the sampling period.
func (t *Tracker) Interval() time.Duration { return t.interval }

// Monitor is one job's live usage counters.
type Monitor struct {
	mu    sync.Mutex
	usage coordinator.Usage
	viol  *Violation
}

// Usage returns the latest observed usage snapshot.
func (m *Monitor) Usage() coordinator.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Violation returns the breach that stopped the job, if any.
func (m *Monitor) Violation() *Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viol
}

// Watch samples the process and workdir until ctx is canceled or a budget is
// breached. onBreach is invoked at most once, from the sampling goroutine.
// The returned monitor stays readable after Watch stops.
func (t *Tracker) Watch(ctx context.Context, pid int, workdir string, budget Budget, onBreach func(Violation)) *Monitor {
	m := &Monitor{}
	start := time.Now()

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			sample := t.sample(pid, workdir, start)

			m.mu.Lock()
			m.usage = sample
			v := breach(budget, sample)
			if v != nil && m.viol == nil {
				m.viol = v
			} else {
				v = nil // already reported
			}
			m.mu.Unlock()

			if v != nil {
				t.log.Info("Resource budget breached",
					zap.Int("pid", pid), zap.String("dimension", string(v.Dimension)),
					zap.Int64("observed", v.Observed), zap.Int64("limit", v.Limit))
				onBreach(*v)
				return
			}
		}
	}()

	return m
}

// sample reads current usage. Individual probes that fail (e.g. the process
// already exited between ticks) contribute their previous value of zero;
// wall clock always advances.
func (t *Tracker) sample(pid int, workdir string, start time.Time) coordinator.Usage {
	u := coordinator.Usage{
		WallTime: time.Since(start),
	}
	u.WallTimeSeconds = u.WallTime.Seconds()

	if cpu, err := processCPUTime(pid); err == nil {
		u.CPUTimeSeconds = cpu.Seconds()
	}
	if rss, err := processRSS(pid); err == nil {
		u.MemoryPeakBytes = rss
	}
	if disk, err := dirSize(workdir); err == nil {
		u.DiskBytes = disk
	}
	return u
}

func breach(b Budget, u coordinator.Usage) *Violation {
	if b.WallTime > 0 && u.WallTime > b.WallTime {
		return &Violation{DimWallClock, u.WallTime.Milliseconds(), b.WallTime.Milliseconds()}
	}
	if b.CPUTime > 0 && u.CPUTimeSeconds > b.CPUTime.Seconds() {
		return &Violation{DimCPUTime, int64(u.CPUTimeSeconds * 1000), b.CPUTime.Milliseconds()}
	}
	if b.MemoryBytes > 0 && u.MemoryPeakBytes > b.MemoryBytes {
		return &Violation{DimMemory, u.MemoryPeakBytes, b.MemoryBytes}
	}
	if b.DiskBytes > 0 && u.DiskBytes > b.DiskBytes {
		return &Violation{DimDisk, u.DiskBytes, b.DiskBytes}
	}
	return nil
}

// dirSize walks the workdir summing file sizes. Symlinked dependency content
// is not followed, so shared cache entries do not count against the job.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files vanishing mid-walk are normal for a running job.
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
