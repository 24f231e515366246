package restrack

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

func TestBreach_Dimensions(t *testing.T) {
	tests := []struct {
		name   string
		budget Budget
		usage  coordinator.Usage
		want   Dimension
	}{
		{
			name:   "within budget",
			budget: Budget{WallTime: time.Minute, MemoryBytes: 1 << 30},
			usage:  coordinator.Usage{WallTime: time.Second, MemoryPeakBytes: 1 << 20},
			want:   "",
		},
		{
			name:   "wall clock exceeded",
			budget: Budget{WallTime: 2 * time.Second},
			usage:  coordinator.Usage{WallTime: 3 * time.Second},
			want:   DimWallClock,
		},
		{
			name:   "cpu time exceeded",
			budget: Budget{CPUTime: time.Second},
			usage:  coordinator.Usage{CPUTimeSeconds: 1.5},
			want:   DimCPUTime,
		},
		{
			name:   "memory exceeded",
			budget: Budget{MemoryBytes: 1 << 20},
			usage:  coordinator.Usage{MemoryPeakBytes: 2 << 20},
			want:   DimMemory,
		},
		{
			name:   "disk exceeded",
			budget: Budget{DiskBytes: 100},
			usage:  coordinator.Usage{DiskBytes: 200},
			want:   DimDisk,
		},
		{
			name:   "zero budget means unlimited",
			budget: Budget{},
			usage:  coordinator.Usage{WallTime: time.Hour, MemoryPeakBytes: 1 << 40},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := breach(tt.budget, tt.usage)
			if tt.want == "" {
				assert.Nil(t, v)
			} else {
				require.NotNil(t, v)
				assert.Equal(t, tt.want, v.Dimension)
			}
		})
	}
}

func TestViolation_String(t *testing.T) {
	v := Violation{Dimension: DimWallClock, Observed: 3000, Limit: 2000}
	assert.Contains(t, v.String(), "wall_clock budget exceeded")
	assert.Contains(t, v.String(), "3s")
	assert.Contains(t, v.String(), "2s")

	m := Violation{Dimension: DimMemory, Observed: 2 << 20, Limit: 1 << 20}
	assert.Contains(t, m.String(), "bytes")
}

func TestDirSize_SkipsSymlinkedContent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "own.dat"), make([]byte, 1000), 0o644))

	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "cache.dat"), make([]byte, 50000), 0o444))
	require.NoError(t, os.Symlink(filepath.Join(shared, "cache.dat"), filepath.Join(dir, "dep")))

	size, err := dirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), size, "shared cache entries must not count against the job")
}

func TestWatch_WallClockBreachKillsWithinSamplingInterval(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	const interval = 50 * time.Millisecond
	tracker := New(interval, zap.NewNop())

	var breached atomic.Bool
	breachedAt := make(chan time.Time, 1)

	start := time.Now()
	budget := Budget{WallTime: 200 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := tracker.Watch(ctx, cmd.Process.Pid, t.TempDir(), budget, func(v Violation) {
		if breached.CompareAndSwap(false, true) {
			breachedAt <- time.Now()
		}
		assert.Equal(t, DimWallClock, v.Dimension)
	})

	select {
	case at := <-breachedAt:
		elapsed := at.Sub(start)
		// Killed within one sampling interval past the limit, with scheduling slack.
		assert.Less(t, elapsed, budget.WallTime+4*interval)
		assert.GreaterOrEqual(t, elapsed, budget.WallTime)
	case <-time.After(5 * time.Second):
		t.Fatal("breach callback never fired")
	}

	require.NotNil(t, monitor.Violation())
	assert.Equal(t, DimWallClock, monitor.Violation().Dimension)
}

func TestWatch_BreachCallbackFiresOnce(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	tracker := New(10*time.Millisecond, zap.NewNop())

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.Watch(ctx, cmd.Process.Pid, t.TempDir(), Budget{WallTime: 20 * time.Millisecond}, func(Violation) {
		calls.Add(1)
	})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcessCPUTime_ReadsSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc on this platform")
	}

	d, err := processCPUTime(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}

func TestProcessRSS_ReadsSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("no /proc on this platform")
	}

	rss, err := processRSS(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, rss, int64(0))
}
