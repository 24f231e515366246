package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/coordinator"
	"github.com/semanticmachines/clworker/pkg/depcache"
	"github.com/semanticmachines/clworker/pkg/lease"
	"github.com/semanticmachines/clworker/pkg/restrack"
	"github.com/semanticmachines/clworker/pkg/sandbox"
	"github.com/semanticmachines/clworker/pkg/supervisor"
)

// fakeClient hands out a scripted queue of claims and records every release.
type fakeClient struct {
	mu     sync.Mutex
	queue  []*coordinator.Claim
	frees  []coordinator.ResourceRequest
	report []*coordinator.Result

	// fitOffers makes the fake behave like the real coordinator: a claim is
	// only handed out when it fits the advertised free capacity.
	fitOffers bool

	renewCalls atomic.Int32
}

func (f *fakeClient) Claim(ctx context.Context, req coordinator.ClaimRequest) (*coordinator.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frees = append(f.frees, req.Free)
	if len(f.queue) == 0 {
		return nil, nil
	}
	c := f.queue[0]
	if f.fitOffers {
		res := c.Job.Resources
		if res.CPUs > req.Free.CPUs || res.MemoryBytes > req.Free.MemoryBytes || res.DiskBytes > req.Free.DiskBytes {
			return nil, nil
		}
	}
	f.queue = f.queue[1:]
	return c, nil
}

func (f *fakeClient) Renew(ctx context.Context, leaseID string) (*coordinator.Lease, error) {
	f.renewCalls.Add(1)
	return &coordinator.Lease{
		ID:         leaseID,
		TTLSeconds: 60,
		ExpiresAt:  time.Now().Add(time.Minute),
	}, nil
}

func (f *fakeClient) Release(ctx context.Context, leaseID string, result *coordinator.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = append(f.report, result)
	return nil
}

func (f *fakeClient) FetchDependency(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	return nil, 0, coordinator.ErrNotFound
}

func (f *fakeClient) results() []*coordinator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*coordinator.Result(nil), f.report...)
}

func claimFor(job coordinator.Job) *coordinator.Claim {
	return &coordinator.Claim{
		Job: job,
		Lease: coordinator.Lease{
			ID:         "lease-" + job.ID,
			JobID:      job.ID,
			TTLSeconds: 60,
			ExpiresAt:  time.Now().Add(time.Minute),
		},
	}
}

func newTestWorker(t *testing.T, fc *fakeClient, cfg Config) *Worker {
	t.Helper()
	log := zap.NewNop()

	cache, err := depcache.New(depcache.Config{
		Root:           t.TempDir(),
		SizeLimitBytes: 1 << 20,
		Retry:          coordinator.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, coordinatorFetcher{fc}, log)
	require.NoError(t, err)

	runner, err := sandbox.NewRunner(t.TempDir(), log)
	require.NoError(t, err)

	leases := lease.NewManager(fc, lease.Config{
		WorkerID:     "w1",
		PollInterval: 10 * time.Millisecond,
		Retry:        coordinator.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, log)

	deps := supervisor.Deps{
		Leases:        leases,
		Cache:         cache,
		Runner:        runner,
		Tracker:       restrack.New(50*time.Millisecond, log),
		OutputByteCap: 64 << 10,
	}
	return New(cfg, leases, runner, deps, log)
}

type coordinatorFetcher struct{ c *fakeClient }

func (f coordinatorFetcher) Fetch(ctx context.Context, spec coordinator.DependencySpec) (io.ReadCloser, int64, error) {
	return f.c.FetchDependency(ctx, spec.Hash)
}

func defaultConfig() Config {
	return Config{
		Capacity:          coordinator.ResourceRequest{CPUs: 4, MemoryBytes: 1 << 30, DiskBytes: 1 << 30},
		MaxConcurrentJobs: 4,
		DrainGracePeriod:  5 * time.Second,
	}
}

func TestRun_ExecutesJobAndDrainsCleanly(t *testing.T) {
	fc := &fakeClient{queue: []*coordinator.Claim{
		claimFor(coordinator.Job{
			ID:        "job-1",
			Command:   []string{"sh", "-c", "echo done"},
			Resources: coordinator.ResourceRequest{CPUs: 1},
		}),
	}}
	w := newTestWorker(t, fc, defaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fc.results()) == 1
	}, 5*time.Second, 20*time.Millisecond, "job should finish and report")

	cancel()
	require.NoError(t, <-errCh, "clean drain returns nil")

	res := fc.results()[0]
	assert.True(t, res.Succeeded)
	assert.Equal(t, "done\n", res.Stdout)
	assert.Empty(t, w.Snapshot(), "no jobs tracked after completion")
}

func TestRun_DrainForceAbandonsAfterGrace(t *testing.T) {
	fc := &fakeClient{queue: []*coordinator.Claim{
		claimFor(coordinator.Job{
			ID:        "job-slow",
			Command:   []string{"sleep", "30"},
			Resources: coordinator.ResourceRequest{CPUs: 1},
		}),
	}}
	cfg := defaultConfig()
	cfg.DrainGracePeriod = 300 * time.Millisecond
	w := newTestWorker(t, fc, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(w.Snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond, "job should be in flight")

	start := time.Now()
	cancel()
	err := <-errCh
	require.ErrorIs(t, err, ErrJobsAbandoned)
	assert.Less(t, time.Since(start), 10*time.Second)

	results := fc.results()
	require.Len(t, results, 1)
	assert.Equal(t, coordinator.FailureAbandoned, results[0].Failure)
	assert.True(t, results[0].Requeue)
}

func TestRun_OverCommittedClaimIsHandedBack(t *testing.T) {
	fc := &fakeClient{queue: []*coordinator.Claim{
		claimFor(coordinator.Job{
			ID:        "job-huge",
			Command:   []string{"true"},
			Resources: coordinator.ResourceRequest{CPUs: 64},
		}),
	}}
	w := newTestWorker(t, fc, defaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fc.results()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	res := fc.results()[0]
	assert.False(t, res.Succeeded)
	assert.Equal(t, coordinator.FailureTransient, res.Failure)
	assert.True(t, res.Requeue, "an unrunnable claim goes back for rescheduling")
}

func TestRun_AdvertisedCapacityNeverNegative(t *testing.T) {
	var queue []*coordinator.Claim
	for i := 0; i < 3; i++ {
		queue = append(queue, claimFor(coordinator.Job{
			ID:        "job-" + string(rune('a'+i)),
			Command:   []string{"sleep", "0.3"},
			Resources: coordinator.ResourceRequest{CPUs: 2, MemoryBytes: 1 << 28},
		}))
	}
	fc := &fakeClient{queue: queue, fitOffers: true}
	w := newTestWorker(t, fc, defaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(fc.results()) == 3
	}, 10*time.Second, 20*time.Millisecond, "all jobs should complete")
	cancel()
	require.NoError(t, <-errCh)

	fc.mu.Lock()
	frees := append([]coordinator.ResourceRequest(nil), fc.frees...)
	fc.mu.Unlock()
	for _, free := range frees {
		assert.GreaterOrEqual(t, free.CPUs, 0)
		assert.GreaterOrEqual(t, free.MemoryBytes, int64(0))
		assert.LessOrEqual(t, free.CPUs, 4, "free capacity never exceeds the advertised total")
	}
	for _, res := range fc.results() {
		assert.True(t, res.Succeeded, "job %s: %s", res.JobID, res.Message)
	}
}

func TestHealthy_DefaultsTrue(t *testing.T) {
	w := newTestWorker(t, &fakeClient{}, defaultConfig())
	assert.True(t, w.Healthy())
}
