package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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
	"github.com/semanticmachines/clworker/pkg/worker"
)

// idleClient never has work to hand out.
type idleClient struct{}

func (idleClient) Claim(ctx context.Context, req coordinator.ClaimRequest) (*coordinator.Claim, error) {
	return nil, nil
}

func (idleClient) Renew(ctx context.Context, leaseID string) (*coordinator.Lease, error) {
	return nil, coordinator.ErrLeaseLost
}

func (idleClient) Release(ctx context.Context, leaseID string, result *coordinator.Result) error {
	return nil
}

func (idleClient) FetchDependency(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	return nil, 0, coordinator.ErrNotFound
}

type idleFetcher struct{}

func (idleFetcher) Fetch(ctx context.Context, spec coordinator.DependencySpec) (io.ReadCloser, int64, error) {
	return nil, 0, coordinator.ErrNotFound
}

func newTestServer(t *testing.T) (*Server, *worker.Worker, string) {
	t.Helper()
	log := zap.NewNop()

	cache, err := depcache.New(depcache.Config{
		Root:           t.TempDir(),
		SizeLimitBytes: 1 << 20,
	}, idleFetcher{}, log)
	require.NoError(t, err)

	workDir := t.TempDir()
	runner, err := sandbox.NewRunner(workDir, log)
	require.NoError(t, err)

	leases := lease.NewManager(idleClient{}, lease.Config{
		WorkerID:     "w1",
		PollInterval: 10 * time.Millisecond,
	}, log)

	w := worker.New(worker.Config{
		Capacity:          coordinator.ResourceRequest{CPUs: 2, MemoryBytes: 1 << 30, DiskBytes: 1 << 30},
		MaxConcurrentJobs: 2,
		DrainGracePeriod:  time.Second,
		ProbeInterval:     20 * time.Millisecond,
	}, leases, runner, supervisor.Deps{
		Leases:  leases,
		Cache:   cache,
		Runner:  runner,
		Tracker: restrack.New(50*time.Millisecond, log),
	}, log)

	return New("localhost", 0, w, cache, log), w, workDir
}

func TestHealth_Healthy(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealth_UnhealthyWhenSandboxRootGone(t *testing.T) {
	s, w, workDir := newTestServer(t)
	require.NoError(t, os.RemoveAll(filepath.Join(workDir, "runs")))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !w.Healthy()
	}, 5*time.Second, 20*time.Millisecond, "a failing sandbox probe must mark the worker unhealthy")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")

	cancel()
	require.NoError(t, <-errCh)
}

func TestStatus_ReportsJobsAndCache(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
	assert.Empty(t, resp.Jobs)
	assert.Equal(t, int64(1<<20), resp.Cache.LimitBytes)
	assert.Zero(t, resp.Cache.Entries)
}

func TestShutdown_Idempotent(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
