// Package worker is the top-level concurrency driver: it claims work while
// local capacity allows, runs one supervisor per job, and drains cleanly on
// shutdown.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/coordinator"
	"github.com/semanticmachines/clworker/pkg/lease"
	"github.com/semanticmachines/clworker/pkg/sandbox"
	"github.com/semanticmachines/clworker/pkg/supervisor"
)

// ErrJobsAbandoned is returned from Run when the drain grace period expired
// with jobs still in flight; the process should exit non-zero.
var ErrJobsAbandoned = errors.New("jobs were force-abandoned during shutdown")

// Config tunes the loop.
type Config struct {
	// Capacity is the total advertised capacity.
	Capacity coordinator.ResourceRequest

	// MaxConcurrentJobs caps concurrent supervisors.
	MaxConcurrentJobs int

	// DrainGracePeriod is how long in-flight jobs may keep running after a
	// shutdown signal before being force-terminated.
	DrainGracePeriod time.Duration

	// ProbeInterval is how often sandbox creation is re-probed while the
	// worker is unhealthy. Zero means 10s.
	ProbeInterval time.Duration
}

// JobStatus is a point-in-time view of one in-flight job for the status
// endpoint.
type JobStatus struct {
	JobID string              `json:"job_id"`
	State supervisor.JobState `json:"state"`
}

// Worker runs the claim/execute loop until shutdown.
type Worker struct {
	cfg    Config
	leases *lease.Manager
	runner *sandbox.Runner
	deps   supervisor.Deps
	ledger *Ledger
	log    *zap.Logger

	healthy atomic.Bool

	mu     sync.Mutex
	active map[string]*supervisor.Supervisor
}

func New(cfg Config, leases *lease.Manager, runner *sandbox.Runner, deps supervisor.Deps, log *zap.Logger) *Worker {
	w := &Worker{
		cfg:    cfg,
		leases: leases,
		runner: runner,
		deps:   deps,
		ledger: NewLedger(cfg.Capacity, cfg.MaxConcurrentJobs),
		log:    log,
		active: make(map[string]*supervisor.Supervisor),
	}
	w.healthy.Store(true)
	return w
}

// Healthy reports whether the worker is still claiming work.
func (w *Worker) Healthy() bool { return w.healthy.Load() }

// Snapshot lists in-flight jobs for the status endpoint.
func (w *Worker) Snapshot() []JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	statuses := make([]JobStatus, 0, len(w.active))
	for id, s := range w.active {
		statuses = append(statuses, JobStatus{JobID: id, State: s.State()})
	}
	return statuses
}

// Run claims and executes jobs until ctx is canceled, then drains. Returns
// nil on a clean drain and ErrJobsAbandoned if the grace period expired with
// work still running.
func (w *Worker) Run(ctx context.Context) error {
	// jobCtx outlives ctx by the drain grace period; canceling it is the
	// force-termination signal for all supervisors.
	jobCtx, forceJobs := context.WithCancel(context.Background())
	defer forceJobs()

	var (
		wg        sync.WaitGroup
		abandoned atomic.Int64
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Shutdown requested, draining",
				zap.Int("in_flight", w.ledger.InFlight()),
				zap.Duration("grace_period", w.cfg.DrainGracePeriod))
			return w.drain(&wg, forceJobs, &abandoned)
		default:
		}

		if !w.ensureHealthy(ctx) {
			continue
		}
		if !w.ledger.HasSlot() {
			// Capacity frees when a supervisor finishes; polling again
			// with zero free capacity would claim nothing anyway.
			w.waitForSlot(ctx)
			continue
		}

		claim, err := w.leases.Poll(ctx, w.ledger.Free())
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("Claim poll failed", zap.Error(err))
			}
			continue
		}
		if claim == nil {
			continue
		}

		if !w.ledger.Reserve(claim.Job.Resources) {
			// The coordinator offered more than we advertised; hand the
			// job back rather than over-commit.
			w.log.Warn("Claim exceeds free capacity, requeueing",
				zap.String("job_id", claim.Job.ID))
			_ = w.leases.Release(ctx, claim.Lease, &coordinator.Result{
				JobID:   claim.Job.ID,
				Failure: coordinator.FailureTransient,
				Message: "worker capacity changed between offer and claim",
				Requeue: true,
			})
			continue
		}

		sup := supervisor.New(*claim, w.deps, w.log)
		w.track(sup)

		wg.Add(1)
		go func(claim coordinator.Claim) {
			defer wg.Done()
			defer w.ledger.Release(claim.Job.Resources)
			defer w.untrack(claim.Job.ID)

			outcome := sup.Run(jobCtx)
			if outcome.Abandoned {
				abandoned.Add(1)
			}
			w.log.Info("Job finished",
				zap.String("job_id", claim.Job.ID),
				zap.String("state", string(outcome.State)))
		}(*claim)
	}
}

// drain stops claiming, gives in-flight jobs the grace period, then forces
// the rest down.
func (w *Worker) drain(wg *sync.WaitGroup, forceJobs context.CancelFunc, abandoned *atomic.Int64) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.DrainGracePeriod):
		w.log.Warn("Drain grace period expired, force-terminating remaining jobs")
		forceJobs()
		<-done
	}

	if n := abandoned.Load(); n > 0 {
		w.log.Error("Shutdown abandoned in-flight jobs", zap.Int64("count", n))
		return ErrJobsAbandoned
	}
	w.log.Info("Drained cleanly")
	return nil
}

// ensureHealthy verifies sandboxes can still be created. A worker that
// cannot (disk exhausted, scratch dir gone) stops claiming and reports
// unhealthy, but keeps serving in-flight jobs.
func (w *Worker) ensureHealthy(ctx context.Context) bool {
	if err := w.runner.Probe(); err != nil {
		if w.healthy.Swap(false) {
			w.log.Error("Worker unhealthy, claiming suspended", zap.Error(err))
		}
		interval := w.cfg.ProbeInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		return false
	}

	if !w.healthy.Swap(true) {
		w.log.Info("Worker healthy again, resuming claims")
	}
	return true
}

func (w *Worker) waitForSlot(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.ledger.HasSlot() {
				return
			}
		}
	}
}

func (w *Worker) track(s *supervisor.Supervisor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[s.Job().ID] = s
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, jobID)
}
