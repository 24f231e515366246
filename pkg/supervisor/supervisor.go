// Package supervisor drives one claimed job through its lifecycle:
// lease keepalive, dependency staging, sandboxed execution under resource
// tracking, result upload, and lease release.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semanticmachines/clworker/pkg/coordinator"
	"github.com/semanticmachines/clworker/pkg/depcache"
	"github.com/semanticmachines/clworker/pkg/lease"
	"github.com/semanticmachines/clworker/pkg/restrack"
	"github.com/semanticmachines/clworker/pkg/sandbox"
)

// releaseTimeout bounds the best-effort terminal report when the job's own
// context is already gone (drain, lease loss during finalize).
const releaseTimeout = 15 * time.Second

// Deps are the collaborators a supervisor orchestrates.
type Deps struct {
	Leases  *lease.Manager
	Cache   *depcache.Cache
	Runner  *sandbox.Runner
	Tracker *restrack.Tracker

	// OutputByteCap caps captured stdout/stderr per stream.
	OutputByteCap int64
}

// Outcome summarizes one finished attempt for the worker loop.
type Outcome struct {
	State JobState

	// Abandoned is true when the job was force-terminated by shutdown
	// before reaching a natural terminal state; the worker exits non-zero.
	Abandoned bool
}

// Supervisor owns one job exclusively from claim to terminal state.
type Supervisor struct {
	claim coordinator.Claim
	deps  Deps
	log   *zap.Logger

	mu    sync.Mutex
	state JobState

	lostOnce sync.Once
	lost     chan struct{}
}

func New(claim coordinator.Claim, deps Deps, log *zap.Logger) *Supervisor {
	return &Supervisor{
		claim: claim,
		deps:  deps,
		log: log.With(
			zap.String("job_id", claim.Job.ID),
			zap.String("lease_id", claim.Lease.ID)),
		state: StateClaimed,
		lost:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Job returns the claimed job.
func (s *Supervisor) Job() coordinator.Job { return s.claim.Job }

func (s *Supervisor) setState(st JobState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Info("Job state changed", zap.String("from", string(prev)), zap.String("to", string(st)))
}

func (s *Supervisor) leaseLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

// Run executes the job to a terminal state and reports it. Canceling ctx is
// the shutdown drain signal: the sandbox is force-terminated and a
// best-effort abandoned failure is reported. Lease loss at any point tears
// down immediately without reporting a result.
func (s *Supervisor) Run(ctx context.Context) Outcome {
	// The job context dies on drain or on lease loss; everything the job
	// does hangs off it.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	// Lease keepalive runs on its own timer for the whole attempt, so a
	// busy sandbox can never starve renewal.
	keepaliveCtx, stopKeepalive := context.WithCancel(context.Background())
	defer stopKeepalive()
	go s.deps.Leases.Keepalive(keepaliveCtx, s.claim.Lease, func() {
		s.lostOnce.Do(func() { close(s.lost) })
		cancelJob()
	})

	outcome := s.run(ctx, jobCtx)

	s.setState(outcome.State)
	return outcome
}

func (s *Supervisor) run(parentCtx, jobCtx context.Context) Outcome {
	job := s.claim.Job

	// Preparing: stage every declared dependency through the cache.
	s.setState(StatePreparing)
	staged, releaseDeps, err := s.stageDependencies(jobCtx)
	defer releaseDeps()
	if err != nil {
		if s.leaseLost() {
			return Outcome{State: StateLost}
		}
		if parentCtx.Err() != nil {
			return s.abandon(nil, coordinator.Usage{})
		}
		// Dependency-resolution failure: reported as a job failure with a
		// distinguishing reason, not retried locally. No sandbox exists.
		return s.report(&coordinator.Result{
			JobID:   job.ID,
			Failure: coordinator.FailureDependency,
			Message: err.Error(),
		})
	}

	workdir, err := s.deps.Runner.Workdir(job.ID)
	if err != nil {
		return s.infraFailure(parentCtx, err)
	}
	if err := materialize(workdir, staged); err != nil {
		_ = os.RemoveAll(workdir)
		return s.infraFailure(parentCtx, err)
	}

	// Running: sandboxed execution under the resource tracker.
	s.setState(StateRunning)
	handle, err := s.deps.Runner.Start(sandbox.RunSpec{
		JobID:         job.ID,
		Command:       job.Command,
		Env:           job.Env,
		OutputByteCap: s.deps.OutputByteCap,
	}, workdir)
	if err != nil {
		_ = os.RemoveAll(workdir)
		return s.infraFailure(parentCtx, err)
	}
	defer func() {
		if err := handle.Close(); err != nil {
			s.log.Warn("Sandbox teardown failed", zap.Error(err))
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	monitor := s.deps.Tracker.Watch(watchCtx, handle.PID(), workdir, restrack.Budget{
		CPUTime:     job.Resources.TimeLimit() * time.Duration(max(job.Resources.CPUs, 1)),
		MemoryBytes: job.Resources.MemoryBytes,
		DiskBytes:   job.Resources.DiskBytes,
		WallTime:    job.Resources.TimeLimit(),
	}, func(restrack.Violation) { handle.Kill() })

	res := handle.Wait(jobCtx)
	stopWatch()
	usage := monitor.Usage()
	usage.WallTime = res.End.Sub(res.Start)
	usage.WallTimeSeconds = usage.WallTime.Seconds()

	if s.leaseLost() {
		return Outcome{State: StateLost}
	}
	if parentCtx.Err() != nil {
		return s.abandon(res, usage)
	}

	result := &coordinator.Result{
		JobID:           job.ID,
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
		Usage:           usage,
	}

	switch {
	case monitor.Violation() != nil:
		// Worker-imposed limit, distinct from the job's own non-zero exit.
		v := monitor.Violation()
		result.Failure = coordinator.FailureBudget
		result.Message = v.String()
	case res.ExitCode == 0 && !res.Killed:
		result.Succeeded = true
	default:
		result.Failure = coordinator.FailureExit
		result.Message = fmt.Sprintf("command exited with code %d", res.ExitCode)
	}

	// Finalizing: collect declared outputs (success only) and upload.
	s.setState(StateFinalizing)
	if result.Succeeded && len(job.Outputs) > 0 {
		outputs, err := collectOutputs(workdir, job.Outputs)
		if err != nil {
			s.log.Warn("Output collection failed", zap.Error(err))
		}
		result.Outputs = outputs
	}

	return s.report(result)
}

// report releases the lease with the terminal result. A lease lost while
// reporting still means lost: the coordinator owns the truth.
func (s *Supervisor) report(result *coordinator.Result) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.deps.Leases.Release(ctx, s.claim.Lease, result); err != nil {
		s.log.Error("Failed to report job result", zap.Error(err))
		if s.leaseLost() {
			return Outcome{State: StateLost}
		}
	}

	if result.Succeeded {
		return Outcome{State: StateSucceeded}
	}
	return Outcome{State: StateFailed}
}

// abandon reports a best-effort requeue-eligible failure during shutdown.
func (s *Supervisor) abandon(res *sandbox.Result, usage coordinator.Usage) Outcome {
	s.log.Warn("Abandoning job on shutdown")

	result := &coordinator.Result{
		JobID:   s.claim.Job.ID,
		Failure: coordinator.FailureAbandoned,
		Message: "worker shut down before the job finished",
		Requeue: true,
		Usage:   usage,
	}
	if res != nil {
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
		result.StdoutTruncated = res.StdoutTruncated
		result.StderrTruncated = res.StderrTruncated
		result.ExitCode = res.ExitCode
	}

	out := s.report(result)
	out.Abandoned = true
	return out
}

// infraFailure handles local worker trouble (workdir creation, exec start):
// reported as a transient, requeue-eligible failure so the coordinator can
// reschedule on a healthy worker.
func (s *Supervisor) infraFailure(parentCtx context.Context, err error) Outcome {
	if s.leaseLost() {
		return Outcome{State: StateLost}
	}
	if parentCtx.Err() != nil {
		return s.abandon(nil, coordinator.Usage{})
	}

	s.log.Error("Worker-side failure", zap.Error(err))
	return s.report(&coordinator.Result{
		JobID:   s.claim.Job.ID,
		Failure: coordinator.FailureTransient,
		Message: err.Error(),
		Requeue: true,
	})
}

type stagedDep struct {
	spec coordinator.DependencySpec
	path string
}

// stageDependencies resolves every declared input through the cache. The
// returned release function unpins all cache entries and must always run.
func (s *Supervisor) stageDependencies(ctx context.Context) ([]stagedDep, func(), error) {
	var (
		staged   []stagedDep
		releases []func()
	)
	release := func() {
		for _, r := range releases {
			r()
		}
	}

	for _, spec := range s.claim.Job.Dependencies {
		path, rel, err := s.deps.Cache.Ensure(ctx, spec)
		if err != nil {
			release()
			return nil, func() {}, fmt.Errorf("dependency %s: %w", spec.Hash, err)
		}
		releases = append(releases, rel)
		staged = append(staged, stagedDep{spec: spec, path: path})
	}
	return staged, release, nil
}

// materialize links staged cache entries into the sandbox workdir at their
// declared relative paths. Symlinks keep entries shared read-only across
// concurrent jobs.
func materialize(workdir string, staged []stagedDep) error {
	for _, d := range staged {
		rel := filepath.Clean(d.spec.Path)
		if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			return fmt.Errorf("dependency path %q escapes the sandbox", d.spec.Path)
		}
		target := filepath.Join(workdir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("materialize %s: %w", rel, err)
		}
		if err := os.Symlink(d.path, target); err != nil {
			return fmt.Errorf("materialize %s: %w", rel, err)
		}
	}
	return nil
}
