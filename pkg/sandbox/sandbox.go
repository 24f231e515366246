// Package sandbox runs one job command in an isolated execution context: a
// fresh private working directory and its own process group, so forced
// termination reaps every child process and teardown leaves nothing behind.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// RunSpec describes one sandboxed invocation.
type RunSpec struct {
	// JobID names the run directory and log correlation.
	JobID string

	// Command is the argv to execute. Must be non-empty.
	Command []string

	// Env is appended to a minimal base environment.
	Env map[string]string

	// OutputByteCap caps captured bytes per stream. Beyond it, output is
	// discarded and the result flagged truncated instead of buffering
	// without bound.
	OutputByteCap int64
}

// Result is the outcome of one sandboxed run.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool

	// Killed is true when the process was forcibly terminated rather than
	// exiting on its own.
	Killed bool

	Start time.Time
	End   time.Time
}

// Runner creates sandboxes under a common scratch root.
type Runner struct {
	runsDir string
	log     *zap.Logger
}

// NewRunner prepares the scratch root. A root that cannot be created or
// written is a worker-fatal condition and is surfaced here rather than at
// first job.
func NewRunner(workDir string, log *zap.Logger) (*Runner, error) {
	runsDir := filepath.Join(workDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}

	probe, err := os.MkdirTemp(runsDir, "probe-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox root not writable: %w", err)
	}
	_ = os.RemoveAll(probe)

	return &Runner{runsDir: runsDir, log: log}, nil
}

// Workdir returns the directory a job's sandbox will run in, creating it.
// Dependencies are materialized here by the caller before Start.
func (r *Runner) Workdir(jobID string) (string, error) {
	dir := filepath.Join(r.runsDir, jobID)
	// A leftover directory from a crashed prior attempt is stale state.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear sandbox workdir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox workdir: %w", err)
	}
	return dir, nil
}

// Probe checks that new sandboxes can still be created. Used by the worker
// loop to detect worker-fatal conditions (e.g. disk exhausted) without
// touching in-flight jobs.
func (r *Runner) Probe() error {
	probe, err := os.MkdirTemp(r.runsDir, "probe-*")
	if err != nil {
		return fmt.Errorf("sandbox root unusable: %w", err)
	}
	return os.RemoveAll(probe)
}

// Handle is a live sandboxed process. Exactly one Wait call collects the
// result; Kill may be called from any goroutine at any point while running.
// Close tears down the workdir and must run on every exit path.
type Handle struct {
	jobID   string
	workdir string
	cmd     *exec.Cmd
	stdout  *cappedBuffer
	stderr  *cappedBuffer
	start   time.Time
	log     *zap.Logger

	done    chan struct{}
	outcome waitOutcome

	killMu sync.Mutex
	killed bool
}

type waitOutcome struct {
	err error
	end time.Time
}

// Start launches the command in workdir inside a new process group.
func (r *Runner) Start(spec RunSpec, workdir string) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("sandbox command is empty")
	}
	if spec.OutputByteCap <= 0 {
		return nil, fmt.Errorf("sandbox output cap must be positive, got %d", spec.OutputByteCap)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = workdir
	cmd.Env = baseEnv(workdir, spec.Env)
	// Own process group: a kill of -pgid reaps the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(spec.OutputByteCap)
	stderr := newCappedBuffer(spec.OutputByteCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox command: %w", err)
	}

	h := &Handle{
		jobID:   spec.JobID,
		workdir: workdir,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		start:   start,
		log:     r.log,
		done:    make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		h.outcome = waitOutcome{err: err, end: time.Now()}
		close(h.done)
	}()

	r.log.Debug("Sandbox started", zap.String("job_id", spec.JobID), zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

// PID is the process id of the sandboxed command (and its group).
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Kill forcibly terminates the whole process group. Idempotent and safe to
// call concurrently with Wait at any point while running.
func (h *Handle) Kill() {
	h.killMu.Lock()
	defer h.killMu.Unlock()
	if h.killed {
		return
	}
	h.killed = true

	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		// Group kill can fail if the leader already exited; fall back to
		// the single process.
		_ = h.cmd.Process.Kill()
	}
	h.log.Debug("Sandbox killed", zap.String("job_id", h.jobID), zap.Int("pid", pid))
}

func (h *Handle) wasKilled() bool {
	h.killMu.Lock()
	defer h.killMu.Unlock()
	return h.killed
}

// Wait blocks until the command exits or ctx is canceled. Cancellation kills
// the sandbox and still waits for the process to be reaped, so no sandbox
// outlives its Wait call.
func (h *Handle) Wait(ctx context.Context) *Result {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.Kill()
		<-h.done
	}
	out := h.outcome

	res := &Result{
		Stdout:          h.stdout.String(),
		Stderr:          h.stderr.String(),
		StdoutTruncated: h.stdout.Truncated(),
		StderrTruncated: h.stderr.Truncated(),
		Killed:          h.wasKilled(),
		Start:           h.start,
		End:             out.end,
	}

	switch {
	case out.err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(out.err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// Close kills anything still running and removes the sandbox workdir.
// Guaranteed teardown: called on every exit path, including forced kill.
func (h *Handle) Close() error {
	h.Kill()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.log.Warn("Sandbox process not reaped before teardown", zap.String("job_id", h.jobID))
	}

	if err := os.RemoveAll(h.workdir); err != nil {
		return fmt.Errorf("remove sandbox workdir: %w", err)
	}
	return nil
}

// baseEnv builds a minimal environment: no inherited worker environment
// leaks into jobs.
func baseEnv(workdir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
