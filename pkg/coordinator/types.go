// Package coordinator is the client for the coordinator API: claiming work,
// maintaining leases, reporting results, and fetching dependency artifacts.
//
// The rest of the worker depends only on the Client interface and the error
// taxonomy here; the HTTP wire format is private to this package.
package coordinator

import (
	"context"
	"io"
	"time"
)

// ResourceRequest is a declared resource demand or capacity, depending on
// context: a job's request, or a worker's free/advertised capacity.
type ResourceRequest struct {
	CPUs        int   `json:"cpus"`
	MemoryBytes int64 `json:"memory_bytes"`
	DiskBytes   int64 `json:"disk_bytes"`

	// TimeLimitSeconds is the wall-clock budget. Zero means unlimited.
	// Only meaningful on a job's request, not on capacities.
	TimeLimitSeconds int64 `json:"time_limit_seconds,omitempty"`
}

// TimeLimit returns the wall-clock budget as a duration, zero if unlimited.
func (r ResourceRequest) TimeLimit() time.Duration {
	return time.Duration(r.TimeLimitSeconds) * time.Second
}

// DependencySpec names one input artifact a job needs before it can run.
type DependencySpec struct {
	// Hash is the hex SHA-256 of the artifact content. Content-addressed:
	// identical hash means identical bytes.
	Hash string `json:"hash"`

	// Path is where the artifact is materialized inside the sandbox
	// workdir, relative to the workdir root.
	Path string `json:"path"`

	// URI optionally points at an external artifact store (e.g. s3://...).
	// Empty means fetch through the coordinator artifact endpoint.
	URI string `json:"uri,omitempty"`

	// SizeBytes is a size hint for capacity planning; zero if unknown.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// Job is one unit of work claimed from the coordinator.
//
// A Job is owned exclusively by the supervisor processing it and is treated
// as immutable; state and result live outside this struct.
type Job struct {
	ID           string            `json:"id"`
	Command      []string          `json:"command"`
	Env          map[string]string `json:"env,omitempty"`
	Dependencies []DependencySpec  `json:"dependencies,omitempty"`
	Resources    ResourceRequest   `json:"resources"`

	// Outputs are doublestar globs, relative to the sandbox workdir,
	// selecting files to report back on success. Empty means none.
	Outputs []string `json:"outputs,omitempty"`
}

// Lease is a time-bounded exclusive claim on a Job. The coordinator
// guarantees at most one live lease per job fleet-wide; the worker relies on
// that and must renew before ExpiresAt or lose the job.
type Lease struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	TTLSeconds int64     `json:"ttl_seconds"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TTL returns the lease lifetime as a duration.
func (l Lease) TTL() time.Duration { return time.Duration(l.TTLSeconds) * time.Second }

// Claim pairs a job with the lease that grants this worker the right to run it.
type Claim struct {
	Job   Job   `json:"job"`
	Lease Lease `json:"lease"`
}

// ClaimRequest advertises what this worker can still take on.
type ClaimRequest struct {
	WorkerID string          `json:"worker_id"`
	Tag      string          `json:"tag,omitempty"`
	Free     ResourceRequest `json:"free"`
}

// FailureKind distinguishes why a job failed, per the error taxonomy.
// Budget breaches and dependency failures are worker-side conditions and are
// reported distinctly from a job's own non-zero exit.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureDependency FailureKind = "dependency"
	FailureBudget     FailureKind = "budget"
	FailureExit       FailureKind = "exit"
	FailureAbandoned  FailureKind = "abandoned"
	FailureTransient  FailureKind = "transient"
)

// Usage is the observed resource consumption of a finished job.
type Usage struct {
	CPUTimeSeconds  float64       `json:"cpu_time_seconds"`
	MemoryPeakBytes int64         `json:"memory_peak_bytes"`
	DiskBytes       int64         `json:"disk_bytes"`
	WallTime        time.Duration `json:"-"`
	WallTimeSeconds float64       `json:"wall_time_seconds"`
}

// OutputFile describes one collected output.
type OutputFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Result is the terminal report for a job attempt.
type Result struct {
	JobID     string      `json:"job_id"`
	Succeeded bool        `json:"succeeded"`
	ExitCode  int         `json:"exit_code"`
	Failure   FailureKind `json:"failure,omitempty"`
	Message   string      `json:"message,omitempty"`

	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`

	// Requeue asks the coordinator to reschedule the job elsewhere; set for
	// abandoned and transient failures, never for job-internal ones.
	Requeue bool `json:"requeue,omitempty"`

	Usage   Usage        `json:"usage"`
	Outputs []OutputFile `json:"outputs,omitempty"`
}

// Client is the coordinator API surface the worker core consumes.
//
// All methods honor ctx cancellation. Claim returns (nil, nil) when the
// coordinator has no work that fits the advertised free capacity.
type Client interface {
	// Claim asks for one schedulable job. A non-nil Claim carries a live lease.
	Claim(ctx context.Context, req ClaimRequest) (*Claim, error)

	// Renew extends an active lease and returns the refreshed lease.
	// Returns ErrLeaseLost if the coordinator reassigned the job.
	Renew(ctx context.Context, leaseID string) (*Lease, error)

	// Release reports a terminal result and frees the lease. Safe to call
	// more than once for the same lease.
	Release(ctx context.Context, leaseID string, result *Result) error

	// FetchDependency streams the bytes of a content-addressed artifact.
	FetchDependency(ctx context.Context, hash string) (io.ReadCloser, int64, error)
}
