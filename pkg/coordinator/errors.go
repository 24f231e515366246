package coordinator

import (
	"errors"
	"fmt"
)

// Sentinel errors for coordinator operations.
var (
	// ErrUnavailable indicates the coordinator could not be reached or
	// answered with a server error. Transient: callers retry with backoff.
	ErrUnavailable = errors.New("coordinator unavailable")

	// ErrLeaseLost indicates the coordinator has reassigned the job to
	// another worker. Terminal for the local attempt; never retried.
	ErrLeaseLost = errors.New("lease lost")

	// ErrNotFound indicates a requested artifact or resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials indicates authentication was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// APIError wraps a failed coordinator call with operation context.
type APIError struct {
	// Op is the operation that failed (e.g. "Claim", "Renew").
	Op string

	// Path is the request path, if applicable.
	Path string

	// Status is the HTTP status code, zero for transport-level failures.
	Status int

	// Err is the underlying error.
	Err error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("coordinator %s %s: status %d: %v", e.Op, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("coordinator %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *APIError) Unwrap() error { return e.Err }

// IsUnavailable reports whether the error is transient-infrastructure and
// safe to retry.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsLeaseLost reports whether the error means the lease was reassigned.
func IsLeaseLost(err error) bool { return errors.Is(err, ErrLeaseLost) }

// IsNotFound reports whether the error means the resource does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
