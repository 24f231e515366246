package worker

import (
	"sync"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

// Ledger tracks how much of the worker's advertised capacity is reserved by
// running jobs. The invariant it enforces: the sum of declared resource
// requests of concurrent jobs never exceeds the advertised totals, and the
// job count never exceeds the concurrency cap.
type Ledger struct {
	mu      sync.Mutex
	total   coordinator.ResourceRequest
	used    coordinator.ResourceRequest
	jobs    int
	maxJobs int
}

func NewLedger(total coordinator.ResourceRequest, maxJobs int) *Ledger {
	return &Ledger{total: total, maxJobs: maxJobs}
}

// Free returns the capacity still available for new claims. Zero free slots
// is reported as zero CPUs so the coordinator offers nothing.
func (l *Ledger) Free() coordinator.ResourceRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jobs >= l.maxJobs {
		return coordinator.ResourceRequest{}
	}
	return coordinator.ResourceRequest{
		CPUs:        l.total.CPUs - l.used.CPUs,
		MemoryBytes: l.total.MemoryBytes - l.used.MemoryBytes,
		DiskBytes:   l.total.DiskBytes - l.used.DiskBytes,
	}
}

// HasSlot reports whether another job could be admitted at all.
func (l *Ledger) HasSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs < l.maxJobs
}

// Reserve admits a job if its declared request fits the remaining capacity.
func (l *Ledger) Reserve(req coordinator.ResourceRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jobs >= l.maxJobs {
		return false
	}
	if l.used.CPUs+req.CPUs > l.total.CPUs ||
		l.used.MemoryBytes+req.MemoryBytes > l.total.MemoryBytes ||
		l.used.DiskBytes+req.DiskBytes > l.total.DiskBytes {
		return false
	}

	l.used.CPUs += req.CPUs
	l.used.MemoryBytes += req.MemoryBytes
	l.used.DiskBytes += req.DiskBytes
	l.jobs++
	return true
}

// Release returns a finished job's reservation.
func (l *Ledger) Release(req coordinator.ResourceRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.used.CPUs -= req.CPUs
	l.used.MemoryBytes -= req.MemoryBytes
	l.used.DiskBytes -= req.DiskBytes
	l.jobs--
}

// InFlight returns the number of reserved jobs.
func (l *Ledger) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs
}
