package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semanticmachines/clworker/pkg/coordinator"
)

func gig(n int64) int64 { return n << 30 }

func TestLedger_ReserveWithinCapacity(t *testing.T) {
	l := NewLedger(coordinator.ResourceRequest{CPUs: 4, MemoryBytes: gig(8), DiskBytes: gig(10)}, 4)

	require.True(t, l.Reserve(coordinator.ResourceRequest{CPUs: 2, MemoryBytes: gig(4), DiskBytes: gig(2)}))
	require.True(t, l.Reserve(coordinator.ResourceRequest{CPUs: 2, MemoryBytes: gig(4), DiskBytes: gig(2)}))

	free := l.Free()
	assert.Equal(t, 0, free.CPUs)
	assert.Equal(t, int64(0), free.MemoryBytes)
	assert.Equal(t, gig(6), free.DiskBytes)
	assert.Equal(t, 2, l.InFlight())
}

func TestLedger_RejectsOverCommit(t *testing.T) {
	l := NewLedger(coordinator.ResourceRequest{CPUs: 4, MemoryBytes: gig(8), DiskBytes: gig(10)}, 4)
	require.True(t, l.Reserve(coordinator.ResourceRequest{CPUs: 3, MemoryBytes: gig(1), DiskBytes: gig(1)}))

	assert.False(t, l.Reserve(coordinator.ResourceRequest{CPUs: 2}), "cpu over-commit")
	assert.False(t, l.Reserve(coordinator.ResourceRequest{CPUs: 1, MemoryBytes: gig(8)}), "memory over-commit")
	assert.False(t, l.Reserve(coordinator.ResourceRequest{CPUs: 1, DiskBytes: gig(10)}), "disk over-commit")

	// The failed attempts must not have leaked any reservation.
	free := l.Free()
	assert.Equal(t, 1, free.CPUs)
	assert.Equal(t, gig(7), free.MemoryBytes)
}

func TestLedger_MaxJobsCapsAdmission(t *testing.T) {
	l := NewLedger(coordinator.ResourceRequest{CPUs: 16, MemoryBytes: gig(64), DiskBytes: gig(100)}, 2)

	require.True(t, l.Reserve(coordinator.ResourceRequest{CPUs: 1}))
	require.True(t, l.Reserve(coordinator.ResourceRequest{CPUs: 1}))

	assert.False(t, l.HasSlot())
	assert.False(t, l.Reserve(coordinator.ResourceRequest{CPUs: 1}))
	assert.Equal(t, coordinator.ResourceRequest{}, l.Free(), "no slot advertises zero capacity")

	l.Release(coordinator.ResourceRequest{CPUs: 1})
	assert.True(t, l.HasSlot())
	assert.Equal(t, 15, l.Free().CPUs)
}

func TestLedger_ReleaseRestoresCapacity(t *testing.T) {
	l := NewLedger(coordinator.ResourceRequest{CPUs: 4, MemoryBytes: gig(8), DiskBytes: gig(10)}, 4)
	req := coordinator.ResourceRequest{CPUs: 4, MemoryBytes: gig(8), DiskBytes: gig(10)}

	require.True(t, l.Reserve(req))
	assert.False(t, l.Reserve(coordinator.ResourceRequest{CPUs: 1}))

	l.Release(req)
	assert.Equal(t, 0, l.InFlight())
	assert.True(t, l.Reserve(req), "full capacity is reusable after release")
}
