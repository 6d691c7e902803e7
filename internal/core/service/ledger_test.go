package service

import (
	"testing"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gig(n uint64) uint64 { return n * 1024 * 1024 * 1024 }

func testLedger(t *testing.T, mem string, cpu float64, slots int) *ResourceLedger {
	t.Helper()
	l, err := NewResourceLedger(mem, cpu, slots, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestLedgerReserveAndRelease(t *testing.T) {
	l := testLedger(t, "8G", 4, 0)

	err := l.Reserve("task_a", []domain.Allocation{
		{ContainerName: "a-1", MemoryBytes: gig(2), CPUs: 1},
		{ContainerName: "a-2", MemoryBytes: gig(2), CPUs: 1},
	})
	require.NoError(t, err)

	snap := l.Snapshot()
	assert.Equal(t, gig(4), snap.UsedMemory)
	assert.Equal(t, 2.0, snap.UsedCPU)
	assert.Equal(t, 1, snap.ActiveOwners)

	l.Release("task_a")
	snap = l.Snapshot()
	assert.Zero(t, snap.UsedMemory)
	assert.Zero(t, snap.UsedCPU)
	assert.Zero(t, snap.ActiveOwners)
}

func TestLedgerReserveAllOrNothing(t *testing.T) {
	l := testLedger(t, "4G", 8, 0)

	// Second allocation pushes the batch over the memory budget; the first
	// must not be applied either.
	err := l.Reserve("task_a", []domain.Allocation{
		{ContainerName: "a-1", MemoryBytes: gig(3), CPUs: 1},
		{ContainerName: "a-2", MemoryBytes: gig(3), CPUs: 1},
	})
	require.ErrorIs(t, err, domain.ErrResourceExhausted)

	snap := l.Snapshot()
	assert.Zero(t, snap.UsedMemory, "failed batch must leave the ledger untouched")
	assert.Zero(t, snap.UsedCPU)

	// A batch that fits is still admitted afterwards.
	require.NoError(t, l.Reserve("task_b", []domain.Allocation{
		{ContainerName: "b-1", MemoryBytes: gig(4), CPUs: 1},
	}))
}

func TestLedgerReserveCPUExhausted(t *testing.T) {
	l := testLedger(t, "64G", 2, 0)

	require.NoError(t, l.Reserve("task_a", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 2}}))

	err := l.Reserve("task_b", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 0.5}})
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestLedgerSlotCap(t *testing.T) {
	l := testLedger(t, "64G", 64, 2)

	require.NoError(t, l.Reserve("task_a", []domain.Allocation{
		{ContainerName: "a-1", MemoryBytes: gig(1), CPUs: 1},
		{ContainerName: "a-2", MemoryBytes: gig(1), CPUs: 1},
	}))

	err := l.Reserve("task_b", []domain.Allocation{{ContainerName: "b-1", MemoryBytes: gig(1), CPUs: 1}})
	require.ErrorIs(t, err, domain.ErrResourceExhausted)

	l.Release("task_a")
	require.NoError(t, l.Reserve("task_b", []domain.Allocation{{ContainerName: "b-1", MemoryBytes: gig(1), CPUs: 1}}))
}

func TestLedgerDoubleReserveConflicts(t *testing.T) {
	l := testLedger(t, "8G", 8, 0)

	require.NoError(t, l.Reserve("task_a", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 1}}))
	err := l.Reserve("task_a", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 1}})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestLedgerReleaseIdempotent(t *testing.T) {
	l := testLedger(t, "8G", 8, 0)

	require.NoError(t, l.Reserve("task_a", []domain.Allocation{{MemoryBytes: gig(2), CPUs: 1}}))
	l.Release("task_a")
	l.Release("task_a")
	l.Release("never_existed")

	snap := l.Snapshot()
	assert.Zero(t, snap.UsedMemory)
	assert.Zero(t, snap.UsedCPU)
}

func TestLedgerFitsDoesNotApply(t *testing.T) {
	l := testLedger(t, "4G", 4, 0)

	allocs := []domain.Allocation{{MemoryBytes: gig(2), CPUs: 1}}
	assert.True(t, l.Fits(allocs))
	assert.Zero(t, l.Snapshot().UsedMemory)

	require.NoError(t, l.Reserve("task_a", []domain.Allocation{{MemoryBytes: gig(3), CPUs: 1}}))
	assert.False(t, l.Fits(allocs))
}

func TestLedgerHoldersSortedByPriority(t *testing.T) {
	l := testLedger(t, "16G", 16, 0)

	require.NoError(t, l.Reserve("task_high", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 1, Priority: 9}}))
	require.NoError(t, l.Reserve("task_low", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 1, Priority: 1}}))
	require.NoError(t, l.Reserve("task_mid", []domain.Allocation{{MemoryBytes: gig(1), CPUs: 1, Priority: 5}}))

	holders := l.Holders()
	require.Len(t, holders, 3)
	assert.Equal(t, "task_low", holders[0].Owner)
	assert.Equal(t, "task_mid", holders[1].Owner)
	assert.Equal(t, "task_high", holders[2].Owner)
}

func TestLedgerBadMemoryBudget(t *testing.T) {
	_, err := NewResourceLedger("lots", 4, 0, zap.NewNop())
	assert.Error(t, err)
}
