package service

import (
	"context"
	"testing"
	"time"

	config "github.com/devgrid/agent-orchestrator/config/utils"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegistry(t *testing.T, coordinator *testutil.StaticCoordinator) *AgentRegistry {
	t.Helper()
	r, err := NewAgentRegistry(testCatalog(), coordinator, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegistryRejectsBadCatalogMemory(t *testing.T) {
	_, err := NewAgentRegistry([]config.AgentConfig{
		{Name: "broken", CPUs: 1, Memory: "a lot"},
	}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRegistryKnown(t *testing.T) {
	r := testRegistry(t, testutil.NewStaticCoordinator())

	_, ok := r.Known([]string{"alpha", "beta"})
	assert.True(t, ok)

	name, ok := r.Known([]string{"alpha", "ghost"})
	assert.False(t, ok)
	assert.Equal(t, "ghost", name)
}

func TestRegistryAllocationsFor(t *testing.T) {
	r := testRegistry(t, testutil.NewStaticCoordinator())

	task := &domain.Task{
		ID:       "task_1",
		Agents:   []string{"alpha", "beta"},
		Priority: 7,
	}
	allocs, err := r.AllocationsFor(task)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	assert.Equal(t, "alpha-task_1", allocs[0].ContainerName)
	assert.Equal(t, uint64(1024*1024*1024), allocs[0].MemoryBytes)
	assert.Equal(t, 1.0, allocs[0].CPUs)
	assert.Equal(t, 7, allocs[0].Priority)

	task.Agents = []string{"ghost"}
	_, err = r.AllocationsFor(task)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegistryBusyCounts(t *testing.T) {
	r := testRegistry(t, testutil.NewStaticCoordinator())

	r.MarkBusy("alpha", "beta")
	r.MarkBusy("alpha")
	counts := r.BusyCounts()
	assert.Equal(t, 2, counts["alpha"])
	assert.Equal(t, 1, counts["beta"])
	assert.Equal(t, 0, counts["gamma"])

	r.MarkIdle("alpha", "beta")
	r.MarkIdle("beta") // extra idle must not go negative
	counts = r.BusyCounts()
	assert.Equal(t, 1, counts["alpha"])
	assert.Equal(t, 0, counts["beta"])
}

func TestRegistrySnapshotStatuses(t *testing.T) {
	coordinator := testutil.NewStaticCoordinator()
	r := testRegistry(t, coordinator)
	ctx := context.Background()

	// no heartbeat yet: everyone unavailable, sorted by name
	agents := r.Snapshot(ctx)
	require.Len(t, agents, 3)
	assert.Equal(t, "alpha", agents[0].Name)
	for _, a := range agents {
		assert.Equal(t, domain.AgentStatusUnavailable, a.Status)
	}

	// a fresh heartbeat flips the agent to available
	require.NoError(t, coordinator.RegisterAgent(ctx, &domain.Agent{Name: "alpha"}))
	agents = r.Snapshot(ctx)
	assert.Equal(t, domain.AgentStatusAvailable, agents[0].Status)
	assert.WithinDuration(t, time.Now(), agents[0].LastHeartbeat, time.Second)

	// a reservation wins over the heartbeat
	r.MarkBusy("alpha")
	agents = r.Snapshot(ctx)
	assert.Equal(t, domain.AgentStatusBusy, agents[0].Status)
}
