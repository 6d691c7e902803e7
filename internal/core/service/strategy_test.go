package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// capturedResults is a concurrency-safe resultSink for tests.
type capturedResults struct {
	mu      sync.Mutex
	results map[string]domain.AgentResult
}

func newCapturedResults() *capturedResults {
	return &capturedResults{results: make(map[string]domain.AgentResult)}
}

func (c *capturedResults) sink(key string, res domain.AgentResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = res
}

func (c *capturedResults) get() map[string]domain.AgentResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.AgentResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

func strategyTask(mode domain.ExecutionMode, agents []string, payload domain.Payload) *domain.Task {
	return &domain.Task{
		ID:      "task_test",
		Mode:    mode,
		Agents:  agents,
		Payload: payload,
		Timeout: time.Minute,
	}
}

func TestParallelAllSucceed(t *testing.T) {
	inv := &testutil.ScriptedInvoker{}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeParallel, []string{"a", "b", "c"}, domain.Payload{"k": "v"})
	err := runner.Run(context.Background(), task, captured.sink)
	require.NoError(t, err)

	results := captured.get()
	require.Len(t, results, 3)
	for _, agent := range task.Agents {
		assert.Equal(t, "success", results[agent].Status)
	}

	// every agent saw the same submitted payload
	for _, call := range inv.Calls() {
		assert.Equal(t, "v", call.Payload["k"])
	}
}

func TestParallelPartialFailureStillSucceeds(t *testing.T) {
	inv := &testutil.ScriptedInvoker{Fail: map[string]string{"b": "model overloaded"}}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeParallel, []string{"a", "b"}, nil)
	err := runner.Run(context.Background(), task, captured.sink)
	require.NoError(t, err, "one surviving agent is enough for a parallel task")

	results := captured.get()
	assert.Equal(t, "success", results["a"].Status)
	assert.Equal(t, "error", results["b"].Status)
	assert.Equal(t, "model overloaded", results["b"].Error)
}

func TestParallelAllFail(t *testing.T) {
	inv := &testutil.ScriptedInvoker{Fail: map[string]string{"a": "down", "b": "down"}}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeParallel, []string{"a", "b"}, nil)
	err := runner.Run(context.Background(), task, captured.sink)
	assert.ErrorIs(t, err, domain.ErrAllAgentsFailed)
	assert.Len(t, captured.get(), 2, "failed results are still recorded")
}

func TestSequentialChainsPayloads(t *testing.T) {
	inv := &testutil.ScriptedInvoker{Outputs: map[string]domain.Payload{
		"a": {"design": "done", "k": "from_a"},
		"b": {"build": "done"},
	}}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeSequential, []string{"a", "b", "c"}, domain.Payload{"k": "orig"})
	err := runner.Run(context.Background(), task, captured.sink)
	require.NoError(t, err)

	// b sees the base payload merged with a's output, a's keys winning
	bCalls := inv.CallsFor("b")
	require.Len(t, bCalls, 1)
	assert.Equal(t, "done", bCalls[0].Payload["design"])
	assert.Equal(t, "from_a", bCalls[0].Payload["k"])

	// c is seeded from the base payload and b's output, not a's leftovers
	cCalls := inv.CallsFor("c")
	require.Len(t, cCalls, 1)
	assert.Equal(t, "done", cCalls[0].Payload["build"])
	assert.Equal(t, "orig", cCalls[0].Payload["k"])
	assert.NotContains(t, cCalls[0].Payload, "design")
}

func TestSequentialHaltsOnFailure(t *testing.T) {
	inv := &testutil.ScriptedInvoker{Fail: map[string]string{"b": "compile error"}}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeSequential, []string{"a", "b", "c"}, nil)
	err := runner.Run(context.Background(), task, captured.sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage b")

	assert.Empty(t, inv.CallsFor("c"), "agents after the failing stage are never invoked")

	results := captured.get()
	assert.Len(t, results, 2)
	assert.Equal(t, "error", results["b"].Status)
}

func TestHybridRunsPhasesInOrder(t *testing.T) {
	inv := &testutil.ScriptedInvoker{Outputs: map[string]domain.Payload{
		"a": {"analysis": "ready"},
	}}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeHybrid, []string{"a", "b"}, domain.Payload{
		"phases": []any{
			map[string]any{"name": "analysis", "mode": "parallel", "agents": []any{"a"}},
			map[string]any{"name": "build", "agents": []any{"b"}},
		},
	})
	err := runner.Run(context.Background(), task, captured.sink)
	require.NoError(t, err)

	results := captured.get()
	assert.Contains(t, results, "analysis.a")
	assert.Contains(t, results, "build.b")

	// the second phase sees the first phase's summary
	bCalls := inv.CallsFor("b")
	require.Len(t, bCalls, 1)
	prev, ok := bCalls[0].Payload["previous_phase"].(map[string]any)
	require.True(t, ok)
	aOut, ok := prev["a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ready", aOut["analysis"])
}

func TestHybridFailingPhaseHaltsPlan(t *testing.T) {
	inv := &testutil.ScriptedInvoker{Fail: map[string]string{"a": "no capacity"}}
	runner := newStrategyRunner(inv, zap.NewNop())
	captured := newCapturedResults()

	task := strategyTask(domain.ModeHybrid, []string{"a", "b"}, domain.Payload{
		"phases": []any{
			map[string]any{"name": "first", "agents": []any{"a"}},
			map[string]any{"name": "second", "agents": []any{"b"}},
		},
	})
	err := runner.Run(context.Background(), task, captured.sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase first")
	assert.Empty(t, inv.CallsFor("b"))
}

func TestUnknownModeFails(t *testing.T) {
	runner := newStrategyRunner(&testutil.ScriptedInvoker{}, zap.NewNop())
	task := strategyTask(domain.ExecutionMode("bogus"), []string{"a"}, nil)

	err := runner.Run(context.Background(), task, func(string, domain.AgentResult) {})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
