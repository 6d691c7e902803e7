package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhasesForExplicitPlanWins(t *testing.T) {
	task := &Task{
		Type:   "feature_development", // preset exists but must be ignored
		Mode:   ModeHybrid,
		Agents: []string{"claude-architect", "gemini-developer"},
		Payload: Payload{
			"phases": []any{
				map[string]any{
					"name":   "design",
					"mode":   "parallel",
					"agents": []any{"claude-architect", "gemini-developer"},
				},
				map[string]any{
					"name":   "build",
					"agents": []any{"gemini-developer"},
				},
			},
		},
	}

	phases := PhasesFor(task)
	require.Len(t, phases, 2)

	assert.Equal(t, "design", phases[0].Name)
	assert.Equal(t, ModeParallel, phases[0].Mode)
	assert.Equal(t, []string{"claude-architect", "gemini-developer"}, phases[0].Agents)

	// mode omitted defaults to sequential
	assert.Equal(t, ModeSequential, phases[1].Mode)
}

func TestPhasesForLegacyParallelFlag(t *testing.T) {
	task := &Task{
		Mode: ModeHybrid,
		Payload: Payload{
			"phases": []any{
				map[string]any{
					"name":     "fanout",
					"parallel": true,
					"agents":   []any{"a", "b"},
				},
			},
		},
		Agents: []string{"a", "b"},
	}

	phases := PhasesFor(task)
	require.Len(t, phases, 1)
	assert.Equal(t, ModeParallel, phases[0].Mode)
}

func TestPhasesForPresetRestrictedToRequestedAgents(t *testing.T) {
	task := &Task{
		Type:   "feature_development",
		Mode:   ModeHybrid,
		Agents: []string{"claude-architect", "gemini-developer"}, // no claude-tester
	}

	phases := PhasesFor(task)
	require.NotEmpty(t, phases)

	for _, phase := range phases {
		assert.NotEqual(t, "testing", phase.Name, "phase with no requested agents must be dropped")
		for _, agent := range phase.Agents {
			assert.Contains(t, task.Agents, agent)
		}
	}
	assert.Equal(t, "analysis", phases[0].Name)
	assert.Equal(t, ModeParallel, phases[0].Mode)
}

func TestPhasesForDefaultSingleParallelPhase(t *testing.T) {
	task := &Task{
		Type:   "unknown_type",
		Mode:   ModeHybrid,
		Agents: []string{"x", "y"},
	}

	phases := PhasesFor(task)
	require.Len(t, phases, 1)
	assert.Equal(t, ModeParallel, phases[0].Mode)
	assert.Equal(t, task.Agents, phases[0].Agents)
}

func TestPhasesForSkipsMalformedEntries(t *testing.T) {
	task := &Task{
		Mode:   ModeHybrid,
		Agents: []string{"a"},
		Payload: Payload{
			"phases": []any{
				"not a phase",
				map[string]any{"name": "empty"}, // no agents
				map[string]any{"name": "ok", "agents": []any{"a"}},
			},
		},
	}

	phases := PhasesFor(task)
	require.Len(t, phases, 1)
	assert.Equal(t, "ok", phases[0].Name)
}

func TestParseExecutionMode(t *testing.T) {
	for _, valid := range []string{"parallel", "sequential", "hybrid"} {
		mode, err := ParseExecutionMode(valid)
		require.NoError(t, err)
		assert.Equal(t, ExecutionMode(valid), mode)
	}

	_, err := ParseExecutionMode("PARALLEL")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParseExecutionMode("")
	assert.ErrorIs(t, err, ErrValidation)
}
