package domain

import "sort"

// Phase is one stage of a hybrid task: an ordered step whose member agents run
// either in parallel or as a sequential pipeline.
type Phase struct {
	Name   string        `json:"name"`
	Mode   ExecutionMode `json:"mode"`
	Agents []string      `json:"agents"`
}

// presets maps well-known task types to a phase plan. Agents named here are
// filtered against the task's own agent list before use.
var presets = map[string][]Phase{
	"feature_development": {
		{Name: "analysis", Mode: ModeParallel, Agents: []string{"claude-architect", "gemini-developer"}},
		{Name: "implementation", Mode: ModeSequential, Agents: []string{"gemini-developer"}},
		{Name: "testing", Mode: ModeSequential, Agents: []string{"claude-tester"}},
		{Name: "review", Mode: ModeSequential, Agents: []string{"claude-architect"}},
	},
	"code_review": {
		{Name: "review", Mode: ModeParallel, Agents: []string{"claude-architect", "gemini-developer", "claude-tester"}},
	},
	"bug_fix": {
		{Name: "reproduce", Mode: ModeSequential, Agents: []string{"claude-tester"}},
		{Name: "analyze", Mode: ModeSequential, Agents: []string{"claude-architect"}},
		{Name: "fix", Mode: ModeSequential, Agents: []string{"gemini-developer"}},
		{Name: "verify", Mode: ModeSequential, Agents: []string{"claude-tester"}},
	},
}

// PresetAgents returns every agent name a task-type preset refers to, sorted.
// A deployment's catalog must cover these or the presets silently lose phases.
func PresetAgents() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, plan := range presets {
		for _, phase := range plan {
			for _, agent := range phase.Agents {
				if _, ok := seen[agent]; ok {
					continue
				}
				seen[agent] = struct{}{}
				names = append(names, agent)
			}
		}
	}
	sort.Strings(names)
	return names
}

// PhasesFor resolves the phase plan for a hybrid task. An explicit "phases"
// list in the payload wins; otherwise a task-type preset applies; the fallback
// is a single parallel phase over the task's agents.
func PhasesFor(t *Task) []Phase {
	if phases := parsePhases(t.Payload); len(phases) > 0 {
		return phases
	}
	if plan, ok := presets[t.Type]; ok {
		if phases := restrict(plan, t.Agents); len(phases) > 0 {
			return phases
		}
	}
	return []Phase{{Name: "default", Mode: ModeParallel, Agents: t.Agents}}
}

// parsePhases extracts an explicit phase plan from the payload. Entries that
// don't decode to a phase are skipped rather than failing the task.
func parsePhases(p Payload) []Phase {
	raw, ok := p["phases"].([]any)
	if !ok {
		return nil
	}

	var phases []Phase
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		phase := Phase{Mode: ModeSequential}
		if name, ok := m["name"].(string); ok {
			phase.Name = name
		}
		if mode, ok := m["mode"].(string); ok {
			if parsed, err := ParseExecutionMode(mode); err == nil && parsed != ModeHybrid {
				phase.Mode = parsed
			}
		}
		// legacy flag form: {"parallel": true}
		if par, ok := m["parallel"].(bool); ok && par {
			phase.Mode = ModeParallel
		}
		if agents, ok := m["agents"].([]any); ok {
			for _, a := range agents {
				if name, ok := a.(string); ok {
					phase.Agents = append(phase.Agents, name)
				}
			}
		}
		if len(phase.Agents) > 0 {
			phases = append(phases, phase)
		}
	}
	return phases
}

// restrict drops preset agents the task did not request; empty phases are
// removed entirely.
func restrict(plan []Phase, requested []string) []Phase {
	allowed := make(map[string]bool, len(requested))
	for _, a := range requested {
		allowed[a] = true
	}

	var phases []Phase
	for _, phase := range plan {
		var agents []string
		for _, a := range phase.Agents {
			if allowed[a] {
				agents = append(agents, a)
			}
		}
		if len(agents) > 0 {
			phases = append(phases, Phase{Name: phase.Name, Mode: phase.Mode, Agents: agents})
		}
	}
	return phases
}
