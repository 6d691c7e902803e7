package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"go.uber.org/zap"
)

// resultSink receives each agent's outcome as it lands, keyed by agent name
// (or "phase.agent" for hybrid tasks).
type resultSink func(key string, res domain.AgentResult)

// strategyRunner encapsulates the three fan-out topologies over an opaque
// invoker. It never touches task state; the manager owns transitions.
type strategyRunner struct {
	invoker port.AgentInvoker
	log     *zap.Logger
}

func newStrategyRunner(invoker port.AgentInvoker, log *zap.Logger) *strategyRunner {
	return &strategyRunner{invoker: invoker, log: log}
}

// Run executes the task per its execution mode. A nil return means the mode's
// completion criterion was met; an error means the task failed.
func (r *strategyRunner) Run(ctx context.Context, task *domain.Task, record resultSink) error {
	switch task.Mode {
	case domain.ModeParallel:
		_, err := r.runParallel(ctx, task, task.Agents, task.Payload, "", record)
		return err
	case domain.ModeSequential:
		_, err := r.runSequential(ctx, task, task.Agents, task.Payload, "", record)
		return err
	case domain.ModeHybrid:
		return r.runHybrid(ctx, task, record)
	}
	return fmt.Errorf("execution mode %q: %w", task.Mode, domain.ErrValidation)
}

// runParallel invokes every agent concurrently with the same payload. A single
// agent failure does not abort the others; the batch fails only when ALL
// agents fail.
func (r *strategyRunner) runParallel(ctx context.Context, task *domain.Task, agents []string, payload domain.Payload, prefix string, record resultSink) (map[string]domain.AgentResult, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]domain.AgentResult, len(agents))
	)

	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()

			out, err := r.invoke(ctx, task, agent, payload)
			res := resultFor(out, err)

			mu.Lock()
			results[agent] = res
			mu.Unlock()
			record(prefix+agent, res)
		}(agent)
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Status == statusError {
			failed++
		}
	}
	if len(agents) > 0 && failed == len(agents) {
		return results, domain.ErrAllAgentsFailed
	}
	return results, nil
}

// runSequential invokes agents strictly in list order. Each stage's payload is
// the pipeline's base payload overridden by the previous stage's result
// fields. The first failing stage halts the pipeline; later agents are never
// invoked.
func (r *strategyRunner) runSequential(ctx context.Context, task *domain.Task, agents []string, base domain.Payload, prefix string, record resultSink) (map[string]domain.AgentResult, error) {
	results := make(map[string]domain.AgentResult, len(agents))
	payload := base.Clone()

	for _, agent := range agents {
		out, err := r.invoke(ctx, task, agent, payload)
		res := resultFor(out, err)
		results[agent] = res
		record(prefix+agent, res)

		if err != nil {
			return results, fmt.Errorf("stage %s: %w", agent, err)
		}
		payload = base.Merge(out)
	}
	return results, nil
}

// runHybrid runs the task's phases one at a time in order, each phase per its
// inner mode's rules. A phase must meet its completion criterion before the
// next starts; phase results are fed forward under "previous_phase".
func (r *strategyRunner) runHybrid(ctx context.Context, task *domain.Task, record resultSink) error {
	payload := task.Payload.Clone()

	for _, phase := range domain.PhasesFor(task) {
		prefix := phase.Name + "."

		var (
			results map[string]domain.AgentResult
			err     error
		)
		if phase.Mode == domain.ModeParallel {
			results, err = r.runParallel(ctx, task, phase.Agents, payload, prefix, record)
		} else {
			results, err = r.runSequential(ctx, task, phase.Agents, payload, prefix, record)
		}
		if err != nil {
			return fmt.Errorf("phase %s: %w", phase.Name, err)
		}

		payload = payload.Merge(domain.Payload{"previous_phase": phaseSummary(results)})
	}
	return nil
}

func (r *strategyRunner) invoke(ctx context.Context, task *domain.Task, agent string, payload domain.Payload) (domain.Payload, error) {
	out, err := r.invoker.Invoke(ctx, &domain.Invocation{
		TaskID:   task.ID,
		Agent:    agent,
		Payload:  payload,
		Priority: task.Priority,
		Timeout:  task.Timeout,
	})
	if err != nil {
		r.log.Warn("Agent invocation failed",
			zap.String("task_id", task.ID),
			zap.String("agent", agent),
			zap.Error(err))
	}
	return out, err
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

func resultFor(out domain.Payload, err error) domain.AgentResult {
	if err != nil {
		return domain.AgentResult{Status: statusError, Error: err.Error()}
	}
	return domain.AgentResult{Status: statusSuccess, Output: out}
}

// phaseSummary flattens a phase's results into a payload fragment for the next
// phase: the agent's output on success, its error string otherwise.
func phaseSummary(results map[string]domain.AgentResult) map[string]any {
	summary := make(map[string]any, len(results))
	for agent, res := range results {
		if res.Status == statusSuccess {
			summary[agent] = map[string]any(res.Output)
		} else {
			summary[agent] = map[string]any{"error": res.Error}
		}
	}
	return summary
}
