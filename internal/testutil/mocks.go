// Package testutil provides in-memory fakes for service and handler tests.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
)

// MemoryTaskRepo is an in-memory port.TaskRepository. It copies tasks on the
// way in and out so tests observe repository state, not shared pointers.
type MemoryTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func NewMemoryTaskRepo() *MemoryTaskRepo {
	return &MemoryTaskRepo{tasks: make(map[string]*domain.Task)}
}

func (r *MemoryTaskRepo) Save(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = copyTask(task)
	return nil
}

func (r *MemoryTaskRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyTask(t), nil
}

func (r *MemoryTaskRepo) List(_ context.Context, filter port.TaskFilter) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Task
	for _, t := range r.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && uint64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryTaskRepo) ListPending(_ context.Context) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Task
	for _, t := range r.tasks {
		if t.Status == domain.TaskStatusPending {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryTaskRepo) UpdateStatus(_ context.Context, id string, status domain.TaskStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	t.FailureReason = reason
	t.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryTaskRepo) AppendResult(_ context.Context, id, agent string, result domain.AgentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Results == nil {
		t.Results = make(map[string]domain.AgentResult)
	}
	t.Results[agent] = result
	t.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryTaskRepo) CountByStatus(_ context.Context) (map[domain.TaskStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	c.Results = make(map[string]domain.AgentResult, len(t.Results))
	for k, v := range t.Results {
		c.Results[k] = v
	}
	return &c
}

// ScriptedInvoker is a port.AgentInvoker whose behavior is scripted per
// agent. Unscripted agents succeed immediately with a small echo payload.
type ScriptedInvoker struct {
	// Delay is applied before every reply; cancellation interrupts it.
	Delay time.Duration
	// Fail maps agent names to error messages.
	Fail map[string]string
	// Outputs overrides the reply payload per agent.
	Outputs map[string]domain.Payload

	mu    sync.Mutex
	calls []domain.Invocation
}

func (i *ScriptedInvoker) Invoke(ctx context.Context, inv *domain.Invocation) (domain.Payload, error) {
	i.mu.Lock()
	i.calls = append(i.calls, *inv)
	i.mu.Unlock()

	if i.Delay > 0 {
		timer := time.NewTimer(i.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if msg, ok := i.Fail[inv.Agent]; ok {
		return nil, errors.New(msg)
	}
	if out, ok := i.Outputs[inv.Agent]; ok {
		return out, nil
	}
	return domain.Payload{"agent": inv.Agent, "ok": true}, nil
}

// Calls returns every invocation seen, in arrival order.
func (i *ScriptedInvoker) Calls() []domain.Invocation {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]domain.Invocation, len(i.calls))
	copy(out, i.calls)
	return out
}

// CallsFor returns the invocations routed to one agent.
func (i *ScriptedInvoker) CallsFor(agent string) []domain.Invocation {
	var out []domain.Invocation
	for _, c := range i.Calls() {
		if c.Agent == agent {
			out = append(out, c)
		}
	}
	return out
}

// StaticCoordinator is an in-memory port.AgentCoordinator.
type StaticCoordinator struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func NewStaticCoordinator() *StaticCoordinator {
	return &StaticCoordinator{agents: make(map[string]*domain.Agent)}
}

func (c *StaticCoordinator) RegisterAgent(_ context.Context, agent *domain.Agent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamped := *agent
	stamped.LastHeartbeat = time.Now()
	c.agents[agent.Name] = &stamped
	return nil
}

func (c *StaticCoordinator) LiveAgents(_ context.Context) ([]*domain.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// RecordingSignaler is a port.CancelSignaler that records broadcasts and
// fans them out to local subscribers.
type RecordingSignaler struct {
	mu        sync.Mutex
	broadcast []string
	subs      []func(string)
}

func (s *RecordingSignaler) BroadcastCancel(_ context.Context, taskID string) error {
	s.mu.Lock()
	s.broadcast = append(s.broadcast, taskID)
	subs := make([]func(string), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(taskID)
	}
	return nil
}

func (s *RecordingSignaler) SubscribeCancels(ctx context.Context, fn func(taskID string)) error {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Broadcasts returns every task id broadcast so far.
func (s *RecordingSignaler) Broadcasts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.broadcast))
	copy(out, s.broadcast)
	return out
}
