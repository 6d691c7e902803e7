// Package port provides behavior interfaces that connect services, storage,
// transport and handlers.
package port

import (
	"context"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
)

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status domain.TaskStatus
	Limit  uint64
}

// TaskRepository defines how tasks are persisted. The pending set doubles as
// the durable dispatch queue, ordered by priority then submission time.
type TaskRepository interface {
	Save(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)
	ListPending(ctx context.Context) ([]*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, reason string) error
	AppendResult(ctx context.Context, id, agent string, result domain.AgentResult) error
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// AgentInvoker dispatches one payload to one agent and blocks until the agent
// reports back, the context is cancelled, or the transport fails. The real
// work happens in an external container behind a message queue.
type AgentInvoker interface {
	Invoke(ctx context.Context, inv *domain.Invocation) (domain.Payload, error)
}

// InvocationConsumer is the worker-side half of the invocation transport.
// The handler's return value is published back to the orchestrator.
type InvocationConsumer interface {
	ConsumeInvocations(ctx context.Context, agent string, handler func(inv *domain.Invocation) (domain.Payload, error)) error
}

// AgentExecutor performs the actual agent work for one invocation.
type AgentExecutor interface {
	Execute(ctx context.Context, inv *domain.Invocation) (domain.Payload, error)
}

// AgentCoordinator defines how live agent workers are tracked (Redis).
type AgentCoordinator interface {
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	LiveAgents(ctx context.Context) ([]*domain.Agent, error)
}

// CancelSignaler broadcasts best-effort stop signals for in-flight tasks.
type CancelSignaler interface {
	BroadcastCancel(ctx context.Context, taskID string) error
	SubscribeCancels(ctx context.Context, fn func(taskID string)) error
}

// MonitoringService defines how we fetch live usage metrics (Prometheus).
type MonitoringService interface {
	GetAgentMetrics(ctx context.Context, agent string) (float64, float64, error) // CPU %, Mem MB
	GetAllAgentMetrics(ctx context.Context) (map[string]domain.AgentMetrics, error)
}
