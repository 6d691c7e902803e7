package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"go.uber.org/zap"
)

// heartbeatEvery is the registration refresh interval; the coordinator holds
// each registration for roughly three beats before it expires.
const heartbeatEvery = 10 * time.Second

// AgentWorker is the long-running process behind one agent identity. It keeps
// the identity registered with the coordinator, consumes invocations for its
// queue and honors broadcast cancellations for the task it is serving.
type AgentWorker struct {
	identity    *domain.Agent
	coordinator port.AgentCoordinator
	consumer    port.InvocationConsumer
	signals     port.CancelSignaler
	executor    port.AgentExecutor
	log         *zap.Logger

	mu      sync.Mutex
	serving map[string]context.CancelFunc // task id -> cancel of its invocation
}

func NewAgentWorker(
	identity *domain.Agent,
	coordinator port.AgentCoordinator,
	consumer port.InvocationConsumer,
	signals port.CancelSignaler,
	executor port.AgentExecutor,
	log *zap.Logger,
) *AgentWorker {
	return &AgentWorker{
		identity:    identity,
		coordinator: coordinator,
		consumer:    consumer,
		signals:     signals,
		executor:    executor,
		log:         log,
		serving:     make(map[string]context.CancelFunc),
	}
}

// Run registers the worker, starts the heartbeat and cancel listeners and
// then blocks consuming invocations until ctx is cancelled.
func (w *AgentWorker) Run(ctx context.Context) error {
	if err := w.coordinator.RegisterAgent(ctx, w.identity); err != nil {
		return fmt.Errorf("initial registration: %w", err)
	}
	w.log.Info("Agent registered", zap.String("agent", w.identity.Name), zap.String("role", w.identity.Role))

	go w.heartbeatLoop(ctx)
	go func() {
		if err := w.signals.SubscribeCancels(ctx, w.cancelTask); err != nil && ctx.Err() == nil {
			w.log.Error("Cancel subscription stopped", zap.Error(err))
		}
	}()

	return w.consumer.ConsumeInvocations(ctx, w.identity.Name, w.handle)
}

func (w *AgentWorker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.coordinator.RegisterAgent(ctx, w.identity); err != nil {
				w.log.Warn("Heartbeat failed", zap.String("agent", w.identity.Name), zap.Error(err))
			}
		}
	}
}

// handle runs one invocation under its declared timeout. The cancel handle is
// indexed by task id so a broadcast cancellation stops the work mid-flight.
func (w *AgentWorker) handle(inv *domain.Invocation) (domain.Payload, error) {
	invCtx := context.Background()
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		invCtx, cancel = context.WithTimeout(invCtx, inv.Timeout)
	} else {
		invCtx, cancel = context.WithCancel(invCtx)
	}
	defer cancel()

	w.mu.Lock()
	w.serving[inv.TaskID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.serving, inv.TaskID)
		w.mu.Unlock()
	}()

	w.log.Info("Invocation received",
		zap.String("agent", w.identity.Name),
		zap.String("task_id", inv.TaskID))

	out, err := w.executor.Execute(invCtx, inv)
	if err != nil {
		w.log.Warn("Invocation failed",
			zap.String("agent", w.identity.Name),
			zap.String("task_id", inv.TaskID),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

func (w *AgentWorker) cancelTask(taskID string) {
	w.mu.Lock()
	cancel, ok := w.serving[taskID]
	w.mu.Unlock()
	if ok {
		w.log.Info("Cancelling in-flight invocation",
			zap.String("agent", w.identity.Name),
			zap.String("task_id", taskID))
		cancel()
	}
}

// SimulatedExecutor stands in for a real agent container: it sleeps for a
// configurable duration and echoes the payload back annotated with the agent
// identity. Honors cancellation while sleeping.
type SimulatedExecutor struct {
	WorkFor time.Duration
}

func (e *SimulatedExecutor) Execute(ctx context.Context, inv *domain.Invocation) (domain.Payload, error) {
	d := e.WorkFor
	if d <= 0 {
		d = 500 * time.Millisecond
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	out := domain.Payload{
		"agent":        inv.Agent,
		"task_id":      inv.TaskID,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range inv.Payload {
		out["echo_"+k] = v
	}
	return out, nil
}
