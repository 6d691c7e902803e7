package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devgrid/agent-orchestrator/internal/adapter/monitoring/metrics"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// persistTimeout bounds repository writes issued outside a request context.
const persistTimeout = 5 * time.Second

// ManagerConfig carries the scheduling knobs of the dispatch loop.
type ManagerConfig struct {
	Tick           time.Duration
	DefaultTimeout time.Duration
	DefaultMode    domain.ExecutionMode // applied when a submission omits the mode
}

// SubmitRequest is the validated-on-entry shape of a task submission.
type SubmitRequest struct {
	Type           string
	Mode           string
	Agents         []string
	Payload        domain.Payload
	Priority       int
	TimeoutSeconds int
}

// taskState pairs a live task with the cancel handle of its execution.
type taskState struct {
	task   *domain.Task
	cancel context.CancelFunc // non-nil while running
}

// QueueStatus is the /queue/status view.
type QueueStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// TaskManager validates submissions, owns every task state transition and
// promotes pending tasks to running when the resource ledger admits them.
// Submission never blocks on execution; dispatch happens on a fixed tick.
type TaskManager struct {
	repo     port.TaskRepository
	ledger   *ResourceLedger
	registry *AgentRegistry
	runner   *strategyRunner
	signals  port.CancelSignaler
	metrics  *metrics.Metrics
	cfg      ManagerConfig
	log      *zap.Logger

	mu    sync.Mutex
	tasks map[string]*taskState
}

func NewTaskManager(
	repo port.TaskRepository,
	ledger *ResourceLedger,
	registry *AgentRegistry,
	invoker port.AgentInvoker,
	signals port.CancelSignaler,
	m *metrics.Metrics,
	cfg ManagerConfig,
	log *zap.Logger,
) *TaskManager {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = domain.ModeParallel
	}
	return &TaskManager{
		repo:     repo,
		ledger:   ledger,
		registry: registry,
		runner:   newStrategyRunner(invoker, log),
		signals:  signals,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		tasks:    make(map[string]*taskState),
	}
}

// Submit validates the request, persists the task as pending and returns
// immediately. Dispatch happens asynchronously on the next loop tick.
func (m *TaskManager) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	modeStr := req.Mode
	if modeStr == "" {
		modeStr = string(m.cfg.DefaultMode)
	}
	mode, err := domain.ParseExecutionMode(modeStr)
	if err != nil {
		return nil, fmt.Errorf("execution_mode %q: %w", req.Mode, domain.ErrValidation)
	}
	if len(req.Agents) == 0 {
		return nil, fmt.Errorf("agents must not be empty: %w", domain.ErrValidation)
	}
	if name, ok := m.registry.Known(req.Agents); !ok {
		return nil, fmt.Errorf("unknown agent %q: %w", name, domain.ErrValidation)
	}

	timeout := m.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	payload := req.Payload
	if payload == nil {
		payload = domain.Payload{}
	}

	now := time.Now()
	task := &domain.Task{
		ID:        "task_" + uuid.NewString(),
		Type:      req.Type,
		Mode:      mode,
		Agents:    req.Agents,
		Payload:   payload,
		Priority:  req.Priority,
		Timeout:   timeout,
		Status:    domain.TaskStatusPending,
		Results:   make(map[string]domain.AgentResult),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.repo.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	m.mu.Lock()
	m.tasks[task.ID] = &taskState{task: task}
	snap := snapshotLocked(task)
	m.mu.Unlock()

	m.metrics.TasksSubmitted.Inc()
	m.log.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("mode", string(mode)),
		zap.Int("agents", len(task.Agents)),
		zap.Int("priority", task.Priority))
	return snap, nil
}

// Run drives the dispatch loop until ctx is cancelled. Errors are isolated
// per tick and per task; the loop itself never exits on a task failure.
func (m *TaskManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Stopping dispatch loop")
			return
		case <-ticker.C:
			count++
			if count%30 == 0 {
				status := m.QueueCounts()
				m.log.Info("Dispatch loop heartbeat",
					zap.Int("pending", status.Pending),
					zap.Int("running", status.Running),
					zap.Duration("tick", m.cfg.Tick))
			}

			m.sweepTimeouts(ctx)
			if err := m.dispatchPending(ctx); err != nil {
				m.log.Error("Dispatch pass failed", zap.Error(err))
			}
			m.updateGauges()
		}
	}
}

// dispatchPending scans pending tasks in priority order (FIFO within a
// priority) and admits every task whose full reservation fits. Tasks that do
// not fit stay pending and are retried on the next tick.
func (m *TaskManager) dispatchPending(ctx context.Context) error {
	pending, err := m.repo.ListPending(ctx)
	if err != nil {
		return err
	}

	for _, t := range pending {
		state := m.adopt(t)

		m.mu.Lock()
		if state.task.Status != domain.TaskStatusPending {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		allocs, err := m.registry.AllocationsFor(state.task)
		if err != nil {
			m.finish(state.task.ID, domain.TaskStatusFailed, err.Error())
			continue
		}

		if err := m.ledger.Reserve(state.task.ID, allocs); err != nil {
			if errors.Is(err, domain.ErrResourceExhausted) {
				m.metrics.Violations.WithLabelValues(violationType(err)).Inc()
				m.log.Debug("Task deferred, capacity exhausted",
					zap.String("task_id", state.task.ID), zap.Error(err))
				continue
			}
			m.log.Error("Reservation failed", zap.String("task_id", state.task.ID), zap.Error(err))
			continue
		}

		m.start(ctx, state)
	}
	return nil
}

// adopt ensures a task loaded from the repository has in-memory state, so
// tasks persisted by a previous process are still dispatchable.
func (m *TaskManager) adopt(t *domain.Task) *taskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.tasks[t.ID]; ok {
		return state
	}
	if t.Results == nil {
		t.Results = make(map[string]domain.AgentResult)
	}
	state := &taskState{task: t}
	m.tasks[t.ID] = state
	return state
}

// start transitions a task to running and launches its strategy. The pending
// check is repeated under the lock: a cancel or timeout sweep can land between
// the dispatch pass's check and the reservation, and a terminal task must
// never come back.
func (m *TaskManager) start(ctx context.Context, state *taskState) {
	runCtx, cancel := context.WithDeadline(ctx, state.task.CreatedAt.Add(state.task.Timeout))

	m.mu.Lock()
	if state.task.Status != domain.TaskStatusPending {
		id := state.task.ID
		m.mu.Unlock()
		cancel()
		m.ledger.Release(id)
		return
	}
	state.task.Status = domain.TaskStatusRunning
	state.task.UpdatedAt = time.Now()
	state.cancel = cancel
	id := state.task.ID
	agents := state.task.Agents
	m.mu.Unlock()

	m.persistStatus(id, domain.TaskStatusRunning, "")
	m.registry.MarkBusy(agents...)

	m.log.Info("Task dispatched",
		zap.String("task_id", id),
		zap.String("status", string(domain.TaskStatusRunning)))

	go m.execute(runCtx, id)
}

// execute runs the strategy for one task. A panic or error here is isolated
// to the task; the dispatch loop is never affected.
func (m *TaskManager) execute(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Task execution panicked", zap.String("task_id", id), zap.Any("panic", r))
			m.finish(id, domain.TaskStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	m.mu.Lock()
	state, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	task := state.task
	m.mu.Unlock()

	err := m.runner.Run(ctx, task, func(key string, res domain.AgentResult) {
		m.recordResult(id, key, res)
	})
	if err != nil {
		m.finish(id, domain.TaskStatusFailed, err.Error())
		return
	}
	m.finish(id, domain.TaskStatusCompleted, "")
}

// recordResult appends one agent's outcome. Results for tasks already in a
// terminal state are dropped silently, which is what makes cancellation safe
// against in-flight agents.
func (m *TaskManager) recordResult(id, key string, res domain.AgentResult) {
	m.mu.Lock()
	state, ok := m.tasks[id]
	if !ok || state.task.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	state.task.Results[key] = res
	state.task.UpdatedAt = time.Now()
	m.mu.Unlock()

	pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
	defer pcancel()
	if err := m.repo.AppendResult(pctx, id, key, res); err != nil {
		m.log.Error("Failed to persist agent result",
			zap.String("task_id", id), zap.String("agent", key), zap.Error(err))
	}
}

// finish moves a task into a terminal state exactly once: the first caller
// wins, later callers (a racing cancel, timeout sweep or strategy return) are
// no-ops. Reservations are always released on the winning path.
func (m *TaskManager) finish(id string, status domain.TaskStatus, reason string) bool {
	m.mu.Lock()
	state, ok := m.tasks[id]
	if !ok || state.task.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	state.task.Status = status
	state.task.FailureReason = reason
	state.task.UpdatedAt = time.Now()
	cancel := state.cancel
	state.cancel = nil
	agents := state.task.Agents
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.ledger.Release(id)
	m.registry.MarkIdle(agents...)
	m.persistStatus(id, status, reason)
	m.metrics.TasksFinished.WithLabelValues(string(status)).Inc()

	m.log.Info("Task finished",
		zap.String("task_id", id),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return true
}

// Cancel stops a pending or running task. Returns ErrConflict when the task
// already reached a terminal state, including a lost race against its own
// completion: exactly one terminal state ever wins.
func (m *TaskManager) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	state, ok := m.tasks[id]
	m.mu.Unlock()

	if !ok {
		t, err := m.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return nil, domain.ErrConflict
		}
		state = m.adopt(t)
	}

	if !m.finish(id, domain.TaskStatusCancelled, "") {
		return nil, domain.ErrConflict
	}

	// Best-effort stop signal for agents already holding an invocation.
	if err := m.signals.BroadcastCancel(ctx, id); err != nil {
		m.log.Warn("Cancel broadcast failed", zap.String("task_id", id), zap.Error(err))
	}

	m.mu.Lock()
	snap := snapshotLocked(state.task)
	m.mu.Unlock()
	return snap, nil
}

// sweepTimeouts forces tasks past their declared timeout into failed. Applies
// to running tasks and to tasks still pending after repeated deferral.
func (m *TaskManager) sweepTimeouts(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, state := range m.tasks {
		if !state.task.Status.Terminal() && state.task.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.finish(id, domain.TaskStatusFailed, "timeout") {
			if err := m.signals.BroadcastCancel(ctx, id); err != nil {
				m.log.Warn("Timeout cancel broadcast failed", zap.String("task_id", id), zap.Error(err))
			}
		}
	}
}

// Rebalance is the explicit preemption pass: it picks the highest-priority
// pending task that does not fit and releases lower-priority holders (failing
// preempted tasks with reason "preempted") until it would. Never runs
// implicitly.
func (m *TaskManager) Rebalance(ctx context.Context) (preempted, released []string, err error) {
	pending, err := m.repo.ListPending(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, t := range pending {
		allocs, err := m.registry.AllocationsFor(t)
		if err != nil {
			continue
		}
		if m.ledger.Fits(allocs) {
			continue // admitted on the next tick without preemption
		}

		for _, holder := range m.ledger.Holders() {
			if holder.Priority >= t.Priority || m.ledger.Fits(allocs) {
				break
			}
			if strings.HasPrefix(holder.Owner, manualOwnerPrefix) {
				m.ledger.Release(holder.Owner)
				released = append(released, strings.TrimPrefix(holder.Owner, manualOwnerPrefix))
				continue
			}
			if m.finish(holder.Owner, domain.TaskStatusFailed, "preempted") {
				preempted = append(preempted, holder.Owner)
				if err := m.signals.BroadcastCancel(ctx, holder.Owner); err != nil {
					m.log.Warn("Preemption cancel broadcast failed",
						zap.String("task_id", holder.Owner), zap.Error(err))
				}
			}
		}
		break // one blocked task per pass, the highest-priority one
	}

	if len(preempted) > 0 || len(released) > 0 {
		m.log.Info("Rebalance preempted holders",
			zap.Strings("tasks", preempted), zap.Strings("allocations", released))
	}
	return preempted, released, nil
}

// Get returns a point-in-time copy of a task.
func (m *TaskManager) Get(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	if state, ok := m.tasks[id]; ok {
		snap := snapshotLocked(state.task)
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	return m.repo.GetByID(ctx, id)
}

// List proxies filtered listings to the repository.
func (m *TaskManager) List(ctx context.Context, filter port.TaskFilter) ([]*domain.Task, error) {
	return m.repo.List(ctx, filter)
}

// QueueCounts reports in-memory pending/running depth.
func (m *TaskManager) QueueCounts() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var status QueueStatus
	for _, state := range m.tasks {
		switch state.task.Status {
		case domain.TaskStatusPending:
			status.Pending++
		case domain.TaskStatusRunning:
			status.Running++
		}
	}
	return status
}

func (m *TaskManager) persistStatus(id string, status domain.TaskStatus, reason string) {
	pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
	defer pcancel()
	if err := m.repo.UpdateStatus(pctx, id, status, reason); err != nil {
		m.log.Error("Failed to persist status",
			zap.String("task_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}

func (m *TaskManager) updateGauges() {
	snap := m.ledger.Snapshot()
	m.metrics.LedgerMemoryUsed.Set(float64(snap.UsedMemory))
	m.metrics.LedgerMemoryCapacity.Set(float64(snap.MaxMemory))
	m.metrics.LedgerCPUUsed.Set(snap.UsedCPU)
	m.metrics.LedgerCPUCapacity.Set(snap.MaxCPU)

	status := m.QueueCounts()
	m.metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusPending)).Set(float64(status.Pending))
	m.metrics.QueueDepth.WithLabelValues(string(domain.TaskStatusRunning)).Set(float64(status.Running))

	for agent, count := range m.registry.BusyCounts() {
		m.metrics.AgentBusy.WithLabelValues(agent).Set(float64(count))
	}
}

// snapshotLocked copies a task so handlers can marshal it without holding the
// manager lock. Caller must hold mu.
func snapshotLocked(t *domain.Task) *domain.Task {
	snap := *t
	snap.Results = make(map[string]domain.AgentResult, len(t.Results))
	for k, v := range t.Results {
		snap.Results[k] = v
	}
	return &snap
}

// violationType maps a reservation error onto the metrics label.
func violationType(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "memory"):
		return "memory"
	case strings.Contains(msg, "cpu"):
		return "cpu"
	default:
		return "slots"
	}
}
