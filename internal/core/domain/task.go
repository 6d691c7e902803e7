package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
	ModeHybrid     ExecutionMode = "hybrid"
)

// ParseExecutionMode validates a wire-format mode string.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModeParallel, ModeSequential, ModeHybrid:
		return ExecutionMode(s), nil
	}
	return "", ErrValidation
}

// AgentResult is one agent's (or pipeline stage's) contribution to a task.
type AgentResult struct {
	Status string  `json:"status"` // "success" or "error"
	Output Payload `json:"output,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Task represents a unit of work fanned out to one or more agents
type Task struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"task_type"` // free-form tag, routing/logging only
	Mode          ExecutionMode          `json:"execution_mode"`
	Agents        []string               `json:"agents"` // order defines the pipeline for sequential
	Payload       Payload                `json:"payload"`
	Priority      int                    `json:"priority"` // higher = served sooner
	Timeout       time.Duration          `json:"-"`
	Status        TaskStatus             `json:"status"`
	Results       map[string]AgentResult `json:"results"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Expired reports whether the task has outlived its declared timeout.
func (t *Task) Expired(now time.Time) bool {
	return t.Timeout > 0 && now.Sub(t.CreatedAt) > t.Timeout
}

// Invocation is a single dispatch of a task payload to one agent.
type Invocation struct {
	TaskID   string        `json:"task_id"`
	Agent    string        `json:"agent"`
	Payload  Payload       `json:"payload"`
	Priority int           `json:"priority"`
	Timeout  time.Duration `json:"timeout"`
}
