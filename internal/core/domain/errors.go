// Package domain provides the orchestrator's core entities, domain level errors
// and the execution-mode vocabulary shared by services and adapters.
package domain

import "errors"

var (
	// ErrValidation marks a malformed submission: unknown execution mode,
	// empty or unknown agent list. The task is never created.
	ErrValidation = errors.New("invalid task request")

	// ErrResourceExhausted means a reservation does not fit the remaining
	// capacity. The task stays pending and is retried on the next tick.
	ErrResourceExhausted = errors.New("insufficient resources")

	// ErrNotFound marks operations on an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrConflict marks a cancel attempt on an already-terminal task.
	ErrConflict = errors.New("task already in a terminal state")

	// ErrAllAgentsFailed is the parallel failure criterion: every agent in the
	// fan-out reported an error.
	ErrAllAgentsFailed = errors.New("all agents failed")
)
