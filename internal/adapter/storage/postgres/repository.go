package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	postgresql "github.com/devgrid/agent-orchestrator/config/storage/postgresql"
	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/devgrid/agent-orchestrator/internal/core/port"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const taskColumns = `id, task_type, execution_mode, agents, payload, results, priority, timeout_seconds, status, failure_reason, created_at, updated_at`

type taskRepository struct {
	db  *postgresql.DB
	log *zap.Logger
}

// NewTaskRepository creates a new postgres repository
func NewTaskRepository(db *postgresql.DB, log *zap.Logger) port.TaskRepository {
	return &taskRepository{
		db:  db,
		log: log,
	}
}

func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Exec(ctx, query,
		task.ID, task.Type, task.Mode, task.Agents, task.Payload, task.Results,
		task.Priority, int(task.Timeout/time.Second), task.Status, task.FailureReason,
		task.CreatedAt, task.UpdatedAt)

	if err != nil {
		r.log.Error("Failed to save task", zap.String("id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (r *taskRepository) List(ctx context.Context, filter port.TaskFilter) ([]*domain.Task, error) {
	qb := r.db.QueryBuilder.
		Select(taskColumns).
		From("tasks").
		OrderBy("created_at DESC")

	if filter.Status != "" {
		qb = qb.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		qb = qb.Limit(filter.Limit)
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListPending returns the durable dispatch queue: pending tasks ordered by
// priority, submission time breaking ties.
func (r *taskRepository) ListPending(ctx context.Context) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending' ORDER BY priority DESC, created_at ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *taskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, reason string) error {
	query := `UPDATE tasks SET status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`
	_, err := r.db.Exec(ctx, query, status, reason, time.Now(), id)
	return err
}

// AppendResult merges one agent outcome into the results document without
// rewriting the rest, so concurrent parallel-mode writers never clobber each
// other.
func (r *taskRepository) AppendResult(ctx context.Context, id, agent string, result domain.AgentResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}

	query := `UPDATE tasks SET results = results || jsonb_build_object($2::text, $3::jsonb), updated_at = $4 WHERE id = $1`
	_, err = r.db.Exec(ctx, query, id, agent, body, time.Now())
	return err
}

func (r *taskRepository) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var timeoutSeconds int
	if err := row.Scan(
		&t.ID, &t.Type, &t.Mode, &t.Agents, &t.Payload, &t.Results,
		&t.Priority, &timeoutSeconds, &t.Status, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	if t.Results == nil {
		t.Results = make(map[string]domain.AgentResult)
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
