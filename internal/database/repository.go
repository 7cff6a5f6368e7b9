package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

// ErrTaskNotFound is returned when no task has the requested ID
var ErrTaskNotFound = errors.New("task not found")

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// observe is deferred with a pointer to the named error result
func observe(operation string, start time.Time, err *error) {
	status := "success"
	if *err != nil && !errors.Is(*err, ErrTaskNotFound) {
		status = "error"
	}
	metrics.RecordDatabaseOperation(operation, status, time.Since(start).Seconds())
}

const taskColumns = `
	id, url, output, base_url, headers, status, priority, total, completed, failed,
	error_msg, output_url, worker_id, started_at, completed_at, created_at, updated_at
`

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.ID, &task.URL, &task.Output, &task.BaseURL, &task.Headers, &task.Status,
		&task.Priority, &task.Total, &task.Completed, &task.Failed,
		&task.ErrorMsg, &task.OutputURL, &task.WorkerID, &task.StartedAt,
		&task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask creates a new task record
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) (err error) {
	defer observe("create_task", time.Now(), &err)

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	query := `
		INSERT INTO tasks (id, url, output, base_url, headers, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool.QueryRow(ctx, query,
		task.ID, task.URL, task.Output, task.BaseURL, task.Headers, task.Status, task.Priority,
	).Scan(&task.CreatedAt, &task.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (task *models.Task, err error) {
	defer observe("get_task", time.Now(), &err)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err = scanTask(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ListTasks retrieves tasks with pagination, newest first. An empty status lists all.
func (r *Repository) ListTasks(ctx context.Context, status string, limit, offset int) (tasks []*models.Task, err error) {
	defer observe("list_tasks", time.Now(), &err)

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// UpdateTaskStatus sets a task's status and error message
func (r *Repository) UpdateTaskStatus(ctx context.Context, id, status, errorMsg string) (err error) {
	defer observe("update_task_status", time.Now(), &err)

	query := `UPDATE tasks SET status = $2, error_msg = $3, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, id, status, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// MarkTaskRunning records the worker that picked the task up
func (r *Repository) MarkTaskRunning(ctx context.Context, id, workerID string) (err error) {
	defer observe("mark_task_running", time.Now(), &err)

	query := `
		UPDATE tasks
		SET status = $2, worker_id = $3, started_at = NOW(), error_msg = '',
		    total = 0, completed = 0, failed = 0, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, models.TaskStatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// UpdateTaskProgress stores the segment counters of a running task
func (r *Repository) UpdateTaskProgress(ctx context.Context, id string, total, completed, failed int) (err error) {
	defer observe("update_task_progress", time.Now(), &err)

	query := `
		UPDATE tasks
		SET total = $2, completed = $3, failed = $4, updated_at = NOW()
		WHERE id = $1
	`

	if _, err = r.db.Pool.Exec(ctx, query, id, total, completed, failed); err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}

	return nil
}

// CompleteTask records the terminal state of a task
func (r *Repository) CompleteTask(ctx context.Context, task *models.Task) (err error) {
	defer observe("complete_task", time.Now(), &err)

	query := `
		UPDATE tasks
		SET status = $2, total = $3, completed = $4, failed = $5, error_msg = $6,
		    output_url = $7, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING completed_at, updated_at
	`

	err = r.db.Pool.QueryRow(ctx, query,
		task.ID, task.Status, task.Total, task.Completed, task.Failed, task.ErrorMsg, task.OutputURL,
	).Scan(&task.CompletedAt, &task.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	return nil
}

// DeleteTask removes a task record
func (r *Repository) DeleteTask(ctx context.Context, id string) (err error) {
	defer observe("delete_task", time.Now(), &err)

	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}

	return nil
}
