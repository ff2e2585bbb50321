package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/taskqueue"
)

// TaskRepo implements taskqueue.Repository on Postgres. Claim takes rows
// with FOR UPDATE SKIP LOCKED, so any number of replicas can poll the
// queue without double-claiming; a processing lease recovers tasks whose
// worker died mid-flight.
type TaskRepo struct {
	db           DBInterface
	staleTimeout time.Duration
}

func NewTaskRepo(db DBInterface, staleTimeout time.Duration) *TaskRepo {
	if staleTimeout <= 0 {
		staleTimeout = 5 * time.Minute
	}
	return &TaskRepo{db: db, staleTimeout: staleTimeout}
}

type taskRow struct {
	ID          string     `db:"id"`
	Name        *string    `db:"task_name"`
	Type        string     `db:"task_type"`
	Body        []byte     `db:"task_body"`
	CreatedAt   time.Time  `db:"created_at"`
	RetryAt     time.Time  `db:"retry_at"`
	LastError   *string    `db:"last_error"`
	RetryCount  int        `db:"retry_count"`
	ProcessedAt *time.Time `db:"processing_at"`
}

func (row *taskRow) toModel() *taskqueue.Task {
	return &taskqueue.Task{
		ID:         core.ID(row.ID),
		Name:       row.Name,
		Type:       row.Type,
		Body:       row.Body,
		CreatedAt:  row.CreatedAt,
		RetryAt:    row.RetryAt,
		LastError:  row.LastError,
		RetryCount: row.RetryCount,
	}
}

func (r *TaskRepo) Enqueue(ctx context.Context, task *taskqueue.Task) error {
	query, args, err := builder().
		Insert("tasks").
		Columns("id", "task_name", "task_type", "task_body", "created_at", "retry_at", "retry_count").
		Values(string(task.ID), task.Name, task.Type, []byte(task.Body),
			task.CreatedAt, task.RetryAt, task.RetryCount).
		Suffix("ON CONFLICT (task_name) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building task insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}
	return nil
}

const claimQuery = `
UPDATE tasks SET processing_at = $1
WHERE id IN (
    SELECT id FROM tasks
    WHERE retry_at <= $1
      AND (processing_at IS NULL OR processing_at < $2)
    ORDER BY retry_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING id, task_name, task_type, task_body, created_at, retry_at, last_error, retry_count, processing_at`

func (r *TaskRepo) Claim(ctx context.Context, limit int, now time.Time) ([]*taskqueue.Task, error) {
	staleBefore := now.Add(-r.staleTimeout)
	var rows []*taskRow
	if err := pgxscan.Select(ctx, r.db, &rows, claimQuery, now, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("claiming tasks: %w", err)
	}
	out := make([]*taskqueue.Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *TaskRepo) Complete(ctx context.Context, id core.ID) error {
	query, args, err := builder().
		Delete("tasks").
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building task delete: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	return nil
}

func (r *TaskRepo) Fail(ctx context.Context, id core.ID, retryAt time.Time, lastError string) error {
	query, args, err := builder().
		Update("tasks").
		Set("retry_at", retryAt).
		Set("last_error", lastError).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("processing_at", nil).
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building task failure update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("recording task failure: %w", err)
	}
	return nil
}
