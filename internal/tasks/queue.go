package tasks

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/perfatlas/perfatlas/internal/db"
)

// Migration creates the task queue table.
const Migration = `
CREATE TABLE IF NOT EXISTS task_queue (
	id         TEXT PRIMARY KEY,
	params     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INT NOT NULL DEFAULT 0,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_queue_status_created ON task_queue(status, created_at);
`

// Queue is a Postgres-backed task queue. Delivery is at-least-once: a task
// interrupted mid-run is requeued and recomputed wholesale, relying on the
// engine's idempotent writes rather than exactly-once semantics.
type Queue struct {
	pool db.Pool
}

// NewQueue creates a Queue over the given pool.
func NewQueue(pool db.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue adds one task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, params map[string]string) (string, error) {
	if err := ValidateParams(params); err != nil {
		return "", err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return "", eris.Wrap(err, "tasks: marshal params")
	}

	id := uuid.NewString()
	_, err = q.pool.Exec(ctx,
		`INSERT INTO task_queue (id, params) VALUES ($1, $2)`,
		id, payload,
	)
	if err != nil {
		return "", eris.Wrap(err, "tasks: enqueue")
	}

	zap.L().Info("task enqueued",
		zap.String("task_id", id),
		zap.String("request", params[KeyRequest]),
		zap.String("metric", params[KeyMetric]),
		zap.String("date", params[KeyDate]),
	)
	return id, nil
}

// Claim takes the oldest pending task, marks it running, and increments its
// attempt counter. FOR UPDATE SKIP LOCKED lets concurrent workers claim
// without contending. Returns nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "tasks: begin claim")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		task    Task
		payload []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT id, params, attempts
		FROM task_queue
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&task.ID, &payload, &task.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "tasks: claim")
	}

	if err := json.Unmarshal(payload, &task.Params); err != nil {
		return nil, eris.Wrapf(err, "tasks: unmarshal params for %s", task.ID)
	}

	task.Attempts++
	if _, err := tx.Exec(ctx, `
		UPDATE task_queue
		SET status = 'running', attempts = attempts + 1, updated_at = now()
		WHERE id = $1`,
		task.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "tasks: mark running %s", task.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "tasks: commit claim %s", task.ID)
	}
	return &task, nil
}

// Complete marks a task done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = 'complete', error = NULL, updated_at = now()
		WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "tasks: complete %s", id)
}

// Requeue returns an interrupted task to pending without counting the
// interruption as a failure. Used on cooperative cancellation.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = 'pending', updated_at = now()
		WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "tasks: requeue %s", id)
}

// Fail records a task failure. Retryable failures below maxAttempts go back
// to pending for redelivery; everything else is marked failed permanently.
func (q *Queue) Fail(ctx context.Context, task *Task, taskErr error, retryable bool, maxAttempts int) error {
	status := "failed"
	if retryable && task.Attempts < maxAttempts {
		status = "pending"
	}

	_, err := q.pool.Exec(ctx, `
		UPDATE task_queue
		SET status = $2, error = $3, updated_at = now()
		WHERE id = $1`,
		task.ID, status, taskErr.Error(),
	)
	if err != nil {
		return eris.Wrapf(err, "tasks: fail %s", task.ID)
	}

	zap.L().Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("request", task.Request()),
		zap.String("status", status),
		zap.Int("attempts", task.Attempts),
		zap.Error(taskErr),
	)
	return nil
}
