// Package taskstore persists the authoritative task rows. The queue store
// only ever holds dispatch envelopes; externally visible status always comes
// from here. Rows are mutated by primary key, never via bulk scans, so
// concurrent workers cannot contend on anything but the same task.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"knowq-worker/internal/models"
)

var ErrNotFound = errors.New("task not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const taskColumns = `
	id, kb_id, task_type, status, priority, payload, result, progress,
	retry_count, max_retries, error_message, worker_id, timeout_seconds,
	created_at, updated_at, started_at, completed_at, scheduled_for`

// Create inserts a fresh queued row. The submission layer pairs this with a
// queue push.
func (s *Store) Create(ctx context.Context, t *models.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO tasks (id, kb_id, task_type, status, priority, payload, result,
			progress, retry_count, max_retries, error_message, worker_id,
			timeout_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '{}'::jsonb, 0, 0, $7, '', '', $8, NOW(), NOW())
	`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.KBID, t.TaskType, models.StatusQueued, t.Priority,
		payload, t.MaxRetries, t.TimeoutSeconds)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// MarkProcessing records that a worker has started the task. started_at is
// set only on the transition into processing and never rewound by a retry.
// Rows already in a terminal status (canceled while queued, reclaimed) are
// left untouched and reported as ErrNotFound.
func (s *Store) MarkProcessing(ctx context.Context, id, workerID string) error {
	query := `
		UPDATE tasks
		SET status = $2,
		    worker_id = $3,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`
	return s.exec(ctx, id, query, id, models.StatusProcessing, workerID,
		models.StatusCompleted, models.StatusFailed, models.StatusCanceled)
}

func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	query := `UPDATE tasks SET progress = $2, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, id, query, id, progress)
}

func (s *Store) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := `
		UPDATE tasks
		SET status = $2,
		    result = $3,
		    progress = 100,
		    error_message = '',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	return s.exec(ctx, id, query, id, models.StatusCompleted, raw)
}

// MarkRetrying bumps the retry counter and parks the row until scheduledFor.
// The worker identity is cleared; whichever worker pops the redelivered
// envelope claims it again.
func (s *Store) MarkRetrying(ctx context.Context, id, errMsg string, scheduledFor time.Time) error {
	query := `
		UPDATE tasks
		SET status = $2,
		    retry_count = retry_count + 1,
		    error_message = $3,
		    scheduled_for = $4,
		    worker_id = '',
		    updated_at = NOW()
		WHERE id = $1 AND retry_count < max_retries
	`
	return s.exec(ctx, id, query, id, models.StatusRetrying, summarizeError(errMsg), scheduledFor)
}

// MarkFailed records a terminal failure. The retry counter is bumped so it
// reflects the execution that just failed, the same way MarkRetrying counts
// the non-final ones.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE tasks
		SET status = $2,
		    retry_count = retry_count + 1,
		    error_message = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`
	return s.exec(ctx, id, query, id, models.StatusFailed, summarizeError(errMsg))
}

// Cancel transitions a task that has not started executing. Running tasks
// are not preempted; they finish or time out on their own.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`
	tag, err := s.pool.Exec(ctx, query, id, models.StatusCanceled, models.StatusQueued, models.StatusRetrying)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListFailed returns recent terminally failed tasks for triage.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + taskColumns + `
		FROM tasks
		WHERE status = $1
		ORDER BY completed_at DESC NULLS LAST, id DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, models.StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FailStuckTasks force-fails rows stuck in processing for longer than twice
// their own timeout (or twice the default for rows without one). This is the
// final safety net under the queue's own expiry sweep: it catches workers
// that died before calling Complete or Fail.
func (s *Store) FailStuckTasks(ctx context.Context, defaultTimeout time.Duration) ([]string, error) {
	query := `
		UPDATE tasks
		SET status = $1,
		    error_message = 'Task timeout',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = $2
		  AND started_at IS NOT NULL
		  AND started_at < NOW() - (2 * GREATEST(timeout_seconds, $3) * INTERVAL '1 second')
		RETURNING id
	`
	rows, err := s.pool.Query(ctx, query,
		models.StatusFailed, models.StatusProcessing, int(defaultTimeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("fail stuck tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStaleDispatch returns queued and retrying rows that have not been
// touched for at least age. A healthy row in either status always has a
// matching envelope in the queue store; a stale one whose envelope vanished
// (process died between the pop and the processing push) would otherwise sit
// there forever.
func (s *Store) ListStaleDispatch(ctx context.Context, age time.Duration) ([]*models.Task, error) {
	query := `SELECT` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2)
		  AND updated_at < NOW() - ($3 * INTERVAL '1 second')
		  AND (scheduled_for IS NULL OR scheduled_for < NOW())
		ORDER BY updated_at
		LIMIT 200`
	rows, err := s.pool.Query(ctx, query,
		models.StatusQueued, models.StatusRetrying, int(age.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) exec(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var payload, result []byte
	err := row.Scan(
		&t.ID, &t.KBID, &t.TaskType, &t.Status, &t.Priority, &payload, &result,
		&t.Progress, &t.RetryCount, &t.MaxRetries, &t.ErrorMessage, &t.WorkerID,
		&t.TimeoutSeconds, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt,
		&t.CompletedAt, &t.ScheduledFor,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &t, nil
}
