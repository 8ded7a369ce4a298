package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"disttest/internal/model"
)

const uniqueViolation = "23505"

// PG is the Postgres-backed results store. The write-once terminal rule
// is enforced with a conditional update on status IS NULL, so duplicate
// deliveries race safely: exactly one writer wins.
type PG struct {
	pool        *pgxpool.Pool
	abbrevBytes int
}

func NewPG(pool *pgxpool.Pool, abbrevBytes int) *PG {
	if abbrevBytes <= 0 {
		abbrevBytes = DefaultAbbrevBytes
	}
	return &PG{pool: pool, abbrevBytes: abbrevBytes}
}

func (s *PG) RegisterTask(ctx context.Context, t *model.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO disttest_tasks (task_id, job_id, bundle_ref, description, submit_timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, t.TaskID, t.JobID, t.BundleRef, t.Description, t.SubmitTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("register %s: %w", t.TaskID, ErrDuplicateTask)
		}
		return fmt.Errorf("register %s: %w", t.TaskID, err)
	}
	return nil
}

func (s *PG) RecordResult(ctx context.Context, taskID string, status int, stdout, stderr, archiveRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE disttest_tasks
		SET status = $2,
		    complete_timestamp = NOW(),
		    output_archive_ref = $3,
		    stdout_abbrev = $4,
		    stderr_abbrev = $5
		WHERE task_id = $1 AND status IS NULL
	`, taskID, status, archiveRef,
		abbreviate(stdout, s.abbrevBytes), abbreviate(stderr, s.abbrevBytes))
	if err != nil {
		return fmt.Errorf("record result %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// No row updated: either the task was never registered or a terminal
	// result already exists.
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM disttest_tasks WHERE task_id = $1)
	`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("record result %s: %w", taskID, err)
	}
	if !exists {
		return fmt.Errorf("record result %s: %w", taskID, ErrUnknownTask)
	}
	return fmt.Errorf("record result %s: %w", taskID, ErrAlreadyCompleted)
}

const taskColumns = `
	task_id, job_id, bundle_ref, description, status,
	submit_timestamp, complete_timestamp, output_archive_ref,
	stdout_abbrev, stderr_abbrev
`

func (s *PG) FetchRecentTaskRows(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM disttest_tasks
		ORDER BY submit_timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent tasks: %w", err)
	}
	return scanTasks(rows)
}

func (s *PG) FetchTaskRowsForJob(ctx context.Context, jobID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM disttest_tasks
		WHERE job_id = $1
		ORDER BY submit_timestamp ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks for job %s: %w", jobID, err)
	}
	return scanTasks(rows)
}

func (s *PG) MarkDispatched(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE disttest_tasks SET dispatched = TRUE WHERE task_id = $1
	`, taskID)
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", taskID, err)
	}
	return nil
}

func (s *PG) FetchUndispatched(ctx context.Context, olderThan time.Duration) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM disttest_tasks
		WHERE NOT dispatched
		  AND status IS NULL
		  AND submit_timestamp < NOW() - make_interval(secs => $1)
		ORDER BY submit_timestamp ASC
	`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch undispatched tasks: %w", err)
	}
	return scanTasks(rows)
}

func scanTasks(rows pgx.Rows) ([]model.Task, error) {
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(
			&t.TaskID, &t.JobID, &t.BundleRef, &t.Description, &t.Status,
			&t.SubmitTime, &t.CompleteTime, &t.OutputArchiveRef,
			&t.StdoutAbbrev, &t.StderrAbbrev,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
