package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disttest/internal/model"
)

const (
	// Workers that have not touched their registry row within this window
	// are excluded from idle counts.
	workerFreshness = time.Minute

	defaultPollInterval = 250 * time.Millisecond
)

// PG is the Postgres-backed queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent reservers never fight over one row; an expired lease is part
// of the claim predicate, so crash recovery needs no separate reaper.
type PG struct {
	pool          *pgxpool.Pool
	leaseDuration time.Duration
	pollInterval  time.Duration
}

func NewPG(pool *pgxpool.Pool, leaseDuration, pollInterval time.Duration) *PG {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &PG{pool: pool, leaseDuration: leaseDuration, pollInterval: pollInterval}
}

func (q *PG) Submit(ctx context.Context, t *model.Task) error {
	// ON CONFLICT covers the recovery sweep racing a still-queued task;
	// normal submissions use each id exactly once.
	_, err := q.pool.Exec(ctx, `
		INSERT INTO disttest_queue (task_id, bundle_ref, enqueued_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (task_id) DO NOTHING
	`, t.TaskID, t.BundleRef)
	if err != nil {
		return fmt.Errorf("%w: submit %s: %v", ErrUnavailable, t.TaskID, err)
	}
	return nil
}

func (q *PG) Reserve(ctx context.Context, workerID string, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	waiting := false
	defer func() {
		if waiting {
			_ = q.setWorkerState(ctx, workerID, "busy")
		}
	}()

	for {
		lease, err := q.claimOne(ctx, workerID)
		if err == nil {
			if waiting {
				_ = q.setWorkerState(ctx, workerID, "busy")
				waiting = false
			}
			return lease, nil
		}
		if !errors.Is(err, errNoTasks) {
			return nil, err
		}

		if !waiting {
			_ = q.setWorkerState(ctx, workerID, "waiting")
			waiting = true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// claimOne reserves the oldest task whose lease is absent or expired.
func (q *PG) claimOne(ctx context.Context, workerID string) (*Lease, error) {
	token := uuid.NewString()
	expiresAt := time.Now().Add(q.leaseDuration)

	var l Lease
	err := q.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT task_id
			FROM disttest_queue
			WHERE lease_expires_at IS NULL OR lease_expires_at < NOW()
			ORDER BY enqueued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE disttest_queue q
		SET lease_token = $1,
		    leased_by = $2,
		    lease_expires_at = $3
		FROM candidate
		WHERE q.task_id = candidate.task_id
		RETURNING q.task_id, q.bundle_ref
	`, token, workerID, expiresAt).Scan(&l.TaskID, &l.BundleRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errNoTasks
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	l.Token = token
	l.ExpiresAt = expiresAt
	return &l, nil
}

func (q *PG) Acknowledge(ctx context.Context, l *Lease) error {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM disttest_queue
		WHERE task_id = $1 AND lease_token = $2
	`, l.TaskID, l.Token)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", l.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("acknowledge %s: %w", l.TaskID, ErrLeaseExpired)
	}
	return nil
}

func (q *PG) Release(ctx context.Context, l *Lease) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE disttest_queue
		SET lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
		WHERE task_id = $1 AND lease_token = $2
	`, l.TaskID, l.Token)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s: %w", l.TaskID, ErrLeaseExpired)
	}
	return nil
}

func (q *PG) Extend(ctx context.Context, l *Lease) error {
	expiresAt := time.Now().Add(q.leaseDuration)
	tag, err := q.pool.Exec(ctx, `
		UPDATE disttest_queue
		SET lease_expires_at = $3
		WHERE task_id = $1 AND lease_token = $2
	`, l.TaskID, l.Token, expiresAt)
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extend %s: %w", l.TaskID, ErrLeaseExpired)
	}
	l.ExpiresAt = expiresAt
	return nil
}

func (q *PG) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO disttest_workers (worker_id, hostname, state, started_at, last_seen_at)
		VALUES ($1, $2, 'busy', NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET hostname = EXCLUDED.hostname,
		    state = 'busy',
		    last_seen_at = NOW()
	`, workerID, hostname)
	return err
}

func (q *PG) setWorkerState(ctx context.Context, workerID, state string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE disttest_workers
		SET state = $2, last_seen_at = NOW()
		WHERE worker_id = $1
	`, workerID, state)
	return err
}

func (q *PG) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE lease_expires_at IS NULL OR lease_expires_at < NOW()),
			COUNT(*) FILTER (WHERE lease_expires_at >= NOW())
		FROM disttest_queue
	`).Scan(&s.Ready, &s.Reserved)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	err = q.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM disttest_workers
		WHERE state = 'waiting' AND last_seen_at > NOW() - make_interval(secs => $1)
	`, workerFreshness.Seconds()).Scan(&s.IdleWorkers)
	if err != nil {
		return Stats{}, fmt.Errorf("worker stats: %w", err)
	}
	return s, nil
}
