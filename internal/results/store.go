package results

import (
	"context"
	"errors"
	"time"

	"disttest/internal/model"
)

var (
	// ErrDuplicateTask: RegisterTask was called with an id that already
	// exists. Registration is not idempotent; ids are fresh per creation.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrUnknownTask: RecordResult for an id that was never registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadyCompleted: a terminal result already exists. Expected
	// under at-least-once delivery; the first write is preserved.
	ErrAlreadyCompleted = errors.New("task already completed")
)

// DefaultAbbrevBytes bounds the inline stdout/stderr previews. The full
// text lives behind the output archive reference.
const DefaultAbbrevBytes = 4096

// Store is the durable record of every task's state. It owns the Task
// record exclusively; the queue owns only delivery state.
type Store interface {
	// RegisterTask persists a fresh task record with no result.
	RegisterTask(ctx context.Context, t *model.Task) error

	// RecordResult performs the write-once terminal transition: status,
	// completion time, archive reference, and bounded previews. Concurrent
	// calls for the same id are serialized; exactly one wins.
	RecordResult(ctx context.Context, taskID string, status int, stdout, stderr, archiveRef string) error

	// FetchRecentTaskRows returns the most recently submitted tasks across
	// all jobs, newest first.
	FetchRecentTaskRows(ctx context.Context, limit int) ([]model.Task, error)

	// FetchTaskRowsForJob returns a job's tasks in submit order.
	FetchTaskRowsForJob(ctx context.Context, jobID string) ([]model.Task, error)

	// MarkDispatched records that the task reached the work queue.
	MarkDispatched(ctx context.Context, taskID string) error

	// FetchUndispatched returns pending tasks that never reached the
	// queue and are older than olderThan; input for the recovery sweep.
	FetchUndispatched(ctx context.Context, olderThan time.Duration) ([]model.Task, error)
}

// abbreviate keeps the last max bytes of s, for fast display without
// fetching the archive.
func abbreviate(s string, max int) string {
	if max <= 0 {
		max = DefaultAbbrevBytes
	}
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
