package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"disttest/internal/model"
	"disttest/internal/queue"
	"disttest/internal/results"
)

// ErrEmptyJob rejects submissions that carry no tasks.
var ErrEmptyJob = errors.New("job has no tasks")

// TaskSpec is one task of a submission request.
type TaskSpec struct {
	BundleRef   string `json:"bundle_reference"`
	Description string `json:"description"`
}

// Coordinator sequences the results store and the work queue so a task
// is never enqueued without a store record. It owns neither store.
type Coordinator struct {
	store  results.Store
	queue  queue.Queue
	logger *slog.Logger
}

func NewCoordinator(store results.Store, q queue.Queue, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, queue: q, logger: logger}
}

// Submit registers one task and enqueues it. Registration failure aborts
// before anything is enqueued. Enqueue failure after registration leaves
// a pending, undispatched record that the sweep will pick up; the error
// is still returned so the caller knows dispatch did not happen yet.
func (c *Coordinator) Submit(ctx context.Context, jobID, bundleRef, description string) (*model.Task, error) {
	task := model.New(jobID, bundleRef, description)

	if err := c.store.RegisterTask(ctx, task); err != nil {
		return nil, fmt.Errorf("submit to job %s: %w", jobID, err)
	}
	if err := c.queue.Submit(ctx, task); err != nil {
		c.logger.Error("Task registered but not enqueued; sweep will retry",
			"task_id", task.TaskID, "job_id", jobID, "error", err)
		return task, fmt.Errorf("submit to job %s: %w", jobID, err)
	}
	if err := c.store.MarkDispatched(ctx, task.TaskID); err != nil {
		// The task is safely queued; a missed flag only means the sweep
		// may re-enqueue it, which duplicate-delivery handling absorbs.
		c.logger.Warn("Failed to mark task dispatched", "task_id", task.TaskID, "error", err)
	}
	return task, nil
}

// SubmitJob submits every task of a job. It stops at the first failure;
// already-submitted tasks stay valid.
func (c *Coordinator) SubmitJob(ctx context.Context, jobID string, specs []TaskSpec) ([]*model.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrEmptyJob)
	}
	tasks := make([]*model.Task, 0, len(specs))
	for _, spec := range specs {
		task, err := c.Submit(ctx, jobID, spec.BundleRef, spec.Description)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	c.logger.Info("Job submitted", "job_id", jobID, "tasks", len(tasks))
	return tasks, nil
}

// Summarize computes the job rollup from the store at call time. No
// caching; correct for any completion order.
func (c *Coordinator) Summarize(ctx context.Context, jobID string) (model.JobSummary, error) {
	tasks, err := c.store.FetchTaskRowsForJob(ctx, jobID)
	if err != nil {
		return model.JobSummary{}, fmt.Errorf("summarize %s: %w", jobID, err)
	}
	return model.Summarize(tasks), nil
}

// SweepUndispatched re-enqueues tasks that were registered but never made
// it into the queue (a crash or queue outage between the two writes).
// Re-enqueueing an already-queued task at worst duplicates delivery,
// which the store's write-once terminal status absorbs.
func (c *Coordinator) SweepUndispatched(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := c.store.FetchUndispatched(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	recovered := 0
	for i := range tasks {
		task := &tasks[i]
		if err := c.queue.Submit(ctx, task); err != nil {
			c.logger.Warn("Sweep could not enqueue task", "task_id", task.TaskID, "error", err)
			continue
		}
		if err := c.store.MarkDispatched(ctx, task.TaskID); err != nil {
			c.logger.Warn("Sweep could not mark task dispatched", "task_id", task.TaskID, "error", err)
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("Recovered undispatched tasks", "count", recovered)
	}
	return recovered, nil
}
