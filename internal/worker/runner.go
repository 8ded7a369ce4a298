package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"disttest/internal/executor"
	"disttest/internal/queue"
	"disttest/internal/results"
)

// Options configure one worker process.
type Options struct {
	WorkerID       string
	ReserveTimeout time.Duration
	LeaseDuration  time.Duration
	ExecTimeout    time.Duration
	Concurrency    int
}

// Runner is the worker loop: reserve, execute, record, acknowledge.
// Everything between reserve and acknowledge tolerates duplicate
// delivery; the results store arbitrates which delivery wins.
type Runner struct {
	opts   Options
	queue  queue.Queue
	store  results.Store
	exec   executor.IExecutor
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(opts Options, q queue.Queue, store results.Store, exec executor.IExecutor, logger *slog.Logger) *Runner {
	if opts.ReserveTimeout <= 0 {
		opts.ReserveTimeout = 5 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 5 * time.Minute
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{opts: opts, queue: q, store: store, exec: exec, logger: logger}
}

// Start runs until ctx is cancelled, then drains in-flight tasks.
func (r *Runner) Start(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := r.queue.RegisterWorker(ctx, r.opts.WorkerID, hostname); err != nil {
		return err
	}
	r.logger.Info("Worker started", "concurrency", r.opts.Concurrency)

	for i := 0; i < r.opts.Concurrency; i++ {
		r.wg.Add(1)
		go func(slot int) {
			defer r.wg.Done()
			r.runSlot(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	r.logger.Info("Worker shutting down, waiting for tasks to finish")
	r.wg.Wait()
	r.logger.Info("Worker stopped")
	return nil
}

func (r *Runner) runSlot(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		lease, err := r.queue.Reserve(ctx, r.opts.WorkerID, r.opts.ReserveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Reserve failed", "slot", slot, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if lease == nil {
			// Timed out with nothing to do; loop and block again.
			continue
		}
		tasksReserved.Inc()
		r.runTask(ctx, lease)
	}
}

func (r *Runner) runTask(ctx context.Context, lease *queue.Lease) {
	logger := r.logger.With("task_id", lease.TaskID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, lease, logger)

	start := time.Now()
	result, execErr := r.exec.Execute(ctx, lease.BundleRef, r.opts.ExecTimeout)
	execDuration.Observe(time.Since(start).Seconds())
	stopHeartbeat()

	// Finish bookkeeping even when the worker ctx was just cancelled.
	doneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if execErr != nil {
		// Infrastructure failure: nothing ran, so no result. Hand the
		// task back for redelivery.
		logger.Error("Execution infrastructure failed, releasing task", "error", execErr)
		tasksCompleted.WithLabelValues("infra_error").Inc()
		if err := r.queue.Release(doneCtx, lease); err != nil {
			if errors.Is(err, queue.ErrLeaseExpired) {
				staleLeases.Inc()
				return
			}
			logger.Error("Release failed", "error", err)
		}
		return
	}

	err := r.store.RecordResult(doneCtx, lease.TaskID, result.ExitCode,
		result.Stdout, result.Stderr, result.ArchiveRef)
	switch {
	case err == nil:
		if result.ExitCode == 0 {
			tasksCompleted.WithLabelValues("success").Inc()
		} else {
			tasksCompleted.WithLabelValues("failure").Inc()
		}
		logger.Info("Task finished", "exit_code", result.ExitCode)
	case errors.Is(err, results.ErrAlreadyCompleted):
		// Another delivery of this task won the terminal write. Expected
		// under at-least-once delivery; drop our result.
		duplicateResults.Inc()
		logger.Warn("Result already recorded by another delivery")
	default:
		// Store unreachable: keep the task redeliverable rather than
		// acknowledging a result nobody recorded.
		logger.Error("Failed to record result, releasing task", "error", err)
		if relErr := r.queue.Release(doneCtx, lease); relErr != nil && !errors.Is(relErr, queue.ErrLeaseExpired) {
			logger.Error("Release failed", "error", relErr)
		}
		return
	}

	if err := r.queue.Acknowledge(doneCtx, lease); err != nil {
		if errors.Is(err, queue.ErrLeaseExpired) {
			// Lease lapsed during execution; the redelivered copy will be
			// acknowledged by its own holder.
			staleLeases.Inc()
			logger.Warn("Lease expired before acknowledge")
			return
		}
		logger.Error("Acknowledge failed", "error", err)
	}
}

// heartbeat renews the lease at a third of its duration so long
// executions are not reclaimed out from under the worker.
func (r *Runner) heartbeat(ctx context.Context, lease *queue.Lease, logger *slog.Logger) {
	ticker := time.NewTicker(r.opts.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Extend(ctx, lease); err != nil {
				if errors.Is(err, queue.ErrLeaseExpired) {
					staleLeases.Inc()
					logger.Warn("Lost lease while executing")
					return
				}
				logger.Error("Heartbeat failed", "error", err)
			}
		}
	}
}
