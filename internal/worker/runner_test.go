package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"disttest/internal/executor"
	"disttest/internal/model"
	"disttest/internal/queue"
	"disttest/internal/results"
)

func testRunner(t *testing.T, exec executor.IExecutor) (*Runner, *queue.Memory, results.Store) {
	t.Helper()
	q := queue.NewMemory(time.Minute)
	store := results.NewMemory(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(Options{
		WorkerID:       "w-test",
		ReserveTimeout: 100 * time.Millisecond,
		LeaseDuration:  time.Minute,
		ExecTimeout:    5 * time.Second,
	}, q, store, exec, logger)
	return r, q, store
}

func submitTask(t *testing.T, q *queue.Memory, store results.Store, bundleRef string) *model.Task {
	t.Helper()
	ctx := context.Background()
	task := model.New("job1", bundleRef, "")
	if err := store.RegisterTask(ctx, task); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := q.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func waitForResult(t *testing.T, store results.Store, taskID string) model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := store.FetchTaskRowsForJob(context.Background(), "job1")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		for _, row := range rows {
			if row.TaskID == taskID && row.Status != nil {
				return row
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return model.Task{}
}

func TestRunnerExecutesAndRecords(t *testing.T) {
	r, q, store := testRunner(t, &executor.MockExecutor{})
	task := submitTask(t, q, store, "bundle-ok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()

	row := waitForResult(t, store, task.TaskID)
	if *row.Status != 0 {
		t.Errorf("expected exit code 0, got %d", *row.Status)
	}
	if row.OutputArchiveRef == "" {
		t.Error("expected an output archive reference")
	}

	cancel()
	<-done

	// The acknowledged task must be gone from the queue.
	stats, _ := q.Stats(context.Background())
	if stats.Ready != 0 || stats.Reserved != 0 {
		t.Errorf("queue not drained: %+v", stats)
	}
}

func TestRunnerRecordsFailure(t *testing.T) {
	r, q, store := testRunner(t, &executor.MockExecutor{})
	task := submitTask(t, q, store, "bundle-fail")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx) }()

	row := waitForResult(t, store, task.TaskID)
	if *row.Status == 0 {
		t.Error("expected a non-zero exit code")
	}
	if row.Succeeded() {
		t.Error("failed task reported as succeeded")
	}
}

func TestRunnerToleratesDuplicateDelivery(t *testing.T) {
	r, q, store := testRunner(t, &executor.MockExecutor{})
	task := submitTask(t, q, store, "bundle-ok")
	ctx := context.Background()

	// Another delivery already recorded a terminal result.
	if err := store.RecordResult(ctx, task.TaskID, 0, "winner", "", "archive-1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(runCtx)
	}()

	// The duplicate delivery must still be acknowledged so the queue
	// drains, and the recorded result must be untouched.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, _ := q.Stats(ctx)
		if stats.Ready == 0 && stats.Reserved == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	stats, _ := q.Stats(ctx)
	if stats.Ready != 0 || stats.Reserved != 0 {
		t.Fatalf("duplicate delivery never acknowledged: %+v", stats)
	}
	rows, _ := store.FetchTaskRowsForJob(ctx, "job1")
	if len(rows) != 1 || rows[0].StdoutAbbrev != "winner" {
		t.Errorf("first recorded result was overwritten: %+v", rows)
	}
}

func TestRunnerReleasesTaskAbortedByShutdown(t *testing.T) {
	r, q, store := testRunner(t, &executor.MockExecutor{Sleep: 10 * time.Second})
	task := submitTask(t, q, store, "bundle-ok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()

	// Cancel while the task is mid-execution. The mock executor aborts
	// with ctx.Err(), which the runner treats as an infrastructure
	// failure: no result is recorded and the task goes back for
	// redelivery.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	rows, _ := store.FetchTaskRowsForJob(context.Background(), "job1")
	if len(rows) != 1 || rows[0].Status != nil {
		t.Fatalf("aborted task must stay pending: %+v", rows)
	}
	stats, _ := q.Stats(context.Background())
	if stats.Ready != 1 || stats.Reserved != 0 {
		t.Errorf("task %s not released for redelivery: %+v", task.TaskID, stats)
	}
}
