package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"disttest/internal/model"
)

func submitN(t *testing.T, q Queue, n int) []*model.Task {
	t.Helper()
	ctx := context.Background()
	tasks := make([]*model.Task, 0, n)
	for i := 0; i < n; i++ {
		task := model.New("job", fmt.Sprintf("bundle-%d", i), "")
		if err := q.Submit(ctx, task); err != nil {
			t.Fatalf("submit: %v", err)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func TestMemoryReserveFIFO(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()
	tasks := submitN(t, q, 3)

	for i := 0; i < 3; i++ {
		lease, err := q.Reserve(ctx, "w1", time.Second)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if lease == nil {
			t.Fatalf("reserve %d: expected a lease", i)
		}
		if lease.TaskID != tasks[i].TaskID {
			t.Errorf("reserve %d: expected %s, got %s", i, tasks[i].TaskID, lease.TaskID)
		}
		if err := q.Acknowledge(ctx, lease); err != nil {
			t.Errorf("acknowledge %d: %v", i, err)
		}
	}
}

func TestMemoryReserveTimeoutOnEmptyQueue(t *testing.T) {
	q := NewMemory(time.Minute)

	start := time.Now()
	lease, err := q.Reserve(context.Background(), "w1", 100*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if lease != nil {
		t.Fatalf("expected nil lease on timeout, got %+v", lease)
	}
	if elapsed < 90*time.Millisecond || elapsed > time.Second {
		t.Errorf("timeout took %v, expected ~100ms", elapsed)
	}
}

func TestMemoryReserveWakesOnSubmit(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()

	done := make(chan *Lease, 1)
	go func() {
		lease, _ := q.Reserve(ctx, "w1", 5*time.Second)
		done <- lease
	}()

	// Give the reserver time to block.
	time.Sleep(50 * time.Millisecond)
	task := model.New("job", "b1", "")
	if err := q.Submit(ctx, task); err != nil {
		t.Fatal(err)
	}

	select {
	case lease := <-done:
		if lease == nil || lease.TaskID != task.TaskID {
			t.Fatalf("expected lease for %s, got %+v", task.TaskID, lease)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reserver did not wake after submit")
	}
}

func TestMemoryLeaseInvisibleWhileHeld(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()
	submitN(t, q, 1)

	lease, err := q.Reserve(ctx, "w1", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("first reserve: lease=%v err=%v", lease, err)
	}

	second, err := q.Reserve(ctx, "w2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if second != nil {
		t.Fatalf("leased task was handed out twice: %+v", second)
	}
}

func TestMemoryExpiredLeaseRedelivered(t *testing.T) {
	q := NewMemory(50 * time.Millisecond)
	ctx := context.Background()
	submitN(t, q, 1)

	leaseA, err := q.Reserve(ctx, "workerA", time.Second)
	if err != nil || leaseA == nil {
		t.Fatalf("worker A reserve: lease=%v err=%v", leaseA, err)
	}

	// Worker A goes silent past the lease; worker B must get the task.
	leaseB, err := q.Reserve(ctx, "workerB", time.Second)
	if err != nil {
		t.Fatalf("worker B reserve: %v", err)
	}
	if leaseB == nil || leaseB.TaskID != leaseA.TaskID {
		t.Fatalf("expected redelivery of %s, got %+v", leaseA.TaskID, leaseB)
	}
	if leaseB.Token == leaseA.Token {
		t.Fatal("redelivered lease reused the old token")
	}

	// A's stale acknowledge must fail; B's must succeed. Never both.
	if err := q.Acknowledge(ctx, leaseA); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("stale acknowledge: expected ErrLeaseExpired, got %v", err)
	}
	if err := q.Acknowledge(ctx, leaseB); err != nil {
		t.Errorf("holder acknowledge: %v", err)
	}
}

func TestMemoryExtendKeepsLeaseAlive(t *testing.T) {
	q := NewMemory(80 * time.Millisecond)
	ctx := context.Background()
	submitN(t, q, 1)

	lease, err := q.Reserve(ctx, "w1", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("reserve: lease=%v err=%v", lease, err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := q.Extend(ctx, lease); err != nil {
			t.Fatalf("extend %d: %v", i, err)
		}
	}
	if err := q.Acknowledge(ctx, lease); err != nil {
		t.Errorf("acknowledge after extends: %v", err)
	}
}

func TestMemoryReleaseRedelivers(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()
	submitN(t, q, 1)

	lease, err := q.Reserve(ctx, "w1", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("reserve: lease=%v err=%v", lease, err)
	}
	if err := q.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := q.Acknowledge(ctx, lease); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("acknowledge after release: expected ErrLeaseExpired, got %v", err)
	}

	again, err := q.Reserve(ctx, "w2", time.Second)
	if err != nil || again == nil {
		t.Fatalf("re-reserve: lease=%v err=%v", again, err)
	}
	if again.TaskID != lease.TaskID {
		t.Errorf("expected %s redelivered, got %s", lease.TaskID, again.TaskID)
	}
}

func TestMemoryStats(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()
	submitN(t, q, 3)

	lease, err := q.Reserve(ctx, "w1", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("reserve: lease=%v err=%v", lease, err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Reserved != 1 {
		t.Errorf("expected 1 reserved, got %d", stats.Reserved)
	}
	if stats.Ready != 2 {
		t.Errorf("expected 2 ready, got %d", stats.Ready)
	}

	if err := q.Acknowledge(ctx, lease); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	stats, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 2 || stats.Reserved != 0 {
		t.Errorf("expected 2 ready / 0 reserved after acknowledge, got %+v", stats)
	}
}

func TestMemoryIdleWorkerCounted(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = q.Reserve(ctx, "w1", 500*time.Millisecond)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.IdleWorkers != 1 {
		t.Errorf("expected 1 idle worker, got %d", stats.IdleWorkers)
	}
}

func TestMemoryConcurrentReserveDeliversEachTaskOnce(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()
	const tasks = 50
	const workers = 8
	submitN(t, q, tasks)

	var mu sync.Mutex
	delivered := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				lease, err := q.Reserve(ctx, fmt.Sprintf("w%d", id), 100*time.Millisecond)
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				if lease == nil {
					return
				}
				mu.Lock()
				delivered[lease.TaskID]++
				mu.Unlock()
				if err := q.Acknowledge(ctx, lease); err != nil {
					t.Errorf("acknowledge: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if len(delivered) != tasks {
		t.Fatalf("expected %d distinct tasks delivered, got %d", tasks, len(delivered))
	}
	for id, n := range delivered {
		if n != 1 {
			t.Errorf("task %s delivered %d times before any lease expiry", id, n)
		}
	}
}
