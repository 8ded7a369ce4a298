package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"disttest/internal/model"
)

type memItem struct {
	taskID     string
	bundleRef  string
	enqueuedAt time.Time
	token      string
	expiresAt  time.Time
}

// Memory is an in-process queue with the same lease contract as PG. It
// backs unit tests and the `--store memory` development mode; it is not
// durable.
type Memory struct {
	leaseDuration time.Duration

	mu       sync.Mutex
	ready    []*memItem
	reserved map[string]*memItem

	// notify wakes one blocked reserver after a submit or release.
	notify chan struct{}
	idle   atomic.Int64
}

func NewMemory(leaseDuration time.Duration) *Memory {
	return &Memory{
		leaseDuration: leaseDuration,
		reserved:      make(map[string]*memItem),
		notify:        make(chan struct{}, 1),
	}
}

func (q *Memory) Submit(ctx context.Context, t *model.Task) error {
	q.mu.Lock()
	q.ready = append(q.ready, &memItem{
		taskID:     t.TaskID,
		bundleRef:  t.BundleRef,
		enqueuedAt: time.Now(),
	})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Memory) Reserve(ctx context.Context, workerID string, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	waiting := false
	defer func() {
		if waiting {
			q.idle.Add(-1)
		}
	}()

	for {
		lease, nextExpiry := q.tryClaim()
		if lease != nil {
			return lease, nil
		}
		if !waiting {
			q.idle.Add(1)
			waiting = true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		// Wake when something arrives, when the soonest lease could
		// expire, or at the caller's deadline, whichever comes first.
		wait := remaining
		if !nextExpiry.IsZero() {
			if until := time.Until(nextExpiry); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryClaim reclaims expired leases, then pops the oldest ready item. When
// nothing is claimable it reports the soonest reserved-lease expiry so the
// caller knows how long a wait can be useful.
func (q *Memory) tryClaim() (*Lease, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var nextExpiry time.Time
	for id, item := range q.reserved {
		if !item.expiresAt.After(now) {
			// Expired lease: task becomes reservable again. Redelivery may
			// reorder relative to fresh submissions.
			item.token = ""
			item.expiresAt = time.Time{}
			q.ready = append(q.ready, item)
			delete(q.reserved, id)
			continue
		}
		if nextExpiry.IsZero() || item.expiresAt.Before(nextExpiry) {
			nextExpiry = item.expiresAt
		}
	}

	if len(q.ready) == 0 {
		return nil, nextExpiry
	}

	item := q.ready[0]
	q.ready = q.ready[1:]
	item.token = uuid.NewString()
	item.expiresAt = now.Add(q.leaseDuration)
	q.reserved[item.taskID] = item

	if len(q.ready) > 0 {
		q.wake()
	}
	return &Lease{
		TaskID:    item.taskID,
		BundleRef: item.bundleRef,
		Token:     item.token,
		ExpiresAt: item.expiresAt,
	}, time.Time{}
}

func (q *Memory) Acknowledge(ctx context.Context, l *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.reserved[l.TaskID]
	if !ok || item.token != l.Token {
		return fmt.Errorf("acknowledge %s: %w", l.TaskID, ErrLeaseExpired)
	}
	delete(q.reserved, l.TaskID)
	return nil
}

func (q *Memory) Release(ctx context.Context, l *Lease) error {
	q.mu.Lock()
	item, ok := q.reserved[l.TaskID]
	if !ok || item.token != l.Token {
		q.mu.Unlock()
		return fmt.Errorf("release %s: %w", l.TaskID, ErrLeaseExpired)
	}
	delete(q.reserved, l.TaskID)
	item.token = ""
	item.expiresAt = time.Time{}
	q.ready = append(q.ready, item)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Memory) Extend(ctx context.Context, l *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.reserved[l.TaskID]
	if !ok || item.token != l.Token {
		return fmt.Errorf("extend %s: %w", l.TaskID, ErrLeaseExpired)
	}
	item.expiresAt = time.Now().Add(q.leaseDuration)
	l.ExpiresAt = item.expiresAt
	return nil
}

func (q *Memory) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	return nil
}

func (q *Memory) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	now := time.Now()
	ready := len(q.ready)
	reserved := 0
	for _, item := range q.reserved {
		if item.expiresAt.After(now) {
			reserved++
		} else {
			ready++
		}
	}
	q.mu.Unlock()

	return Stats{
		Ready:       ready,
		Reserved:    reserved,
		IdleWorkers: int(q.idle.Load()),
	}, nil
}

func (q *Memory) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
