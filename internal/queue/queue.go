package queue

import (
	"context"
	"errors"
	"time"

	"disttest/internal/model"
)

var (
	// ErrUnavailable wraps failures of the durability layer. A submission
	// that returns it was not enqueued.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrLeaseExpired means the caller no longer holds the lease it is
	// trying to act on: it expired and the task was re-reserved.
	ErrLeaseExpired = errors.New("lease expired")

	// errNoTasks is the internal no-candidate signal for a single claim
	// attempt; Reserve converts it into blocking.
	errNoTasks = errors.New("no tasks available")
)

// Lease is an exclusive claim on one task. Token fences every later
// operation: once the lease expires and the task is re-reserved, the old
// token stops matching.
type Lease struct {
	TaskID    string
	BundleRef string
	Token     string
	ExpiresAt time.Time
}

// Stats is a point-in-time monitoring view; not authoritative for
// correctness decisions.
type Stats struct {
	Ready       int `json:"ready"`
	Reserved    int `json:"reserved"`
	IdleWorkers int `json:"idle_workers"`
}

// Queue delivers task ids to workers at least once, with one live
// reservation per task at a time.
type Queue interface {
	// Submit durably enqueues the task id and bundle reference. Each id is
	// submitted exactly once per dispatch attempt by the orchestration
	// layer.
	Submit(ctx context.Context, t *model.Task) error

	// Reserve blocks until a task is reservable or timeout elapses.
	// Returns (nil, nil) on timeout. An expired lease makes its task
	// reservable again, so a worker crash never loses a task; the task may
	// then be delivered more than once.
	Reserve(ctx context.Context, workerID string, timeout time.Duration) (*Lease, error)

	// Acknowledge permanently removes the task. Leaseholder only.
	Acknowledge(ctx context.Context, l *Lease) error

	// Release returns the task for redelivery before completion.
	Release(ctx context.Context, l *Lease) error

	// Extend renews the lease for long-running executions.
	Extend(ctx context.Context, l *Lease) error

	// RegisterWorker records the worker so idle counts can be derived.
	RegisterWorker(ctx context.Context, workerID, hostname string) error

	Stats(ctx context.Context) (Stats, error)
}
