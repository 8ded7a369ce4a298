package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"disttest/internal/queue"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	queueReadyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disttest_queue_ready",
		Help: "Number of tasks waiting for a worker.",
	})
	queueReservedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disttest_queue_reserved",
		Help: "Number of tasks held under an active lease.",
	})
	idleWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "disttest_idle_workers",
		Help: "Number of workers blocked waiting for work.",
	})
)

// StartCollector periodically samples queue stats into gauges until ctx
// is cancelled.
func StartCollector(ctx context.Context, q queue.Queue, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collect(ctx, q); err != nil {
				logger.Warn("Queue metrics collection failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collect(ctx context.Context, q queue.Queue) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stats, err := q.Stats(queryCtx)
	if err != nil {
		return err
	}
	queueReadyGauge.Set(float64(stats.Ready))
	queueReservedGauge.Set(float64(stats.Reserved))
	idleWorkersGauge.Set(float64(stats.IdleWorkers))
	return nil
}
