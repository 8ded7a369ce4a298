package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the dispatch-recovery sweep on a cron schedule.
type Sweeper struct {
	coord    *Coordinator
	minAge   time.Duration
	logger   *slog.Logger
	schedule cron.Schedule
}

// NewSweeper parses a standard five-field cron expression. minAge keeps
// the sweep from racing submissions that are mid-flight between the
// register and enqueue steps.
func NewSweeper(coord *Coordinator, cronExpr string, minAge time.Duration, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep cron expression %q: %w", cronExpr, err)
	}
	return &Sweeper{coord: coord, minAge: minAge, logger: logger, schedule: schedule}, nil
}

// Run blocks until ctx is cancelled, sweeping at each scheduled time.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.coord.SweepUndispatched(ctx, s.minAge); err != nil {
			s.logger.Error("Dispatch recovery sweep failed", "error", err)
		}
	}
}
