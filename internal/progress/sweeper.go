package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the retention sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

type sweepable interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper triggers Engine.Sweep on a cron schedule.
type Sweeper struct {
	cron    *cron.Cron
	target  sweepable
	timeout time.Duration
	logger  *zap.Logger
}

// NewSweeper parses schedule (standard cron syntax or descriptors such as
// "@every 30s") and prepares a sweeper for target. Call Start to begin.
func NewSweeper(target sweepable, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		cron:    cron.New(),
		target:  target,
		timeout: 30 * time.Second,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper stop wait: %w", ctx.Err())
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.target.Sweep(ctx)
	if err != nil {
		s.logger.Warn("retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep evicted records", zap.Int("evicted", n))
	}
}
