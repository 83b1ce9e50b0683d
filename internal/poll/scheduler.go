package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/metrics"
)

// Poller runs one poll round; *Reconciler satisfies it.
type Poller interface {
	Poll(ctx context.Context, jobIDs []string) (int, error)
}

// SchedulerConfig tunes a Scheduler.
//   - Interval: time between rounds while jobs are incomplete (default 5s).
//   - Logger: optional structured logger.
type SchedulerConfig struct {
	Interval time.Duration
	Logger   *zap.Logger
}

const defaultInterval = 5 * time.Second

// Scheduler drives periodic poll rounds. It owns at most one ticker, which
// runs only while the source reports incomplete jobs, and never starts a
// round while the previous one is still in flight.
type Scheduler struct {
	interval time.Duration
	source   Source
	poller   Poller
	logger   *zap.Logger

	wake     chan struct{}
	running  atomic.Bool
	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewScheduler builds an idle scheduler. Call Run to start it.
func NewScheduler(cfg SchedulerConfig, source Source, poller Poller) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: cfg.Interval,
		source:   source,
		poller:   poller,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks an idle scheduler to re-check for incomplete jobs. It never blocks
// and is safe to call from any goroutine.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the ticker is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run blocks until ctx is done, starting and stopping the ticker as jobs
// become incomplete or finish. In-flight rounds are awaited before it returns.
func (s *Scheduler) Run(ctx context.Context) {
	defer func() {
		s.wg.Wait()
		s.setRunning(false)
	}()
	for {
		if len(s.source.Incomplete()) == 0 {
			s.setRunning(false)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.setRunning(true)
		s.tickLoop(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx, s.source.Incomplete())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
			ids := s.source.Incomplete()
			if len(ids) == 0 {
				s.logger.Debug("no incomplete jobs, polling stopped")
				return
			}
			s.tick(ctx, ids)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("poll round still in flight, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		if _, err := s.poller.Poll(ctx, ids); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled poll failed", zap.Int("jobs", len(ids)), zap.Error(err))
		}
	}()
}

func (s *Scheduler) setRunning(running bool) {
	if s.running.Swap(running) != running {
		metrics.SetSchedulerRunning(running)
		if running {
			s.logger.Info("polling started", zap.Duration("interval", s.interval))
		} else {
			s.logger.Info("polling stopped")
		}
	}
}
