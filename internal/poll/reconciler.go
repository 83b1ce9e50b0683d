package poll

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/progress-reconciler/internal/metrics"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// ErrRoundTimeout is returned when a poll round exceeds its deadline.
var ErrRoundTimeout = errors.New("poll round timed out")

// Fetcher retrieves current snapshots for a set of jobs. Jobs the backend no
// longer knows about are simply omitted from the result.
type Fetcher interface {
	FetchSnapshots(ctx context.Context, jobIDs []string) ([]progress.Update, error)
}

// Submitter accepts merged updates; *progress.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, u progress.Update) error
}

// Source lists jobs that still need polling; *progress.Engine satisfies it.
type Source interface {
	Incomplete() []string
}

// ReconcilerConfig tunes a Reconciler.
//   - Timeout: deadline for one fetch round (default 10s).
//   - Logger: optional structured logger.
type ReconcilerConfig struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

const defaultRoundTimeout = 10 * time.Second

// Reconciler runs poll rounds against a Fetcher and submits the resulting
// snapshots. Concurrent rounds for the same job set share one fetch.
type Reconciler struct {
	fetcher Fetcher
	engine  Submitter
	source  Source
	timeout time.Duration
	logger  *zap.Logger
	group   singleflight.Group
}

// NewReconciler wires a fetcher to the engine.
func NewReconciler(cfg ReconcilerConfig, fetcher Fetcher, engine Submitter, source Source) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRoundTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		fetcher: fetcher,
		engine:  engine,
		source:  source,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Poll fetches snapshots for jobIDs and submits them. A failed or timed-out
// round submits nothing. It returns the number of snapshots submitted.
// Concurrent callers for the same job set share one round; a caller whose ctx
// ends stops waiting without aborting the round for the others.
func (r *Reconciler) Poll(ctx context.Context, jobIDs []string) (int, error) {
	ids := normalizeIDs(jobIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	key := strings.Join(ids, "\x00")
	// The round outlives any single caller; it is bounded by its own timeout.
	roundCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.round(roundCtx, ids)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("poll round shared with concurrent caller", zap.Int("jobs", len(ids)))
		}
		if res.Err != nil {
			return 0, res.Err
		}
		n, _ := res.Val.(int)
		return n, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("poll round wait: %w", ctx.Err())
	}
}

// Refresh re-fetches jobIDs immediately, or every incomplete job when jobIDs
// is empty.
func (r *Reconciler) Refresh(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 && r.source != nil {
		jobIDs = r.source.Incomplete()
	}
	_, err := r.Poll(ctx, jobIDs)
	return err
}

func (r *Reconciler) round(ctx context.Context, ids []string) (int, error) {
	start := time.Now()
	roundCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snapshots, err := r.fetcher.FetchSnapshots(roundCtx, ids)
	if err != nil {
		result := "error"
		if errors.Is(roundCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result = "timeout"
			err = fmt.Errorf("%w after %s: %w", ErrRoundTimeout, r.timeout, err)
		} else {
			err = fmt.Errorf("fetch snapshots: %w", err)
		}
		metrics.ObservePollRound(result, time.Since(start))
		r.logger.Warn("poll round failed", zap.Int("jobs", len(ids)), zap.Error(err))
		return 0, err
	}

	requested := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}
	submitted := 0
	for _, snap := range snapshots {
		if _, ok := requested[snap.JobID]; !ok {
			continue
		}
		snap.Channel = progress.ChannelPoll
		snap.Form = progress.FormSnapshot
		if err := r.engine.Submit(ctx, snap); err != nil {
			if errors.Is(err, progress.ErrInvalidUpdate) {
				r.logger.Warn("discarding invalid snapshot", zap.String("job_id", snap.JobID), zap.Error(err))
				continue
			}
			metrics.ObservePollRound("error", time.Since(start))
			return submitted, fmt.Errorf("submit snapshot %s: %w", snap.JobID, err)
		}
		submitted++
	}
	metrics.ObservePollRound("ok", time.Since(start))
	r.logger.Debug("poll round complete", zap.Int("jobs", len(ids)), zap.Int("snapshots", submitted))
	return submitted, nil
}

func normalizeIDs(jobIDs []string) []string {
	ids := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
