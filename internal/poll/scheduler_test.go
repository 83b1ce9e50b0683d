package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

type countingPoller struct {
	calls   atomic.Int32
	block   chan struct{}
	mu      sync.Mutex
	lastIDs []string
}

func (p *countingPoller) Poll(ctx context.Context, ids []string) (int, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.lastIDs = ids
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	return len(ids), nil
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// TestSchedulerIdleWithoutIncompleteJobs ensures no ticker runs when nothing is pending.
func TestSchedulerIdleWithoutIncompleteJobs(t *testing.T) {
	t.Parallel()

	poller := &countingPoller{}
	s := NewScheduler(SchedulerConfig{Interval: 5 * time.Millisecond}, &staticSource{}, poller)
	startScheduler(t, s)

	time.Sleep(30 * time.Millisecond)
	require.False(t, s.Running())
	require.Zero(t, poller.calls.Load())
}

// TestSchedulerStartStopRestart covers the full lifecycle driven by Wake.
func TestSchedulerStartStopRestart(t *testing.T) {
	t.Parallel()

	source := &staticSource{}
	poller := &countingPoller{}
	s := NewScheduler(SchedulerConfig{Interval: 5 * time.Millisecond}, source, poller)
	startScheduler(t, s)

	source.Set("a")
	s.Wake()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return poller.calls.Load() >= 2 }, time.Second, time.Millisecond)

	source.Set()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	stopped := poller.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stopped, poller.calls.Load())

	source.Set("b")
	s.Wake()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return poller.calls.Load() > stopped }, time.Second, time.Millisecond)
	poller.mu.Lock()
	require.Equal(t, []string{"b"}, poller.lastIDs)
	poller.mu.Unlock()
}

// TestSchedulerSkipsTicksWhileInFlight ensures rounds never overlap.
func TestSchedulerSkipsTicksWhileInFlight(t *testing.T) {
	t.Parallel()

	source := &staticSource{}
	source.Set("a")
	poller := &countingPoller{block: make(chan struct{})}
	s := NewScheduler(SchedulerConfig{Interval: 2 * time.Millisecond}, source, poller)
	startScheduler(t, s)

	require.Eventually(t, func() bool { return poller.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), poller.calls.Load())

	close(poller.block)
	require.Eventually(t, func() bool { return poller.calls.Load() >= 2 }, time.Second, time.Millisecond)
}

// TestSchedulerWithEngine wires the engine hook to Wake and watches polling stop on completion.
func TestSchedulerWithEngine(t *testing.T) {
	t.Parallel()

	var s *Scheduler
	engine := progress.NewEngine(progress.Config{OnIncomplete: func() { s.Wake() }})
	defer func() {
		require.NoError(t, engine.Close(context.Background()))
	}()
	fetcher := &fakeFetcher{results: map[string]progress.Update{
		"a": {JobID: "a", Total: progress.Int64(3), Processed: progress.Int64(3)},
	}}
	rec := NewReconciler(ReconcilerConfig{}, fetcher, engine, engine)
	s = NewScheduler(SchedulerConfig{Interval: 5 * time.Millisecond}, engine, rec)
	startScheduler(t, s)

	require.NoError(t, engine.Track(context.Background(), "a", progress.KindSource))
	require.Eventually(t, func() bool {
		got, ok := engine.Get("a")
		return ok && got.Status == progress.StatusComplete
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
}
