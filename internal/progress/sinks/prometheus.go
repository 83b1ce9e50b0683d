package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// PrometheusSink exports merge outcomes via Prometheus. It owns the collectors
// for accepted and discarded updates, tracked jobs, terminal transitions and
// evictions.
type PrometheusSink struct {
	updates   *prometheus.CounterVec
	tracked   prometheus.Gauge
	terminal  *prometheus.CounterVec
	evictions *prometheus.CounterVec
	runtime   *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_updates_total",
			Help: "Updates merged by the engine partitioned by channel and outcome.",
		}, []string{"channel", "outcome"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_jobs_tracked",
			Help: "Current number of jobs held by the engine.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_jobs_terminal_total",
			Help: "Jobs that reached a terminal status partitioned by status.",
		}, []string{"status"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_evictions_total",
			Help: "Records evicted from the engine partitioned by reason.",
		}, []string{"reason"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_job_runtime_seconds",
			Help:    "Observed time between first report and terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.updates,
		s.tracked,
		s.terminal,
		s.evictions,
		s.runtime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Change) error {
	for _, change := range batch {
		s.consumeChange(change)
	}
	return nil
}

func (s *PrometheusSink) consumeChange(change progress.Change) {
	if change.Type == progress.ChangeEvicted {
		s.evictions.WithLabelValues(change.Reason).Inc()
		if s.tracker.forget(change.Record.JobID) {
			s.tracked.Dec()
		}
		return
	}
	channel := string(change.Channel)
	if channel == "" {
		channel = "track"
	}
	s.updates.WithLabelValues(channel, string(change.Outcome)).Inc()
	if change.Type != progress.ChangeUpdated {
		return
	}
	rec := change.Record
	if s.tracker.start(rec.JobID, rec.LastUpdatedAt) {
		s.tracked.Inc()
	}
	if rec.Status.Terminal() {
		s.terminal.WithLabelValues(string(rec.Status)).Inc()
		if started, ok := s.tracker.startedAt(rec.JobID); ok && rec.TerminalAt.After(started) {
			s.runtime.WithLabelValues(string(rec.Status)).Observe(rec.TerminalAt.Sub(started).Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{seen: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = at
	return true
}

func (t *jobTracker) startedAt(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[id]
	return at, ok
}

func (t *jobTracker) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; !ok {
		return false
	}
	delete(t.seen, id)
	return true
}
