package progress

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Engine operations after Close has been called.
var ErrClosed = errors.New("progress engine closed")

// ChangeType classifies a Change.
type ChangeType string

// Change types delivered to sinks.
const (
	// ChangeUpdated carries a record that consumers should render.
	ChangeUpdated ChangeType = "updated"
	// ChangeEvicted signals the record was dropped from the engine.
	ChangeEvicted ChangeType = "evicted"
	// ChangeDiscarded reports an update that was absorbed, changed nothing or
	// targeted a removed job.
	ChangeDiscarded ChangeType = "discarded"
)

// Eviction reasons.
const (
	EvictRemoved   = "removed"
	EvictRetention = "retention"
)

// Change is one entry in a batch published to sinks.
type Change struct {
	Type    ChangeType
	Outcome Outcome
	// Channel is the stream the triggering update came from. Empty for
	// evictions and for jobs registered through Track.
	Channel Channel
	Record  JobProgress
	// Reason is set for evictions.
	Reason string
}

// Config controls buffering and retention for the Engine.
//   - BufferSize: size of the command channel (default 1024).
//   - MaxBatchChanges: flush once this many changes are pending (default 256).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - Retention: how long terminal, unpinned records survive a sweep (default 10m).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger.
//   - Clock: time source for LastUpdatedAt (defaults to time.Now).
//   - Pinner: optional guard that keeps watched records from being swept.
//   - OnIncomplete: called from the engine goroutine after a batch that leaves
//     at least one non-terminal job. It must not block.
type Config struct {
	BufferSize      int
	MaxBatchChanges int
	SinkTimeout     time.Duration
	Retention       time.Duration
	BaseContext     context.Context
	Logger          *zap.Logger
	Clock           Clock
	Pinner          Pinner
	OnIncomplete    func()
}

const (
	defaultBufferSize      = 1024
	defaultMaxBatchChanges = 256
	defaultSinkTimeout     = 10 * time.Second
	defaultRetention       = 10 * time.Minute
)

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdTrack
	cmdRemove
	cmdSweep
)

type command struct {
	kind    commandKind
	update  Update
	jobID   string
	jobKind JobKind
	reply   chan int
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Engine is the single owner of merged job progress. Commands are applied in
// arrival order on one background goroutine; reads return copies and are safe
// for concurrent use.
type Engine struct {
	cfg    Config
	sinks  []Sink
	cmds   chan command
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger
	closed atomic.Bool

	mu      sync.RWMutex
	records map[string]JobProgress

	// removed holds the removal time of explicitly removed jobs. Only the
	// run goroutine touches it.
	removed map[string]time.Time

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewEngine initializes an Engine and starts its background goroutine. The
// returned Engine is immediately ready to accept commands.
func NewEngine(cfg Config, sinks ...Sink) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchChanges <= 0 {
		cfg.MaxBatchChanges = defaultMaxBatchChanges
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockFunc(time.Now)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		cmds:    make(chan command, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		records: make(map[string]JobProgress),
		removed: make(map[string]time.Time),
	}
	go e.run()
	return e
}

// Submit validates u and queues it for merging. It blocks while the command
// buffer is full, until ctx is done or the engine is closed.
func (e *Engine) Submit(ctx context.Context, u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	return e.send(ctx, command{kind: cmdSubmit, update: u, jobID: u.JobID})
}

// Track registers jobID as a pending job if it is not already known. A known
// record only picks up kind when it had none.
func (e *Engine) Track(ctx context.Context, jobID string, kind JobKind) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidUpdate)
	}
	return e.send(ctx, command{kind: cmdTrack, jobID: jobID, jobKind: kind})
}

// Remove evicts jobID immediately, whatever its status. Updates for jobID
// that arrive afterwards are dropped until the retention window has passed
// or the job is tracked again.
func (e *Engine) Remove(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidUpdate)
	}
	return e.send(ctx, command{kind: cmdRemove, jobID: jobID})
}

// Sweep evicts terminal records older than the retention window that are not
// pinned, and returns how many were evicted.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := e.send(ctx, command{kind: cmdSweep, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("progress sweep wait: %w", ctx.Err())
	case <-e.doneCh:
		return 0, ErrClosed
	}
}

// Get returns a copy of the record for jobID.
func (e *Engine) Get(jobID string) (JobProgress, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[jobID]
	return rec, ok
}

// List returns copies of every record ordered by job id.
func (e *Engine) List() []JobProgress {
	e.mu.RLock()
	out := make([]JobProgress, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b JobProgress) int {
		return cmp.Compare(a.JobID, b.JobID)
	})
	return out
}

// Incomplete returns the ids of all non-terminal records, sorted.
func (e *Engine) Incomplete() []string {
	e.mu.RLock()
	ids := e.incompleteLocked()
	e.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (e *Engine) incompleteLocked() []string {
	var ids []string
	for id, rec := range e.records {
		if !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close drains queued commands, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.closeCtx = ctx
		close(e.stopCh)
	})
	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress engine close wait: %w", ctx.Err())
	}
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

func (e *Engine) send(ctx context.Context, cmd command) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("progress engine enqueue: %w", ctx.Err())
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)
	batch := make([]Change, 0, e.cfg.MaxBatchChanges)
	for {
		select {
		case cmd := <-e.cmds:
			batch = e.apply(batch, cmd)
			batch = e.drain(batch)
			e.flush(batch)
			batch = batch[:0]
		case <-e.stopCh:
			e.handleStop(batch)
			return
		}
	}
}

// drain applies whatever is already queued so that a burst of commands
// reaches sinks as one batch.
func (e *Engine) drain(batch []Change) []Change {
	for len(batch) < e.cfg.MaxBatchChanges {
		select {
		case cmd := <-e.cmds:
			batch = e.apply(batch, cmd)
		default:
			return batch
		}
	}
	return batch
}

func (e *Engine) handleStop(batch []Change) {
	for {
		select {
		case cmd := <-e.cmds:
			batch = e.apply(batch, cmd)
			if len(batch) >= e.cfg.MaxBatchChanges {
				e.flush(batch)
				batch = batch[:0]
			}
		default:
			e.flush(batch)
			e.closeSinks()
			return
		}
	}
}

func (e *Engine) apply(batch []Change, cmd command) []Change {
	switch cmd.kind {
	case cmdSubmit:
		return e.applyUpdate(batch, cmd.update)
	case cmdTrack:
		return e.applyTrack(batch, cmd.jobID, cmd.jobKind)
	case cmdRemove:
		return e.applyRemove(batch, cmd.jobID)
	case cmdSweep:
		before := len(batch)
		batch = e.applySweep(batch)
		cmd.reply <- len(batch) - before
		return batch
	default:
		return batch
	}
}

func (e *Engine) applyUpdate(batch []Change, u Update) []Change {
	if _, gone := e.removed[u.JobID]; gone {
		e.logger.Debug("update for removed job dropped",
			zap.String("job_id", u.JobID),
			zap.String("channel", string(u.Channel)))
		rec := JobProgress{JobID: u.JobID, Kind: u.Kind, Status: StatusUnknown}
		return append(batch, Change{Type: ChangeDiscarded, Outcome: OutcomeRemoved, Channel: u.Channel, Record: rec})
	}
	e.mu.Lock()
	var current *JobProgress
	if rec, ok := e.records[u.JobID]; ok {
		current = &rec
	}
	next, outcome := Merge(current, u, e.cfg.Clock.Now())
	if outcome != OutcomeAbsorbed {
		e.records[u.JobID] = next
	}
	e.mu.Unlock()

	change := Change{Type: ChangeUpdated, Outcome: outcome, Channel: u.Channel, Record: next}
	if !outcome.Notify() {
		change.Type = ChangeDiscarded
		if outcome == OutcomeAbsorbed {
			e.logger.Debug("late update absorbed by terminal job",
				zap.String("job_id", u.JobID),
				zap.String("channel", string(u.Channel)),
				zap.String("status", string(next.Status)))
		}
	}
	return append(batch, change)
}

func (e *Engine) applyTrack(batch []Change, jobID string, kind JobKind) []Change {
	delete(e.removed, jobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.records[jobID]; ok {
		if rec.Kind == "" && kind != "" {
			rec.Kind = kind
			e.records[jobID] = rec
		}
		return batch
	}
	rec := JobProgress{
		JobID:         jobID,
		Kind:          kind,
		Status:        StatusPending,
		LastUpdatedAt: e.cfg.Clock.Now(),
	}
	e.records[jobID] = rec
	return append(batch, Change{Type: ChangeUpdated, Outcome: OutcomeCreated, Record: rec})
}

func (e *Engine) applyRemove(batch []Change, jobID string) []Change {
	e.mu.Lock()
	rec, ok := e.records[jobID]
	delete(e.records, jobID)
	e.mu.Unlock()
	e.removed[jobID] = e.cfg.Clock.Now()
	if !ok {
		return batch
	}
	return append(batch, Change{Type: ChangeEvicted, Record: rec, Reason: EvictRemoved})
}

func (e *Engine) applySweep(batch []Change) []Change {
	now := e.cfg.Clock.Now()
	for id, at := range e.removed {
		if now.Sub(at) >= e.cfg.Retention {
			delete(e.removed, id)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rec := range e.records {
		if !rec.Status.Terminal() || now.Sub(rec.TerminalAt) < e.cfg.Retention {
			continue
		}
		if e.cfg.Pinner != nil && e.cfg.Pinner.Pinned(id) {
			continue
		}
		delete(e.records, id)
		batch = append(batch, Change{Type: ChangeEvicted, Record: rec, Reason: EvictRetention})
	}
	return batch
}

func (e *Engine) flush(batch []Change) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Change(nil), batch...)
	baseCtx := e.cfg.BaseContext
	for _, sink := range e.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, e.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			e.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
	e.notifyIncomplete(copyBatch)
}

func (e *Engine) notifyIncomplete(batch []Change) {
	if e.cfg.OnIncomplete == nil {
		return
	}
	touched := false
	for _, c := range batch {
		if c.Type == ChangeUpdated {
			touched = true
			break
		}
	}
	if !touched {
		return
	}
	e.mu.RLock()
	pending := len(e.incompleteLocked())
	e.mu.RUnlock()
	if pending > 0 {
		e.cfg.OnIncomplete()
	}
}

func (e *Engine) closeSinks() {
	ctx := e.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range e.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			e.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
