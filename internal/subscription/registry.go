// Package subscription delivers merged job progress to in-process consumers.
// The Registry is fed by the engine as a progress.Sink and hands each
// subscriber the current record first, then every later change, on a
// dedicated delivery goroutine.
package subscription

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// Callback receives a merged record. Callbacks run on the registry's delivery
// goroutine and must not block for long.
type Callback func(progress.JobProgress)

// Unsubscribe detaches a subscriber. Calling it more than once is a no-op.
type Unsubscribe func()

type subscriber struct {
	id     uint64
	jobID  string
	all    bool
	cb     Callback
	active bool
}

type delivery struct {
	sub    *subscriber
	record progress.JobProgress
}

// Registry tracks subscribers per job id and fans engine changes out to them.
// It implements progress.Sink and progress.Pinner.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	byJob    map[string]map[uint64]*subscriber
	all      map[uint64]*subscriber
	replica  map[string]progress.JobProgress
	pending  []delivery
	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Registry and starts its delivery goroutine.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:  logger,
		byJob:   make(map[string]map[uint64]*subscriber),
		all:     make(map[uint64]*subscriber),
		replica: make(map[string]progress.JobProgress),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Subscribe registers cb for jobID. When the registry already holds a record
// for the job, cb receives it first; it is never invoked before Subscribe
// returns.
func (r *Registry) Subscribe(jobID string, cb Callback) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.newSubscriberLocked(jobID, false, cb)
	subs, ok := r.byJob[jobID]
	if !ok {
		subs = make(map[uint64]*subscriber)
		r.byJob[jobID] = subs
	}
	subs[sub.id] = sub
	if rec, ok := r.replica[jobID]; ok {
		r.enqueueLocked(delivery{sub: sub, record: rec})
	}
	return r.unsubscribeFunc(sub)
}

// SubscribeAll registers cb for every job. The current record of each known
// job is delivered first.
func (r *Registry) SubscribeAll(cb Callback) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.newSubscriberLocked("", true, cb)
	r.all[sub.id] = sub
	for _, rec := range r.replica {
		r.enqueueLocked(delivery{sub: sub, record: rec})
	}
	return r.unsubscribeFunc(sub)
}

// Current returns the latest delivered record for jobID.
func (r *Registry) Current(jobID string) (progress.JobProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.replica[jobID]
	return rec, ok
}

// Pinned reports whether jobID has at least one per-job subscriber.
func (r *Registry) Pinned(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byJob[jobID]) > 0
}

// Subscribers returns the number of active per-job subscribers for jobID.
func (r *Registry) Subscribers(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byJob[jobID])
}

// Consume applies an engine change batch. Discarded changes are ignored;
// evictions drop the replica entry but leave subscribers registered.
func (r *Registry) Consume(_ context.Context, batch []progress.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, change := range batch {
		jobID := change.Record.JobID
		switch change.Type {
		case progress.ChangeEvicted:
			delete(r.replica, jobID)
		case progress.ChangeUpdated:
			r.replica[jobID] = change.Record
			for _, sub := range r.byJob[jobID] {
				r.enqueueLocked(delivery{sub: sub, record: change.Record})
			}
			for _, sub := range r.all {
				r.enqueueLocked(delivery{sub: sub, record: change.Record})
			}
		}
	}
	return nil
}

// Close stops the delivery goroutine after pending deliveries are flushed.
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) newSubscriberLocked(jobID string, all bool, cb Callback) *subscriber {
	r.nextID++
	return &subscriber{id: r.nextID, jobID: jobID, all: all, cb: cb, active: true}
}

func (r *Registry) unsubscribeFunc(sub *subscriber) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			sub.active = false
			if sub.all {
				delete(r.all, sub.id)
				return
			}
			subs := r.byJob[sub.jobID]
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(r.byJob, sub.jobID)
			}
		})
	}
}

func (r *Registry) enqueueLocked(d delivery) {
	r.pending = append(r.pending, d)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.wake:
			r.deliverPending()
		case <-r.stopCh:
			r.deliverPending()
			return
		}
	}
}

func (r *Registry) deliverPending() {
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, d := range batch {
			r.deliver(d)
		}
	}
}

func (r *Registry) deliver(d delivery) {
	r.mu.Lock()
	active := d.sub.active
	r.mu.Unlock()
	if !active {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber callback panicked",
				zap.String("job_id", d.record.JobID),
				zap.Any("panic", rec))
		}
	}()
	d.sub.cb(d.record)
}
