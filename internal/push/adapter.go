// Package push consumes the low-latency progress stream. An Adapter keeps one
// connection open through a Dialer, decodes each payload and routes it to the
// progress engine, the poll reconciler or a notification handler.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/id/uuid"
	"github.com/JakeFAU/progress-reconciler/internal/metrics"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// Stream yields raw payloads from one open connection.
type Stream interface {
	// Next blocks until a payload arrives. It returns io.EOF when the server
	// closes the connection cleanly.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// RetryHinter is implemented by streams whose server suggests a reconnect
// delay, such as the SSE retry field.
type RetryHinter interface {
	RetryHint() time.Duration
}

// Dialer opens streams for one transport.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
	// Name labels the transport in logs and metrics.
	Name() string
}

// Submitter accepts merged updates; *progress.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, u progress.Update) error
}

// Remover evicts jobs; *progress.Engine satisfies it.
type Remover interface {
	Remove(ctx context.Context, jobID string) error
}

// Refresher re-fetches jobs through the poll channel; *poll.Reconciler
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, jobIDs []string) error
}

// Engine is the slice of *progress.Engine the adapter drives.
type Engine interface {
	Submitter
	Remover
}

// Notifier receives notification and status messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, msg Message) {
	f(ctx, msg)
}

// AdapterConfig wires an Adapter. Engine is required; the rest are optional.
type AdapterConfig struct {
	Dialer    Dialer
	Engine    Engine
	Refresher Refresher
	Notifier  Notifier
	Backoff   Backoff
	Logger    *zap.Logger
}

const dropLogInterval = 5 * time.Second

// Adapter maintains the push connection and dispatches decoded messages.
type Adapter struct {
	dialer    Dialer
	engine    Engine
	refresher Refresher
	notifier  Notifier
	backoff   Backoff
	logger    *zap.Logger
	ids       *uuid.Generator

	dropLimiter logLimiter
	dropped     atomic.Int64
	refreshes   sync.WaitGroup
	sleep       func(ctx context.Context, d time.Duration) bool
}

// NewAdapter validates cfg and builds an Adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("push: dialer is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("push: engine is required")
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		dialer:      cfg.Dialer,
		engine:      cfg.Engine,
		refresher:   cfg.Refresher,
		notifier:    cfg.Notifier,
		backoff:     cfg.Backoff,
		logger:      logger.With(zap.String("transport", cfg.Dialer.Name())),
		ids:         uuid.New(),
		dropLimiter: logLimiter{interval: dropLogInterval},
		sleep:       sleepCtx,
	}, nil
}

// Run keeps a connection open until ctx is done, reconnecting with backoff
// after dial failures and disconnects. It always returns nil once ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.refreshes.Wait()
	transport := a.dialer.Name()
	attempt := 0
	for ctx.Err() == nil {
		stream, err := a.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := a.backoff.Delay(attempt)
			a.logger.Warn("push dial failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
			metrics.ObservePushReconnect(transport)
			attempt++
			if !a.sleep(ctx, delay) {
				break
			}
			continue
		}

		session := a.ids.NewIDOrRandom()
		log := a.logger.With(zap.String("session_id", session))
		log.Info("push connected")
		metrics.SetPushConnected(transport, true)
		received, err := a.consume(ctx, stream)
		metrics.SetPushConnected(transport, false)
		if cerr := stream.Close(); cerr != nil {
			log.Debug("push stream close", zap.Error(cerr))
		}
		if ctx.Err() != nil {
			break
		}
		if received > 0 {
			attempt = 0
		}
		delay := a.backoff.Delay(attempt)
		if hinter, ok := stream.(RetryHinter); ok {
			delay = max(delay, hinter.RetryHint())
		}
		if errors.Is(err, io.EOF) {
			log.Info("push stream closed by server", zap.Int("messages", received), zap.Duration("retry_in", delay))
		} else {
			log.Warn("push stream failed", zap.Int("messages", received), zap.Duration("retry_in", delay), zap.Error(err))
		}
		metrics.ObservePushReconnect(transport)
		attempt++
		if !a.sleep(ctx, delay) {
			break
		}
	}
	a.logger.Info("push adapter stopped")
	return nil
}

func (a *Adapter) consume(ctx context.Context, stream Stream) (int, error) {
	received := 0
	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			return received, err
		}
		received++
		if err := a.Handle(ctx, raw); err != nil && !errors.Is(err, errDropped) {
			return received, err
		}
	}
}

var errDropped = errors.New("payload dropped")

// Handle decodes and dispatches one payload. Undecodable payloads are counted
// and dropped; only an engine failure is returned as an error.
func (a *Adapter) Handle(ctx context.Context, raw []byte) error {
	transport := a.dialer.Name()
	msg, err := Decode(raw)
	if err != nil {
		metrics.ObservePushDecodeError(transport)
		a.warnDropped(err)
		return errDropped
	}
	metrics.ObservePushMessage(transport, string(msg.Kind))

	switch msg.Kind {
	case KindProgress:
		if err := a.engine.Submit(ctx, msg.Update()); err != nil {
			if errors.Is(err, progress.ErrInvalidUpdate) {
				a.warnDropped(err)
				return errDropped
			}
			return fmt.Errorf("submit push update: %w", err)
		}
	case KindRemoved:
		if err := a.engine.Remove(ctx, msg.JobID); err != nil {
			return fmt.Errorf("remove job %s: %w", msg.JobID, err)
		}
	case KindRefresh:
		a.refresh(ctx, msg.JobIDs)
	case KindNotification, KindStatus:
		if a.notifier != nil {
			a.notifier.Notify(ctx, msg)
		} else {
			a.logger.Debug("push message ignored", zap.String("kind", string(msg.Kind)))
		}
	}
	return nil
}

func (a *Adapter) refresh(ctx context.Context, jobIDs []string) {
	if a.refresher == nil {
		a.logger.Debug("refresh requested without a refresher")
		return
	}
	a.refreshes.Add(1)
	go func() {
		defer a.refreshes.Done()
		if err := a.refresher.Refresh(ctx, jobIDs); err != nil && ctx.Err() == nil {
			a.logger.Warn("push-triggered refresh failed", zap.Strings("job_ids", jobIDs), zap.Error(err))
		}
	}()
}

func (a *Adapter) warnDropped(err error) {
	a.dropped.Add(1)
	if a.dropLimiter.Allow(time.Now()) {
		count := a.dropped.Swap(0)
		a.logger.Warn("push payloads dropped", zap.Int64("dropped", count), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
