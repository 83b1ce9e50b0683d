// Package server builds the reconciler's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/api"
	"github.com/JakeFAU/progress-reconciler/internal/clock/system"
	"github.com/JakeFAU/progress-reconciler/internal/config"
	"github.com/JakeFAU/progress-reconciler/internal/logging"
	"github.com/JakeFAU/progress-reconciler/internal/poll"
	"github.com/JakeFAU/progress-reconciler/internal/poll/httpapi"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
	progresssinks "github.com/JakeFAU/progress-reconciler/internal/progress/sinks"
	"github.com/JakeFAU/progress-reconciler/internal/push"
	pubsubpush "github.com/JakeFAU/progress-reconciler/internal/push/pubsub"
	ssepush "github.com/JakeFAU/progress-reconciler/internal/push/sse"
	wspush "github.com/JakeFAU/progress-reconciler/internal/push/websocket"
	pgstore "github.com/JakeFAU/progress-reconciler/internal/storage/postgres"
	"github.com/JakeFAU/progress-reconciler/internal/subscription"
)

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	engine     *progress.Engine
	registry   *subscription.Registry
	sweeper    *progress.Sweeper
	reconciler *poll.Reconciler
	scheduler  *poll.Scheduler
	adapter    *push.Adapter
	apiServer  *api.Server

	pubsubDialer  *pubsubpush.Dialer
	snapshotStore *pgstore.SnapshotStore

	wg sync.WaitGroup
}

// Build creates the application's dependencies with metrics registered on
// the default Prometheus registry.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("push_transport", cfg.Push.Transport),
		zap.String("poll_source", cfg.Poll.Source),
	)

	if err := app.setupEngine(ctx, reg); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupPoll(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	if err := app.setupPush(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	var refresher api.Refresher
	if app.reconciler != nil {
		refresher = app.reconciler
	}
	app.apiServer = api.NewServer(app.engine, app.registry, refresher, *cfg, logger.Named("api"))
	return app, nil
}

func (a *App) setupEngine(ctx context.Context, reg prometheus.Registerer) error {
	a.registry = subscription.New(a.logger.Named("subscription"))
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	engineCfg := progress.Config{
		BufferSize:      a.cfg.Engine.BufferSize,
		MaxBatchChanges: a.cfg.Engine.MaxBatchChanges,
		SinkTimeout:     a.cfg.SinkTimeout(),
		Retention:       a.cfg.Retention(),
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          a.logger.Named("progress"),
		Clock:           system.New(),
		Pinner:          a.registry,
		// The scheduler is assigned before any command reaches the engine.
		OnIncomplete: func() {
			if a.scheduler != nil {
				a.scheduler.Wake()
			}
		},
	}
	sinks := []progress.Sink{
		a.registry,
		promSink,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
	}
	if a.cfg.PubSub.TerminalTopic != "" {
		pubsubSink, err := progresssinks.NewPubSubSink(ctx, progresssinks.PubSubSinkConfig{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicID:   a.cfg.PubSub.TerminalTopic,
			Logger:    a.logger.Named("pubsub_sink"),
		})
		if err != nil {
			return fmt.Errorf("terminal topic init failed: %w", err)
		}
		sinks = append(sinks, pubsubSink)
		a.logger.Info("publishing terminal progress", zap.String("topic", a.cfg.PubSub.TerminalTopic))
	}
	a.engine = progress.NewEngine(engineCfg, sinks...)
	a.sweeper, err = progress.NewSweeper(a.engine, a.cfg.Engine.SweepSchedule, a.logger.Named("sweeper"))
	if err != nil {
		return fmt.Errorf("sweeper init failed: %w", err)
	}
	a.logger.Info("progress engine initialized",
		zap.Int("buffer_size", a.cfg.Engine.BufferSize),
		zap.Duration("retention", a.cfg.Retention()),
		zap.String("sweep_schedule", a.cfg.Engine.SweepSchedule),
	)
	return nil
}

func (a *App) setupPoll(ctx context.Context) error {
	var fetcher poll.Fetcher
	switch a.cfg.Poll.Source {
	case config.SourceHTTP:
		client, err := httpapi.New(httpapi.Config{
			BaseURL:     a.cfg.Poll.BaseURL,
			Resource:    a.cfg.Poll.Resource,
			Token:       a.cfg.Poll.Token,
			Kind:        progress.JobKind(a.cfg.Poll.Kind),
			BatchSize:   a.cfg.Poll.BatchSize,
			Concurrency: a.cfg.Poll.Concurrency,
			RPS:         a.cfg.Poll.RPS,
			Burst:       a.cfg.Poll.Burst,
			Logger:      a.logger.Named("httpapi"),
		})
		if err != nil {
			return fmt.Errorf("poll client init failed: %w", err)
		}
		fetcher = client
		a.logger.Info("using REST poll source", zap.String("base_url", a.cfg.Poll.BaseURL))
	case config.SourcePostgres:
		store, err := pgstore.NewSnapshotStore(ctx, pgstore.SnapshotStoreConfig{
			DSN:      a.cfg.Database.DSN,
			Table:    a.cfg.Database.Table,
			Kind:     progress.JobKind(a.cfg.Poll.Kind),
			MaxConns: a.cfg.Database.MaxConns,
			MinConns: a.cfg.Database.MinConns,
		})
		if err != nil {
			return fmt.Errorf("snapshot store init failed: %w", err)
		}
		a.snapshotStore = store
		fetcher = store
		a.logger.Info("using Postgres poll source", zap.String("table", a.cfg.Database.Table))
	default:
		a.logger.Warn("no poll source configured; progress relies on push only")
		return nil
	}

	a.reconciler = poll.NewReconciler(poll.ReconcilerConfig{
		Timeout: a.cfg.PollTimeout(),
		Logger:  a.logger.Named("reconciler"),
	}, fetcher, a.engine, a.engine)
	a.scheduler = poll.NewScheduler(poll.SchedulerConfig{
		Interval: a.cfg.PollInterval(),
		Logger:   a.logger.Named("scheduler"),
	}, a.engine, a.reconciler)
	return nil
}

func (a *App) setupPush(ctx context.Context) error {
	var (
		dialer push.Dialer
		err    error
	)
	switch a.cfg.Push.Transport {
	case config.TransportSSE:
		dialer, err = ssepush.New(ssepush.Config{
			URL:          a.cfg.Push.URL,
			Token:        a.cfg.Push.Token,
			TokenInQuery: a.cfg.Push.TokenInQuery,
			Logger:       a.logger,
		})
	case config.TransportWebSocket:
		dialer, err = wspush.New(wspush.Config{
			URL:          a.cfg.Push.URL,
			Token:        a.cfg.Push.Token,
			TokenInQuery: a.cfg.Push.TokenInQuery,
			ReadTimeout:  a.cfg.PushReadTimeout(),
			Logger:       a.logger,
		})
	case config.TransportPubSub:
		a.pubsubDialer, err = pubsubpush.New(ctx, pubsubpush.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			SubscriptionID: a.cfg.PubSub.SubscriptionID,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
			Logger:         a.logger,
		})
		if err == nil {
			dialer = a.pubsubDialer
		}
	default:
		a.logger.Warn("no push transport configured; progress relies on polling only")
		return nil
	}
	if err != nil {
		return fmt.Errorf("push transport init failed: %w", err)
	}

	base, maxDelay := a.cfg.PushBackoff()
	adapterCfg := push.AdapterConfig{
		Dialer:   dialer,
		Engine:   a.engine,
		Notifier: push.NotifierFunc(a.logNotification),
		Backoff:  push.Backoff{Base: base, Max: maxDelay},
		Logger:   a.logger.Named("push"),
	}
	if a.reconciler != nil {
		adapterCfg.Refresher = a.reconciler
	}
	a.adapter, err = push.NewAdapter(adapterCfg)
	if err != nil {
		return fmt.Errorf("push adapter init failed: %w", err)
	}
	a.logger.Info("push transport initialized", zap.String("transport", dialer.Name()))
	return nil
}

func (a *App) logNotification(_ context.Context, msg push.Message) {
	a.logger.Info("push notification",
		zap.String("kind", string(msg.Kind)),
		zap.String("notification_id", msg.NotificationID),
		zap.String("text", msg.Text),
		zap.String("status", msg.Status),
	)
}

// Engine exposes the progress engine.
func (a *App) Engine() *progress.Engine {
	return a.engine
}

// Registry exposes the subscription registry.
func (a *App) Registry() *subscription.Registry {
	return a.registry
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Start launches the sweeper, the poll scheduler and the push adapter. They
// stop when ctx is canceled; Close waits for them.
func (a *App) Start(ctx context.Context) {
	a.sweeper.Start()
	if a.scheduler != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduler.Run(ctx)
		}()
	}
	if a.adapter != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.adapter.Run(ctx); err != nil {
				a.logger.Error("push adapter stopped", zap.Error(err))
			}
		}()
	}
}

// Run starts the application and the HTTP server and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Watch tracks jobID and calls fn with every merged view until the job is
// terminal or ctx ends. Background components must already be started.
func (a *App) Watch(ctx context.Context, jobID string, kind progress.JobKind, fn func(progress.JobProgress)) error {
	done := make(chan progress.JobProgress, 1)
	unsubscribe := a.registry.Subscribe(jobID, func(rec progress.JobProgress) {
		fn(rec)
		if rec.Status.Terminal() {
			select {
			case done <- rec:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := a.engine.Track(ctx, jobID, kind); err != nil {
		return fmt.Errorf("track %s: %w", jobID, err)
	}
	select {
	case rec := <-done:
		if rec.Status == progress.StatusFailed {
			return fmt.Errorf("job %s failed", jobID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.logger.Warn("background components did not stop in time", zap.Error(ctx.Err()))
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.sweeper != nil {
		if err := a.sweeper.Stop(ctx); err != nil {
			a.logger.Warn("sweeper stop failed", zap.Error(err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil && !errors.Is(err, progress.ErrClosed) {
			a.logger.Warn("progress engine close failed", zap.Error(err))
		}
	}
	if a.pubsubDialer != nil {
		if err := a.pubsubDialer.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.snapshotStore != nil {
		a.snapshotStore.Close()
	}
}
