package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/config"
	"github.com/JakeFAU/progress-reconciler/internal/id/uuid"
	"github.com/JakeFAU/progress-reconciler/internal/metrics"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
	"github.com/JakeFAU/progress-reconciler/internal/subscription"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultHeartbeat      = 15 * time.Second
)

// Engine is the part of *progress.Engine the handlers use.
type Engine interface {
	Get(jobID string) (progress.JobProgress, bool)
	List() []progress.JobProgress
	Track(ctx context.Context, jobID string, kind progress.JobKind) error
	Remove(ctx context.Context, jobID string) error
	Closed() bool
}

// Refresher runs targeted poll rounds; *poll.Reconciler satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, jobIDs []string) error
}

// Subscriptions feeds the streaming endpoints; *subscription.Registry
// satisfies it.
type Subscriptions interface {
	Subscribe(jobID string, cb subscription.Callback) subscription.Unsubscribe
	SubscribeAll(cb subscription.Callback) subscription.Unsubscribe
}

// Server wires HTTP handlers to the engine, the reconciler and the
// subscription registry.
type Server struct {
	router    chi.Router
	engine    Engine
	refresher Refresher
	subs      Subscriptions
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// NewServer constructs a Server with middleware and routes. refresher may be
// nil when no poll source is configured.
func NewServer(
	engine Engine,
	subs Subscriptions,
	refresher Refresher,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    engine,
		refresher: refresher,
		subs:      subs,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.New()))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/jobs", s.listJobs)
			r.Post("/jobs/refresh", s.refreshJobs)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Put("/jobs/{job_id}", s.trackJob)
			r.Delete("/jobs/{job_id}", s.removeJob)
		})
		r.Get("/jobs/{job_id}/events", s.streamJob)
		r.Get("/ws", s.streamAll)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.engine.Closed() {
		writeError(w, http.StatusServiceUnavailable, "engine closed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
