package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

const wsWriteWait = 5 * time.Second

// mailbox coalesces records per job so that a slow client only ever sees the
// latest view. put never blocks.
type mailbox struct {
	mu     sync.Mutex
	order  []string
	latest map[string]progress.JobProgress
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		latest: make(map[string]progress.JobProgress),
		ready:  make(chan struct{}, 1),
	}
}

func (m *mailbox) put(rec progress.JobProgress) {
	m.mu.Lock()
	if _, ok := m.latest[rec.JobID]; !ok {
		m.order = append(m.order, rec.JobID)
	}
	m.latest[rec.JobID] = rec
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []progress.JobProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]progress.JobProgress, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.latest[id])
	}
	m.order = m.order[:0]
	clear(m.latest)
	return out
}

// streamEvent is the wire form of a record on the streaming endpoints. The
// type field lets the payload be consumed by the push decoder.
type streamEvent struct {
	Type string `json:"type"`
	progress.JobProgress
}

// streamJob handles GET /v1/jobs/{job_id}/events. It sends the current view
// (status "unknown" when the job has not been reported yet), then every
// change, and ends the stream after a terminal record.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if err := rc.Flush(); errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	box := newMailbox()
	unsubscribe := s.subs.Subscribe(jobID, box.put)
	defer unsubscribe()
	if _, ok := s.engine.Get(jobID); !ok {
		if err := writeEvent(w, rc, progress.JobProgress{JobID: jobID, Status: progress.StatusUnknown}); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-box.ready:
			for _, rec := range box.take() {
				if err := writeEvent(w, rc, rec); err != nil {
					s.logger.Debug("sse client gone", zap.String("job_id", jobID), zap.Error(err))
					return
				}
				if rec.Status.Terminal() {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, rec progress.JobProgress) error {
	data, err := json.Marshal(streamEvent{Type: "progress", JobProgress: rec})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}

// streamAll handles GET /v1/ws. Every known record is sent on connect,
// followed by each change to any job. Client frames are ignored.
func (s *Server) streamAll(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	box := newMailbox()
	unsubscribe := s.subs.SubscribeAll(box.put)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-box.ready:
			for _, rec := range box.take() {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(streamEvent{Type: "progress", JobProgress: rec}); err != nil {
					s.logger.Debug("websocket client gone", zap.Error(err))
					return
				}
			}
		}
	}
}
