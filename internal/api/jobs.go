package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/poll"
	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

const maxRefreshIDs = 500

type trackRequest struct {
	Kind string `json:"kind"`
}

type refreshRequest struct {
	JobIDs []string `json:"job_ids"`
}

// listJobs handles GET /v1/jobs?status=. It returns {"jobs": [...]} ordered
// by job id, or 400 for an unknown status filter.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if filter != "" && !knownStatus(progress.Status(filter)) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	jobs := s.engine.List()
	if filter != "" {
		kept := jobs[:0]
		for _, job := range jobs {
			if string(job.Status) == filter {
				kept = append(kept, job)
			}
		}
		jobs = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.engine.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// trackJob handles PUT /v1/jobs/{job_id} with an optional {"kind": ...} body.
// Tracking an already known job only fills in a missing kind.
func (s *Server) trackJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind := progress.JobKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind != "" && !knownKind(kind) {
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	if err := s.engine.Track(r.Context(), jobID, kind); err != nil {
		s.writeEngineError(w, "track job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// removeJob handles DELETE /v1/jobs/{job_id}. The record is evicted at once;
// subscribers stay attached and see the job again if it is re-reported.
func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, ok := s.engine.Get(jobID); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := s.engine.Remove(r.Context(), jobID); err != nil {
		s.writeEngineError(w, "remove job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// refreshJobs handles POST /v1/jobs/refresh. An empty job_ids list re-fetches
// every incomplete job. It returns 503 without a poll source, 504 when the
// round times out and 502 when the backend fails.
func (s *Server) refreshJobs(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "no poll source configured")
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.JobIDs) > maxRefreshIDs {
		writeError(w, http.StatusBadRequest, "too many job_ids")
		return
	}
	if err := s.refresher.Refresh(r.Context(), req.JobIDs); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, poll.ErrRoundTimeout), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, progress.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("refresh failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, status, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": req.JobIDs})
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, progress.ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, progress.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "engine closed")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "engine busy")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func knownStatus(st progress.Status) bool {
	switch st {
	case progress.StatusPending, progress.StatusProcessing, progress.StatusComplete, progress.StatusFailed:
		return true
	default:
		return false
	}
}

func knownKind(kind progress.JobKind) bool {
	switch kind {
	case progress.KindSource, progress.KindAudienceValidation, progress.KindAudienceBuild:
		return true
	default:
		return false
	}
}
