package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robolab/dispatchd/internal/engine"
	"github.com/robolab/dispatchd/internal/queue"
)

const listLimit = 200

// handleCreateJob handles POST /api/jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.JobID == nil {
		s.writeError(w, http.StatusBadRequest, "Missing field: job_id")
		return
	}
	if req.Destination == nil {
		s.writeError(w, http.StatusBadRequest, "Missing field: destination")
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "Missing field: items")
		return
	}

	items := make([]queue.Item, 0, len(req.Items))
	for i, it := range req.Items {
		if it.Part == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: part is empty", i))
			return
		}
		if it.Qty == nil || *it.Qty <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: qty must be a positive integer", i))
			return
		}
		items = append(items, queue.Item{Part: it.Part, Qty: *it.Qty})
	}

	job, err := s.dispatch.Enqueue(r.Context(), queue.EnqueueRequest{
		JobID:       *req.JobID,
		Destination: *req.Destination,
		Items:       items,
		Note:        req.Note,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			s.writeError(w, http.StatusBadRequest, "job_id already exists")
			return
		}
		if errors.Is(err, queue.ErrStoreBusy) {
			s.writeError(w, http.StatusServiceUnavailable, "store busy, retry")
			return
		}
		s.logger.Error("failed to enqueue job", "job_id", *req.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusOK, CreateJobResponse{Status: "queued", JobID: job.JobID})
}

// handleListJobs handles GET /api/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List(r.Context(), listLimit)
	if err != nil {
		if errors.Is(err, queue.ErrStoreBusy) {
			s.writeError(w, http.StatusServiceUnavailable, "store busy, retry")
			return
		}
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	respondJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

// handleClaimNext handles POST /api/robot/claim-next.
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatch.ClaimNext(r.Context())
	if err != nil {
		if errors.Is(err, queue.ErrStoreBusy) {
			s.writeError(w, http.StatusServiceUnavailable, "store busy, retry")
			return
		}
		s.logger.Error("claim-next failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "claim-next failed")
		return
	}

	switch res.Outcome {
	case engine.ClaimRepeat:
		respondJSON(w, http.StatusOK, ClaimResponse{Message: "already assigned", Active: res.Job})
	case engine.ClaimNew:
		respondJSON(w, http.StatusOK, ClaimResponse{Message: "claimed", Claimed: res.Job})
	default:
		respondJSON(w, http.StatusOK, ClaimResponse{Message: "no queued jobs"})
	}
}

// handleArchive handles POST /api/admin/archive.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatch.Archive(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrActiveJob):
			s.writeError(w, http.StatusConflict, "cannot archive while a job is active")
		case errors.Is(err, queue.ErrArchiveExists):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, queue.ErrStoreLocked):
			s.writeError(w, http.StatusConflict, "store is in use (locked); close external tools and retry")
		case errors.Is(err, queue.ErrStoreBusy):
			s.writeError(w, http.StatusServiceUnavailable, "store busy, retry")
		default:
			s.logger.Error("archive failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "archive failed")
		}
		return
	}

	if res.Fresh {
		respondJSON(w, http.StatusOK, ArchiveResponse{
			Message: "no existing store found; initialized a fresh one",
		})
		return
	}
	respondJSON(w, http.StatusOK, ArchiveResponse{
		Message:  fmt.Sprintf("archived to %s and created a fresh store", res.Artifact),
		Artifact: res.Artifact,
		Checksum: res.Checksum,
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		RobotID:       s.config.RobotID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStatus handles GET /status: topics plus the last-seen runtime cache.
// Introspection only; job status authority stays with the store.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.store.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		RobotID:    s.config.RobotID,
		Topics:     s.topics,
		QueueDepth: depth,
		State:      s.cache.Snapshot(),
	})
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
