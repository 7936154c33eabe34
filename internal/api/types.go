package api

import (
	"github.com/robolab/dispatchd/internal/bus"
	"github.com/robolab/dispatchd/internal/queue"
	"github.com/robolab/dispatchd/internal/state"
)

// ItemPayload is one item line of a job creation request. Qty is a pointer
// so a missing quantity is distinguishable from zero.
type ItemPayload struct {
	Part string `json:"part"`
	Qty  *int   `json:"qty"`
}

// CreateJobRequest is the JSON body for POST /api/jobs.
type CreateJobRequest struct {
	JobID       *string       `json:"job_id"`
	Destination *string       `json:"destination"`
	Items       []ItemPayload `json:"items"`
	Note        string        `json:"note"`
	CreatedBy   string        `json:"created_by"`
}

// CreateJobResponse is returned on successful enqueue.
type CreateJobResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// ListJobsResponse is returned by GET /api/jobs.
type ListJobsResponse struct {
	Jobs []queue.Job `json:"jobs"`
}

// ClaimResponse is returned by POST /api/robot/claim-next. Exactly one of
// Active and Claimed is set, or neither when the queue is empty.
type ClaimResponse struct {
	Message string     `json:"message"`
	Active  *queue.Job `json:"active,omitempty"`
	Claimed *queue.Job `json:"claimed,omitempty"`
}

// ArchiveResponse is returned by POST /api/admin/archive.
type ArchiveResponse struct {
	Message  string `json:"message"`
	Artifact string `json:"artifact,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	RobotID       string `json:"robot_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	RobotID    string         `json:"robot_id"`
	Topics     bus.Topics     `json:"topics"`
	QueueDepth int            `json:"queue_depth"`
	State      state.Snapshot `json:"state"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
