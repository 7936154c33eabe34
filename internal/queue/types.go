package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued Status = "queued"
	StatusActive Status = "active"
	StatusDone   Status = "done"
)

// Item is one (part, quantity) line of a job. Item order is preserved
// exactly as submitted.
type Item struct {
	Part string `json:"part"`
	Qty  int    `json:"qty"`
}

// Job is the unit of dispatchable work. Sequence is the store-assigned
// insertion order and the sole FIFO tie-break; it is not part of the wire
// form published to the robot.
type Job struct {
	JobID       string    `json:"job_id"`
	Destination string    `json:"destination"`
	Items       []Item    `json:"items"`
	Note        string    `json:"note"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status,omitempty"`
	Sequence    int64     `json:"-"`
}

// EnqueueRequest carries a producer-supplied job into the store.
type EnqueueRequest struct {
	JobID       string
	Destination string
	Items       []Item
	Note        string
	CreatedBy   string
}

var (
	// ErrDuplicateID reports an enqueue with a job_id that already exists in
	// the current store generation.
	ErrDuplicateID = errors.New("job_id already exists")

	// ErrStoreBusy reports a lock-wait timeout on the store. Retryable.
	ErrStoreBusy = errors.New("store busy")

	// ErrActiveJob reports an archive attempt while a job is active.
	ErrActiveJob = errors.New("cannot archive while a job is active")

	// ErrArchiveExists reports a collision with an existing archive artifact.
	ErrArchiveExists = errors.New("archive file already exists")

	// ErrStoreLocked reports that the store's backing files are held by
	// another process. Retryable once the external lock is released.
	ErrStoreLocked = errors.New("store files are locked")
)
