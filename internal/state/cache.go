package state

import (
	"sync"
	"time"

	"github.com/robolab/dispatchd/internal/queue"
)

// CompletionRecord is the last completion event seen on the inbound stream.
type CompletionRecord struct {
	JobID string    `json:"job_id,omitempty"`
	Raw   string    `json:"raw"`
	At    time.Time `json:"at"`
}

// TelemetryRecord is the last heartbeat seen on the telemetry stream. The
// payload is opaque; it is kept verbatim.
type TelemetryRecord struct {
	Raw string    `json:"raw"`
	At  time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of the cache for introspection endpoints.
type Snapshot struct {
	LastPublishedJob *queue.Job        `json:"last_published_job"`
	LastCompletion   *CompletionRecord `json:"last_completion"`
	LastTelemetry    *TelemetryRecord  `json:"last_telemetry"`
}

// Cache holds last-seen observations for the status endpoint. Entries are
// process-lifetime, overwritten on each event, and never consulted for
// lifecycle decisions; the job store is the only authority on job status.
type Cache struct {
	mu            sync.RWMutex
	lastPublished *queue.Job
	lastDone      *CompletionRecord
	lastTelemetry *TelemetryRecord
}

func NewCache() *Cache {
	return &Cache{}
}

// SetPublished records the most recently published current command.
func (c *Cache) SetPublished(j *queue.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j == nil {
		c.lastPublished = nil
		return
	}
	cp := *j
	c.lastPublished = &cp
}

// SetCompletion records the most recent completion event.
func (c *Cache) SetCompletion(jobID, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDone = &CompletionRecord{JobID: jobID, Raw: raw, At: time.Now().UTC()}
}

// SetTelemetry records the most recent heartbeat payload.
func (c *Cache) SetTelemetry(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTelemetry = &TelemetryRecord{Raw: raw, At: time.Now().UTC()}
}

// Snapshot returns a copy of the current observations.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		LastCompletion: c.lastDone,
		LastTelemetry:  c.lastTelemetry,
	}
	if c.lastPublished != nil {
		cp := *c.lastPublished
		snap.LastPublishedJob = &cp
	}
	return snap
}

// Reset clears all observations. Called when the store generation rotates so
// the status endpoint does not report jobs from an archived generation.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPublished = nil
	c.lastDone = nil
	c.lastTelemetry = nil
}
