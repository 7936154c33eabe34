// Package engine orchestrates claim, completion, and archive operations
// against the job store and drives the dispatch channel. It owns the
// active-job invariant: at most one job is assigned to the robot at a time.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robolab/dispatchd/internal/bus"
	"github.com/robolab/dispatchd/internal/events"
	"github.com/robolab/dispatchd/internal/metrics"
	"github.com/robolab/dispatchd/internal/queue"
	"github.com/robolab/dispatchd/internal/state"
)

// completionTimeout bounds store access from the broker's message callback,
// which runs outside any HTTP request context.
const completionTimeout = 5 * time.Second

// JobStore is the slice of the job store the engine mutates.
type JobStore interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	ClaimNext(ctx context.Context) (j *queue.Job, repeat bool, err error)
	MarkDone(ctx context.Context, jobID string) error
	Archive(ctx context.Context, archiveDir string) (*queue.ArchiveResult, error)
	Depth(ctx context.Context) (int, error)
}

// CommandBus is the outbound half of the dispatch channel. Publish and clear
// are fire-and-forget; the channel guarantees at-least-once delivery of the
// retained value.
type CommandBus interface {
	PublishCurrent(j *queue.Job)
	ClearCurrent()
}

// ClaimOutcome tags the result of a claim-next call.
type ClaimOutcome int

const (
	// ClaimRepeat: a job was already active and has been re-published.
	ClaimRepeat ClaimOutcome = iota
	// ClaimNew: the next queued job was claimed and published.
	ClaimNew
	// ClaimEmpty: no active job and nothing queued.
	ClaimEmpty
)

// ClaimResult is the outcome of the claim protocol. Job is nil only for
// ClaimEmpty.
type ClaimResult struct {
	Outcome ClaimOutcome
	Job     *queue.Job
}

// Engine wires the job store, the dispatch channel, and the observability
// surfaces together.
type Engine struct {
	store      JobStore
	bus        CommandBus
	cache      *state.Cache
	hub        *events.Hub
	metrics    *metrics.Collector
	archiveDir string
	logger     *slog.Logger
}

func New(store JobStore, cmdBus CommandBus, cache *state.Cache, hub *events.Hub, collector *metrics.Collector, archiveDir string, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		bus:        cmdBus,
		cache:      cache,
		hub:        hub,
		metrics:    collector,
		archiveDir: archiveDir,
		logger:     logger,
	}
}

// Enqueue accepts a producer-supplied job into the store with status=queued.
// Duplicate ids surface as queue.ErrDuplicateID.
func (e *Engine) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
	j, err := e.store.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordEnqueue()
	e.refreshDepth(ctx)
	e.hub.Publish(events.TypeJobEnqueued, map[string]any{
		"job_id":      j.JobID,
		"destination": j.Destination,
		"created_by":  j.CreatedBy,
	})
	e.logger.Info("job enqueued", "job_id", j.JobID, "destination", j.Destination, "created_by", j.CreatedBy)
	return j, nil
}

// ClaimNext runs the claim protocol. The store resolves the active check and
// the queue selection in one critical section: while a job is assigned,
// repeated calls come back with that same job (repeat=true) and re-publish
// it, which is what makes the call safe to repeat on robot reconnect. Only
// when nothing is active does a queued job transition to active.
func (e *Engine) ClaimNext(ctx context.Context) (ClaimResult, error) {
	next, repeat, err := e.store.ClaimNext(ctx)
	if err != nil {
		return ClaimResult{}, err
	}
	if next == nil {
		return ClaimResult{Outcome: ClaimEmpty}, nil
	}
	if repeat {
		e.bus.PublishCurrent(next)
		e.cache.SetPublished(next)
		e.metrics.RecordRepeatedClaim()
		e.logger.Info("claim answered with active job", "job_id", next.JobID)
		return ClaimResult{Outcome: ClaimRepeat, Job: next}, nil
	}

	e.bus.PublishCurrent(next)
	e.cache.SetPublished(next)
	e.metrics.RecordClaim()
	e.refreshDepth(ctx)
	e.hub.Publish(events.TypeJobClaimed, map[string]any{
		"job_id":      next.JobID,
		"destination": next.Destination,
	})
	e.logger.Info("job claimed", "job_id", next.JobID, "destination", next.Destination)
	return ClaimResult{Outcome: ClaimNew, Job: next}, nil
}

// HandleCompletion processes one inbound completion event. The job, if the
// event named one the store knows, transitions to done; the retained command
// is cleared either way so a stale assignment is never re-delivered to a
// reconnecting robot.
func (e *Engine) HandleCompletion(ev bus.CompletionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	if ev.JobID != "" {
		if err := e.store.MarkDone(ctx, ev.JobID); err != nil {
			e.logger.Error("mark job done", "job_id", ev.JobID, "error", err)
		}
	}

	e.bus.ClearCurrent()
	e.cache.SetCompletion(ev.JobID, ev.Raw)
	e.metrics.RecordCompletion()
	e.hub.Publish(events.TypeJobDone, map[string]any{
		"job_id": ev.JobID,
		"raw":    ev.Raw,
	})
	e.logger.Info("completion received, retained command cleared", "job_id", ev.JobID)
}

// HandleTelemetry records a heartbeat payload. Telemetry is not part of the
// job lifecycle.
func (e *Engine) HandleTelemetry(raw string) {
	e.cache.SetTelemetry(raw)
	e.hub.Publish(events.TypeTelemetry, map[string]any{"raw": raw})
	e.logger.Debug("telemetry received", "bytes", len(raw))
}

// Archive rotates the store generation and clears the channel and runtime
// cache. Conflicts (active job, locked files, artifact collision) come back
// as the store's sentinel errors for the API layer to map to 409.
func (e *Engine) Archive(ctx context.Context) (*queue.ArchiveResult, error) {
	res, err := e.store.Archive(ctx, e.archiveDir)
	if err != nil {
		return nil, err
	}

	e.bus.ClearCurrent()
	e.cache.Reset()
	e.metrics.RecordArchive()
	e.hub.Publish(events.TypeStoreArchive, map[string]any{
		"artifact": res.Artifact,
		"checksum": res.Checksum,
		"fresh":    res.Fresh,
	})
	switch {
	case res.Fresh:
		e.logger.Info("no existing store; initialized a fresh one")
	case res.Checksum == "":
		e.logger.Warn("store archived but artifact could not be hashed", "artifact", res.Artifact)
	default:
		e.logger.Info("store archived", "artifact", res.Artifact, "checksum", res.Checksum)
	}
	return res, nil
}

func (e *Engine) refreshDepth(ctx context.Context) {
	if depth, err := e.store.Depth(ctx); err == nil {
		e.metrics.SetQueueDepth(depth)
	}
}
