package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/robolab/dispatchd/internal/bus"
	"github.com/robolab/dispatchd/internal/engine"
	"github.com/robolab/dispatchd/internal/events"
	"github.com/robolab/dispatchd/internal/metrics"
	"github.com/robolab/dispatchd/internal/queue"
	"github.com/robolab/dispatchd/internal/state"
)

// recordingBus captures channel traffic so assertions can verify what the
// robot would have observed on the retained command topic.
type recordingBus struct {
	mu        sync.Mutex
	published []string
	cleared   int
}

func (r *recordingBus) PublishCurrent(j *queue.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, j.JobID)
}

func (r *recordingBus) ClearCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

type harness struct {
	server *Server
	engine *engine.Engine
	store  *queue.Store
	bus    *recordingBus
	mux    http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := queue.Open(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rb := &recordingBus{}
	cache := state.NewCache()
	hub := events.NewHub(32)
	eng := engine.New(store, rb, cache, hub, metrics.NewCollector(), filepath.Join(dir, "archive"), logger)

	srv := New(Config{Listen: "127.0.0.1:0", RobotID: "r1"}, eng, store, cache, bus.TopicsFor("r1"), hub, nil, logger)
	return &harness{server: srv, engine: eng, store: store, bus: rb, mux: srv.setupRoutes()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func (h *harness) submitJob(t *testing.T, jobID string) {
	t.Helper()
	body := fmt.Sprintf(`{"job_id":%q,"destination":"station-3","items":[{"part":"bolt-m4","qty":8}],"created_by":"tester"}`, jobID)
	rec := h.do(t, http.MethodPost, "/api/jobs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit %s: expected 200, got %d: %s", jobID, rec.Code, rec.Body.String())
	}
}

// TestJobLifecycle walks one job through the whole pipeline: enqueue, claim,
// repeated claim, completion, archive.
func TestJobLifecycle(t *testing.T) {
	h := newHarness(t)

	// Producer submits a job.
	h.submitJob(t, "J1")

	// It lists as queued.
	rec := h.do(t, http.MethodGet, "/api/jobs", "")
	var list ListJobsResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].Status != queue.StatusQueued {
		t.Fatalf("expected one queued job, got %+v", list.Jobs)
	}

	// The robot claims it.
	rec = h.do(t, http.MethodPost, "/api/robot/claim-next", "")
	var claim ClaimResponse
	if err := json.NewDecoder(rec.Body).Decode(&claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.Message != "claimed" || claim.Claimed == nil || claim.Claimed.JobID != "J1" {
		t.Fatalf("unexpected claim response: %+v", claim)
	}

	// A second claim while the job is still active answers with the same
	// job instead of advancing the queue.
	h.submitJob(t, "J2")
	rec = h.do(t, http.MethodPost, "/api/robot/claim-next", "")
	claim = ClaimResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&claim); err != nil {
		t.Fatalf("decode repeated claim: %v", err)
	}
	if claim.Message != "already assigned" || claim.Active == nil || claim.Active.JobID != "J1" {
		t.Fatalf("unexpected repeated claim response: %+v", claim)
	}

	// Both claims published J1 to the channel.
	if got := h.bus.published; len(got) != 2 || got[0] != "J1" || got[1] != "J1" {
		t.Fatalf("unexpected published jobs: %v", got)
	}

	// Archiving while a job is active is refused.
	rec = h.do(t, http.MethodPost, "/api/admin/archive", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 archive conflict, got %d", rec.Code)
	}

	// The robot reports completion over the inbound stream.
	h.engine.HandleCompletion(bus.DecodeCompletion([]byte(`{"job_id":"J1","result":"ok"}`)))
	if h.bus.cleared != 1 {
		t.Fatalf("expected retained command cleared once, got %d", h.bus.cleared)
	}

	// J1 is done; the next claim advances to J2.
	rec = h.do(t, http.MethodPost, "/api/robot/claim-next", "")
	claim = ClaimResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.Message != "claimed" || claim.Claimed.JobID != "J2" {
		t.Fatalf("expected J2 claimed, got %+v", claim)
	}

	// Finish J2 so the store can rotate.
	h.engine.HandleCompletion(bus.DecodeCompletion([]byte("J2")))

	rec = h.do(t, http.MethodPost, "/api/admin/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 archive, got %d: %s", rec.Code, rec.Body.String())
	}
	var arch ArchiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&arch); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if arch.Artifact == "" || arch.Checksum == "" {
		t.Fatalf("expected artifact and checksum, got %+v", arch)
	}

	// The fresh generation starts empty and accepts the recycled id.
	rec = h.do(t, http.MethodGet, "/api/jobs", "")
	list = ListJobsResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 0 {
		t.Fatalf("expected empty fresh generation, got %+v", list.Jobs)
	}
	h.submitJob(t, "J1")
}

// TestCompletionForUnclaimedJob covers the robot finishing work the engine
// never dispatched: the store tolerates the transition and the channel is
// still cleared.
func TestCompletionForUnclaimedJob(t *testing.T) {
	h := newHarness(t)

	h.submitJob(t, "J1")
	h.engine.HandleCompletion(bus.DecodeCompletion([]byte("J1")))

	if h.bus.cleared != 1 {
		t.Fatalf("expected channel cleared, got %d", h.bus.cleared)
	}

	// J1 went straight to done; nothing is claimable.
	rec := h.do(t, http.MethodPost, "/api/robot/claim-next", "")
	var claim ClaimResponse
	if err := json.NewDecoder(rec.Body).Decode(&claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.Message != "no queued jobs" {
		t.Fatalf("expected empty queue, got %+v", claim)
	}
}

func TestDuplicateIDWithinGeneration(t *testing.T) {
	h := newHarness(t)

	h.submitJob(t, "J1")
	body := `{"job_id":"J1","destination":"station-9","items":[{"part":"nut","qty":1}]}`
	rec := h.do(t, http.MethodPost, "/api/jobs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate id, got %d", rec.Code)
	}
}
