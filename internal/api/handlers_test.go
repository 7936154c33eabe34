package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/robolab/dispatchd/internal/bus"
	"github.com/robolab/dispatchd/internal/engine"
	"github.com/robolab/dispatchd/internal/events"
	"github.com/robolab/dispatchd/internal/queue"
	"github.com/robolab/dispatchd/internal/state"
)

// mockDispatcher implements Dispatcher for testing
type mockDispatcher struct {
	enqueueFunc   func(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	claimNextFunc func(ctx context.Context) (engine.ClaimResult, error)
	archiveFunc   func(ctx context.Context) (*queue.ArchiveResult, error)
}

func (m *mockDispatcher) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
	return m.enqueueFunc(ctx, req)
}

func (m *mockDispatcher) ClaimNext(ctx context.Context) (engine.ClaimResult, error) {
	return m.claimNextFunc(ctx)
}

func (m *mockDispatcher) Archive(ctx context.Context) (*queue.ArchiveResult, error) {
	return m.archiveFunc(ctx)
}

// mockReader implements JobReader for testing
type mockReader struct {
	listFunc  func(ctx context.Context, limit int) ([]queue.Job, error)
	depthFunc func(ctx context.Context) (int, error)
}

func (m *mockReader) List(ctx context.Context, limit int) ([]queue.Job, error) {
	if m.listFunc == nil {
		return nil, nil
	}
	return m.listFunc(ctx, limit)
}

func (m *mockReader) Depth(ctx context.Context) (int, error) {
	if m.depthFunc == nil {
		return 0, nil
	}
	return m.depthFunc(ctx)
}

func newTestServer(dispatch Dispatcher, reader JobReader) *Server {
	return newTestServerWithConfig(Config{Listen: "127.0.0.1:0", RobotID: "r1"}, dispatch, reader)
}

func newTestServerWithConfig(cfg Config, dispatch Dispatcher, reader JobReader) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, dispatch, reader, state.NewCache(), bus.TopicsFor(cfg.RobotID), events.NewHub(16), nil, logger)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestCreateJobValidation(t *testing.T) {
	srv := newTestServer(&mockDispatcher{}, &mockReader{})

	cases := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"missing job_id", `{"destination":"station-3","items":[{"part":"bolt-m4","qty":8}]}`, "Missing field: job_id"},
		{"missing destination", `{"job_id":"J1","items":[{"part":"bolt-m4","qty":8}]}`, "Missing field: destination"},
		{"missing items", `{"job_id":"J1","destination":"station-3"}`, "Missing field: items"},
		{"empty items", `{"job_id":"J1","destination":"station-3","items":[]}`, "Missing field: items"},
		{"zero qty", `{"job_id":"J1","destination":"station-3","items":[{"part":"bolt-m4","qty":0}]}`, "items[0]: qty must be a positive integer"},
		{"missing qty", `{"job_id":"J1","destination":"station-3","items":[{"part":"bolt-m4"}]}`, "items[0]: qty must be a positive integer"},
		{"empty part", `{"job_id":"J1","destination":"station-3","items":[{"part":"","qty":2}]}`, "items[0]: part is empty"},
		{"not json", `not json`, "invalid JSON body"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(srv, http.MethodPost, "/api/jobs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got != tc.wantMsg {
				t.Errorf("expected error %q, got %q", tc.wantMsg, got)
			}
		})
	}
}

func TestCreateJobSuccess(t *testing.T) {
	var captured queue.EnqueueRequest
	dispatch := &mockDispatcher{
		enqueueFunc: func(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
			captured = req
			return &queue.Job{JobID: req.JobID, Status: queue.StatusQueued}, nil
		},
	}
	srv := newTestServer(dispatch, &mockReader{})

	body := `{"job_id":"J100","destination":"station-3","items":[{"part":"bolt-m4","qty":8},{"part":"washer","qty":2}],"note":"rush","created_by":"alice"}`
	rec := doRequest(srv, http.MethodPost, "/api/jobs", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp CreateJobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "queued" || resp.JobID != "J100" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if captured.Note != "rush" || captured.CreatedBy != "alice" || len(captured.Items) != 2 {
		t.Errorf("request not passed through: %+v", captured)
	}
}

func TestCreateJobDuplicateID(t *testing.T) {
	dispatch := &mockDispatcher{
		enqueueFunc: func(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
			return nil, queue.ErrDuplicateID
		},
	}
	srv := newTestServer(dispatch, &mockReader{})

	body := `{"job_id":"J1","destination":"station-3","items":[{"part":"bolt-m4","qty":8}]}`
	rec := doRequest(srv, http.MethodPost, "/api/jobs", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "job_id already exists" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestCreateJobStoreBusy(t *testing.T) {
	dispatch := &mockDispatcher{
		enqueueFunc: func(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
			return nil, queue.ErrStoreBusy
		},
	}
	srv := newTestServer(dispatch, &mockReader{})

	body := `{"job_id":"J1","destination":"station-3","items":[{"part":"bolt-m4","qty":8}]}`
	rec := doRequest(srv, http.MethodPost, "/api/jobs", body)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestListJobsEmptyIsArray(t *testing.T) {
	srv := newTestServer(&mockDispatcher{}, &mockReader{})

	rec := doRequest(srv, http.MethodGet, "/api/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"jobs":[]`) {
		t.Errorf("expected empty jobs array, got %s", rec.Body.String())
	}
}

func TestClaimNextResponses(t *testing.T) {
	cases := []struct {
		name        string
		result      engine.ClaimResult
		wantMessage string
	}{
		{"repeat", engine.ClaimResult{Outcome: engine.ClaimRepeat, Job: &queue.Job{JobID: "J1"}}, "already assigned"},
		{"new", engine.ClaimResult{Outcome: engine.ClaimNew, Job: &queue.Job{JobID: "J2"}}, "claimed"},
		{"empty", engine.ClaimResult{Outcome: engine.ClaimEmpty}, "no queued jobs"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dispatch := &mockDispatcher{
				claimNextFunc: func(ctx context.Context) (engine.ClaimResult, error) {
					return tc.result, nil
				},
			}
			srv := newTestServer(dispatch, &mockReader{})

			rec := doRequest(srv, http.MethodPost, "/api/robot/claim-next", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}

			var resp ClaimResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Message != tc.wantMessage {
				t.Errorf("expected message %q, got %q", tc.wantMessage, resp.Message)
			}
		})
	}
}

func TestArchiveConflicts(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"active job", queue.ErrActiveJob, http.StatusConflict},
		{"artifact exists", queue.ErrArchiveExists, http.StatusConflict},
		{"store locked", queue.ErrStoreLocked, http.StatusConflict},
		{"store busy", queue.ErrStoreBusy, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dispatch := &mockDispatcher{
				archiveFunc: func(ctx context.Context) (*queue.ArchiveResult, error) {
					return nil, tc.err
				},
			}
			srv := newTestServer(dispatch, &mockReader{})

			rec := doRequest(srv, http.MethodPost, "/api/admin/archive", "")
			if rec.Code != tc.wantCode {
				t.Errorf("expected %d, got %d", tc.wantCode, rec.Code)
			}
		})
	}
}

func TestArchiveSuccess(t *testing.T) {
	dispatch := &mockDispatcher{
		archiveFunc: func(ctx context.Context) (*queue.ArchiveResult, error) {
			return &queue.ArchiveResult{Artifact: "jobs_01-15-2026_120000.db", Checksum: "deadbeef"}, nil
		},
	}
	srv := newTestServer(dispatch, &mockReader{})

	rec := doRequest(srv, http.MethodPost, "/api/admin/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ArchiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Artifact != "jobs_01-15-2026_120000.db" || resp.Checksum != "deadbeef" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestArchiveWithoutChecksumStillSucceeds(t *testing.T) {
	dispatch := &mockDispatcher{
		archiveFunc: func(ctx context.Context) (*queue.ArchiveResult, error) {
			// Rotation done but the artifact could not be read back for hashing.
			return &queue.ArchiveResult{Artifact: "jobs_01-15-2026_120000.db"}, nil
		},
	}
	srv := newTestServer(dispatch, &mockReader{})

	rec := doRequest(srv, http.MethodPost, "/api/admin/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ArchiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Artifact != "jobs_01-15-2026_120000.db" || resp.Checksum != "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestArchiveFreshBootstrap(t *testing.T) {
	dispatch := &mockDispatcher{
		archiveFunc: func(ctx context.Context) (*queue.ArchiveResult, error) {
			return &queue.ArchiveResult{Fresh: true}, nil
		},
	}
	srv := newTestServer(dispatch, &mockReader{})

	rec := doRequest(srv, http.MethodPost, "/api/admin/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "initialized a fresh one") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestAdminTokenEnforced(t *testing.T) {
	dispatch := &mockDispatcher{
		archiveFunc: func(ctx context.Context) (*queue.ArchiveResult, error) {
			return &queue.ArchiveResult{Fresh: true}, nil
		},
	}
	srv := newTestServerWithConfig(Config{Listen: "127.0.0.1:0", RobotID: "r1", AdminToken: "secret"}, dispatch, &mockReader{})

	rec := doRequest(srv, http.MethodPost, "/api/admin/archive", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/archive", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec2.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&mockDispatcher{}, &mockReader{})

	rec := doRequest(srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.RobotID != "r1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	reader := &mockReader{
		depthFunc: func(ctx context.Context) (int, error) { return 3, nil },
	}
	srv := newTestServer(&mockDispatcher{}, reader)

	rec := doRequest(srv, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RobotID != "r1" || resp.QueueDepth != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Topics.Command != "robot/r1/cmd/job" {
		t.Errorf("unexpected command topic: %q", resp.Topics.Command)
	}
}
