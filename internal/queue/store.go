package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robolab/dispatchd/internal/storage"
)

// Store is the durable, transactional job table: the single source of truth
// for queue order and job lifecycle. One Store covers one generation of the
// backing SQLite file at a time; Archive rotates generations in place.
//
// The mutex serializes claims and generation rotation. Plain reads and
// inserts take the read side so they never observe a half-swapped handle.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open opens the job store at path, creating the database and schema if
// needed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the location of the current generation's backing file.
func (s *Store) Path() string { return s.path }

// Enqueue inserts a job with status=queued. The row either lands whole or
// not at all; a duplicate job_id yields ErrDuplicateID.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.JobID == "" {
		return nil, fmt.Errorf("job_id is empty")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("destination is empty")
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("items is empty")
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "unknown"
	}
	now := time.Now().UTC()

	itemsJSON, err := json.Marshal(req.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(job_id, destination, items, note, created_by, created_at, status)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, req.JobID, req.Destination, string(itemsJSON), req.Note, createdBy, now.Format(time.RFC3339Nano), StatusQueued)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateID
		}
		return nil, mapStoreErr("enqueue job", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return &Job{
		JobID:       req.JobID,
		Destination: req.Destination,
		Items:       req.Items,
		Note:        req.Note,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		Status:      StatusQueued,
		Sequence:    seq,
	}, nil
}

// List returns up to limit jobs, most recent first. Read-only.
func (s *Store) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, destination, items, note, created_by, created_at, status
FROM jobs
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, mapStoreErr("list jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr("list jobs", err)
	}
	return out, nil
}

// GetActive returns the active job, or nil when none is assigned. The
// unique-active invariant means there is at most one row to find.
func (s *Store) GetActive(ctx context.Context) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getActiveLocked(ctx)
}

func (s *Store) getActiveLocked(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, job_id, destination, items, note, created_by, created_at, status
FROM jobs
WHERE status = ?
ORDER BY id ASC
LIMIT 1;
`, StatusActive)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapStoreErr("get active job", err)
	}
	return j, nil
}

// ClaimNext runs the claim selection as one critical section. When a job is
// already active it is returned unchanged with repeat=true; otherwise the
// lowest-sequence queued job transitions to active. Returns (nil, false, nil)
// when nothing is active and nothing is queued.
//
// The active check and the update hold the write lock together: two
// concurrent claims can never both observe an idle robot and both promote a
// job. The NOT EXISTS guard in the update enforces the same rule at the data
// layer.
func (s *Store) ClaimNext(ctx context.Context) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.getActiveLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		return active, true, nil
	}

	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ?
    AND NOT EXISTS (SELECT 1 FROM jobs WHERE status = ?)
  ORDER BY id ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, job_id, destination, items, note, created_by, created_at, status;
`, StatusQueued, StatusActive, StatusActive)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapStoreErr("claim next job", err)
	}
	return j, false, nil
}

// MarkDone transitions the named job to done. Transitions are forward-only:
// a job already done stays done. Unknown job ids are a no-op, not an error;
// completion events may reference jobs from an archived generation.
func (s *Store) MarkDone(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?
WHERE job_id = ? AND status != ?;
`, StatusDone, jobID, StatusDone)
	if err != nil {
		return mapStoreErr("mark job done", err)
	}
	return nil
}

// HasActive reports whether any job is currently active.
func (s *Store) HasActive(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasActiveLocked(ctx)
}

func (s *Store) hasActiveLocked(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE status = ? LIMIT 1;`, StatusActive).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapStoreErr("check active job", err)
	}
	return true, nil
}

// Depth returns the number of queued jobs. Observability only.
func (s *Store) Depth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, mapStoreErr("queue depth", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j          Job
		itemsRaw   string
		createdAtS string
		statusS    string
	)
	if err := r.Scan(&j.Sequence, &j.JobID, &j.Destination, &itemsRaw, &j.Note, &j.CreatedBy, &createdAtS, &statusS); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if err := json.Unmarshal([]byte(itemsRaw), &j.Items); err != nil {
		return nil, fmt.Errorf("decode items for job %q: %w", j.JobID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	return &j, nil
}

// mapStoreErr wraps err, substituting ErrStoreBusy when SQLite reports a
// lock-wait timeout so callers can distinguish retryable contention from
// real failures.
func mapStoreErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w", op, ErrStoreBusy)
	}
	return fmt.Errorf("%s: %w", op, err)
}
