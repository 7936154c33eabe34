package queue

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robolab/dispatchd/internal/storage"
	"github.com/zeebo/blake3"
)

// archiveTimestamp matches the rotation naming the operators already know:
// MM-DD-YYYY_HHMMSS.
const archiveTimestamp = "01-02-2006_150405"

// ArchiveResult describes the outcome of a generation rotation.
type ArchiveResult struct {
	// Artifact is the base name of the archived database file. Empty when
	// Fresh is set.
	Artifact string
	// Checksum is the hex BLAKE3 digest of the archived file, recorded so an
	// archived generation can later be verified untouched. Empty when the
	// artifact could not be read back for hashing.
	Checksum string
	// Fresh reports that no backing file existed and a new empty generation
	// was initialized instead of archiving.
	Fresh bool
}

// Archive rotates the store generation: the current backing file (and any
// WAL/shared-memory sidecars) moves to a timestamped location under
// archiveDir and a fresh empty generation takes its place.
//
// Preconditions and conflicts:
//   - ErrActiveJob when a job is active (rotating mid-execution would orphan
//     the robot's in-flight assignment),
//   - ErrArchiveExists when the timestamped artifact already exists,
//   - ErrStoreLocked when another process holds the backing files.
//
// Rotation holds the same mutex as ClaimNext, so it can never race an
// in-flight claim.
func (s *Store) Archive(ctx context.Context, archiveDir string) (*ArchiveResult, error) {
	if archiveDir == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		active, err := s.hasActiveLocked(ctx)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, ErrActiveJob
		}
	}

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		// Idempotent bootstrap: nothing to archive, just make sure a usable
		// empty generation exists.
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		db, err := storage.OpenSQLite(ctx, s.path)
		if err != nil {
			return nil, fmt.Errorf("initialize fresh store: %w", err)
		}
		s.db = db
		return &ArchiveResult{Fresh: true}, nil
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	ts := time.Now().Format(archiveTimestamp)
	artifact := filepath.Join(archiveDir, "jobs_"+ts+".db")
	if _, err := os.Stat(artifact); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrArchiveExists, filepath.Base(artifact))
	}

	// Close the handle first so the database is quiesced and the WAL is
	// checkpointed before the files move.
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return nil, fmt.Errorf("close store before archive: %w", err)
		}
		s.db = nil
	}

	if err := os.Rename(s.path, artifact); err != nil {
		// The store must stay usable after a failed rotation.
		if db, oerr := storage.OpenSQLite(ctx, s.path); oerr == nil {
			s.db = db
		}
		if isFileLocked(err) {
			return nil, fmt.Errorf("%w: %v", ErrStoreLocked, err)
		}
		return nil, fmt.Errorf("move store to archive: %w", err)
	}

	wal, shm := storage.SidecarPaths(s.path)
	sidecars := map[string]string{
		wal: artifact + "-wal",
		shm: artifact + "-shm",
	}
	var sidecarErr error
	for src, dst := range sidecars {
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.Rename(src, dst); err != nil && sidecarErr == nil {
			sidecarErr = err
		}
	}

	db, err := storage.OpenSQLite(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("initialize fresh store after archive: %w", err)
	}
	s.db = db

	if sidecarErr != nil {
		if isFileLocked(sidecarErr) {
			return nil, fmt.Errorf("%w: %v", ErrStoreLocked, sidecarErr)
		}
		return nil, fmt.Errorf("move store sidecar to archive: %w", sidecarErr)
	}

	// The rotation is already complete; a checksum failure must not report
	// the archive as failed. An empty checksum marks the artifact unverified.
	sum, _ := fileChecksum(artifact)

	return &ArchiveResult{
		Artifact: filepath.Base(artifact),
		Checksum: sum,
	}, nil
}

// fileChecksum returns the hex BLAKE3 digest of the file at path.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isFileLocked reports whether err looks like another process holding the
// file (external SQLite inspection tools, a second daemon instance).
func isFileLocked(err error) bool {
	if os.IsPermission(err) {
		return true
	}
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY)
}
