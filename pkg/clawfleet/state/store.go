// Package state implements the durable on-disk store for the fleet
// supervisor: job metadata and append-only output, the fleet state snapshot,
// per-schedule runtime state, and per-channel chat sessions.
//
// Layout under the base directory:
//
//	fleet-state.json            — snapshot, atomically replaced
//	jobs/<jobId>.meta           — job metadata (immutable once terminal)
//	jobs/<jobId>.jsonl          — append-only output, one record per line
//	jobs/<jobId>/output.log     — optional plain-text mirror
//	sessions/<agentName>.chat   — chat session map for that agent
//	schedules/<agentName>.state — per-schedule runtime state
//
// All writes are write-to-temp-then-rename except the output log, which has a
// single writer appending whole lines with per-record flushing.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fleetStateFile = "fleet-state.json"
	jobsDir        = "jobs"
	sessionsDir    = "sessions"
	schedulesDir   = "schedules"
)

// Store provides durable fleet state on top of a base directory.
type Store struct {
	baseDir string
	logger  *slog.Logger

	// stateMu serializes fleet snapshot writes (paired with the on-disk
	// lockfile so external writers are excluded too).
	stateMu sync.Mutex

	// jobMu guards job metadata read-modify-write cycles.
	jobMu sync.Mutex

	// sessionMu guards per-agent chat session files.
	sessionMu sync.Mutex

	// scheduleMu guards per-agent schedule state files.
	scheduleMu sync.Mutex

	// appenders caches open append handles per job id.
	appenders   map[string]*outputAppender
	appendersMu sync.Mutex
}

// New creates a Store rooted at baseDir. Call Init before first use.
func New(baseDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		baseDir:   baseDir,
		logger:    logger.With("component", "state"),
		appenders: make(map[string]*outputAppender),
	}
}

// BaseDir returns the state directory root.
func (s *Store) BaseDir() string { return s.baseDir }

// Init creates the state directory tree. Idempotent.
func (s *Store) Init() error {
	for _, dir := range []string{s.baseDir,
		filepath.Join(s.baseDir, jobsDir),
		filepath.Join(s.baseDir, sessionsDir),
		filepath.Join(s.baseDir, schedulesDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StateDirError{Path: dir, Err: err}
		}
	}

	// Verify the root is actually writable before declaring victory.
	probe := filepath.Join(s.baseDir, ".probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return &StateDirError{Path: s.baseDir, Err: err}
	}
	os.Remove(probe)

	return nil
}

// Close flushes and releases any open job output handles.
func (s *Store) Close() error {
	s.appendersMu.Lock()
	defer s.appendersMu.Unlock()

	var firstErr error
	for id, ap := range s.appenders {
		if err := ap.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing output for %s: %w", id, err)
		}
		delete(s.appenders, id)
	}
	return firstErr
}

// ---------- Fleet snapshot ----------

// ReadFleetState loads the snapshot. A missing file yields an empty state,
// not an error.
func (s *Store) ReadFleetState() (*FleetState, error) {
	var fs FleetState
	err := readJSON(filepath.Join(s.baseDir, fleetStateFile), &fs)
	if errors.Is(err, os.ErrNotExist) {
		return &FleetState{Agents: make(map[string]AgentState)}, nil
	}
	if err != nil {
		return nil, err
	}
	if fs.Agents == nil {
		fs.Agents = make(map[string]AgentState)
	}
	return &fs, nil
}

// WriteFleetState atomically replaces the snapshot. Writers are serialized
// through an in-process mutex plus a sibling lockfile.
func (s *Store) WriteFleetState(fs *FleetState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	path := filepath.Join(s.baseDir, fleetStateFile)
	unlock, err := acquireLockfile(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	return writeJSONAtomic(path, fs, 0o644)
}

// UpdateFleetState reads, applies fn, and writes back under the snapshot lock.
func (s *Store) UpdateFleetState(fn func(*FleetState)) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	path := filepath.Join(s.baseDir, fleetStateFile)
	unlock, err := acquireLockfile(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	var fs FleetState
	if err := readJSON(path, &fs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if fs.Agents == nil {
		fs.Agents = make(map[string]AgentState)
	}
	fn(&fs)
	return writeJSONAtomic(path, &fs, 0o644)
}

// acquireLockfile creates path exclusively and returns a release func. A
// stale lock older than a minute is broken; the supervisor is the only
// expected writer, so staleness means a crashed predecessor.
func acquireLockfile(path string) (func(), error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, &AtomicWriteError{Path: path, Err: err}
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > time.Minute {
			os.Remove(path)
			continue
		}
		if attempt > 200 {
			return nil, &AtomicWriteError{Path: path, Err: errors.New("lockfile held too long")}
		}
		time.Sleep(25 * time.Millisecond)
	}
}
