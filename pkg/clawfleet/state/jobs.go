// Package state – jobs.go implements job metadata CRUD and the append-only
// output log with per-record flushing.
package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobInput is the caller-supplied portion of a new job.
type JobInput struct {
	AgentName    string
	TriggerType  TriggerType
	ScheduleName string
	Prompt       string
	ForkedFrom   string
}

// NewJobID allocates a job id of the form job-YYYY-MM-DD-<random>. The result
// always matches the safe-identifier pattern.
func NewJobID(now time.Time) string {
	return fmt.Sprintf("job-%s-%s", now.Format("2006-01-02"), uuid.New().String()[:8])
}

// CreateJob allocates an id and writes the initial metadata atomically.
func (s *Store) CreateJob(input JobInput) (*JobMetadata, error) {
	now := time.Now()
	meta := &JobMetadata{
		ID:           NewJobID(now),
		AgentName:    input.AgentName,
		TriggerType:  input.TriggerType,
		ScheduleName: input.ScheduleName,
		Prompt:       input.Prompt,
		ForkedFrom:   input.ForkedFrom,
		Status:       JobPending,
		CreatedAt:    now,
		StartedAt:    now,
	}

	path, err := s.jobMetaPath(meta.ID)
	if err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(path, meta, 0o644); err != nil {
		return nil, err
	}
	return meta, nil
}

// GetJob reads a job's metadata. Returns ErrJobNotFound for unknown ids.
func (s *Store) GetJob(id string) (*JobMetadata, error) {
	path, err := s.jobMetaPath(id)
	if err != nil {
		return nil, err
	}

	var meta JobMetadata
	if err := readJSON(path, &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	return &meta, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(filter JobFilter) ([]*JobMetadata, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, jobsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var jobs []*JobMetadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta")
		meta, err := s.GetJob(id)
		if err != nil {
			s.logger.Warn("skipping unreadable job metadata", "id", id, "error", err)
			continue
		}
		if filter.AgentName != "" && meta.AgentName != filter.AgentName {
			continue
		}
		if filter.Status != "" && meta.Status != filter.Status {
			continue
		}
		jobs = append(jobs, meta)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// UpdateJob applies a patch under the job mutex. Fails closed with
// ErrJobTerminal when the job is already terminal and the patch would change
// anything beyond re-asserting the terminal record.
func (s *Store) UpdateJob(id string, patch JobPatch) (*JobMetadata, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	meta, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}

	if meta.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, meta.Status)
	}

	if patch.Status != nil {
		meta.Status = *patch.Status
	}
	if patch.ExitReason != nil {
		meta.ExitReason = *patch.ExitReason
	}
	if patch.SessionID != nil {
		meta.SessionID = *patch.SessionID
	}
	if patch.Error != nil {
		meta.Error = *patch.Error
	}
	if patch.StartedAt != nil {
		meta.StartedAt = *patch.StartedAt
	}
	if patch.FinishedAt != nil {
		meta.FinishedAt = patch.FinishedAt
	}

	path, err := s.jobMetaPath(id)
	if err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(path, meta, 0o644); err != nil {
		return nil, err
	}
	return meta, nil
}

// ---------- Output log ----------

// outputAppender holds a persistent append handle for one job's output log.
type outputAppender struct {
	f *os.File
	w *bufio.Writer
}

func (a *outputAppender) Close() error {
	if err := a.w.Flush(); err != nil {
		a.f.Close()
		return err
	}
	a.f.Sync()
	return a.f.Close()
}

// AppendJobOutput appends one record as a single JSON line, flushing and
// syncing on the record boundary so no partial record is ever durable.
func (s *Store) AppendJobOutput(id string, raw []byte) error {
	s.appendersMu.Lock()
	defer s.appendersMu.Unlock()

	ap, ok := s.appenders[id]
	if !ok {
		path, err := s.jobOutputPath(id)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening output log for %s: %w", id, err)
		}
		ap = &outputAppender{f: f, w: bufio.NewWriter(f)}
		s.appenders[id] = ap
	}

	line := bytes.TrimRight(raw, "\r\n")
	if _, err := ap.w.Write(line); err != nil {
		return fmt.Errorf("appending output for %s: %w", id, err)
	}
	if err := ap.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("appending output for %s: %w", id, err)
	}
	if err := ap.w.Flush(); err != nil {
		return fmt.Errorf("flushing output for %s: %w", id, err)
	}
	return ap.f.Sync()
}

// CloseJobOutput releases the append handle for a finished job.
func (s *Store) CloseJobOutput(id string) error {
	s.appendersMu.Lock()
	defer s.appendersMu.Unlock()

	ap, ok := s.appenders[id]
	if !ok {
		return nil
	}
	delete(s.appenders, id)
	return ap.Close()
}

// MirrorJobOutput appends plain text to jobs/<jobId>/output.log. Used when a
// schedule opted into output_to_file.
func (s *Store) MirrorJobOutput(id, text string) error {
	dir, err := BuildSafeDirPath(filepath.Join(s.baseDir, jobsDir), id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating mirror dir for %s: %w", id, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "output.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening mirror for %s: %w", id, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("writing mirror for %s: %w", id, err)
	}
	return nil
}

// ReadJobOutput reads all records from a job's output log. Malformed or
// partially-written trailing lines are skipped, never fatal.
func (s *Store) ReadJobOutput(id string) ([]OutputRecord, error) {
	path, err := s.jobOutputPath(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	return parseOutputLines(data), nil
}

// parseOutputLines decodes line-JSON output, skipping anything that does not
// parse as a complete record (e.g. a partial trailing line after a crash).
func parseOutputLines(data []byte) []OutputRecord {
	var records []OutputRecord
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Type      string    `json:"type"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		rec := OutputRecord{Type: probe.Type, Timestamp: probe.Timestamp}
		rec.Raw = append(rec.Raw, line...)
		records = append(records, rec)
	}
	return records
}

// ---------- Paths ----------

func (s *Store) jobMetaPath(id string) (string, error) {
	return BuildSafeFilePath(filepath.Join(s.baseDir, jobsDir), id, ".meta")
}

func (s *Store) jobOutputPath(id string) (string, error) {
	return BuildSafeFilePath(filepath.Join(s.baseDir, jobsDir), id, ".jsonl")
}
