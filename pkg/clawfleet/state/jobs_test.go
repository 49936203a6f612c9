package state

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New(t.TempDir(), testLogger())
	if err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return store
}

func TestNewJobID(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	id := NewJobID(now)

	if !strings.HasPrefix(id, "job-2026-08-24-") {
		t.Errorf("unexpected id prefix: %q", id)
	}
	if !ValidIdentifier(id) {
		t.Errorf("id %q is not a safe identifier", id)
	}
	if other := NewJobID(now); other == id {
		t.Errorf("two ids collided: %q", id)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.CreateJob(JobInput{
		AgentName:   "writer",
		TriggerType: TriggerManual,
		Prompt:      "do the thing",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if meta.Status != JobPending {
		t.Errorf("new job status = %s, want pending", meta.Status)
	}

	running := JobRunning
	if _, err := store.UpdateJob(meta.ID, JobPatch{Status: &running}); err != nil {
		t.Fatalf("UpdateJob to running: %v", err)
	}

	session := "sess-123"
	completed := JobCompleted
	reason := ExitSuccess
	now := time.Now()
	updated, err := store.UpdateJob(meta.ID, JobPatch{
		Status: &completed, ExitReason: &reason, SessionID: &session, FinishedAt: &now,
	})
	if err != nil {
		t.Fatalf("UpdateJob to completed: %v", err)
	}
	if updated.SessionID != "sess-123" || updated.ExitReason != ExitSuccess {
		t.Errorf("patch not applied: %+v", updated)
	}

	got, err := store.GetJob(meta.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobCompleted || got.FinishedAt == nil {
		t.Errorf("persisted job = %+v", got)
	}
}

func TestUpdateJobTerminalIsImmutable(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.CreateJob(JobInput{AgentName: "writer", TriggerType: TriggerManual})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	failed := JobFailed
	if _, err := store.UpdateJob(meta.ID, JobPatch{Status: &failed}); err != nil {
		t.Fatalf("UpdateJob to failed: %v", err)
	}

	running := JobRunning
	_, err = store.UpdateJob(meta.ID, JobPatch{Status: &running})
	if !errors.Is(err, ErrJobTerminal) {
		t.Errorf("update of terminal job = %v, want ErrJobTerminal", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob("job-2026-01-01-deadbeef")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob unknown = %v, want ErrJobNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i, agent := range []string{"writer", "writer", "reviewer"} {
		meta, err := store.CreateJob(JobInput{AgentName: agent, TriggerType: TriggerManual})
		if err != nil {
			t.Fatalf("CreateJob %d: %v", i, err)
		}
		ids = append(ids, meta.ID)
		// CreatedAt ordering needs distinct timestamps.
		time.Sleep(5 * time.Millisecond)
	}
	failed := JobFailed
	if _, err := store.UpdateJob(ids[1], JobPatch{Status: &failed}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	all, err := store.ListJobs(JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d jobs, want 3", len(all))
	}
	if all[0].ID != ids[2] {
		t.Errorf("newest first: got %s, want %s", all[0].ID, ids[2])
	}

	writers, err := store.ListJobs(JobFilter{AgentName: "writer"})
	if err != nil {
		t.Fatalf("ListJobs writer: %v", err)
	}
	if len(writers) != 2 {
		t.Errorf("writer filter: got %d, want 2", len(writers))
	}

	failedJobs, err := store.ListJobs(JobFilter{Status: JobFailed})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(failedJobs) != 1 || failedJobs[0].ID != ids[1] {
		t.Errorf("status filter: %+v", failedJobs)
	}

	limited, err := store.ListJobs(JobFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit: got %d, want 1", len(limited))
	}
}

func TestAppendAndReadJobOutput(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.CreateJob(JobInput{AgentName: "writer", TriggerType: TriggerManual})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"assistant","message":{"content":[]}}`,
		`{"type":"result","is_error":false}`,
	}
	for _, line := range lines {
		if err := store.AppendJobOutput(meta.ID, []byte(line+"\n")); err != nil {
			t.Fatalf("AppendJobOutput: %v", err)
		}
	}
	if err := store.CloseJobOutput(meta.ID); err != nil {
		t.Fatalf("CloseJobOutput: %v", err)
	}

	records, err := store.ReadJobOutput(meta.ID)
	if err != nil {
		t.Fatalf("ReadJobOutput: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Type != "system" || records[2].Type != "result" {
		t.Errorf("record types: %s, %s", records[0].Type, records[2].Type)
	}
	if string(records[1].Raw) != lines[1] {
		t.Errorf("raw not preserved: %s", records[1].Raw)
	}
}

func TestReadJobOutputSkipsPartialTrailingLine(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.CreateJob(JobInput{AgentName: "writer", TriggerType: TriggerManual})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.AppendJobOutput(meta.ID, []byte(`{"type":"assistant"}`)); err != nil {
		t.Fatalf("AppendJobOutput: %v", err)
	}
	if err := store.CloseJobOutput(meta.ID); err != nil {
		t.Fatalf("CloseJobOutput: %v", err)
	}

	// Simulate a crash mid-append: a truncated record with no closing brace.
	path := filepath.Join(store.BaseDir(), "jobs", meta.ID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"type":"resu`)
	f.Close()

	records, err := store.ReadJobOutput(meta.ID)
	if err != nil {
		t.Fatalf("ReadJobOutput: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (partial line skipped)", len(records))
	}
}

func TestReadJobOutputMissingFile(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.CreateJob(JobInput{AgentName: "writer", TriggerType: TriggerManual})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	records, err := store.ReadJobOutput(meta.ID)
	if err != nil {
		t.Fatalf("ReadJobOutput: %v", err)
	}
	if records != nil {
		t.Errorf("got %d records, want none", len(records))
	}
}

func TestMirrorJobOutput(t *testing.T) {
	store := newTestStore(t)

	meta, err := store.CreateJob(JobInput{AgentName: "writer", TriggerType: TriggerManual})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.MirrorJobOutput(meta.ID, "first chunk\n"); err != nil {
		t.Fatalf("MirrorJobOutput: %v", err)
	}
	if err := store.MirrorJobOutput(meta.ID, "second chunk\n"); err != nil {
		t.Fatalf("MirrorJobOutput: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(store.BaseDir(), "jobs", meta.ID, "output.log"))
	if err != nil {
		t.Fatalf("reading mirror: %v", err)
	}
	if string(data) != "first chunk\nsecond chunk\n" {
		t.Errorf("mirror content = %q", data)
	}
}
