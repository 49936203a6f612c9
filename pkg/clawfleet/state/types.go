// Package state – types.go defines the durable entities: job metadata, the
// fleet state snapshot, per-schedule runtime state, and chat sessions.
package state

import "time"

// JobStatus is the lifecycle status of a job. Terminal statuses are
// absorbing: once reached, metadata is never mutated again.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TriggerType identifies what created a job.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
	TriggerFork     TriggerType = "fork"
	TriggerChat     TriggerType = "chat"
)

// ExitReason describes why a job reached its terminal status.
type ExitReason string

const (
	ExitSuccess   ExitReason = "success"
	ExitError     ExitReason = "error"
	ExitCancelled ExitReason = "cancelled"
	ExitTimeout   ExitReason = "timeout"
)

// JobMetadata is the durable record for a single job, stored at
// jobs/<jobId>.meta.
type JobMetadata struct {
	ID           string      `json:"id"`
	AgentName    string      `json:"agent_name"`
	TriggerType  TriggerType `json:"trigger_type"`
	ScheduleName string      `json:"schedule_name,omitempty"`
	Prompt       string      `json:"prompt"`
	SessionID    string      `json:"session_id,omitempty"`
	ForkedFrom   string      `json:"forked_from,omitempty"`
	Status       JobStatus   `json:"status"`
	ExitReason   ExitReason  `json:"exit_reason,omitempty"`
	Error        string      `json:"error,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// JobPatch holds the mutable fields of a job update. Nil fields are left
// unchanged.
type JobPatch struct {
	Status     *JobStatus
	ExitReason *ExitReason
	SessionID  *string
	Error      *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	AgentName string
	Status    JobStatus
	Limit     int
}

// OutputRecord is one line of a job's append-only output log. Type mirrors
// the driver's message type; Raw preserves the driver's record verbatim.
type OutputRecord struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Raw       []byte    `json:"-"`
}

// ScheduleStatus is the runtime status of a schedule.
type ScheduleStatus string

const (
	ScheduleIdle     ScheduleStatus = "idle"
	ScheduleRunning  ScheduleStatus = "running"
	ScheduleDisabled ScheduleStatus = "disabled"
)

// ScheduleState is the persisted runtime state of one schedule, stored per
// agent at schedules/<agentName>.state.
type ScheduleState struct {
	Status    ScheduleStatus `json:"status"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// SchedulePatch updates selected fields of a ScheduleState.
type SchedulePatch struct {
	Status    *ScheduleStatus
	LastRunAt *time.Time
	NextRunAt *time.Time
	LastError *string
}

// AgentState is the per-agent slice of the fleet snapshot.
type AgentState struct {
	Status       string                   `json:"status"`
	CurrentJobID string                   `json:"current_job_id,omitempty"`
	LastJobID    string                   `json:"last_job_id,omitempty"`
	Schedules    map[string]ScheduleState `json:"schedules,omitempty"`
}

// FleetState is the process-wide snapshot persisted at fleet-state.json.
type FleetState struct {
	StartedAt time.Time             `json:"started_at"`
	StoppedAt *time.Time            `json:"stopped_at,omitempty"`
	Agents    map[string]AgentState `json:"agents"`
}

// ChatSession links a chat channel to a driver session for one agent.
type ChatSession struct {
	SessionID     string    `json:"session_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}
