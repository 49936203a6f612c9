// Package events – payloads.go defines the typed payload carried by each
// event name.
package events

import "time"

// JobPayload accompanies job:* events.
type JobPayload struct {
	JobID        string
	AgentName    string
	ScheduleName string
	TriggerType  string
	ForkedFrom   string
}

// JobOutputPayload accompanies job:output.
type JobOutputPayload struct {
	JobID     string
	AgentName string
	Type      string
	Raw       []byte
}

// JobTerminalPayload accompanies job:completed, job:failed and job:cancelled.
type JobTerminalPayload struct {
	JobID           string
	AgentName       string
	ScheduleName    string
	ExitReason      string
	Error           string
	TerminationType string // graceful, forced, already_stopped (cancel only)
	DurationMS      int64
}

// SchedulePayload accompanies schedule:triggered and schedule:skipped.
type SchedulePayload struct {
	AgentName    string
	ScheduleName string
	Reason       string // skip reason: disabled, max_concurrent, already_running
	NextRunAt    time.Time
}

// ConfigReloadedPayload accompanies config:reloaded.
type ConfigReloadedPayload struct {
	Changes []ConfigChange
}

// ConfigChange is one entry in a reload diff. Mirrors the config package's
// change record so bus consumers need no config import.
type ConfigChange struct {
	Type     string // added, removed, modified
	Category string // agent, schedule
	Name     string
	Details  string
}

// AgentPayload accompanies agent:started and agent:stopped.
type AgentPayload struct {
	AgentName string
}

// ErrorPayload accompanies error events.
type ErrorPayload struct {
	Source  string
	Message string
}

// ChatMessagePayload accompanies {bridge}:message:handled and
// {bridge}:message:error.
type ChatMessagePayload struct {
	Bridge    string
	AgentName string
	ChannelID string
	MessageID string
	JobID     string
	Error     string
}

// SessionLifecyclePayload accompanies {bridge}:session:lifecycle.
type SessionLifecyclePayload struct {
	Bridge    string
	AgentName string
	ChannelID string
	SessionID string
	Event     string // created, resumed, reset, expired
}
