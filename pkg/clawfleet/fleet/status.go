// Package fleet – status.go assembles the fleet snapshot for status output
// and implements the follow-style streams over job output and bus events.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// AgentStatus is one agent's slice of the fleet snapshot.
type AgentStatus struct {
	Name        string
	Description string
	ActiveJobs  int
	LastJob     *state.JobMetadata
	Schedules   map[string]state.ScheduleState
}

// FleetStatus is the full snapshot returned by Status.
type FleetStatus struct {
	Phase     Phase
	StartedAt time.Time
	StoppedAt *time.Time
	Agents    []AgentStatus
}

// Status assembles the current fleet snapshot from durable state plus live
// job tracking.
func (m *Manager) Status() (*FleetStatus, error) {
	m.mu.Lock()
	cfg := m.cfg
	phase := m.phase
	m.mu.Unlock()

	fs, err := m.store.ReadFleetState()
	if err != nil {
		return nil, err
	}

	status := &FleetStatus{
		Phase:     phase,
		StartedAt: fs.StartedAt,
		StoppedAt: fs.StoppedAt,
	}

	for _, agent := range cfg.Agents {
		as := AgentStatus{
			Name:        agent.Name,
			Description: agent.Description,
			ActiveJobs:  m.activeCount(agent.Name),
		}

		if schedules, serr := m.store.ReadScheduleStates(agent.Name); serr == nil {
			as.Schedules = schedules
		}

		jobs, jerr := m.store.ListJobs(state.JobFilter{AgentName: agent.Name, Limit: 1})
		if jerr == nil && len(jobs) > 0 {
			as.LastJob = jobs[0]
		}

		status.Agents = append(status.Agents, as)
	}
	return status, nil
}

// StreamJobOutput follows a job's output log from the beginning: history
// first, then new records as they are appended. The channel closes once the
// job is terminal and the log is drained, or when ctx ends.
func (m *Manager) StreamJobOutput(ctx context.Context, jobID string) (<-chan state.OutputRecord, func(), error) {
	if _, err := m.store.GetJob(jobID); err != nil {
		return nil, nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	records, stopWatch, err := m.store.WatchJobOutput(watchCtx, jobID)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan state.OutputRecord, 64)
	stop := func() {
		cancel()
		stopWatch()
	}

	go func() {
		defer close(out)

		// Once the job is terminal the watcher is given one last poll
		// interval to drain, then the stream ends.
		check := time.NewTicker(250 * time.Millisecond)
		defer check.Stop()
		var terminalSeen time.Time

		for {
			select {
			case <-watchCtx.Done():
				return
			case rec, ok := <-records:
				if !ok {
					return
				}
				select {
				case out <- rec:
				case <-watchCtx.Done():
					return
				}
			case <-check.C:
				if !terminalSeen.IsZero() {
					if time.Since(terminalSeen) > 300*time.Millisecond {
						stopWatch()
					}
					continue
				}
				meta, err := m.store.GetJob(jobID)
				if err != nil || meta.Status.Terminal() {
					terminalSeen = time.Now()
				}
			}
		}
	}()

	return out, stop, nil
}

// StreamEvents taps the bus. The channel closes when ctx ends; slow readers
// drop events rather than blocking emitters. The listener writes into an
// intermediate channel that is never closed, so a late emit cannot race the
// close of the outbound channel.
func (m *Manager) StreamEvents(ctx context.Context) (<-chan events.Event, func()) {
	in := make(chan events.Event, 256)
	out := make(chan events.Event, 256)

	unsubscribe := m.bus.Subscribe(func(e events.Event) {
		select {
		case in <- e:
		default:
		}
	})

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		for {
			select {
			case <-streamCtx.Done():
				return
			case e := <-in:
				select {
				case out <- e:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		unsubscribe()
		cancel()
	}
	return out, stop
}

// LogEntry is one line of the fleet's live log stream, derived from bus
// events.
type LogEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Level        string         `json:"level"`
	Source       string         `json:"source"`
	AgentName    string         `json:"agentName,omitempty"`
	JobID        string         `json:"jobId,omitempty"`
	ScheduleName string         `json:"scheduleName,omitempty"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
}

// LogFilter narrows a log stream. An empty field means no restriction.
type LogFilter struct {
	AgentName string
	MinLevel  string // debug, info, warn or error
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func (f LogFilter) admits(entry LogEntry) bool {
	if f.AgentName != "" && entry.AgentName != f.AgentName {
		return false
	}
	if f.MinLevel != "" && levelRank[entry.Level] < levelRank[f.MinLevel] {
		return false
	}
	return true
}

// StreamLogs translates bus events into log entries, filtered. Delivery
// follows the StreamEvents contract: the channel closes when ctx ends and
// slow readers drop entries rather than blocking emitters.
func (m *Manager) StreamLogs(ctx context.Context, filter LogFilter) (<-chan LogEntry, func()) {
	in := make(chan LogEntry, 256)
	out := make(chan LogEntry, 256)

	unsubscribe := m.bus.Subscribe(func(e events.Event) {
		entry, ok := logEntryFor(e)
		if !ok || !filter.admits(entry) {
			return
		}
		select {
		case in <- entry:
		default:
		}
	})

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		for {
			select {
			case <-streamCtx.Done():
				return
			case entry := <-in:
				select {
				case out <- entry:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		unsubscribe()
		cancel()
	}
	return out, stop
}

// StreamAgentLogs is StreamLogs scoped to one agent.
func (m *Manager) StreamAgentLogs(ctx context.Context, agentName string) (<-chan LogEntry, func()) {
	return m.StreamLogs(ctx, LogFilter{AgentName: agentName})
}

// logEntryFor maps one bus event to a log entry. Events with payload types
// the stream does not know are dropped.
func logEntryFor(e events.Event) (LogEntry, bool) {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		Level:     "info",
		Source:    "fleet",
		Message:   string(e.Name),
	}

	switch p := e.Payload.(type) {
	case nil:
		// Lifecycle events carry no payload.

	case events.JobPayload:
		entry.Source = "runner"
		entry.AgentName = p.AgentName
		entry.JobID = p.JobID
		entry.ScheduleName = p.ScheduleName
		if p.ForkedFrom != "" {
			entry.Data = map[string]any{"forkedFrom": p.ForkedFrom}
		}

	case events.JobOutputPayload:
		entry.Level = "debug"
		entry.Source = "runner"
		entry.AgentName = p.AgentName
		entry.JobID = p.JobID
		entry.Message = fmt.Sprintf("%s: %s record", e.Name, p.Type)

	case events.JobTerminalPayload:
		entry.Source = "runner"
		entry.AgentName = p.AgentName
		entry.JobID = p.JobID
		entry.ScheduleName = p.ScheduleName
		entry.Data = map[string]any{"exitReason": p.ExitReason, "durationMs": p.DurationMS}
		switch e.Name {
		case events.JobFailed:
			entry.Level = "error"
			entry.Message = fmt.Sprintf("%s: %s", e.Name, p.Error)
		case events.JobCancelled:
			entry.Level = "warn"
			if p.TerminationType != "" {
				entry.Data["termination"] = p.TerminationType
			}
		}

	case events.SchedulePayload:
		entry.Source = "scheduler"
		entry.AgentName = p.AgentName
		entry.ScheduleName = p.ScheduleName
		if e.Name == events.ScheduleSkipped {
			entry.Level = "debug"
			entry.Message = fmt.Sprintf("%s: %s", e.Name, p.Reason)
		}

	case events.AgentPayload:
		entry.AgentName = p.AgentName

	case events.ErrorPayload:
		entry.Level = "error"
		entry.Source = p.Source
		entry.Message = p.Message

	case events.ConfigReloadedPayload:
		entry.Message = fmt.Sprintf("config reloaded with %d changes", len(p.Changes))

	case events.ChatMessagePayload:
		entry.Source = p.Bridge
		entry.AgentName = p.AgentName
		entry.JobID = p.JobID
		if p.Error != "" {
			entry.Level = "error"
			entry.Message = fmt.Sprintf("%s: %s", e.Name, p.Error)
		}

	case events.SessionLifecyclePayload:
		entry.Source = p.Bridge
		entry.AgentName = p.AgentName
		entry.Message = fmt.Sprintf("%s: %s", e.Name, p.Event)

	default:
		return LogEntry{}, false
	}
	return entry, true
}
