// Package runner executes one job end to end: it creates the durable job
// record, drives the QueryDriver with the agent's options, streams every
// message to the output log and the event bus, and records the terminal
// status. Hooks run at the terminal transitions.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/hooks"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// ErrorType classifies a runner failure.
type ErrorType string

const (
	ErrorInitialization ErrorType = "initialization"
	ErrorStreaming      ErrorType = "streaming"
	ErrorMalformed      ErrorType = "malformed_response"
	ErrorUnknown        ErrorType = "unknown"
)

// ErrorDetails describes why a run failed.
type ErrorDetails struct {
	Type             ErrorType
	Recoverable      bool
	MessagesReceived int
	Cause            error
}

func (d *ErrorDetails) Error() string {
	return fmt.Sprintf("runner %s error after %d messages: %v", d.Type, d.MessagesReceived, d.Cause)
}

func (d *ErrorDetails) Unwrap() error { return d.Cause }

// TerminationType records how a cancelled job went down.
type TerminationType string

const (
	TerminationGraceful       TerminationType = "graceful"
	TerminationForced         TerminationType = "forced"
	TerminationAlreadyStopped TerminationType = "already_stopped"
)

// Request describes one job execution.
type Request struct {
	Agent        *config.Agent
	Prompt       string
	TriggerType  state.TriggerType
	ScheduleName string

	// Resume continues an existing driver session. Fork additionally forks
	// it; the two trigger paths never set both resume-continue and fork.
	Resume     string
	Fork       bool
	ForkedFrom string

	// OutputToFile mirrors assistant text to jobs/<id>/output.log.
	OutputToFile bool

	// EphemeralMCPServers are merged over the agent's configured servers for
	// this run only (chat routers use this for per-channel tools).
	EphemeralMCPServers map[string]driver.MCPServer

	// OnCreated receives the job id as soon as the durable record exists,
	// before execution begins. Callers use it to track in-flight jobs.
	OnCreated func(jobID string)

	// OnMessage observes every streamed message. Errors (panics) in the
	// callback are logged and never abort the run.
	OnMessage func(*driver.Message)
}

// Result is the outcome of one execution.
type Result struct {
	JobID           string
	Status          state.JobStatus
	SessionID       string
	FinalOutput     string
	DurationMS      int64
	TerminationType TerminationType
	ErrorDetails    *ErrorDetails
}

// Success reports whether the job completed normally.
func (r *Result) Success() bool { return r.Status == state.JobCompleted }

// Runner drives jobs through the QueryDriver.
type Runner struct {
	store  *state.Store
	bus    *events.Bus
	driver driver.QueryDriver
	hooks  *hooks.Executor
	logger *slog.Logger

	// cancelGrace is how long after a cancel the stream may take to close
	// and still count as graceful.
	cancelGrace time.Duration
}

// New creates a Runner.
func New(store *state.Store, bus *events.Bus, qd driver.QueryDriver, hookExec *hooks.Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       store,
		bus:         bus,
		driver:      qd,
		hooks:       hookExec,
		logger:      logger.With("component", "runner"),
		cancelGrace: 10 * time.Second,
	}
}

// Execute runs one job to its terminal state. The error return covers only
// failures to create the job record; execution failures are reported through
// Result.ErrorDetails and the job's own status.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	job, err := r.store.CreateJob(state.JobInput{
		AgentName:    req.Agent.Name,
		TriggerType:  req.TriggerType,
		ScheduleName: req.ScheduleName,
		Prompt:       req.Prompt,
		ForkedFrom:   req.ForkedFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("creating job for %s: %w", req.Agent.Name, err)
	}
	if req.OnCreated != nil {
		req.OnCreated(job.ID)
	}

	r.bus.Emit(events.JobCreated, events.JobPayload{
		JobID:        job.ID,
		AgentName:    req.Agent.Name,
		ScheduleName: req.ScheduleName,
		TriggerType:  string(req.TriggerType),
		ForkedFrom:   req.ForkedFrom,
	})
	if req.ForkedFrom != "" {
		r.bus.Emit(events.JobForked, events.JobPayload{
			JobID:      job.ID,
			AgentName:  req.Agent.Name,
			ForkedFrom: req.ForkedFrom,
		})
	}

	started := time.Now()
	running := state.JobRunning
	if _, err := r.store.UpdateJob(job.ID, state.JobPatch{Status: &running, StartedAt: &started}); err != nil {
		r.logger.Warn("failed to mark job running", "job", job.ID, "error", err)
	}

	r.runStageHooks(ctx, req, job.ID, hooks.StageBeforeRun, started, nil, "")

	outcome := r.stream(ctx, req, job.ID)
	outcome.DurationMS = time.Since(started).Milliseconds()

	r.finishJob(ctx, req, job.ID, started, outcome)
	return outcome, nil
}

// stream opens the driver and consumes its message sequence.
func (r *Runner) stream(ctx context.Context, req Request, jobID string) *Result {
	result := &Result{JobID: jobID}

	opts := r.buildOptions(req)
	s, err := r.driver.Query(ctx, req.Prompt, opts)
	if err != nil {
		result.Status = state.JobFailed
		result.ErrorDetails = &ErrorDetails{Type: ErrorInitialization, Recoverable: true, Cause: err}
		return result
	}
	defer s.Close()

	var (
		received   int
		cancelSeen time.Time
	)

	for {
		msg, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelledResult(result, received, cancelSeen)
			}
			etype := ErrorStreaming
			recoverable := true
			if errors.Is(err, driver.ErrMalformed) {
				etype = ErrorMalformed
				recoverable = false
			}
			result.Status = state.JobFailed
			result.ErrorDetails = &ErrorDetails{
				Type: etype, Recoverable: recoverable,
				MessagesReceived: received, Cause: err,
			}
			return result
		}

		received++
		if ctx.Err() != nil && cancelSeen.IsZero() {
			cancelSeen = time.Now()
		}

		r.recordMessage(req, jobID, msg, result)
	}

	if ctx.Err() != nil {
		return r.cancelledResult(result, received, cancelSeen)
	}

	if result.Status == "" {
		result.Status = state.JobCompleted
	}
	return result
}

// recordMessage persists one message and fans it out.
func (r *Runner) recordMessage(req Request, jobID string, msg *driver.Message, result *Result) {
	line := stampRecord(msg.Raw)
	if err := r.store.AppendJobOutput(jobID, line); err != nil {
		r.logger.Error("failed to append job output", "job", jobID, "error", err)
	}

	if msg.Type == driver.TypeSystem && msg.Subtype == driver.SubtypeInit && msg.SessionID != "" {
		result.SessionID = msg.SessionID
		sid := msg.SessionID
		if _, err := r.store.UpdateJob(jobID, state.JobPatch{SessionID: &sid}); err != nil {
			r.logger.Warn("failed to persist session id", "job", jobID, "error", err)
		}
	}

	if msg.Type == driver.TypeResult && msg.IsError {
		result.Status = state.JobFailed
		result.ErrorDetails = &ErrorDetails{
			Type: ErrorUnknown, Recoverable: false,
			Cause: fmt.Errorf("driver reported error result: %s", msg.Result),
		}
	}

	if req.OutputToFile && msg.Type == driver.TypeAssistant && msg.Message != nil {
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				if err := r.store.MirrorJobOutput(jobID, block.Text+"\n"); err != nil {
					r.logger.Warn("failed to mirror output", "job", jobID, "error", err)
				}
			}
		}
	}

	if req.OnMessage != nil {
		r.safeOnMessage(req.OnMessage, msg, jobID)
	}

	r.bus.Emit(events.JobOutput, events.JobOutputPayload{
		JobID:     jobID,
		AgentName: req.Agent.Name,
		Type:      msg.Type,
		Raw:       msg.Raw,
	})
}

func (r *Runner) safeOnMessage(fn func(*driver.Message), msg *driver.Message, jobID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("onMessage callback panicked", "job", jobID, "panic", rec)
		}
	}()
	fn(msg)
}

func (r *Runner) cancelledResult(result *Result, received int, cancelSeen time.Time) *Result {
	result.Status = state.JobCancelled
	result.ErrorDetails = &ErrorDetails{
		Type: ErrorUnknown, Recoverable: false,
		MessagesReceived: received, Cause: context.Canceled,
	}
	result.TerminationType = TerminationGraceful
	if !cancelSeen.IsZero() && time.Since(cancelSeen) > r.cancelGrace {
		result.TerminationType = TerminationForced
	}
	return result
}

// finishJob writes the terminal record, emits the terminal event, and runs
// the after_run (and on_error) hooks.
func (r *Runner) finishJob(ctx context.Context, req Request, jobID string, started time.Time, outcome *Result) {
	finished := time.Now()

	records, err := r.store.ReadJobOutput(jobID)
	if err != nil {
		r.logger.Warn("failed to read output for final extraction", "job", jobID, "error", err)
	}
	outcome.FinalOutput = ExtractFinalOutput(records)

	status := outcome.Status
	exitReason := exitReasonFor(status)
	patch := state.JobPatch{Status: &status, ExitReason: &exitReason, FinishedAt: &finished}
	var errText string
	if outcome.ErrorDetails != nil && status == state.JobFailed {
		errText = outcome.ErrorDetails.Error()
		patch.Error = &errText
	}
	if _, err := r.store.UpdateJob(jobID, patch); err != nil {
		r.logger.Error("failed to write terminal job record", "job", jobID, "error", err)
	}
	if err := r.store.CloseJobOutput(jobID); err != nil {
		r.logger.Warn("failed to close output log", "job", jobID, "error", err)
	}

	payload := events.JobTerminalPayload{
		JobID:        jobID,
		AgentName:    req.Agent.Name,
		ScheduleName: req.ScheduleName,
		ExitReason:   string(exitReason),
		Error:        errText,
		DurationMS:   outcome.DurationMS,
	}
	switch status {
	case state.JobCompleted:
		r.bus.Emit(events.JobCompleted, payload)
	case state.JobCancelled:
		payload.TerminationType = string(outcome.TerminationType)
		r.bus.Emit(events.JobCancelled, payload)
	default:
		r.bus.Emit(events.JobFailed, payload)
	}

	// Hooks run after the terminal record so `when` predicates see final
	// state. A fatal after_run hook is reported but never re-fails the job.
	hres := r.runStageHooks(ctx, req, jobID, hooks.StageAfterRun, started, outcome, errText)
	if hres.ShouldFailJob {
		r.logger.Error("after_run hook requested job failure after terminal state", "job", jobID)
		r.bus.Emit(events.Error, events.ErrorPayload{
			Source:  "hooks",
			Message: fmt.Sprintf("fatal after_run hook for job %s", jobID),
		})
	}
	if status == state.JobFailed || status == state.JobCancelled {
		r.runStageHooks(ctx, req, jobID, hooks.StageOnError, started, outcome, errText)
	}
}

func (r *Runner) runStageHooks(ctx context.Context, req Request, jobID string, stage hooks.Stage, started time.Time, outcome *Result, errText string) hooks.Result {
	if r.hooks == nil {
		return hooks.Result{}
	}

	var hctx hooks.Context
	hctx.Event = stageEvent(stage, outcome)
	hctx.Job.ID = jobID
	hctx.Job.AgentID = req.Agent.Name
	hctx.Job.ScheduleName = req.ScheduleName
	hctx.Job.StartedAt = started.Format(time.RFC3339)
	hctx.Agent.ID = req.Agent.Name
	hctx.Agent.Name = req.Agent.Name
	hctx.Metadata = hooks.ReadMetadataFile(req.Agent.WorkingDir.Path, req.Agent.MetadataFile)
	if outcome != nil {
		hctx.Job.CompletedAt = time.Now().Format(time.RFC3339)
		hctx.Job.DurationMS = outcome.DurationMS
		hctx.Result.Success = outcome.Success()
		hctx.Result.Output = outcome.FinalOutput
		hctx.Result.Error = errText
	}

	return r.hooks.Execute(ctx, req.Agent.Hooks, hctx, stage, req.Agent.WorkingDir.Path)
}

func stageEvent(stage hooks.Stage, outcome *Result) string {
	if stage == hooks.StageBeforeRun {
		return "job:started"
	}
	if outcome == nil {
		return "job:finished"
	}
	switch outcome.Status {
	case state.JobCompleted:
		return "job:completed"
	case state.JobCancelled:
		return "job:cancelled"
	default:
		return "job:failed"
	}
}

// buildOptions translates agent config into driver options, merging
// ephemeral MCP servers over the configured set.
func (r *Runner) buildOptions(req Request) driver.Options {
	a := req.Agent

	servers := make(map[string]driver.MCPServer, len(a.MCPServers)+len(req.EphemeralMCPServers))
	for name, s := range a.MCPServers {
		servers[name] = s
	}
	for name, s := range req.EphemeralMCPServers {
		servers[name] = s
	}

	return driver.Options{
		AllowedTools:   a.AllowedTools,
		DeniedTools:    a.DeniedTools,
		PermissionMode: driver.PermissionMode(a.PermissionMode),
		SystemPrompt:   a.SystemPrompt.SystemPrompt,
		SettingSources: a.SettingSources,
		MCPServers:     servers,
		Resume:         req.Resume,
		ForkSession:    req.Fork,
		MaxTurns:       a.MaxTurns,
		Cwd:            a.WorkingDir.Path,
		Model:          a.Model,
	}
}

func exitReasonFor(status state.JobStatus) state.ExitReason {
	switch status {
	case state.JobCompleted:
		return state.ExitSuccess
	case state.JobCancelled:
		return state.ExitCancelled
	default:
		return state.ExitError
	}
}

// stampRecord injects a timestamp field into a raw JSON object so output
// readers can order and display records without re-deriving time from file
// metadata. Non-object records are stored untouched.
func stampRecord(raw []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	ts, _ := json.Marshal(time.Now())
	obj["timestamp"] = ts
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
