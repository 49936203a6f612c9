// Package fleet wires the supervisor together: config, durable state, the
// scheduler, the job runner, chat bridges and the event bus, behind one
// Manager with a strict lifecycle.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/hooks"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/runner"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/scheduler"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// Phase is the manager's lifecycle position. Transitions are linear:
// uninitialized → initialized → starting → running → stopping → stopped,
// with error reachable from starting.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitialized   Phase = "initialized"
	PhaseStarting      Phase = "starting"
	PhaseRunning       Phase = "running"
	PhaseStopping      Phase = "stopping"
	PhaseStopped       Phase = "stopped"
	PhaseError         Phase = "error"
)

// InvalidStateError reports an operation attempted in the wrong phase.
type InvalidStateError struct {
	Op    string
	Phase Phase
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.Phase)
}

// Sentinel errors.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrMaxConcurrent = errors.New("agent at max concurrent jobs")
	ErrNoSession     = errors.New("job has no session to fork")
)

// StopOptions controls shutdown behavior.
type StopOptions struct {
	// WaitForJobs waits for running jobs before returning. Default true.
	WaitForJobs bool

	// Timeout bounds the wait. Default 30s.
	Timeout time.Duration

	// CancelOnTimeout cancels still-running jobs when the wait times out,
	// giving them CancelTimeout (default 10s) to wind down.
	CancelOnTimeout bool
	CancelTimeout   time.Duration
}

// DefaultStopOptions returns the standard graceful shutdown settings.
func DefaultStopOptions() StopOptions {
	return StopOptions{
		WaitForJobs:   true,
		Timeout:       30 * time.Second,
		CancelTimeout: 10 * time.Second,
	}
}

// TriggerOptions tunes a manual trigger.
type TriggerOptions struct {
	// Prompt overrides the schedule's and the agent's default prompt.
	Prompt string

	// BypassConcurrency ignores the agent's max_concurrent cap.
	BypassConcurrency bool
}

// jobHandle tracks one in-flight job for cancellation. id is guarded by the
// manager mutex.
type jobHandle struct {
	agentName string
	cancel    context.CancelFunc
	done      chan struct{}
	id        string
}

// Manager is the fleet supervisor.
type Manager struct {
	logger *slog.Logger

	store  *state.Store
	bus    *events.Bus
	runner *runner.Runner
	sched  *scheduler.Scheduler
	router *chat.Router

	bridges []chat.Bridge

	mu       sync.Mutex
	cfg      *config.ResolvedConfig
	phase    Phase
	runCtx   context.Context
	runStop  context.CancelFunc
	active   map[string]*jobHandle // job id → handle
	activeWG sync.WaitGroup
}

// New builds a manager over a loaded config. Bridges are optional; the serve
// command passes the platform connectors, one-shot CLI commands pass none.
func New(cfg *config.ResolvedConfig, qd driver.QueryDriver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(logger)
	store := state.New(cfg.StateDir, logger)
	hookExec := hooks.NewExecutor(logger)
	run := runner.New(store, bus, qd, hookExec, logger)

	m := &Manager{
		logger: logger.With("component", "fleet"),
		store:  store,
		bus:    bus,
		runner: run,
		cfg:    cfg,
		phase:  PhaseUninitialized,
		active: make(map[string]*jobHandle),
	}

	m.router = chat.NewRouter(store, run, bus, cfg, logger)
	m.sched = scheduler.New(store, bus, cfg, m.runScheduled, logger)
	return m
}

// Bus exposes the event bus for observers (CLI streaming, tests).
func (m *Manager) Bus() *events.Bus { return m.bus }

// Store exposes the state store for read paths (status, logs).
func (m *Manager) Store() *state.Store { return m.store }

// Router exposes the chat router for bridge construction.
func (m *Manager) Router() *chat.Router { return m.router }

// Config returns the current resolved config.
func (m *Manager) Config() *config.ResolvedConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// RegisterBridge attaches a chat connector. Must be called before Start.
func (m *Manager) RegisterBridge(b chat.Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = append(m.bridges, b)
}

// Initialize prepares durable state. Valid only from uninitialized.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseUninitialized {
		return &InvalidStateError{Op: "initialize", Phase: m.phase}
	}

	if err := m.store.Init(); err != nil {
		m.phase = PhaseError
		return fmt.Errorf("initializing state store: %w", err)
	}

	m.phase = PhaseInitialized
	m.bus.Emit(events.Initialized, nil)
	m.logger.Info("fleet initialized", "state_dir", m.store.BaseDir(), "agents", len(m.cfg.Agents))
	return nil
}

// Start launches the scheduler and bridges. Valid only from initialized.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseInitialized {
		phase := m.phase
		m.mu.Unlock()
		return &InvalidStateError{Op: "start", Phase: phase}
	}
	m.phase = PhaseStarting
	m.runCtx, m.runStop = context.WithCancel(ctx)
	cfg := m.cfg
	bridges := m.bridges
	m.mu.Unlock()

	if err := m.store.UpdateFleetState(func(fs *state.FleetState) {
		fs.StartedAt = time.Now()
		fs.StoppedAt = nil
		if fs.Agents == nil {
			fs.Agents = make(map[string]state.AgentState)
		}
		for _, agent := range cfg.Agents {
			as := fs.Agents[agent.Name]
			as.Status = "running"
			fs.Agents[agent.Name] = as
		}
	}); err != nil {
		m.setPhase(PhaseError)
		return fmt.Errorf("writing fleet state: %w", err)
	}

	m.sched.Start(m.runCtx)

	// A bridge that cannot connect is degraded service, not a failed fleet.
	for _, b := range bridges {
		if err := b.Start(m.runCtx, cfg); err != nil {
			m.logger.Error("bridge failed to start", "bridge", b.Name(), "error", err)
			m.bus.Emit(events.Error, events.ErrorPayload{
				Source:  b.Name(),
				Message: err.Error(),
			})
		}
	}

	for _, agent := range cfg.Agents {
		m.bus.Emit(events.AgentStarted, events.AgentPayload{AgentName: agent.Name})
	}

	m.setPhase(PhaseRunning)
	m.bus.Emit(events.Started, nil)
	m.logger.Info("fleet running", "agents", len(cfg.Agents))
	return nil
}

// Stop shuts the fleet down. Stopping an already-stopped manager is a no-op;
// any other phase besides running is rejected.
func (m *Manager) Stop(opts StopOptions) error {
	m.mu.Lock()
	if m.phase == PhaseStopped {
		m.mu.Unlock()
		return nil
	}
	if m.phase != PhaseRunning {
		phase := m.phase
		m.mu.Unlock()
		return &InvalidStateError{Op: "stop", Phase: phase}
	}
	m.phase = PhaseStopping
	bridges := m.bridges
	cfg := m.cfg
	m.mu.Unlock()

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 10 * time.Second
	}

	for _, b := range bridges {
		if err := b.Stop(); err != nil {
			m.logger.Warn("bridge stop failed", "bridge", b.Name(), "error", err)
		}
	}

	var stopErr error
	if err := m.sched.Stop(opts.WaitForJobs, opts.Timeout); err != nil {
		stopErr = err
	}
	if opts.WaitForJobs && stopErr == nil {
		stopErr = m.waitActive(opts.Timeout)
	}

	if stopErr != nil && opts.CancelOnTimeout {
		m.logger.Warn("jobs still running at shutdown, cancelling", "error", stopErr)
		m.cancelAllJobs()
		if werr := m.waitActive(opts.CancelTimeout); werr == nil {
			stopErr = nil
		}
	}

	m.mu.Lock()
	if m.runStop != nil {
		m.runStop()
	}
	m.mu.Unlock()

	for _, agent := range cfg.Agents {
		m.bus.Emit(events.AgentStopped, events.AgentPayload{AgentName: agent.Name})
	}

	if err := m.store.UpdateFleetState(func(fs *state.FleetState) {
		now := time.Now()
		fs.StoppedAt = &now
		for name, as := range fs.Agents {
			as.Status = "stopped"
			as.CurrentJobID = ""
			fs.Agents[name] = as
		}
	}); err != nil {
		m.logger.Warn("failed to write final fleet state", "error", err)
	}

	if err := m.store.Close(); err != nil {
		m.logger.Warn("state store close failed", "error", err)
	}

	m.setPhase(PhaseStopped)
	m.bus.Emit(events.Stopped, nil)
	m.logger.Info("fleet stopped")
	return stopErr
}

// Reload re-reads the fleet file. A config that fails to load or validate
// leaves the running config untouched.
func (m *Manager) Reload() ([]config.Change, error) {
	m.mu.Lock()
	oldCfg := m.cfg
	m.mu.Unlock()

	newCfg, err := config.Load(oldCfg.Path)
	if err != nil {
		m.logger.Error("reload failed, keeping current config", "error", err)
		return nil, fmt.Errorf("reloading config: %w", err)
	}

	changes := config.Diff(oldCfg, newCfg)

	m.mu.Lock()
	m.cfg = newCfg
	m.mu.Unlock()

	m.sched.UpdateConfig(newCfg)
	m.router.UpdateConfig(newCfg)

	payload := events.ConfigReloadedPayload{Changes: make([]events.ConfigChange, len(changes))}
	for i, ch := range changes {
		payload.Changes[i] = events.ConfigChange{
			Type:     string(ch.Type),
			Category: string(ch.Category),
			Name:     ch.Name,
			Details:  ch.Details,
		}
	}
	m.bus.Emit(events.ConfigReloaded, payload)

	m.logger.Info("config reloaded", "changes", len(changes))
	for _, ch := range changes {
		m.logger.Info("config change", "change", ch.String())
	}
	return changes, nil
}

// Trigger runs an agent now. scheduleName may be empty for an ad-hoc run; a
// named schedule contributes its prompt and output settings.
func (m *Manager) Trigger(ctx context.Context, agentName, scheduleName string, opts TriggerOptions) (*runner.Result, error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	agent := cfg.Agent(agentName)
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentName)
	}

	var sched config.Schedule
	if scheduleName != "" {
		var ok bool
		sched, ok = agent.Schedules[scheduleName]
		if !ok {
			return nil, fmt.Errorf("agent %s has no schedule %q", agentName, scheduleName)
		}
	}

	if !opts.BypassConcurrency && m.activeCount(agentName) >= agent.EffectiveMaxConcurrent() {
		return nil, fmt.Errorf("%w: %s", ErrMaxConcurrent, agentName)
	}

	return m.runJob(ctx, runner.Request{
		Agent:        agent,
		Prompt:       resolvePrompt(opts.Prompt, sched.Prompt, agent.DefaultPrompt),
		TriggerType:  state.TriggerManual,
		ScheduleName: scheduleName,
		OutputToFile: sched.OutputToFile,
	})
}

// ForkJob starts a new job continuing a finished job's session. The original
// job's prompt and schedule carry over unless a prompt override is given.
func (m *Manager) ForkJob(ctx context.Context, jobID, prompt string) (*runner.Result, error) {
	meta, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if meta.SessionID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, jobID)
	}

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	agent := cfg.Agent(meta.AgentName)
	if agent == nil {
		return nil, fmt.Errorf("%w: %s (job %s)", ErrAgentNotFound, meta.AgentName, jobID)
	}

	// A schedule removed since the original run just yields zero-value
	// settings.
	var sched config.Schedule
	if meta.ScheduleName != "" {
		sched = agent.Schedules[meta.ScheduleName]
	}

	return m.runJob(ctx, runner.Request{
		Agent:        agent,
		Prompt:       resolvePrompt(prompt, meta.Prompt, agent.DefaultPrompt),
		TriggerType:  state.TriggerFork,
		ScheduleName: meta.ScheduleName,
		OutputToFile: sched.OutputToFile,
		Resume:       meta.SessionID,
		Fork:         true,
		ForkedFrom:   jobID,
	})
}

// CancelJob cancels a running job. A job already terminal reports
// already_stopped without error.
func (m *Manager) CancelJob(jobID string, grace time.Duration) (runner.TerminationType, error) {
	m.mu.Lock()
	handle, running := m.active[jobID]
	m.mu.Unlock()

	if !running {
		meta, err := m.store.GetJob(jobID)
		if err != nil {
			return "", err
		}
		if meta.Status.Terminal() {
			return runner.TerminationAlreadyStopped, nil
		}
		// Pending or orphaned running record with no live handle: mark it
		// cancelled directly.
		cancelled := state.JobCancelled
		reason := state.ExitCancelled
		now := time.Now()
		if _, uerr := m.store.UpdateJob(jobID, state.JobPatch{
			Status: &cancelled, ExitReason: &reason, FinishedAt: &now,
		}); uerr != nil {
			return "", uerr
		}
		m.bus.Emit(events.JobCancelled, events.JobTerminalPayload{
			JobID:           jobID,
			AgentName:       meta.AgentName,
			ScheduleName:    meta.ScheduleName,
			ExitReason:      string(state.ExitCancelled),
			TerminationType: string(runner.TerminationForced),
		})
		return runner.TerminationForced, nil
	}

	handle.cancel()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-handle.done:
		return runner.TerminationGraceful, nil
	case <-time.After(grace):
		return runner.TerminationForced, nil
	}
}

// GetJobFinalOutput derives the final output from a job's record log.
func (m *Manager) GetJobFinalOutput(jobID string) (string, error) {
	if _, err := m.store.GetJob(jobID); err != nil {
		return "", err
	}
	records, err := m.store.ReadJobOutput(jobID)
	if err != nil {
		return "", err
	}
	return runner.ExtractFinalOutput(records), nil
}

// runScheduled is the scheduler's trigger callback. The scheduler applies the
// concurrency cap before firing; the recheck here closes the window where a
// manual or chat job slips in between the skip decision and this call.
func (m *Manager) runScheduled(ctx context.Context, agent *config.Agent, scheduleName string, sched config.Schedule) error {
	if m.activeCount(agent.Name) >= agent.EffectiveMaxConcurrent() {
		return fmt.Errorf("%w: %s", ErrMaxConcurrent, agent.Name)
	}

	res, err := m.runJob(ctx, runner.Request{
		Agent:        agent,
		Prompt:       resolvePrompt("", sched.Prompt, agent.DefaultPrompt),
		TriggerType:  state.TriggerSchedule,
		ScheduleName: scheduleName,
		OutputToFile: sched.OutputToFile,
	})
	if err != nil {
		return err
	}
	if !res.Success() && res.ErrorDetails != nil {
		return res.ErrorDetails
	}
	return nil
}

// runJob executes one job with cancellation tracking.
func (m *Manager) runJob(ctx context.Context, req runner.Request) (*runner.Result, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &jobHandle{agentName: req.Agent.Name, cancel: cancel, done: make(chan struct{})}
	defer close(handle.done)

	req.OnCreated = func(jobID string) {
		m.mu.Lock()
		handle.id = jobID
		m.active[jobID] = handle
		m.mu.Unlock()

		if err := m.store.UpdateFleetState(func(fs *state.FleetState) {
			as := fs.Agents[req.Agent.Name]
			as.CurrentJobID = jobID
			fs.Agents[req.Agent.Name] = as
		}); err != nil {
			m.logger.Warn("failed to record current job", "agent", req.Agent.Name, "job", jobID, "error", err)
		}
	}

	m.activeWG.Add(1)
	res, err := m.runner.Execute(jobCtx, req)
	m.activeWG.Done()

	m.mu.Lock()
	if handle.id != "" {
		delete(m.active, handle.id)
	}
	m.mu.Unlock()

	if res != nil {
		m.recordJobInFleetState(req.Agent.Name, res.JobID)
	}
	return res, err
}

// recordJobInFleetState updates the agent's snapshot entry after a job ends.
// CurrentJobID is cleared only when it still points at this job, so a
// concurrent job's entry survives.
func (m *Manager) recordJobInFleetState(agentName, jobID string) {
	if err := m.store.UpdateFleetState(func(fs *state.FleetState) {
		as := fs.Agents[agentName]
		as.LastJobID = jobID
		if as.CurrentJobID == jobID {
			as.CurrentJobID = ""
		}
		fs.Agents[agentName] = as
	}); err != nil {
		m.logger.Warn("failed to record job in fleet state", "agent", agentName, "error", err)
	}
}

func (m *Manager) activeCount(agentName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, h := range m.active {
		if h.agentName == agentName {
			count++
		}
	}
	return count
}

func (m *Manager) cancelAllJobs() {
	m.mu.Lock()
	handles := make([]*jobHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

func (m *Manager) waitActive(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		m.activeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("jobs still running after %s", timeout)
	}
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// resolvePrompt applies the prompt priority: explicit override, then the
// schedule's prompt, then the agent default, then the generic fallback.
func resolvePrompt(override, schedulePrompt, agentDefault string) string {
	switch {
	case override != "":
		return override
	case schedulePrompt != "":
		return schedulePrompt
	case agentDefault != "":
		return agentDefault
	default:
		return "Execute your configured task."
	}
}
