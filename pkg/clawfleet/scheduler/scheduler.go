// Package scheduler decides when schedules fire. A single tick loop walks
// every agent's interval and cron schedules, fires the due ones through a
// trigger callback, and records skips with their reason. Manual and chat
// schedules never fire from the loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// SkipReason says why a due schedule did not fire.
type SkipReason string

const (
	SkipDisabled       SkipReason = "disabled"
	SkipMaxConcurrent  SkipReason = "max_concurrent"
	SkipAlreadyRunning SkipReason = "already_running"
)

// TriggerFunc runs one scheduled job to completion. The scheduler calls it in
// its own goroutine and considers the schedule running until it returns.
type TriggerFunc func(ctx context.Context, agent *config.Agent, scheduleName string, sched config.Schedule) error

// Scheduler owns the tick loop.
type Scheduler struct {
	store   *state.Store
	bus     *events.Bus
	trigger TriggerFunc
	logger  *slog.Logger

	mu       sync.Mutex
	cfg      *config.ResolvedConfig
	running  map[string]bool   // "<agent>/<schedule>" → an instance is active
	jobCount map[string]int    // agent → active jobs fired from the loop
	extJobs  map[string]string // job id → agent, jobs started outside the loop
	extCount map[string]int    // agent → len of extJobs entries for the agent
	started  time.Time

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	jobs       sync.WaitGroup
}

// New creates a scheduler. The trigger callback is invoked for every firing.
// The scheduler watches job events on the bus so manual, chat and fork jobs
// count against the agent's concurrency cap alongside its own firings.
func New(store *state.Store, bus *events.Bus, cfg *config.ResolvedConfig, trigger TriggerFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		bus:      bus,
		cfg:      cfg,
		trigger:  trigger,
		logger:   logger.With("component", "scheduler"),
		running:  make(map[string]bool),
		jobCount: make(map[string]int),
		extJobs:  make(map[string]string),
		extCount: make(map[string]int),
	}

	bus.SubscribeTo(events.JobCreated, s.onJobCreated)
	for _, name := range []events.Name{events.JobCompleted, events.JobFailed, events.JobCancelled} {
		bus.SubscribeTo(name, s.onJobTerminal)
	}
	return s
}

// onJobCreated tracks jobs started outside the tick loop. The loop's own
// firings carry the schedule trigger type and are already counted
// synchronously in fire, so they are excluded here.
func (s *Scheduler) onJobCreated(e events.Event) {
	p, ok := e.Payload.(events.JobPayload)
	if !ok || state.TriggerType(p.TriggerType) == state.TriggerSchedule {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.extJobs[p.JobID]; seen {
		return
	}
	s.extJobs[p.JobID] = p.AgentName
	s.extCount[p.AgentName]++
}

func (s *Scheduler) onJobTerminal(e events.Event) {
	p, ok := e.Payload.(events.JobTerminalPayload)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	agent, seen := s.extJobs[p.JobID]
	if !seen {
		return
	}
	delete(s.extJobs, p.JobID)
	if s.extCount[agent] > 0 {
		s.extCount[agent]--
	}
}

// Start launches the tick loop. Idempotent start is not supported; callers
// stop before restarting.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.started = time.Now()
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "check_interval", s.checkInterval())
}

// Stop halts the tick loop. With waitForJobs it blocks until in-flight
// scheduled jobs finish or the timeout elapses; a timeout is reported as an
// error so the caller can escalate to cancellation.
func (s *Scheduler) Stop(waitForJobs bool, timeout time.Duration) error {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if !waitForJobs {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduled jobs still running after %s", timeout)
	}
}

// UpdateConfig swaps in a reloaded config. Takes effect on the next tick;
// removed schedules simply stop being evaluated.
func (s *Scheduler) UpdateConfig(cfg *config.ResolvedConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) checkInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EffectiveCheckInterval()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick evaluates every tickable schedule once.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	for _, agent := range cfg.Agents {
		states, err := s.store.ReadScheduleStates(agent.Name)
		if err != nil {
			s.logger.Warn("failed to read schedule state", "agent", agent.Name, "error", err)
			states = nil
		}

		for name, sched := range agent.Schedules {
			if sched.Type != config.ScheduleInterval && sched.Type != config.ScheduleCron {
				continue
			}
			s.evaluate(ctx, now, agent, name, sched, states[name])
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, now time.Time, agent *config.Agent, name string, sched config.Schedule, st state.ScheduleState) {
	due, next := s.dueAt(now, sched, st)
	if !due {
		return
	}

	if reason := s.skipReason(agent, name, st); reason != "" {
		s.bus.Emit(events.ScheduleSkipped, events.SchedulePayload{
			AgentName:    agent.Name,
			ScheduleName: name,
			Reason:       string(reason),
		})
		s.logger.Debug("schedule skipped",
			"agent", agent.Name, "schedule", name, "reason", reason)
		return
	}

	s.fire(ctx, now, next, agent, name, sched)
}

// dueAt reports whether the schedule should fire now, plus the firing after
// this one.
func (s *Scheduler) dueAt(now time.Time, sched config.Schedule, st state.ScheduleState) (bool, time.Time) {
	switch sched.Type {
	case config.ScheduleInterval:
		// A never-run interval schedule is due immediately.
		if st.LastRunAt == nil {
			return true, now.Add(sched.Interval)
		}
		nextDue := st.LastRunAt.Add(sched.Interval)
		return !now.Before(nextDue), now.Add(sched.Interval)

	case config.ScheduleCron:
		expr, err := cron.ParseStandard(sched.Expression)
		if err != nil {
			// Validation rejects these at load; a reload race can still
			// surface one here.
			s.logger.Warn("unparseable cron expression", "expression", sched.Expression, "error", err)
			return false, time.Time{}
		}
		ref := s.started
		if st.LastRunAt != nil {
			ref = *st.LastRunAt
		}
		nextDue := expr.Next(ref)
		return !now.Before(nextDue), expr.Next(now)
	}
	return false, time.Time{}
}

// skipReason checks the gates in priority order: disabled, the agent's
// concurrency cap, then a still-running previous instance of this schedule.
func (s *Scheduler) skipReason(agent *config.Agent, name string, st state.ScheduleState) SkipReason {
	if st.Status == state.ScheduleDisabled {
		return SkipDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobCount[agent.Name]+s.extCount[agent.Name] >= agent.EffectiveMaxConcurrent() {
		return SkipMaxConcurrent
	}
	if s.running[agent.Name+"/"+name] {
		return SkipAlreadyRunning
	}
	return ""
}

func (s *Scheduler) fire(ctx context.Context, now, next time.Time, agent *config.Agent, name string, sched config.Schedule) {
	key := agent.Name + "/" + name

	s.mu.Lock()
	s.running[key] = true
	s.jobCount[agent.Name]++
	s.mu.Unlock()

	running := state.ScheduleRunning
	if _, err := s.store.UpdateScheduleState(agent.Name, name, state.SchedulePatch{
		Status: &running, LastRunAt: &now, NextRunAt: &next,
	}); err != nil {
		s.logger.Warn("failed to persist schedule state", "agent", agent.Name, "schedule", name, "error", err)
	}

	s.bus.Emit(events.ScheduleTriggered, events.SchedulePayload{
		AgentName:    agent.Name,
		ScheduleName: name,
		NextRunAt:    next,
	})
	s.logger.Info("schedule fired", "agent", agent.Name, "schedule", name, "next", next)

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		err := s.trigger(ctx, agent, name, sched)

		s.mu.Lock()
		delete(s.running, key)
		if s.jobCount[agent.Name] > 0 {
			s.jobCount[agent.Name]--
		}
		s.mu.Unlock()

		idle := state.ScheduleIdle
		patch := state.SchedulePatch{Status: &idle}
		var errText string
		if err != nil {
			errText = err.Error()
			s.logger.Error("scheduled job failed", "agent", agent.Name, "schedule", name, "error", err)
		}
		patch.LastError = &errText
		if _, perr := s.store.UpdateScheduleState(agent.Name, name, patch); perr != nil {
			s.logger.Warn("failed to persist schedule state", "agent", agent.Name, "schedule", name, "error", perr)
		}
	}()
}

// TickOnce evaluates all schedules immediately. Used by tests and the manual
// trigger path's dry-run inspection.
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) {
	s.tick(ctx, now)
}

// WaitIdle blocks until no scheduled jobs are in flight. Test helper.
func (s *Scheduler) WaitIdle() {
	s.jobs.Wait()
}
