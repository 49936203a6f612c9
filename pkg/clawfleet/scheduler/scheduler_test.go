package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/events"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store := state.New(t.TempDir(), testLogger())
	if err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// firingRecorder is a TriggerFunc that records calls and can block.
type firingRecorder struct {
	mu      sync.Mutex
	fired   []string
	release chan struct{} // nil = return immediately
}

func (f *firingRecorder) trigger(ctx context.Context, agent *config.Agent, scheduleName string, sched config.Schedule) error {
	f.mu.Lock()
	f.fired = append(f.fired, agent.Name+"/"+scheduleName)
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return nil
}

func (f *firingRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

// waitForCount blocks until the recorder has seen at least want firings. The
// trigger runs in a goroutine spawned by fire, so tests that assert on the
// count while the trigger is still blocked must first wait for it to start.
func waitForCount(t *testing.T, rec *firingRecorder, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for rec.count() < want {
		select {
		case <-deadline:
			t.Fatalf("fired %d, want %d before deadline", rec.count(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func fleetConfig(agents ...*config.Agent) *config.ResolvedConfig {
	return &config.ResolvedConfig{
		Scheduler: config.SchedulerConfig{CheckInterval: time.Hour},
		Agents:    agents,
	}
}

func intervalAgent(name string, interval time.Duration) *config.Agent {
	return &config.Agent{
		Name: name,
		Schedules: map[string]config.Schedule{
			"tick": {Type: config.ScheduleInterval, Interval: interval, Prompt: "do the thing"},
		},
	}
}

func TestIntervalFiresWhenNeverRun(t *testing.T) {
	store := newTestStore(t)
	rec := &firingRecorder{}
	s := New(store, events.NewBus(testLogger()), fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	s.TickOnce(context.Background(), time.Now())
	s.WaitIdle()

	if rec.count() != 1 {
		t.Fatalf("fired %d times, want 1", rec.count())
	}

	states, err := store.ReadScheduleStates("writer")
	if err != nil {
		t.Fatalf("ReadScheduleStates: %v", err)
	}
	st := states["tick"]
	if st.LastRunAt == nil {
		t.Error("last_run_at not persisted")
	}
	if st.Status != state.ScheduleIdle {
		t.Errorf("status = %s, want idle after completion", st.Status)
	}
}

func TestIntervalNotDueAgainBeforeInterval(t *testing.T) {
	store := newTestStore(t)
	rec := &firingRecorder{}
	s := New(store, events.NewBus(testLogger()), fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	now := time.Now()
	s.TickOnce(context.Background(), now)
	s.WaitIdle()
	s.TickOnce(context.Background(), now.Add(time.Minute))
	s.WaitIdle()

	if rec.count() != 1 {
		t.Fatalf("fired %d times, want 1", rec.count())
	}

	s.TickOnce(context.Background(), now.Add(2*time.Hour))
	s.WaitIdle()
	if rec.count() != 2 {
		t.Fatalf("fired %d times after interval elapsed, want 2", rec.count())
	}
}

func TestCronFiresAfterBoundary(t *testing.T) {
	store := newTestStore(t)
	rec := &firingRecorder{}
	agent := &config.Agent{
		Name: "reporter",
		Schedules: map[string]config.Schedule{
			"minutely": {Type: config.ScheduleCron, Expression: "* * * * *"},
		},
	}
	s := New(store, events.NewBus(testLogger()), fleetConfig(agent), rec.trigger, testLogger())
	s.started = time.Now().Add(-2 * time.Minute)

	s.TickOnce(context.Background(), time.Now())
	s.WaitIdle()

	if rec.count() != 1 {
		t.Fatalf("fired %d times, want 1", rec.count())
	}
}

func TestManualAndChatNeverTick(t *testing.T) {
	store := newTestStore(t)
	rec := &firingRecorder{}
	agent := &config.Agent{
		Name: "ops",
		Schedules: map[string]config.Schedule{
			"deploy": {Type: config.ScheduleManual, Prompt: "deploy"},
			"assist": {Type: config.ScheduleChat},
		},
	}
	s := New(store, events.NewBus(testLogger()), fleetConfig(agent), rec.trigger, testLogger())

	s.TickOnce(context.Background(), time.Now())
	s.WaitIdle()

	if rec.count() != 0 {
		t.Fatalf("fired %d times, want 0", rec.count())
	}
}

func TestSkipDisabled(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(testLogger())
	rec := &firingRecorder{}
	s := New(store, bus, fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	disabled := state.ScheduleDisabled
	if _, err := store.UpdateScheduleState("writer", "tick", state.SchedulePatch{Status: &disabled}); err != nil {
		t.Fatalf("UpdateScheduleState: %v", err)
	}

	var skips []events.SchedulePayload
	bus.SubscribeTo(events.ScheduleSkipped, func(e events.Event) {
		skips = append(skips, e.Payload.(events.SchedulePayload))
	})

	s.TickOnce(context.Background(), time.Now())
	s.WaitIdle()

	if rec.count() != 0 {
		t.Fatalf("disabled schedule fired")
	}
	if len(skips) != 1 || skips[0].Reason != string(SkipDisabled) {
		t.Fatalf("skips = %+v, want one disabled skip", skips)
	}
}

func TestSkipMaxConcurrent(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(testLogger())
	rec := &firingRecorder{release: make(chan struct{})}

	agent := intervalAgent("writer", time.Hour)
	agent.Schedules["other"] = config.Schedule{Type: config.ScheduleInterval, Interval: time.Hour}
	s := New(store, bus, fleetConfig(agent), rec.trigger, testLogger())

	var skips []events.SchedulePayload
	bus.SubscribeTo(events.ScheduleSkipped, func(e events.Event) {
		skips = append(skips, e.Payload.(events.SchedulePayload))
	})

	// Both schedules are due; the cap of 1 lets only one through.
	s.TickOnce(context.Background(), time.Now())
	waitForCount(t, rec, 1)

	if rec.count() != 1 {
		t.Fatalf("fired %d, want 1 under cap", rec.count())
	}
	if len(skips) != 1 || skips[0].Reason != string(SkipMaxConcurrent) {
		t.Fatalf("skips = %+v, want one max_concurrent skip", skips)
	}

	close(rec.release)
	s.WaitIdle()
}

func TestSkipMaxConcurrentSeesExternalJobs(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(testLogger())
	rec := &firingRecorder{}
	s := New(store, bus, fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	var skips []events.SchedulePayload
	bus.SubscribeTo(events.ScheduleSkipped, func(e events.Event) {
		skips = append(skips, e.Payload.(events.SchedulePayload))
	})

	// A manual job is already running for the agent, so the cap of 1 blocks
	// the due schedule.
	bus.Emit(events.JobCreated, events.JobPayload{
		JobID:       "job-2026-08-24-aaaa1111",
		AgentName:   "writer",
		TriggerType: string(state.TriggerManual),
	})

	now := time.Now()
	s.TickOnce(context.Background(), now)
	s.WaitIdle()

	if rec.count() != 0 {
		t.Fatalf("fired %d, want 0 while a manual job runs", rec.count())
	}
	if len(skips) != 1 || skips[0].Reason != string(SkipMaxConcurrent) {
		t.Fatalf("skips = %+v, want one max_concurrent skip", skips)
	}

	// The manual job finishing frees the slot.
	bus.Emit(events.JobCompleted, events.JobTerminalPayload{
		JobID:     "job-2026-08-24-aaaa1111",
		AgentName: "writer",
	})

	s.TickOnce(context.Background(), now.Add(time.Second))
	s.WaitIdle()

	if rec.count() != 1 {
		t.Fatalf("fired %d after the manual job finished, want 1", rec.count())
	}
}

func TestExternalCountIgnoresScheduledJobs(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(testLogger())
	rec := &firingRecorder{}
	s := New(store, bus, fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	// The loop's own firings emit job:created with the schedule trigger type;
	// counting those again would deadlock the cap at 1.
	bus.Emit(events.JobCreated, events.JobPayload{
		JobID:       "job-2026-08-24-bbbb2222",
		AgentName:   "writer",
		TriggerType: string(state.TriggerSchedule),
	})

	s.TickOnce(context.Background(), time.Now())
	s.WaitIdle()

	if rec.count() != 1 {
		t.Fatalf("fired %d, want 1", rec.count())
	}
}

func TestSkipAlreadyRunning(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(testLogger())
	rec := &firingRecorder{release: make(chan struct{})}

	agent := intervalAgent("writer", time.Millisecond)
	agent.MaxConcurrent = 5
	s := New(store, bus, fleetConfig(agent), rec.trigger, testLogger())

	var skips []events.SchedulePayload
	bus.SubscribeTo(events.ScheduleSkipped, func(e events.Event) {
		skips = append(skips, e.Payload.(events.SchedulePayload))
	})

	now := time.Now()
	s.TickOnce(context.Background(), now)
	s.TickOnce(context.Background(), now.Add(time.Second))
	waitForCount(t, rec, 1)

	if rec.count() != 1 {
		t.Fatalf("fired %d, want 1 while first instance runs", rec.count())
	}
	if len(skips) != 1 || skips[0].Reason != string(SkipAlreadyRunning) {
		t.Fatalf("skips = %+v, want one already_running skip", skips)
	}

	close(rec.release)
	s.WaitIdle()
}

func TestStopWaitsForJobs(t *testing.T) {
	store := newTestStore(t)
	rec := &firingRecorder{release: make(chan struct{})}
	s := New(store, events.NewBus(testLogger()), fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	s.Start(context.Background())
	s.TickOnce(context.Background(), time.Now())

	if err := s.Stop(true, 50*time.Millisecond); err == nil {
		t.Fatal("Stop should time out while a job is running")
	}

	close(rec.release)
	s.jobs.Wait()
}

func TestUpdateConfigSwapsSchedules(t *testing.T) {
	store := newTestStore(t)
	rec := &firingRecorder{}
	s := New(store, events.NewBus(testLogger()), fleetConfig(intervalAgent("writer", time.Hour)), rec.trigger, testLogger())

	s.UpdateConfig(fleetConfig())
	s.TickOnce(context.Background(), time.Now())
	s.WaitIdle()

	if rec.count() != 0 {
		t.Fatalf("removed schedule still fired")
	}
}
