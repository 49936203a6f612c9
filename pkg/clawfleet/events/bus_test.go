package events

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribeReceivesAllEvents(t *testing.T) {
	bus := NewBus(testLogger())

	var got []Name
	bus.Subscribe(func(e Event) {
		got = append(got, e.Name)
	})

	bus.Emit(JobCreated, nil)
	bus.Emit(JobCompleted, nil)

	if len(got) != 2 || got[0] != JobCreated || got[1] != JobCompleted {
		t.Errorf("received %v", got)
	}
}

func TestSubscribeToFilters(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	bus.SubscribeTo(JobFailed, func(e Event) { count++ })

	bus.Emit(JobCreated, nil)
	bus.Emit(JobFailed, nil)
	bus.Emit(JobCompleted, nil)

	if count != 1 {
		t.Errorf("filtered listener fired %d times, want 1", count)
	}
}

func TestListenerOrderAndPayload(t *testing.T) {
	bus := NewBus(testLogger())

	var order []int
	bus.Subscribe(func(e Event) { order = append(order, 1) })
	bus.Subscribe(func(e Event) {
		order = append(order, 2)
		payload, ok := e.Payload.(JobPayload)
		if !ok {
			t.Errorf("payload type %T", e.Payload)
			return
		}
		if payload.JobID != "job-1" {
			t.Errorf("JobID = %q", payload.JobID)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	})

	bus.Emit(JobCreated, JobPayload{JobID: "job-1", AgentName: "writer"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("delivery order %v", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	count := 0
	unsub := bus.Subscribe(func(e Event) { count++ })

	bus.Emit(JobCreated, nil)
	unsub()
	bus.Emit(JobCreated, nil)

	if count != 1 {
		t.Errorf("listener fired %d times after unsubscribe, want 1", count)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus(testLogger())

	reached := false
	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { reached = true })

	bus.Emit(JobCreated, nil)

	if !reached {
		t.Error("listener after the panicking one never ran")
	}
}

func TestBridgeEventNames(t *testing.T) {
	tests := []struct {
		got  Name
		want Name
	}{
		{BridgeMessageHandled("discord"), "discord:message:handled"},
		{BridgeMessageError("whatsapp"), "whatsapp:message:error"},
		{BridgeError("discord"), "discord:error"},
		{BridgeSessionLifecycle("whatsapp"), "whatsapp:session:lifecycle"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
