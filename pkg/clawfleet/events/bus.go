// Package events implements the in-process typed pub/sub bus that binds the
// fleet supervisor's subsystems together. Listeners run synchronously in
// registration order; a panicking listener is logged and isolated so the
// remaining listeners still see the event.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Name identifies an event on the bus.
type Name string

const (
	Initialized    Name = "initialized"
	Started        Name = "started"
	Stopped        Name = "stopped"
	Error          Name = "error"
	ConfigReloaded Name = "config:reloaded"

	AgentStarted Name = "agent:started"
	AgentStopped Name = "agent:stopped"

	ScheduleTriggered Name = "schedule:triggered"
	ScheduleSkipped   Name = "schedule:skipped"

	JobCreated   Name = "job:created"
	JobOutput    Name = "job:output"
	JobCompleted Name = "job:completed"
	JobFailed    Name = "job:failed"
	JobCancelled Name = "job:cancelled"
	JobForked    Name = "job:forked"
)

// Bridge-scoped event names, e.g. "discord:message:handled".
func BridgeMessageHandled(bridge string) Name { return Name(bridge + ":message:handled") }
func BridgeMessageError(bridge string) Name   { return Name(bridge + ":message:error") }
func BridgeError(bridge string) Name          { return Name(bridge + ":error") }
func BridgeSessionLifecycle(bridge string) Name {
	return Name(bridge + ":session:lifecycle")
}

// Event is one bus message. Payload is one of the typed payload structs in
// payloads.go.
type Event struct {
	Name      Name
	Timestamp time.Time
	Payload   any
}

// Listener receives events. Listeners must be fast; long work belongs in a
// goroutine started by the listener.
type Listener func(Event)

type registration struct {
	id   uint64
	name Name // empty = all events
	fn   Listener
}

// Bus is the typed event bus. The zero value is not usable; call NewBus.
type Bus struct {
	mu        sync.RWMutex
	listeners []registration
	nextID    uint64
	logger    *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers a listener for every event. Returns an unsubscribe func.
func (b *Bus) Subscribe(fn Listener) func() {
	return b.subscribe("", fn)
}

// SubscribeTo registers a listener for a single event name.
func (b *Bus) SubscribeTo(name Name, fn Listener) func() {
	return b.subscribe(name, fn)
}

func (b *Bus) subscribe(name Name, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, registration{id: id, name: name, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, reg := range b.listeners {
			if reg.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to all matching listeners in registration order.
// Listener panics are recovered and logged; they never reach the emitter or
// suppress later listeners.
func (b *Bus) Emit(name Name, payload any) {
	event := Event{Name: name, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	regs := make([]registration, len(b.listeners))
	copy(regs, b.listeners)
	b.mu.RUnlock()

	for _, reg := range regs {
		if reg.name != "" && reg.name != name {
			continue
		}
		b.dispatch(reg, event)
	}
}

func (b *Bus) dispatch(reg registration, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", event.Name, "panic", r)
		}
	}()
	reg.fn(event)
}
