package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Coordinator lifecycle events.
	EventLocalConnected    EventType = "local.connected"
	EventLocalDisconnected EventType = "local.disconnected"
	EventRemoteAttached    EventType = "remote.attached"
	EventRemoteDetached    EventType = "remote.detached"

	// Tunnel events.
	EventTunnelStarted   EventType = "tunnel.request.started"
	EventTunnelCompleted EventType = "tunnel.request.completed"
	EventTunnelFailed    EventType = "tunnel.request.failed"

	// RPC events.
	EventCallStarted   EventType = "call.started"
	EventCallCompleted EventType = "call.completed"
	EventCallFailed    EventType = "call.failed"

	// Emulator events.
	EventWorkerUpdated    EventType = "emulator.worker.updated"
	EventEmulatorDisposed EventType = "emulator.disposed"

	// Detached process events.
	EventProcessSpawned EventType = "process.spawned"
	EventProcessExited  EventType = "process.exited"
	EventProcessKilled  EventType = "process.killed"
)

// EventTypeAll subscribes a handler to every event type.
const EventTypeAll EventType = "*"

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ID        uint64          `json:"id,omitempty"` // correlation/transaction id where applicable
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type, or for all
	// events when eventType is EventTypeAll. Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
