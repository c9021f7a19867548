package ports

import (
	"context"
	"time"

	"wsbeat/internal/domain/heartbeat"
)

// Connection defines the capability to open, write to and close a text channel.
type Connection interface {
	Subscribe(handler EventHandler)
	Open(ctx context.Context) error
	Send(payload string) error
	Close(code int, reason string) error
	State() heartbeat.State
}

// EventHandler receives connection events. It is subscribed before Open is
// called; OnClose fires exactly once per opened or failed connection.
type EventHandler interface {
	OnOpen()
	OnMessage(payload string)
	OnClose(code int, reason string)
	OnError(err error)
}

// Task is a handle to a scheduled callback.
type Task interface {
	// Cancel stops the task. Cancelling an already cancelled or fired task is a no-op.
	Cancel()
}

// Scheduler defines the capability to run callbacks in the future.
type Scheduler interface {
	After(d time.Duration, fn func()) Task
	Every(d time.Duration, fn func()) Task
	Now() time.Time
}
