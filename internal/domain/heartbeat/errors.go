package heartbeat

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors, matched with errors.Is against the typed errors below.
var (
	ErrNotOpen          = errors.New("connection is not open")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrReservedPayload  = errors.New("payload is a reserved heartbeat token")
)

// NotOpenError is returned when a send is attempted outside the Open state.
type NotOpenError struct {
	State State
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("connection is not open (state: %s)", e.State)
}

func (e *NotOpenError) Is(target error) bool { return target == ErrNotOpen }

// HeartbeatTimeoutError records a pong deadline that elapsed.
type HeartbeatTimeoutError struct {
	Timeout    time.Duration
	LastPingAt time.Time
}

func (e *HeartbeatTimeoutError) Error() string {
	return fmt.Sprintf("pong not received within %s", e.Timeout)
}

func (e *HeartbeatTimeoutError) Is(target error) bool { return target == ErrHeartbeatTimeout }

// TransportError wraps any lower-level connection failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport " + e.Op
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
