package heartbeat

import "time"

// Reserved heartbeat control tokens. They travel as plain text frames on the
// same channel as application payloads and must not be used as payloads.
const (
	PingToken = "ping"
	PongToken = "pong"
)

// Close codes used for locally initiated closes.
const (
	CloseNormal           = 1000
	CloseAbnormal         = 1006
	CloseHeartbeatTimeout = 4000
)

// IsControl reports whether payload is one of the reserved heartbeat tokens.
func IsControl(payload string) bool {
	return payload == PingToken || payload == PongToken
}

// State is the transport-owned connection state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Phase is the position of the monitor inside one heartbeat cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePingSent
	PhaseAcknowledged
	PhaseTimedOut
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePingSent:
		return "ping_sent"
	case PhaseAcknowledged:
		return "acknowledged"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of heartbeat counters for one connection.
type Stats struct {
	PingsSent     int       `json:"pings_sent"`
	PongsReceived int       `json:"pongs_received"`
	StrayPongs    int       `json:"stray_pongs"`
	SkippedTicks  int       `json:"skipped_ticks"`
	LastPingAt    time.Time `json:"last_ping_at"`
	LastPongAt    time.Time `json:"last_pong_at"`
}
