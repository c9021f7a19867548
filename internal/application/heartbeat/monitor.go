package heartbeat

import (
	"time"

	dom "wsbeat/internal/domain/heartbeat"
	"wsbeat/internal/ports"

	"github.com/rs/zerolog/log"
)

// DefaultPingInterval is used when Config.PingInterval is unset.
const DefaultPingInterval = 30 * time.Second

// Config holds the heartbeat timings. PongTimeout defaults to PingInterval.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Monitor probes a connection with "ping" and closes it when no "pong"
// arrives in time. All methods must be called from the scheduler's goroutine.
type Monitor struct {
	conn      ports.Connection
	scheduler ports.Scheduler
	cfg       Config
	forward   func(payload string)
	onTimeout func(err *dom.HeartbeatTimeoutError)

	ticker     ports.Task
	startedAt  time.Time // slot 0 of the ping schedule
	deadline   ports.Task
	deadlineAt time.Time // measured on the slot grid, not the wall clock
	probeAt    time.Time // send time of the ping the armed deadline belongs to
	phase      dom.Phase
	stats      dom.Stats
}

// NewMonitor creates a monitor for conn. Payloads other than "pong" are passed to forward.
func NewMonitor(conn ports.Connection, scheduler ports.Scheduler, cfg Config, forward func(payload string)) *Monitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = cfg.PingInterval
	}
	return &Monitor{
		conn:      conn,
		scheduler: scheduler,
		cfg:       cfg,
		forward:   forward,
		phase:     dom.PhaseIdle,
	}
}

// OnTimeout registers fn to be called after a heartbeat timeout closed the connection.
func (m *Monitor) OnTimeout(fn func(err *dom.HeartbeatTimeoutError)) {
	m.onTimeout = fn
}

// Start probes immediately and then every PingInterval. Calling Start on a
// running or finished monitor does nothing.
func (m *Monitor) Start() {
	if m.ticker != nil || m.finished() {
		return
	}
	log.Debug().
		Dur("ping_interval", m.cfg.PingInterval).
		Dur("pong_timeout", m.cfg.PongTimeout).
		Msg("heartbeat started")
	m.startedAt = m.scheduler.Now()
	m.ticker = m.scheduler.Every(m.cfg.PingInterval, m.tick)
	m.tick()
}

// Stop cancels the ping ticker and any armed deadline.
func (m *Monitor) Stop() {
	m.cancelTicker()
	m.disarm()
	if m.phase != dom.PhaseTimedOut {
		m.phase = dom.PhaseStopped
	}
}

// OnMessage must see every inbound payload before application dispatch.
func (m *Monitor) OnMessage(payload string) {
	if payload != dom.PongToken {
		if m.forward != nil {
			m.forward(payload)
		}
		return
	}
	if m.deadline == nil {
		m.stats.StrayPongs++
		log.Debug().Msg("pong received with no ping outstanding")
		return
	}
	m.disarm()
	m.stats.PongsReceived++
	m.stats.LastPongAt = m.scheduler.Now()
	m.phase = dom.PhaseAcknowledged
	log.Debug().Dur("rtt", m.stats.LastPongAt.Sub(m.probeAt)).Msg("pong received")
}

// Phase returns the current cycle phase.
func (m *Monitor) Phase() dom.Phase { return m.phase }

// Stats returns a snapshot of the heartbeat counters.
func (m *Monitor) Stats() dom.Stats { return m.stats }

// Armed reports whether a pong deadline is pending.
func (m *Monitor) Armed() bool { return m.deadline != nil }

func (m *Monitor) tick() {
	if m.finished() {
		return
	}
	slot := m.slot(m.scheduler.Now())
	// a deadline landing on this tick's slot wins over the ping, however late
	// the tick itself was delivered
	if m.deadline != nil && !slot.Before(m.deadlineAt) {
		m.expire()
		return
	}
	if state := m.conn.State(); state != dom.StateOpen {
		m.stats.SkippedTicks++
		return
	}
	if err := m.conn.Send(dom.PingToken); err != nil {
		log.Warn().Err(err).Msg("failed to send ping")
		return
	}
	now := m.scheduler.Now()
	m.stats.PingsSent++
	m.stats.LastPingAt = now
	m.phase = dom.PhasePingSent
	log.Debug().Msg("ping sent")

	// an earlier unanswered ping keeps its deadline
	if m.deadline == nil {
		m.probeAt = now
		m.deadlineAt = slot.Add(m.cfg.PongTimeout)
		m.deadline = m.scheduler.After(m.cfg.PongTimeout, m.expire)
	}
}

// slot returns the scheduled time of the tick running at now: the multiple of
// PingInterval after startedAt closest to now.
func (m *Monitor) slot(now time.Time) time.Time {
	elapsed := now.Sub(m.startedAt)
	if elapsed <= 0 {
		return m.startedAt
	}
	interval := m.cfg.PingInterval
	n := (elapsed + interval/2) / interval
	return m.startedAt.Add(n * interval)
}

func (m *Monitor) expire() {
	if m.deadline == nil || m.finished() {
		return
	}
	m.disarm()
	m.cancelTicker()
	m.phase = dom.PhaseTimedOut

	timeoutErr := &dom.HeartbeatTimeoutError{Timeout: m.cfg.PongTimeout, LastPingAt: m.probeAt}
	log.Error().Err(timeoutErr).Msg("closing connection")
	if err := m.conn.Close(dom.CloseHeartbeatTimeout, timeoutErr.Error()); err != nil {
		log.Error().Err(err).Msg("failed to close connection after heartbeat timeout")
	}
	if m.onTimeout != nil {
		m.onTimeout(timeoutErr)
	}
}

func (m *Monitor) disarm() {
	if m.deadline != nil {
		m.deadline.Cancel()
		m.deadline = nil
	}
}

func (m *Monitor) cancelTicker() {
	if m.ticker != nil {
		m.ticker.Cancel()
		m.ticker = nil
	}
}

func (m *Monitor) finished() bool {
	return m.phase == dom.PhaseTimedOut || m.phase == dom.PhaseStopped
}
