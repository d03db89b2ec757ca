// Package reconnect schedules websocket reconnection attempts with capped
// exponential backoff.
package reconnect

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrReconnectExhausted is delivered to the exhausted callback once every
// attempt has failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"gtefield=InitialDelay"`
	Jitter       float64       `yaml:"jitter" env:"JITTER" validate:"gte=0,lte=1"`
}

// DefaultConfig returns 15 attempts from 1s doubling up to 10s with 15% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  15,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Jitter:       0.15,
	}
}

// Delay returns the wait before the given 1-based attempt. r is a uniform
// sample in [0,1) scaling the jitter.
func Delay(cfg Config, attempt int, r float64) time.Duration {
	base := cfg.InitialDelay
	for i := 1; i < attempt && base < cfg.MaxDelay; i++ {
		base *= 2
	}
	if base > cfg.MaxDelay {
		base = cfg.MaxDelay
	}
	return time.Duration(float64(base) * (1 + cfg.Jitter*r))
}

// Status is a snapshot of the reconnection state.
type Status struct {
	Reconnecting   bool
	CurrentAttempt int
	MaxAttempts    int
}

// Manager owns the single pending reconnection timer of a session.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	connect func()

	mu          sync.Mutex
	random      func() float64
	onExhausted func(error)
	onStatus    func(Status)
	attempts    int
	timer       clockwork.Timer
	gen         uint64
	closed      bool
}

// New creates a manager that calls connect when a scheduled attempt is due.
func New(cfg Config, clock clockwork.Clock, connect func()) *Manager {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		connect: connect,
		random:  rand.Float64,
	}
}

// SetRandom replaces the jitter source.
func (m *Manager) SetRandom(fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.random = fn
}

// OnExhausted registers the terminal callback.
func (m *Manager) OnExhausted(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhausted = fn
}

// OnStatus registers a callback invoked whenever the status changes.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// ScheduleReconnection arms the next attempt and returns its delay. It
// returns false once attempts are exhausted, after calling the exhausted
// callback, or when the manager is closed.
func (m *Manager) ScheduleReconnection() (time.Duration, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, false
	}

	if m.attempts >= m.cfg.MaxAttempts {
		m.stopTimerLocked()
		status := m.statusLocked(false)
		onStatus, onExhausted := m.onStatus, m.onExhausted
		attempts := m.attempts
		m.mu.Unlock()

		log.Warn().Int("attempts", attempts).Msg("Reconnection attempts exhausted")
		if onStatus != nil {
			onStatus(status)
		}
		if onExhausted != nil {
			onExhausted(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts))
		}
		return 0, false
	}

	m.attempts++
	delay := Delay(m.cfg, m.attempts, m.random())

	m.stopTimerLocked()
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.fire(gen) })

	status := m.statusLocked(true)
	onStatus := m.onStatus
	m.mu.Unlock()

	log.Info().
		Int("attempt", status.CurrentAttempt).
		Int("max_attempts", status.MaxAttempts).
		Dur("delay", delay).
		Msg("Scheduling reconnection attempt")
	if onStatus != nil {
		onStatus(status)
	}
	return delay, true
}

// OnConnectionOpen resets the attempt counter and cancels any pending attempt.
func (m *Manager) OnConnectionOpen() {
	m.mu.Lock()
	m.attempts = 0
	m.stopTimerLocked()
	status := m.statusLocked(false)
	onStatus := m.onStatus
	m.mu.Unlock()

	if onStatus != nil {
		onStatus(status)
	}
}

// Close cancels any pending attempt. Later calls to ScheduleReconnection are
// ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
}

// Attempts returns the number of attempts since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Pending reports whether an attempt is scheduled.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++
	connect := m.connect
	m.mu.Unlock()

	connect()
}

// stopTimerLocked cancels the pending timer. Bumping gen invalidates a
// callback that already started.
func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}

func (m *Manager) statusLocked(reconnecting bool) Status {
	return Status{
		Reconnecting:   reconnecting,
		CurrentAttempt: m.attempts,
		MaxAttempts:    m.cfg.MaxAttempts,
	}
}
