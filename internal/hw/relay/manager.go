package relay

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/hw/serialport"
)

// Wire protocol of the relay firmware: one ASCII token per line.
const (
	TokenStatus = "S" // liveness probe
	TokenOn     = "1" // relay on, motor starts
	TokenOff    = "0" // relay off, motor stops

	StatusMarker = "STATUS"
	AckMarker    = "OK"

	lineTerminator = "\n"
)

const (
	// ProbeSettle is the fixed wait between the status request and reading the reply.
	ProbeSettle = 500 * time.Millisecond
	// CommandSettle is the fixed wait between a command and reading its acknowledgment.
	CommandSettle = 500 * time.Millisecond
	// MaxResponse bounds every read from the device.
	MaxResponse = 100
	// DefaultCooldown is the minimum delay after a failed attempt before the next one.
	DefaultCooldown = 5 * time.Second
)

var (
	ErrCooldown     = errors.New("connection attempt rejected during error cooldown")
	ErrProbeFailed  = errors.New("liveness probe failed")
	ErrNoAck        = errors.New("device did not acknowledge command")
	ErrNotConnected = errors.New("not connected")
)

// State is the connection state. It only changes inside Manager methods.
type State int

const (
	Disconnected State = iota
	Connected
	ErrorCooldown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case ErrorCooldown:
		return "error_cooldown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a copy of the manager's observable state.
type Status struct {
	State             State         `json:"-"`
	StateName         string        `json:"state"`
	Port              string        `json:"port"`
	BaudRate          int           `json:"baudrate"`
	LastErrorAt       time.Time     `json:"last_error_at,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining_ns"`
}

// Clock abstracts time so the settle waits and the cooldown window can be
// driven by tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the physical port opener.
func WithOpener(open serialport.Opener) Option {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

// WithCooldown sets the error cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// Manager owns the serial link to the relay microcontroller. It reconnects
// on demand, enforces an error cooldown and serialises all wire traffic:
// only one probe or command is ever in flight.
//
// The link configuration is fixed for the lifetime of a Manager; build a new
// one to change port or baud rate.
type Manager struct {
	cfg      serialport.Config
	open     serialport.Opener
	clock    Clock
	cooldown time.Duration

	mu          sync.Mutex // guards link, state, lastErrorAt and all wire I/O
	link        serialport.Link
	state       State
	lastErrorAt time.Time

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a disconnected manager. No I/O happens until the first
// Connect, EnsureConnection or SendCommand.
func NewManager(cfg serialport.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		open:     serialport.Open,
		clock:    realClock{},
		cooldown: DefaultCooldown,
		state:    Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publishLocked()
	return m
}

// Config returns the link configuration.
func (m *Manager) Config() serialport.Config {
	return m.cfg
}

// Connect opens the port, waits for the board reset and probes it.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

// EnsureConnection verifies a live connection with a probe. A failed probe
// closes the stale handle and makes exactly one reconnection attempt.
func (m *Manager) EnsureConnection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked()
}

// Disconnect closes the link if present. It is idempotent.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(reason)
}

// Close tears the manager down at shutdown.
func (m *Manager) Close() error {
	m.Disconnect("shutdown")
	return nil
}

// SendCommand sends token and waits for the acknowledgment marker. An I/O
// failure forces a disconnect so the next call starts from a clean state.
func (m *Manager) SendCommand(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(); err != nil {
		debug.Errorf("Relay: cannot send %q: %v", token, err)
		return err
	}

	if err := m.link.Write([]byte(token + lineTerminator)); err != nil {
		return m.abortLocked(token, err)
	}
	m.clock.Sleep(CommandSettle)

	resp, err := m.link.Read(MaxResponse, m.cfg.IOTimeout)
	if err != nil {
		return m.abortLocked(token, err)
	}
	debug.Verbose("Relay: command %q response %q", token, resp)
	if !bytes.Contains(resp, []byte(AckMarker)) {
		return &serialport.LinkError{Kind: serialport.KindTransient, Op: "command " + token, Port: m.cfg.Port, Err: ErrNoAck}
	}
	return nil
}

// MotorOn closes the relay.
func (m *Manager) MotorOn() error {
	return m.SendCommand(TokenOn)
}

// MotorOff opens the relay.
func (m *Manager) MotorOff() error {
	return m.SendCommand(TokenOff)
}

// Status returns the last published state without waiting for in-flight I/O.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	st := m.status
	m.statusMu.RUnlock()

	if !st.LastErrorAt.IsZero() {
		if remaining := st.LastErrorAt.Add(m.cooldown).Sub(m.clock.Now()); remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}
	return st
}

func (m *Manager) connectLocked() error {
	now := m.clock.Now()
	if m.inCooldown(now) {
		m.setStateLocked(ErrorCooldown)
		debug.Verbose("Relay: still in error cooldown, not attempting reconnection yet")
		return &serialport.LinkError{Kind: serialport.KindTransient, Op: "connect", Port: m.cfg.Port, Err: ErrCooldown}
	}

	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}

	link, err := m.open(m.cfg)
	if err != nil {
		err = serialport.Classify("open", m.cfg.Port, err)
		m.failLocked()
		debug.Errorf("Relay: connection error on %s: %v", m.cfg.Port, err)
		return err
	}

	debug.Verbose("Relay: waiting %v for board reset", serialport.ResetSettle)
	m.clock.Sleep(serialport.ResetSettle)

	if err := m.probeLocked(link); err != nil {
		_ = link.Close()
		m.failLocked()
		debug.Errorf("Relay: %v", err)
		return err
	}

	m.link = link
	m.setStateLocked(Connected)
	debug.Info("Relay: connected on %s (%d baud)", m.cfg.Port, m.cfg.BaudRate)
	return nil
}

func (m *Manager) ensureLocked() error {
	if m.state == Connected && m.link != nil {
		err := m.probeLocked(m.link)
		if err == nil {
			return nil
		}
		debug.Warn("Relay: connection test failed, attempting to reconnect: %v", err)
		m.disconnectLocked("liveness probe failed")
	}
	return m.connectLocked()
}

// probeLocked runs the status exchange on link. Missing marker, timeout and
// I/O errors all report ErrProbeFailed.
func (m *Manager) probeLocked(link serialport.Link) error {
	fail := func(cause error) error {
		kind := serialport.KindOf(cause)
		if kind == serialport.KindUnknown {
			kind = serialport.KindTransient
		}
		return &serialport.LinkError{Kind: kind, Op: "probe", Port: m.cfg.Port, Err: fmt.Errorf("%w: %w", ErrProbeFailed, cause)}
	}

	if err := link.Flush(); err != nil {
		return fail(err)
	}
	if err := link.Write([]byte(TokenStatus + lineTerminator)); err != nil {
		return fail(err)
	}
	m.clock.Sleep(ProbeSettle)

	resp, err := link.Read(MaxResponse, m.cfg.IOTimeout)
	if err != nil {
		return fail(err)
	}
	if !bytes.Contains(resp, []byte(StatusMarker)) {
		return &serialport.LinkError{Kind: serialport.KindTransient, Op: "probe", Port: m.cfg.Port, Err: fmt.Errorf("%w: no %s marker in %q", ErrProbeFailed, StatusMarker, resp)}
	}
	return nil
}

func (m *Manager) abortLocked(token string, err error) error {
	err = serialport.Classify("command "+token, m.cfg.Port, err)
	m.lastErrorAt = m.clock.Now()
	debug.Errorf("Relay: error sending command %q: %v", token, err)
	m.disconnectLocked(fmt.Sprintf("error during command %q", token))
	return err
}

func (m *Manager) disconnectLocked(reason string) {
	if m.link != nil || m.state != Disconnected {
		debug.Info("Relay: disconnecting: %s", reason)
	}
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
	m.setStateLocked(Disconnected)
}

func (m *Manager) failLocked() {
	m.lastErrorAt = m.clock.Now()
	m.link = nil
	m.setStateLocked(ErrorCooldown)
}

func (m *Manager) inCooldown(now time.Time) bool {
	return !m.lastErrorAt.IsZero() && now.Before(m.lastErrorAt.Add(m.cooldown))
}

func (m *Manager) setStateLocked(s State) {
	if s != m.state {
		debug.Verbose("Relay: state %s -> %s", m.state, s)
	}
	m.state = s
	m.publishLocked()
}

func (m *Manager) publishLocked() {
	m.statusMu.Lock()
	m.status = Status{
		State:       m.state,
		StateName:   m.state.String(),
		Port:        m.cfg.Port,
		BaudRate:    m.cfg.BaudRate,
		LastErrorAt: m.lastErrorAt,
	}
	m.statusMu.Unlock()
}
