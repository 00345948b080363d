package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Driver drives the camera remote lines. The turntable motor itself is
// switched over the serial relay, never through GPIO.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns a MockDriver when mock is true (development on a PC),
// the go-rpio driver otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("GPIO: using mock driver")
		return NewMockDriver(), nil
	}
	d, err := NewRPiDriver()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ErrClosed is returned by pin operations after Close.
var ErrClosed = errors.New("gpio: driver closed")

// MockDriver keeps pin levels in memory so the camera trigger can run
// without a Raspberry Pi.
type MockDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	levels map[int]Level
	closed bool
}

// NewMockDriver returns an empty in-memory driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:  make(map[int]PinMode),
		levels: make(map[int]Level),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	debug.GPIO("SetupPin", pin, mode)
	m.modes[pin] = mode
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if mode, ok := m.modes[pin]; ok && mode != Output {
		return fmt.Errorf("gpio: pin %d is not an output", pin)
	}
	debug.GPIO("WritePin", pin, level)
	m.modes[pin] = Output
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.GPIO("ReadPin", pin, nil)
	return m.levels[pin], nil
}

// Level returns the last level written to pin.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Trace("GPIO: close (mock)")
	m.closed = true
	return nil
}
