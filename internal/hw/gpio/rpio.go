package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver drives Raspberry Pi pins through go-rpio (/dev/gpiomem).
type RPiDriver struct {
	mu     sync.Mutex
	pins   map[int]rpio.Pin
	closed bool
}

// NewRPiDriver maps GPIO memory. It fails off a Raspberry Pi.
func NewRPiDriver() (*RPiDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO: memory mapped")
	return &RPiDriver{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	if r.closed {
		return ErrClosed
	}
	debug.GPIO("SetupPin", pin, mode)
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %v", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("WritePin", pin, level)
	if r.closed {
		return ErrClosed
	}

	p, ok := r.pins[pin]
	if !ok {
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("ReadPin", pin, nil)
	if r.closed {
		return Low, ErrClosed
	}

	p, ok := r.pins[pin]
	if !ok {
		if err := r.setupLocked(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// Close returns every used pin to input, which releases the camera remote
// lines, then unmaps GPIO memory. Further calls are no-ops.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for pin, p := range r.pins {
		debug.Trace("GPIO: pin %d back to input", pin)
		p.Input()
	}
	r.pins = make(map[int]rpio.Pin)
	return rpio.Close()
}
