package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// DefaultCalibratedSpeed is the measured angular speed of the reference
// turntable build, in degrees per second.
const DefaultCalibratedSpeed = 0.8

var (
	ErrInvalidAngle = errors.New("rotation angle must be a finite number")
	ErrNoRelay      = errors.New("no relay configured and simulation disabled")
)

// Relay switches the turntable motor. relay.Manager implements it.
type Relay interface {
	MotorOn() error
	MotorOff() error
}

// Config holds the rotation parameters of one hardware build.
type Config struct {
	CalibratedSpeed float64 // degrees per second while the relay is closed
	Simulated       bool    // log rotations without touching the link
}

// Controller turns an angle into a timed relay pulse.
// It sits between the capture sequence and the serial link and runs one
// rotation at a time.
type Controller struct {
	relay     Relay
	speed     float64
	simulated bool
	sleep     func(time.Duration)

	mu sync.Mutex
}

// NewController creates a rotation controller. A non-positive calibrated
// speed falls back to DefaultCalibratedSpeed.
func NewController(r Relay, cfg Config) *Controller {
	speed := cfg.CalibratedSpeed
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = DefaultCalibratedSpeed
	}
	return &Controller{
		relay:     r,
		speed:     speed,
		simulated: cfg.Simulated,
		sleep:     time.Sleep,
	}
}

// Simulated reports whether rotations skip the hardware.
func (c *Controller) Simulated() bool {
	return c.simulated
}

// CalibratedSpeed returns the configured speed in degrees per second.
func (c *Controller) CalibratedSpeed() float64 {
	return c.speed
}

// Duration returns the relay pulse for degrees: |degrees| / calibrated speed.
// The sign is ignored; the relay hardware turns in one direction only.
func (c *Controller) Duration(degrees float64) time.Duration {
	seconds := math.Abs(degrees) / c.speed
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

// Rotate turns the table by degrees and blocks for the whole pulse.
// If "motor on" fails nothing else is sent. Once it succeeded, "motor off"
// is always sent after the pulse; an off failure is logged and does not
// fail the rotation.
func (c *Controller) Rotate(degrees float64) error {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAngle, degrees)
	}
	pulse := c.Duration(degrees)

	if c.simulated {
		debug.Live("Simulator: rotation by %.2f° (would pulse %v)", degrees, pulse)
		return nil
	}
	if c.relay == nil {
		return ErrNoRelay
	}
	if pulse == 0 {
		debug.Verbose("Turntable: zero rotation requested, nothing to do")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	debug.Rotate(degrees, pulse)
	if err := c.relay.MotorOn(); err != nil {
		return fmt.Errorf("motor on: %w", err)
	}

	c.sleep(pulse)

	if err := c.relay.MotorOff(); err != nil {
		// TODO: retry "motor off" once the firmware exposes a relay watchdog state in its STATUS reply.
		debug.Errorf("Turntable: motor off failed after %v pulse, relay may still be closed: %v", pulse, err)
	}
	return nil
}
