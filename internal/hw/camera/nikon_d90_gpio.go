package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/hw/gpio"
)

// NikonD90GPIO triggers a Nikon D90 through its 3-pin remote connector
// (GND, FOCUS, SHUTTER). Both lines are active LOW. The photo stays on the
// camera card, so dest is only logged.
type NikonD90GPIO struct {
	gpio         gpio.Driver
	focusPin     int
	shutterPin   int
	focusDelay   time.Duration // time for autofocus
	shutterDelay time.Duration // shutter hold time
}

// NewNikonD90GPIO configures both lines as outputs and leaves them HIGH
// (inactive).
func NewNikonD90GPIO(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration) (*NikonD90GPIO, error) {
	for _, pin := range []int{focusPin, shutterPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, fmt.Errorf("release pin %d: %w", pin, err)
		}
	}
	return &NikonD90GPIO{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
	}, nil
}

// Shoot runs FOCUS -> wait for AF -> SHUTTER -> hold -> release.
// Lines are released even when the context is cancelled mid-sequence.
func (n *NikonD90GPIO) Shoot(ctx context.Context, dest string) (err error) {
	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d) for %s", n.focusPin, n.shutterPin, dest)

	defer func() {
		if relErr := n.release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if err := n.gpio.WritePin(n.focusPin, gpio.Low); err != nil {
		return fmt.Errorf("focus: %w", err)
	}
	if err := sleepCtx(ctx, n.focusDelay); err != nil {
		return err
	}
	if err := n.gpio.WritePin(n.shutterPin, gpio.Low); err != nil {
		return fmt.Errorf("shutter: %w", err)
	}
	if err := sleepCtx(ctx, n.shutterDelay); err != nil {
		return err
	}
	debug.Verbose("Camera: shot triggered")
	return nil
}

// release sets SHUTTER then FOCUS back HIGH.
func (n *NikonD90GPIO) release() error {
	errShutter := n.gpio.WritePin(n.shutterPin, gpio.High)
	errFocus := n.gpio.WritePin(n.focusPin, gpio.High)
	if errShutter != nil {
		return fmt.Errorf("release shutter: %w", errShutter)
	}
	if errFocus != nil {
		return fmt.Errorf("release focus: %w", errFocus)
	}
	return nil
}
