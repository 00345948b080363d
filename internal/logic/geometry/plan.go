package geometry

import (
	"math"
	"time"

	"github.com/cjeanneret/turntable360/internal/config"
)

// FullTurn is the angle covered by a turntable session.
const FullTurn = 360.0

// TurntablePlan describes one full revolution in equal steps.
type TurntablePlan struct {
	Steps         int           // number of rotate/shoot pairs
	StepDegrees   float64       // rotation before each photo
	FromFOV       bool          // step derived from lens and sensor
	PulseDuration time.Duration // relay pulse per step
	TotalDuration time.Duration // sum of pulses, excluding camera delays
}

// PulseFunc converts an angle into a relay pulse; motion.Controller.Duration
// satisfies it.
type PulseFunc func(degrees float64) time.Duration

// CalculateTurntablePlan chooses the step angle (field of view when a sensor
// is configured, rotation.step_degrees otherwise) and the number of steps
// needed to cover a full turn.
func CalculateTurntablePlan(cfg *config.Config, pulse PulseFunc) *TurntablePlan {
	step := cfg.Rotation.StepDegrees
	fromFOV := false
	if fov, err := NewFOVCalculator(cfg); err == nil {
		if a := fov.StepAngle(); a > 0 && !math.IsNaN(a) {
			step = a
			fromFOV = true
		}
	}
	if step <= 0 || step > FullTurn {
		step = FullTurn
	}

	// Round up so the last photo still overlaps the first one.
	steps := int(math.Ceil(FullTurn/step - 1e-9))
	if steps < 1 {
		steps = 1
	}

	plan := &TurntablePlan{
		Steps:       steps,
		StepDegrees: step,
		FromFOV:     fromFOV,
	}
	if pulse != nil {
		plan.PulseDuration = pulse(step)
		plan.TotalDuration = plan.PulseDuration * time.Duration(steps)
	}
	return plan
}
