package geometry

import (
	"fmt"
	"math"

	"github.com/cjeanneret/turntable360/internal/config"
)

// FOVCalculator derives the camera field of view from the lens and sensor,
// and the table rotation that keeps the requested overlap between photos.
type FOVCalculator struct {
	focalMm float64
	sensorW float64
	sensorH float64
	overlap float64
}

// NewFOVCalculator returns an error when no sensor is configured.
func NewFOVCalculator(cfg *config.Config) (*FOVCalculator, error) {
	if cfg.Sensor == nil {
		return nil, fmt.Errorf("sensor configuration is required for FOV calculations")
	}
	if cfg.Lens.FocalLengthMm <= 0 {
		return nil, fmt.Errorf("lens focal length must be > 0, got %g", cfg.Lens.FocalLengthMm)
	}
	return &FOVCalculator{
		focalMm: cfg.Lens.FocalLengthMm,
		sensorW: cfg.Sensor.WidthMm,
		sensorH: cfg.Sensor.HeightMm,
		overlap: cfg.OverlapRatio(),
	}, nil
}

func angleOfView(sensorMm, focalMm float64) float64 {
	// 2 × arctan(sensor / (2 × focal)), in degrees
	return 2.0 * math.Atan(sensorMm/(2.0*focalMm)) * 180.0 / math.Pi
}

// HorizontalFOV is the horizontal angle of view in degrees. The table turns
// around a vertical axis, so this is the one that sets the step.
func (f *FOVCalculator) HorizontalFOV() float64 {
	return angleOfView(f.sensorW, f.focalMm)
}

// VerticalFOV is the vertical angle of view in degrees (informational).
func (f *FOVCalculator) VerticalFOV() float64 {
	return angleOfView(f.sensorH, f.focalMm)
}

// StepAngle is the rotation between two photos: with 30% overlap each
// photo brings 70% new content, so step = HorizontalFOV × 0.7.
func (f *FOVCalculator) StepAngle() float64 {
	return f.HorizontalFOV() * (1.0 - f.overlap)
}
