package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/flock"

	"github.com/cjeanneret/turntable360/internal/config"
	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/discovery"
	"github.com/cjeanneret/turntable360/internal/hw/camera"
	"github.com/cjeanneret/turntable360/internal/hw/gpio"
	"github.com/cjeanneret/turntable360/internal/hw/relay"
	"github.com/cjeanneret/turntable360/internal/hw/serialport"
	"github.com/cjeanneret/turntable360/internal/logic/capture"
	"github.com/cjeanneret/turntable360/internal/logic/geometry"
	"github.com/cjeanneret/turntable360/internal/logic/motion"
)

// rig is the hardware opened by one command: camera, GPIO and, outside
// simulator mode, the relay link and the lock that guards it.
type rig struct {
	cfg  *config.Config
	gpio gpio.Driver
	cam  camera.Camera
	link *relay.Manager
	lock *flock.Flock
}

// openRig builds the hardware described by cfg. The serial port must have
// been resolved (see resolvePort) before calling it.
func openRig(cfg *config.Config) (_ *rig, err error) {
	r := &rig{cfg: cfg}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if !cfg.Simulator() {
		debug.Step(1, "Locking "+cfg.LockPath())
		r.lock = flock.New(cfg.LockPath())
		ok, lockErr := r.lock.TryLock()
		if lockErr != nil {
			return nil, fmt.Errorf("acquire lock: %w", lockErr)
		}
		if !ok {
			r.lock = nil
			return nil, fmt.Errorf("another turntable360 process holds %s", cfg.LockPath())
		}
	}

	// The Raspberry Pi driver is only opened when the camera is wired to GPIO.
	mockGPIO := cfg.Defaults.MockGPIO || cfg.Camera.Type != config.CameraNikonGPIO
	debug.Value("Mock GPIO", mockGPIO)
	debug.Step(2, "Initializing GPIO driver")
	g, err := gpio.NewDriver(mockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	r.gpio = g

	debug.Step(3, "Initializing camera")
	cam, err := newCameraFromConfig(r.gpio, cfg)
	if err != nil {
		return nil, fmt.Errorf("init camera: %w", err)
	}
	r.cam = cam
	debug.Value("Camera type", cfg.Camera.Type)

	if !cfg.Simulator() {
		debug.Step(4, "Connecting relay on "+cfg.SerialPort())
		r.link = relay.NewManager(serialport.Config{
			Port:      cfg.SerialPort(),
			BaudRate:  cfg.Serial.BaudRate,
			IOTimeout: cfg.IOTimeout(),
		}, relay.WithCooldown(cfg.ErrorCooldown()))
		if connErr := r.link.Connect(); connErr != nil {
			// Not fatal: the first rotation retries once the cooldown has passed.
			debug.Warn("Relay not connected yet: %v", connErr)
		}
	}
	return r, nil
}

// motorRelay returns the link as a motion.Relay, nil in simulator mode.
func (r *rig) motorRelay() motion.Relay {
	if r.link == nil {
		return nil
	}
	return r.link
}

// controller returns a rotation controller for cfg, which may carry
// per-run overrides of the calibrated speed.
func (r *rig) controller(cfg *config.Config) *motion.Controller {
	return motion.NewController(r.motorRelay(), motion.Config{
		CalibratedSpeed: cfg.Rotation.CalibratedSpeedDps,
		Simulated:       cfg.Simulator(),
	})
}

// Close releases the link, the GPIO lines and the lock, in that order.
func (r *rig) Close() error {
	var errs []error
	if r.link != nil {
		errs = append(errs, r.link.Close())
	}
	if r.gpio != nil {
		if err := r.gpio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close GPIO: %w", err))
		}
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case config.CameraNikonGPIO:
		cam, err := camera.NewNikonD90GPIO(
			g,
			cfg.Camera.FocusPin,
			cfg.Camera.ShutterPin,
			cfg.FocusDelay(),
			cfg.ShutterDelay(),
		)
		if err != nil {
			return nil, err
		}
		return cam, nil
	case config.CameraGphoto2:
		return camera.NewGphoto2(), nil
	case config.CameraWebcam:
		return camera.NewWebcam(cfg.Camera.DevicePath, cfg.Camera.Resolution.Width, cfg.Camera.Resolution.Height), nil
	case config.CameraSimulated:
		return camera.NewSimulated(), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// newScanner builds a device scanner from the discovery section.
func newScanner(cfg *config.Config) *discovery.Scanner {
	return discovery.NewScanner(discovery.Config{
		Interval:       cfg.ScanInterval(),
		SerialMarkers:  cfg.Discovery.SerialMarkers,
		USBVendorIDs:   cfg.Discovery.USBVendorIDs,
		WebcamDefaults: cfg.Discovery.WebcamDefaults,
		Hotplug:        cfg.Hotplug(),
	})
}

// resolvePort fills an empty serial.port with the first discovered
// candidate. It does nothing in simulator mode.
func resolvePort(ctx context.Context, cfg *config.Config, s *discovery.Scanner) {
	if cfg.Simulator() || cfg.Serial.Port != "" {
		return
	}
	s.Scan(ctx)
	if port, ok := s.SuggestedPort(); ok && cfg.ApplyDiscoveredPort(port) {
		debug.Info("Using discovered relay port %s", port)
		return
	}
	debug.Warn("No relay board found, falling back to %s", cfg.SerialPort())
}

// sessionParams returns the capture parameters for cfg.
func sessionParams(cfg *config.Config, ctrl *motion.Controller) capture.TurntableParams {
	return capture.TurntableParams{
		Plan:          geometry.CalculateTurntablePlan(cfg, ctrl.Duration),
		ShotDelay:     cfg.ShotDelay(),
		PostShotDelay: cfg.PostShotDelay(),
	}
}

// executeCapture runs a full turn with the given overrides applied to a
// copy of the base config.
func executeCapture(ctx context.Context, base *config.Config, r *rig, overrides config.Overrides) (capture.Result, error) {
	cfg := base.WithOverrides(overrides)
	ctrl := r.controller(cfg)
	params := sessionParams(cfg, ctrl)

	debug.PrintStruct("Overrides", overrides)
	debug.Section("Turntable plan")
	debug.Value("Steps", params.Plan.Steps)
	debug.Value("Step degrees", params.Plan.StepDegrees)
	debug.Value("From field of view", params.Plan.FromFOV)
	debug.Value("Pulse per step", params.Plan.PulseDuration)
	debug.Value("Total rotation time", params.Plan.TotalDuration)

	seq := capture.NewSequence(ctrl, r.cam, cfg.Camera.PhotoDir)
	return seq.RunTurntable(ctx, params)
}
