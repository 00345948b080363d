package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/hw/camera"
	"github.com/cjeanneret/turntable360/internal/logic/geometry"
)

var ErrNoSteps = errors.New("turntable plan has no steps")

// Rotator turns the table; motion.Controller implements it. Rotate blocks
// for the whole pulse and cannot be interrupted.
type Rotator interface {
	Rotate(degrees float64) error
}

// Sequence alternates rotations and photos to build a 360° image set.
type Sequence struct {
	rotator  Rotator
	camera   camera.Camera
	photoDir string
	sleep    func(ctx context.Context, d time.Duration) error
	newID    func() string
}

// NewSequence creates a capture sequence writing photos under photoDir.
func NewSequence(r Rotator, c camera.Camera, photoDir string) *Sequence {
	return &Sequence{
		rotator:  r,
		camera:   c,
		photoDir: photoDir,
		sleep:    sleepCtx,
		newID:    func() string { return uuid.NewString() },
	}
}

// TurntableParams defines one capture session.
type TurntableParams struct {
	Plan *geometry.TurntablePlan // steps and step angle

	ShotDelay     time.Duration // settle after rotation, before the shot
	PostShotDelay time.Duration // delay after the shot, before the next rotation
}

// Result describes a finished (or interrupted) session.
type Result struct {
	SessionID string        `json:"session_id"`
	Dir       string        `json:"dir"`
	Photos    []string      `json:"photos"`
	Planned   int           `json:"planned"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Complete reports whether every planned photo was taken.
func (r Result) Complete() bool {
	return len(r.Photos) == r.Planned
}

// RunTurntable runs Plan.Steps pairs of rotate -> settle -> shoot -> wait.
// The context is checked between pairs only: a started rotation always runs
// to completion. The returned Result lists the photos taken so far, also on
// error.
func (s *Sequence) RunTurntable(ctx context.Context, p TurntableParams) (Result, error) {
	if p.Plan == nil || p.Plan.Steps < 1 {
		return Result{}, ErrNoSteps
	}
	start := time.Now()
	id := s.newID()
	res := Result{
		SessionID: id,
		Dir:       filepath.Join(s.photoDir, id),
		Planned:   p.Plan.Steps,
	}

	debug.Section("Turntable session " + id)
	debug.Plan(p.Plan.Steps, p.Plan.StepDegrees, p.Plan.PulseDuration)

	for i := 1; i <= p.Plan.Steps; i++ {
		if err := ctx.Err(); err != nil {
			debug.Info("Session %s stopped after %d/%d photos", id, len(res.Photos), p.Plan.Steps)
			res.Elapsed = time.Since(start)
			return res, err
		}

		dest := filepath.Join(res.Dir, fmt.Sprintf("%03d.jpg", i))
		if err := s.pair(ctx, p, p.Plan.StepDegrees, dest); err != nil {
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("step %d/%d: %w", i, p.Plan.Steps, err)
		}
		res.Photos = append(res.Photos, dest)
		debug.Shot(i, p.Plan.Steps, dest)
	}

	res.Elapsed = time.Since(start)
	debug.Summary(fmt.Sprintf("Session %s complete: %d photos in %v", id, len(res.Photos), res.Elapsed.Round(time.Second)))
	return res, nil
}

// RotateAndShoot performs a single pair and returns the photo path.
func (s *Sequence) RotateAndShoot(ctx context.Context, degrees float64, p TurntableParams) (string, error) {
	dest := filepath.Join(s.photoDir, fmt.Sprintf("photo_%d.jpg", time.Now().UnixMilli()))
	if err := s.pair(ctx, p, degrees, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *Sequence) pair(ctx context.Context, p TurntableParams, degrees float64, dest string) error {
	if err := s.rotator.Rotate(degrees); err != nil {
		return fmt.Errorf("rotate %.2f°: %w", degrees, err)
	}
	if err := s.sleep(ctx, p.ShotDelay); err != nil {
		return err
	}
	if err := s.camera.Shoot(ctx, dest); err != nil {
		return fmt.Errorf("shoot: %w", err)
	}
	return s.sleep(ctx, p.PostShotDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
