package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// WebcamTimeout bounds one fswebcam grab.
const WebcamTimeout = 10 * time.Second

// Webcam grabs frames from a V4L2 device through fswebcam.
type Webcam struct {
	device        string
	width, height int
	opts          options
}

// NewWebcam creates a webcam camera on device (e.g. /dev/video0).
func NewWebcam(device string, width, height int, opts ...Option) *Webcam {
	return &Webcam{
		device: device,
		width:  width,
		height: height,
		opts:   buildOptions(WebcamTimeout, opts),
	}
}

// Device returns the V4L2 node in use.
func (w *Webcam) Device() string { return w.device }

// Shoot grabs one frame into dest.
func (w *Webcam) Shoot(ctx context.Context, dest string) error {
	debug.Printf("Camera: webcam %s capture to %s", w.device, dest)
	return capture(ctx, w.opts, dest, "fswebcam",
		"-d", w.device,
		"-r", fmt.Sprintf("%dx%d", w.width, w.height),
		"--no-banner",
		dest,
	)
}
