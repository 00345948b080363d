package camera

import (
	"context"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// Gphoto2Timeout bounds one tethered capture.
const Gphoto2Timeout = 30 * time.Second

// Gphoto2 captures with a tethered DSLR through the gphoto2 tool.
type Gphoto2 struct {
	opts options
}

// NewGphoto2 creates a gphoto2 camera.
func NewGphoto2(opts ...Option) *Gphoto2 {
	return &Gphoto2{opts: buildOptions(Gphoto2Timeout, opts)}
}

// Shoot captures and downloads the image to dest.
func (g *Gphoto2) Shoot(ctx context.Context, dest string) error {
	debug.Printf("Camera: gphoto2 capture to %s", dest)
	return capture(ctx, g.opts, dest, "gphoto2",
		"--force-overwrite",
		"--capture-image-and-download",
		"--filename", dest,
	)
}
