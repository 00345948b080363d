package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cjeanneret/turntable360/internal/debug"
)

// Camera takes one photo and stores it at dest. Implementations that cannot
// store a file (a remote trigger) ignore dest.
type Camera interface {
	Shoot(ctx context.Context, dest string) error
}

// Runner executes an external program and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs name through os/exec with stdin closed so tools never
// wait for an interactive answer.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Stdin = nil
	return cmd.CombinedOutput()
}

// Option configures the command-line cameras.
type Option func(*options)

type options struct {
	run     Runner
	timeout time.Duration
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(o *options) {
		if r != nil {
			o.run = r
		}
	}
}

// WithTimeout bounds one capture.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(defaultTimeout time.Duration, opts []Option) options {
	o := options{run: ExecRunner, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// capture runs one tool invocation that must leave a file at dest.
func capture(ctx context.Context, o options, dest, name string, args ...string) error {
	if dest == "" {
		return fmt.Errorf("%s: destination path required", name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create photo directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	debug.Trace("Camera: %s %v", name, args)
	out, err := o.run(ctx, name, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s: camera did not answer within %v", name, o.timeout)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, trimOutput(out))
	}
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("%s: no photo written to %s: %s", name, dest, trimOutput(out))
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: empty photo at %s", name, dest)
	}
	return nil
}

func trimOutput(out []byte) string {
	const max = 200
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return string(out)
}

// sleepCtx waits d or until ctx is done.
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
