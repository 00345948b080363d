package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/turntable360/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls    []gpioCall
	writeErr map[int]error
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	if level == gpio.Low {
		return d.writeErr[pin]
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) { return gpio.Low, nil }
func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func TestNikonD90GPIO_PinsInitializedHigh(t *testing.T) {
	drv := &recordingDriver{}
	if _, err := NewNikonD90GPIO(drv, 24, 25, time.Millisecond, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	want := []gpioCall{{"write", 24, gpio.High}, {"write", 25, gpio.High}}
	got := drv.writeCalls()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNikonD90GPIO_ShootSequence(t *testing.T) {
	drv := &recordingDriver{}
	cam, _ := NewNikonD90GPIO(drv, 24, 25, time.Microsecond, time.Microsecond)
	drv.calls = nil

	if err := cam.Shoot(context.Background(), "ignored.jpg"); err != nil {
		t.Fatalf("Shoot: %v", err)
	}

	expected := []gpioCall{
		{"write", 24, gpio.Low},  // focus
		{"write", 25, gpio.Low},  // shutter
		{"write", 25, gpio.High}, // release shutter
		{"write", 24, gpio.High}, // release focus
	}
	writes := drv.writeCalls()
	if len(writes) != len(expected) {
		t.Fatalf("expected %d writes, got %d: %v", len(expected), len(writes), writes)
	}
	for i, exp := range expected {
		if writes[i] != exp {
			t.Errorf("step %d: got %v, want %v", i, writes[i], exp)
		}
	}
}

func TestNikonD90GPIO_ShutterFailureReleasesLines(t *testing.T) {
	drv := &recordingDriver{writeErr: map[int]error{25: errors.New("pin busy")}}
	cam, _ := NewNikonD90GPIO(drv, 24, 25, time.Microsecond, time.Microsecond)
	drv.calls = nil

	if err := cam.Shoot(context.Background(), ""); err == nil {
		t.Fatal("expected shutter error")
	}
	writes := drv.writeCalls()
	last := writes[len(writes)-2:]
	if last[0] != (gpioCall{"write", 25, gpio.High}) || last[1] != (gpioCall{"write", 24, gpio.High}) {
		t.Errorf("lines not released: %v", writes)
	}
}

func TestNikonD90GPIO_CancelledDuringFocus(t *testing.T) {
	drv := &recordingDriver{}
	cam, _ := NewNikonD90GPIO(drv, 24, 25, time.Hour, time.Millisecond)
	drv.calls = nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cam.Shoot(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shoot = %v, want context.Canceled", err)
	}
	for _, c := range drv.writeCalls() {
		if c.pin == 25 && c.level == gpio.Low {
			t.Error("shutter must not fire after cancellation")
		}
	}
}

func TestNikonD90GPIO_WithMockDriver(t *testing.T) {
	drv := gpio.NewMockDriver()
	cam, err := NewNikonD90GPIO(drv, 24, 25, time.Microsecond, time.Microsecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := cam.Shoot(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if drv.Level(24) != gpio.High || drv.Level(25) != gpio.High {
		t.Error("lines should be inactive after a shot")
	}
}

// ---------- command-line cameras ----------

type runCall struct {
	name string
	args []string
}

// fakeRunner records invocations and writes a photo to the last argument
// that looks like a destination.
func fakeRunner(calls *[]runCall, write bool, err error) Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, runCall{name: name, args: append([]string(nil), args...)})
		if err != nil {
			return []byte("*** Error: no camera found"), err
		}
		if write {
			dest := args[len(args)-1]
			if werr := os.WriteFile(dest, []byte("jpeg"), 0o644); werr != nil {
				return nil, werr
			}
		}
		return []byte("ok"), nil
	}
}

func TestGphoto2_Shoot(t *testing.T) {
	var calls []runCall
	dest := filepath.Join(t.TempDir(), "session", "001.jpg")
	cam := NewGphoto2(WithRunner(fakeRunner(&calls, true, nil)))

	if err := cam.Shoot(context.Background(), dest); err != nil {
		t.Fatalf("Shoot: %v", err)
	}
	if len(calls) != 1 || calls[0].name != "gphoto2" {
		t.Fatalf("calls = %v", calls)
	}
	want := "--force-overwrite --capture-image-and-download --filename " + dest
	if got := strings.Join(calls[0].args, " "); got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestGphoto2_NoFileWritten(t *testing.T) {
	var calls []runCall
	cam := NewGphoto2(WithRunner(fakeRunner(&calls, false, nil)))
	if err := cam.Shoot(context.Background(), filepath.Join(t.TempDir(), "x.jpg")); err == nil {
		t.Error("expected error when no photo is written")
	}
}

func TestGphoto2_ToolFailure(t *testing.T) {
	var calls []runCall
	cam := NewGphoto2(WithRunner(fakeRunner(&calls, false, errors.New("exit status 1"))))
	err := cam.Shoot(context.Background(), filepath.Join(t.TempDir(), "x.jpg"))
	if err == nil || !strings.Contains(err.Error(), "no camera found") {
		t.Errorf("Shoot = %v, want tool output in error", err)
	}
}

func TestGphoto2_Timeout(t *testing.T) {
	slow := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cam := NewGphoto2(WithRunner(slow), WithTimeout(10*time.Millisecond))
	err := cam.Shoot(context.Background(), filepath.Join(t.TempDir(), "x.jpg"))
	if err == nil || !strings.Contains(err.Error(), "did not answer") {
		t.Errorf("Shoot = %v, want timeout error", err)
	}
}

func TestWebcam_Shoot(t *testing.T) {
	var calls []runCall
	dest := filepath.Join(t.TempDir(), "001.jpg")
	cam := NewWebcam("/dev/video2", 1280, 720, WithRunner(fakeRunner(&calls, true, nil)))

	if err := cam.Shoot(context.Background(), dest); err != nil {
		t.Fatalf("Shoot: %v", err)
	}
	want := "-d /dev/video2 -r 1280x720 --no-banner " + dest
	if calls[0].name != "fswebcam" || strings.Join(calls[0].args, " ") != want {
		t.Errorf("call = %v, want fswebcam %s", calls[0], want)
	}
}

func TestCommandCamera_EmptyDest(t *testing.T) {
	var calls []runCall
	cam := NewWebcam("/dev/video0", 640, 480, WithRunner(fakeRunner(&calls, true, nil)))
	if err := cam.Shoot(context.Background(), ""); err == nil {
		t.Error("expected error for empty destination")
	}
	if len(calls) != 0 {
		t.Error("tool must not run without a destination")
	}
}

func TestSimulated_RecordsShots(t *testing.T) {
	cam := NewSimulated()
	_ = cam.Shoot(context.Background(), "a.jpg")
	_ = cam.Shoot(context.Background(), "b.jpg")
	if got := strings.Join(cam.Shots(), ","); got != "a.jpg,b.jpg" {
		t.Errorf("Shots() = %s", got)
	}
}

func TestImplementations(t *testing.T) {
	var _ Camera = (*NikonD90GPIO)(nil)
	var _ Camera = (*Gphoto2)(nil)
	var _ Camera = (*Webcam)(nil)
	var _ Camera = (*Simulated)(nil)
}
