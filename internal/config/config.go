package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SerialConfig describes the link to the relay microcontroller.
type SerialConfig struct {
	Port            string `yaml:"port"`              // e.g. /dev/ttyACM0; empty = use discovery suggestion
	BaudRate        int    `yaml:"baud_rate"`         // firmware baud rate
	IOTimeoutMs     int    `yaml:"io_timeout_ms"`     // timeout for open/write/read
	ErrorCooldownMs int    `yaml:"error_cooldown_ms"` // wait after a failed attempt before the next
	LockFile        string `yaml:"lock_file"`         // single-process lock; empty = derived from port
}

// RotationConfig holds the calibration of the motor/relay assembly.
type RotationConfig struct {
	CalibratedSpeedDps float64 `yaml:"calibrated_speed_dps"` // measured degrees per second
	StepDegrees        float64 `yaml:"step_degrees"`         // rotation between two photos
}

// ResolutionConfig is the capture resolution in pixels.
type ResolutionConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CameraConfig describes how photos are taken.
// Type selects a concrete implementation.
type CameraConfig struct {
	Type            string           `yaml:"type"`               // gphoto2, webcam, nikon_d90_gpio, simulated
	DevicePath      string           `yaml:"device_path"`        // webcam device node
	Resolution      ResolutionConfig `yaml:"resolution"`         // webcam resolution
	PhotoDir        string           `yaml:"photo_dir"`          // where captures are written
	FocusPin        int              `yaml:"focus_pin"`          // GPIO pin for FOCUS line
	ShutterPin      int              `yaml:"shutter_pin"`        // GPIO pin for SHUTTER line
	FocusDelayMs    int              `yaml:"focus_delay_ms"`     // autofocus delay (ms)
	ShutterDelayMs  int              `yaml:"shutter_delay_ms"`   // shutter hold time (ms)
	ShotDelayMs     int              `yaml:"shot_delay_ms"`      // settle after rotation before shooting (ms)
	PostShotDelayMs int              `yaml:"post_shot_delay_ms"` // delay after shot before rotating (ms)
}

// LensConfig describes the mounted lens.
type LensConfig struct {
	Name          string  `yaml:"name"`
	FocalLengthMm float64 `yaml:"focal_length_mm"`
}

// SensorConfig is optional: physical sensor size in mm. When present, the
// step angle is derived from the field of view.
type SensorConfig struct {
	WidthMm  float64 `yaml:"width_mm"`
	HeightMm float64 `yaml:"height_mm"`
}

// DiscoveryConfig tunes the background device scan.
type DiscoveryConfig struct {
	ScanIntervalS  int      `yaml:"scan_interval_s"`
	SerialMarkers  []string `yaml:"serial_markers"`  // case-insensitive substrings of name/description
	USBVendorIDs   []string `yaml:"usb_vendor_ids"`  // hex VIDs of known microcontroller boards
	WebcamDefaults []string `yaml:"webcam_defaults"` // probed first, in order
	Hotplug        *bool    `yaml:"hotplug"`         // rescan on udev events (default true)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel     int     `yaml:"debug_level"`     // 0=off, 1=info, 2=live, 3=verbose, 4=trace
	Simulator      *bool   `yaml:"simulator"`       // no hardware: rotations are logged only (default true)
	MockGPIO       bool    `yaml:"mock_gpio"`       // use mock GPIO for the camera trigger
	OverlapPercent float64 `yaml:"overlap_percent"` // desired overlap between photos (0-100)
}

// Config aggregates all application configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Camera    CameraConfig    `yaml:"camera"`
	Lens      LensConfig      `yaml:"lens"`
	Sensor    *SensorConfig   `yaml:"sensor,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// Camera types.
const (
	CameraGphoto2   = "gphoto2"
	CameraWebcam    = "webcam"
	CameraNikonGPIO = "nikon_d90_gpio"
	CameraSimulated = "simulated"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration (simulator on, no file needed).
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.IOTimeoutMs <= 0 {
		c.Serial.IOTimeoutMs = 2000
	}
	if c.Serial.ErrorCooldownMs <= 0 {
		c.Serial.ErrorCooldownMs = 5000
	}

	if c.Rotation.CalibratedSpeedDps == 0 {
		c.Rotation.CalibratedSpeedDps = 0.8 // measured on the reference build
	}
	if c.Rotation.StepDegrees == 0 {
		c.Rotation.StepDegrees = 15
	}

	if c.Camera.Type == "" {
		c.Camera.Type = CameraSimulated
	}
	if c.Camera.DevicePath == "" {
		c.Camera.DevicePath = "/dev/video0"
	}
	if c.Camera.Resolution.Width <= 0 {
		c.Camera.Resolution.Width = 1280
	}
	if c.Camera.Resolution.Height <= 0 {
		c.Camera.Resolution.Height = 720
	}
	if c.Camera.PhotoDir == "" {
		c.Camera.PhotoDir = filepath.Join("static", "photos")
	}
	if c.Camera.FocusDelayMs <= 0 {
		c.Camera.FocusDelayMs = 500
	}
	if c.Camera.ShutterDelayMs <= 0 {
		c.Camera.ShutterDelayMs = 200
	}
	if c.Camera.ShotDelayMs <= 0 {
		c.Camera.ShotDelayMs = 500
	}
	if c.Camera.PostShotDelayMs <= 0 {
		c.Camera.PostShotDelayMs = 300
	}

	if c.Discovery.ScanIntervalS <= 0 {
		c.Discovery.ScanIntervalS = 10
	}
	if len(c.Discovery.SerialMarkers) == 0 {
		c.Discovery.SerialMarkers = []string{"arduino", "acm", "usb serial", "ch340", "cp210", "ftdi"}
	}
	if len(c.Discovery.USBVendorIDs) == 0 {
		c.Discovery.USBVendorIDs = []string{"2341", "2a03", "1a86", "0403", "10c4"}
	}
	if len(c.Discovery.WebcamDefaults) == 0 {
		c.Discovery.WebcamDefaults = []string{"/dev/video0", "/dev/video1"}
	}
	if c.Discovery.Hotplug == nil {
		c.Discovery.Hotplug = boolPtr(true)
	}

	if c.Defaults.Simulator == nil {
		c.Defaults.Simulator = boolPtr(true)
	}
	if c.Defaults.OverlapPercent == 0 {
		c.Defaults.OverlapPercent = 30
	}
}

// Validate checks ranges after defaults have been applied.
func (c *Config) Validate() error {
	speed := c.Rotation.CalibratedSpeedDps
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return fmt.Errorf("rotation.calibrated_speed_dps must be > 0, got %g", speed)
	}
	step := c.Rotation.StepDegrees
	if math.IsNaN(step) || step <= 0 || step > 360 {
		return fmt.Errorf("rotation.step_degrees must be between 0 and 360, got %g", step)
	}
	if c.Defaults.OverlapPercent < 0 || c.Defaults.OverlapPercent >= 100 {
		return fmt.Errorf("overlap_percent must be between 0 and 100, got %.2f", c.Defaults.OverlapPercent)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	switch c.Camera.Type {
	case CameraGphoto2, CameraWebcam, CameraSimulated:
	case CameraNikonGPIO:
		if c.Camera.FocusPin <= 0 || c.Camera.ShutterPin <= 0 {
			return fmt.Errorf("camera.focus_pin and camera.shutter_pin are required for %s", CameraNikonGPIO)
		}
	default:
		return fmt.Errorf("unsupported camera type: %s", c.Camera.Type)
	}
	if c.Sensor != nil {
		if c.Sensor.WidthMm <= 0 {
			return fmt.Errorf("sensor.width_mm must be > 0")
		}
		if c.Lens.FocalLengthMm <= 0 {
			return fmt.Errorf("lens.focal_length_mm must be > 0 when a sensor is configured")
		}
	}
	return nil
}

// ApplyDiscoveredPort fills an empty serial port with a discovered one.
// It reports whether the config changed.
func (c *Config) ApplyDiscoveredPort(port string) bool {
	if strings.TrimSpace(c.Serial.Port) != "" || strings.TrimSpace(port) == "" {
		return false
	}
	c.Serial.Port = port
	return true
}

// DefaultSerialPort is used when neither the file nor discovery names a port.
const DefaultSerialPort = "/dev/ttyACM0"

// SerialPort returns the configured port, or DefaultSerialPort.
func (c *Config) SerialPort() string {
	if p := strings.TrimSpace(c.Serial.Port); p != "" {
		return p
	}
	return DefaultSerialPort
}

// Simulator reports whether hardware access is disabled.
func (c *Config) Simulator() bool {
	return c.Defaults.Simulator != nil && *c.Defaults.Simulator
}

// Hotplug reports whether discovery should listen for udev events.
func (c *Config) Hotplug() bool {
	return c.Discovery.Hotplug == nil || *c.Discovery.Hotplug
}

// IOTimeout returns the serial I/O timeout.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.Serial.IOTimeoutMs) * time.Millisecond
}

// ErrorCooldown returns the wait after a failed connection attempt.
func (c *Config) ErrorCooldown() time.Duration {
	return time.Duration(c.Serial.ErrorCooldownMs) * time.Millisecond
}

// LockPath returns the lock file guarding the serial device.
func (c *Config) LockPath() string {
	if c.Serial.LockFile != "" {
		return c.Serial.LockFile
	}
	return filepath.Join(os.TempDir(), "turntable360-"+filepath.Base(c.SerialPort())+".lock")
}

// ScanInterval returns the device discovery period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Discovery.ScanIntervalS) * time.Second
}

// OverlapRatio returns the overlap as a ratio (0.0 to 1.0).
func (c *Config) OverlapRatio() float64 {
	return c.Defaults.OverlapPercent / 100.0
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// ShotDelay returns the settle time between the end of a rotation and the shot.
func (c *Config) ShotDelay() time.Duration {
	return time.Duration(c.Camera.ShotDelayMs) * time.Millisecond
}

// PostShotDelay returns the delay after shot before movement.
func (c *Config) PostShotDelay() time.Duration {
	return time.Duration(c.Camera.PostShotDelayMs) * time.Millisecond
}

// Overrides are per-run adjustments from the CLI or the web form.
// Zero means "use the configured value".
type Overrides struct {
	StepDegrees     float64 `json:"step_degrees"`
	CalibratedSpeed float64 `json:"calibrated_speed_dps"`
	FocalLengthMm   float64 `json:"focal_length_mm"`
}

// ValidateOverrides checks non-zero overrides against their allowed ranges.
func ValidateOverrides(o Overrides) error {
	if o.StepDegrees != 0 {
		if math.IsNaN(o.StepDegrees) || math.IsInf(o.StepDegrees, 0) || o.StepDegrees <= 0 || o.StepDegrees > 360 {
			return fmt.Errorf("step_degrees must be between 0 and 360, got %g", o.StepDegrees)
		}
	}
	if o.CalibratedSpeed != 0 {
		if math.IsNaN(o.CalibratedSpeed) || math.IsInf(o.CalibratedSpeed, 0) || o.CalibratedSpeed <= 0 || o.CalibratedSpeed > 360 {
			return fmt.Errorf("calibrated_speed_dps must be between 0 and 360, got %g", o.CalibratedSpeed)
		}
	}
	if o.FocalLengthMm != 0 {
		if math.IsNaN(o.FocalLengthMm) || math.IsInf(o.FocalLengthMm, 0) || o.FocalLengthMm <= 0 || o.FocalLengthMm > 500 {
			return fmt.Errorf("focal_length_mm must be between 1 and 500, got %g", o.FocalLengthMm)
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cfg := *c
	if c.Sensor != nil {
		sensor := *c.Sensor
		cfg.Sensor = &sensor
	}
	if c.Discovery.Hotplug != nil {
		cfg.Discovery.Hotplug = boolPtr(*c.Discovery.Hotplug)
	}
	if c.Defaults.Simulator != nil {
		cfg.Defaults.Simulator = boolPtr(*c.Defaults.Simulator)
	}
	cfg.Discovery.SerialMarkers = append([]string(nil), c.Discovery.SerialMarkers...)
	cfg.Discovery.USBVendorIDs = append([]string(nil), c.Discovery.USBVendorIDs...)
	cfg.Discovery.WebcamDefaults = append([]string(nil), c.Discovery.WebcamDefaults...)
	return &cfg
}

// SetSimulator switches hardware access off (true) or on (false).
func (c *Config) SetSimulator(on bool) {
	c.Defaults.Simulator = boolPtr(on)
}

// WithOverrides returns a copy of c with the non-zero overrides applied.
func (c *Config) WithOverrides(o Overrides) *Config {
	cfg := c.Clone()
	if o.StepDegrees > 0 {
		// An explicit step replaces the one derived from the field of view.
		cfg.Rotation.StepDegrees = o.StepDegrees
		cfg.Sensor = nil
	}
	if o.CalibratedSpeed > 0 {
		cfg.Rotation.CalibratedSpeedDps = o.CalibratedSpeed
	}
	if o.FocalLengthMm > 0 {
		cfg.Lens.FocalLengthMm = o.FocalLengthMm
	}
	return cfg
}

func boolPtr(b bool) *bool { return &b }
