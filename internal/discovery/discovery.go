// Package discovery keeps a snapshot of the hardware plugged into the host:
// serial boards that may drive the relay, V4L2 webcams and gphoto2 cameras.
package discovery

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/cjeanneret/turntable360/internal/debug"
)

const (
	// DefaultInterval is the period between two background scans.
	DefaultInterval = 10 * time.Second
	// ProbeTimeout bounds one webcam capture probe.
	ProbeTimeout = 3 * time.Second
	// ToolTimeout bounds gphoto2 and v4l2-ctl listings.
	ToolTimeout = 10 * time.Second
)

var (
	DefaultSerialMarkers = []string{"arduino", "acm", "usb serial", "ch340", "cp210", "ftdi"}
	DefaultUSBVendorIDs  = []string{"2341", "2a03", "1a86", "0403", "10c4"}
	DefaultWebcamDevices = []string{"/dev/video0", "/dev/video1"}
)

// SerialCandidate is a serial port that looks like a microcontroller board.
type SerialCandidate struct {
	Port        string `json:"port"`
	Description string `json:"description"`
	VID         string `json:"vid,omitempty"`
	PID         string `json:"pid,omitempty"`
	USB         bool   `json:"usb"`
}

// Gphoto2Camera is one row of `gphoto2 --auto-detect`.
type Gphoto2Camera struct {
	Model string `json:"model"`
	Port  string `json:"port"`
}

// Snapshot is a complete scan result. It is replaced as a whole; readers
// always get a deep copy.
type Snapshot struct {
	Webcams          []string          `json:"webcams"`
	Gphoto2Cameras   []Gphoto2Camera   `json:"gphoto2"`
	SerialCandidates []SerialCandidate `json:"serial"`
	ScannedAt        time.Time         `json:"scanned_at"`
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Webcams:          append([]string{}, s.Webcams...),
		Gphoto2Cameras:   append([]Gphoto2Camera{}, s.Gphoto2Cameras...),
		SerialCandidates: append([]SerialCandidate{}, s.SerialCandidates...),
		ScannedAt:        s.ScannedAt,
	}
}

// Config tunes the scanner. Zero values fall back to the package defaults.
type Config struct {
	Interval       time.Duration
	SerialMarkers  []string
	USBVendorIDs   []string
	WebcamDefaults []string
	Hotplug        bool
}

// PortLister enumerates serial ports.
type PortLister func() ([]*enumerator.PortDetails, error)

// Runner executes an external program and returns its standard output.
// A non-zero exit status is an error.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output() //nolint:gosec
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPortLister replaces the serial enumerator.
func WithPortLister(l PortLister) Option {
	return func(s *Scanner) {
		if l != nil {
			s.listPorts = l
		}
	}
}

// WithRunner replaces the external command runner.
func WithRunner(r Runner) Option {
	return func(s *Scanner) {
		if r != nil {
			s.run = r
		}
	}
}

// WithLookPath replaces exec.LookPath.
func WithLookPath(f func(string) (string, error)) Option {
	return func(s *Scanner) {
		if f != nil {
			s.lookPath = f
		}
	}
}

// WithVideoNodes replaces the /dev/video* glob and the existence check.
func WithVideoNodes(glob func() []string, exists func(string) bool) Option {
	return func(s *Scanner) {
		if glob != nil {
			s.globVideo = glob
		}
		if exists != nil {
			s.exists = exists
		}
	}
}

// Scanner periodically rebuilds the device snapshot. One scan runs at a
// time; Snapshot never observes a partially built result.
type Scanner struct {
	cfg       Config
	listPorts PortLister
	run       Runner
	lookPath  func(string) (string, error)
	globVideo func() []string
	exists    func(string) bool

	scanMu sync.Mutex // one scan cycle at a time

	mu   sync.RWMutex
	snap Snapshot

	refresh chan struct{}
}

// NewScanner creates a scanner with an empty snapshot.
func NewScanner(cfg Config, opts ...Option) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if len(cfg.SerialMarkers) == 0 {
		cfg.SerialMarkers = DefaultSerialMarkers
	}
	if len(cfg.USBVendorIDs) == 0 {
		cfg.USBVendorIDs = DefaultUSBVendorIDs
	}
	if len(cfg.WebcamDefaults) == 0 {
		cfg.WebcamDefaults = DefaultWebcamDevices
	}
	s := &Scanner{
		cfg:       cfg,
		listPorts: enumerator.GetDetailedPortsList,
		run:       execRunner,
		lookPath:  exec.LookPath,
		globVideo: func() []string {
			nodes, _ := filepath.Glob("/dev/video*")
			return nodes
		},
		exists:  pathExists,
		refresh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a deep copy of the last complete scan. Lists are never nil.
func (s *Scanner) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Scan runs one full discovery cycle, replaces the snapshot and returns a
// copy of it. Probe failures yield empty lists, never an error.
func (s *Scanner) Scan(ctx context.Context) Snapshot {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	next := Snapshot{
		SerialCandidates: s.scanSerial(),
		Webcams:          s.scanWebcams(ctx),
		Gphoto2Cameras:   s.scanGphoto2(ctx),
		ScannedAt:        time.Now(),
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	debug.Verbose("Discovery: %d webcams, %d gphoto2 cameras, %d serial candidates",
		len(next.Webcams), len(next.Gphoto2Cameras), len(next.SerialCandidates))
	return next.clone()
}

// Refresh asks Run for an immediate rescan. It never blocks; requests made
// while one is pending are merged.
func (s *Scanner) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Run scans immediately, then on every interval tick or refresh request,
// until ctx is done. With hotplug enabled, udev add/remove events for serial,
// video and USB devices request a refresh.
func (s *Scanner) Run(ctx context.Context) {
	if s.cfg.Hotplug {
		mon := newHotplugMonitor(s.Refresh)
		mon.Start(ctx)
		defer mon.Stop()
	}

	s.Scan(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.refresh:
		}
		s.Scan(ctx)
	}
}

// SuggestedPort returns the first serial candidate of the last scan.
func (s *Scanner) SuggestedPort() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snap.SerialCandidates) == 0 {
		return "", false
	}
	return s.snap.SerialCandidates[0].Port, true
}

// ---------- serial ----------

func (s *Scanner) scanSerial() []SerialCandidate {
	ports, err := s.listPorts()
	if err != nil {
		debug.Warn("Discovery: serial enumeration failed: %v", err)
		return []SerialCandidate{}
	}
	out := []SerialCandidate{}
	for _, p := range ports {
		if p == nil || !s.isCandidate(p) {
			continue
		}
		out = append(out, SerialCandidate{
			Port:        p.Name,
			Description: p.Product,
			VID:         strings.ToLower(p.VID),
			PID:         strings.ToLower(p.PID),
			USB:         p.IsUSB,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (s *Scanner) isCandidate(p *enumerator.PortDetails) bool {
	haystack := strings.ToLower(p.Name + " " + p.Product)
	for _, marker := range s.cfg.SerialMarkers {
		if marker != "" && strings.Contains(haystack, strings.ToLower(marker)) {
			return true
		}
	}
	if p.IsUSB && p.VID != "" {
		for _, vid := range s.cfg.USBVendorIDs {
			if strings.EqualFold(p.VID, vid) {
				return true
			}
		}
	}
	return false
}

// ---------- webcams ----------

// scanWebcams probes the default nodes first; when none answers, every node
// listed by v4l2-ctl or present under /dev is probed. The working device
// comes first, followed by the other existing nodes.
func (s *Scanner) scanWebcams(ctx context.Context) []string {
	working := ""
	for _, dev := range s.cfg.WebcamDefaults {
		if s.probeWebcam(ctx, dev) {
			working = dev
			break
		}
	}

	nodes := s.videoNodes(ctx)
	if working == "" {
		for _, dev := range nodes {
			if contains(s.cfg.WebcamDefaults, dev) {
				continue
			}
			if s.probeWebcam(ctx, dev) {
				working = dev
				break
			}
		}
	}

	out := []string{}
	if working != "" {
		out = append(out, working)
	}
	for _, dev := range nodes {
		if dev != working && s.exists(dev) {
			out = append(out, dev)
		}
	}
	return out
}

func (s *Scanner) probeWebcam(ctx context.Context, dev string) bool {
	if ctx.Err() != nil || !s.exists(dev) {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	if _, err := s.run(ctx, "fswebcam", "-d", dev, "--no-banner", "/dev/null"); err != nil {
		debug.Trace("Discovery: webcam probe %s failed: %v", dev, err)
		return false
	}
	return true
}

// videoNodes merges v4l2-ctl output with the /dev/video* glob, sorted and
// without duplicates.
func (s *Scanner) videoNodes(ctx context.Context) []string {
	seen := map[string]bool{}
	var nodes []string
	add := func(dev string) {
		if dev != "" && !seen[dev] {
			seen[dev] = true
			nodes = append(nodes, dev)
		}
	}

	if _, err := s.lookPath("v4l2-ctl"); err == nil {
		tctx, cancel := context.WithTimeout(ctx, ToolTimeout)
		out, err := s.run(tctx, "v4l2-ctl", "--list-devices")
		cancel()
		if err == nil {
			for _, dev := range parseV4L2Devices(string(out)) {
				add(dev)
			}
		}
	}
	for _, dev := range s.globVideo() {
		add(dev)
	}
	sort.Strings(nodes)
	return nodes
}

func parseV4L2Devices(out string) []string {
	var devs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/dev/video") {
			devs = append(devs, line)
		}
	}
	return devs
}

// ---------- gphoto2 ----------

func (s *Scanner) scanGphoto2(ctx context.Context) []Gphoto2Camera {
	if _, err := s.lookPath("gphoto2"); err != nil {
		return []Gphoto2Camera{}
	}
	ctx, cancel := context.WithTimeout(ctx, ToolTimeout)
	defer cancel()
	out, err := s.run(ctx, "gphoto2", "--auto-detect")
	if err != nil {
		debug.Warn("Discovery: gphoto2 --auto-detect failed: %v", err)
		return []Gphoto2Camera{}
	}
	return parseAutoDetect(string(out))
}

// parseAutoDetect reads the table printed by `gphoto2 --auto-detect`:
//
//	Model                          Port
//	----------------------------------------------------------
//	Nikon DSC D90 (PTP mode)       usb:001,007
//
// Rows are only read after the dashed separator; output without one
// yields no cameras.
func parseAutoDetect(out string) []Gphoto2Camera {
	cams := []Gphoto2Camera{}
	inTable := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !inTable {
			inTable = isSeparator(line)
			continue
		}
		if line == "" {
			continue
		}
		model, port := splitColumns(line)
		cams = append(cams, Gphoto2Camera{Model: model, Port: port})
	}
	return cams
}

func isSeparator(line string) bool {
	return len(line) >= 3 && strings.Trim(line, "-") == ""
}

// splitColumns splits at the last run of two or more spaces.
func splitColumns(line string) (string, string) {
	idx := strings.LastIndex(line, "  ")
	if idx < 0 {
		return line, ""
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx:])
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
