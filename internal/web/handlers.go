package web

import (
	"context"
	"encoding/json"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/turntable360/internal/config"
	"github.com/cjeanneret/turntable360/internal/debug"
	"github.com/cjeanneret/turntable360/internal/discovery"
	"github.com/cjeanneret/turntable360/internal/hw/relay"
)

// RotateFunc turns the table by degrees, takes a photo and returns its path.
type RotateFunc func(ctx context.Context, degrees float64) (string, error)

// RunCaptureFunc runs a full turntable session with the given overrides.
// It is called from the POST /run handler in a goroutine.
type RunCaptureFunc func(ctx context.Context, overrides config.Overrides) error

// DeviceScanner is the discovery view used by the device routes.
type DeviceScanner interface {
	Snapshot() discovery.Snapshot
	Scan(ctx context.Context) discovery.Snapshot
}

// LinkStatus reports the relay connection state.
type LinkStatus interface {
	Status() relay.Status
}

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	StepDegrees     float64 `json:"step_degrees"`
	CalibratedSpeed float64 `json:"calibrated_speed_dps"`
	FocalLengthMm   float64 `json:"focal_length_mm"`
	Steps           int     `json:"steps"`
	Simulator       bool    `json:"simulator"`
	CameraType      string  `json:"camera_type"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Simulator bool          `json:"simulator"`
	Busy      bool          `json:"busy"`
	Link      *relay.Status `json:"link,omitempty"`
	ScannedAt time.Time     `json:"devices_scanned_at"`
}

// Deps groups what the handlers need. Nil members disable their routes
// with 503 Service Unavailable.
type Deps struct {
	Broadcaster  *StatusBroadcaster
	Rotate       RotateFunc
	RunCapture   RunCaptureFunc
	Devices      DeviceScanner
	Link         LinkStatus
	Config       *config.Store
	FormDefaults FormConfig
}

const (
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes = 1 << 20
	// MinRunInterval is the minimum delay between two session starts.
	MinRunInterval = 5 * time.Second
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	staticFS fs.FS
	now      func() time.Time

	runningMu sync.Mutex
	running   bool
	lastRun   time.Time
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, staticFS fs.FS) *Handlers {
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}
	return &Handlers{Deps: deps, staticFS: staticFS, now: time.Now}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// tryStart marks the turntable busy. Only one rotation or session runs at a time.
func (h *Handlers) tryStart() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	if h.running {
		return false
	}
	h.running = true
	return true
}

func (h *Handlers) finish() {
	h.runningMu.Lock()
	h.running = false
	h.runningMu.Unlock()
}

// markRun records a session start, refusing one within MinRunInterval of the last.
func (h *Handlers) markRun() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	now := h.now()
	if !h.lastRun.IsZero() && now.Sub(h.lastRun) < MinRunInterval {
		return false
	}
	h.lastRun = now
	return true
}

func (h *Handlers) busy() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

type rotateRequest struct {
	Degrees *float64 `json:"degrees"`
}

// HandleRotate handles POST /rotate: one rotation followed by one photo.
// The request blocks for the whole relay pulse.
func (h *Handlers) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req rotateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Degrees == nil {
		writeError(w, http.StatusBadRequest, "degrees is required")
		return
	}
	deg := *req.Degrees
	if math.IsNaN(deg) || math.IsInf(deg, 0) || math.Abs(deg) > 360 {
		writeError(w, http.StatusBadRequest, "degrees must be between -360 and 360")
		return
	}
	if h.Rotate == nil {
		writeError(w, http.StatusServiceUnavailable, "rotation not configured")
		return
	}
	if !h.tryStart() {
		writeError(w, http.StatusConflict, "turntable busy")
		return
	}
	defer h.finish()

	photo, err := h.Rotate(r.Context(), deg)
	if err != nil {
		debug.Errorf("Web: rotate %.2f° failed: %v", deg, err)
		h.Broadcaster.Broadcast("error", "Rotation failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "photo": photo})
}

// HandleRun handles POST /run to start a full session.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var overrides config.Overrides
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &overrides); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if err := config.ValidateOverrides(overrides); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.RunCapture == nil {
		writeError(w, http.StatusServiceUnavailable, "capture not configured")
		return
	}
	if !h.tryStart() {
		writeError(w, http.StatusConflict, "capture already in progress")
		return
	}
	if !h.markRun() {
		h.finish()
		writeError(w, http.StatusTooManyRequests, "capture started too recently")
		return
	}

	go func() {
		defer h.finish()
		if err := h.RunCapture(context.Background(), overrides); err != nil {
			h.Broadcaster.Broadcast("error", "Capture failed: "+err.Error())
			debug.Errorf("Web: capture failed: %v", err)
			return
		}
		h.Broadcaster.Broadcast("info", "Sequence complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleDevices returns the last discovery snapshot.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if h.Devices == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.Devices.Snapshot())
}

// HandleDevicesRefresh runs a scan now and returns its result.
func (h *Handlers) HandleDevicesRefresh(w http.ResponseWriter, r *http.Request) {
	if h.Devices == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.Devices.Scan(r.Context()))
}

// HandleDevicesApply copies the discovered devices into the configuration:
// first serial candidate as relay port, first webcam (or gphoto2 camera) as
// camera, and the simulator off when anything was found. Hardware already
// open keeps its settings until restart.
func (h *Handlers) HandleDevicesApply(w http.ResponseWriter, r *http.Request) {
	if h.Devices == nil || h.Config == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery not configured")
		return
	}
	snap := h.Devices.Snapshot()
	var changed []string
	_, err := h.Config.Update(func(c *config.Config) {
		changed = ApplySnapshot(c, snap)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(changed) > 0 {
		debug.Info("Web: configuration updated from devices: %v", changed)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"changed":          changed,
		"restart_required": len(changed) > 0,
	})
}

// ApplySnapshot writes the discovered devices into cfg and returns the
// names of the changed settings.
func ApplySnapshot(cfg *config.Config, snap discovery.Snapshot) []string {
	changed := []string{}
	if len(snap.SerialCandidates) > 0 && cfg.Serial.Port != snap.SerialCandidates[0].Port {
		cfg.Serial.Port = snap.SerialCandidates[0].Port
		changed = append(changed, "serial.port")
	}
	switch {
	case len(snap.Webcams) > 0:
		if cfg.Camera.Type != config.CameraWebcam || cfg.Camera.DevicePath != snap.Webcams[0] {
			cfg.Camera.Type = config.CameraWebcam
			cfg.Camera.DevicePath = snap.Webcams[0]
			changed = append(changed, "camera")
		}
	case len(snap.Gphoto2Cameras) > 0:
		if cfg.Camera.Type != config.CameraGphoto2 {
			cfg.Camera.Type = config.CameraGphoto2
			changed = append(changed, "camera")
		}
	}
	found := len(snap.SerialCandidates) > 0 || len(snap.Webcams) > 0 || len(snap.Gphoto2Cameras) > 0
	if found && cfg.Simulator() {
		cfg.SetSimulator(false)
		changed = append(changed, "defaults.simulator")
	}
	return changed
}

// HandleStatus reports the link state without waiting for serial I/O.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Simulator: h.FormDefaults.Simulator,
		Busy:      h.busy(),
	}
	if h.Link != nil {
		st := h.Link.Status()
		resp.Link = &st
	}
	if h.Devices != nil {
		resp.ScannedAt = h.Devices.Snapshot().ScannedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
