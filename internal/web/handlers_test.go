package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/turntable360/internal/config"
	"github.com/cjeanneret/turntable360/internal/discovery"
	"github.com/cjeanneret/turntable360/internal/hw/relay"
)

// ---------- fakes ----------

type fakeScanner struct {
	mu    sync.Mutex
	snap  discovery.Snapshot
	scans int
}

func (f *fakeScanner) Snapshot() discovery.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeScanner) Scan(_ context.Context) discovery.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	f.snap.ScannedAt = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	return f.snap
}

type fakeLink struct{ st relay.Status }

func (f fakeLink) Status() relay.Status { return f.st }

// ---------- helpers ----------

func newTestHandlers(deps Deps) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>turntable</html>")},
	}
	if deps.FormDefaults == (FormConfig{}) {
		deps.FormDefaults = FormConfig{
			StepDegrees:     15,
			CalibratedSpeed: 0.8,
			FocalLengthMm:   35,
			Steps:           24,
			Simulator:       true,
			CameraType:      config.CameraSimulated,
		}
	}
	return NewHandlers(deps, staticFS)
}

func noopCapture(_ context.Context, _ config.Overrides) error {
	return nil
}

func overridesJSON(o config.Overrides) []byte {
	data, _ := json.Marshal(o)
	return data
}

func post(h http.HandlerFunc, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// waitIdle waits for a background session to release the turntable.
func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.busy() {
		if time.Now().After(deadline) {
			t.Fatal("session did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// ---------- HandleRun ----------

func TestHandleRun_ValidPost(t *testing.T) {
	got := make(chan config.Overrides, 1)
	h := newTestHandlers(Deps{RunCapture: func(_ context.Context, o config.Overrides) error {
		got <- o
		return nil
	}})

	w := post(h.HandleRun, "/run", overridesJSON(config.Overrides{StepDegrees: 20, CalibratedSpeed: 1.2}))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if resp := decodeMap(t, w); resp["status"] != "started" {
		t.Errorf("response status = %v, want started", resp["status"])
	}
	select {
	case o := <-got:
		if o.StepDegrees != 20 || o.CalibratedSpeed != 1.2 {
			t.Errorf("overrides = %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("capture was not started")
	}
	waitIdle(t, h)
}

func TestHandleRun_EmptyBodyUsesConfig(t *testing.T) {
	got := make(chan config.Overrides, 1)
	h := newTestHandlers(Deps{RunCapture: func(_ context.Context, o config.Overrides) error {
		got <- o
		return nil
	}})

	w := post(h.HandleRun, "/run", nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if o := <-got; o != (config.Overrides{}) {
		t.Errorf("overrides = %+v, want zero", o)
	}
	waitIdle(t, h)
}

func TestHandleRun_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(Deps{RunCapture: noopCapture})
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRun_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"invalid_json", []byte("not json")},
		{"step_out_of_range", overridesJSON(config.Overrides{StepDegrees: 400})},
		{"negative_speed", overridesJSON(config.Overrides{CalibratedSpeed: -1})},
		{"focal_too_long", []byte(`{"focal_length_mm": 900}`)},
		{"oversized_body", []byte(strings.Repeat("x", 2<<20))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(Deps{RunCapture: noopCapture})
			if w := post(h.HandleRun, "/run", tc.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if h.busy() {
				t.Error("a rejected request must not mark the turntable busy")
			}
		})
	}
}

func TestHandleRun_NilRunCapture(t *testing.T) {
	h := newTestHandlers(Deps{})
	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_ConcurrentCapture(t *testing.T) {
	started := make(chan struct{})
	blocking := make(chan struct{})
	h := newTestHandlers(Deps{RunCapture: func(_ context.Context, _ config.Overrides) error {
		close(started)
		<-blocking
		return nil
	}})

	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	<-started

	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := post(h.HandleRotate, "/rotate", []byte(`{"degrees": 15}`)); w.Code != http.StatusConflict {
		t.Errorf("rotate during session: status = %d, want %d", w.Code, http.StatusConflict)
	}

	close(blocking)
	waitIdle(t, h)
}

func TestHandleRun_RateLimiting(t *testing.T) {
	h := newTestHandlers(Deps{RunCapture: noopCapture})
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitIdle(t, h)

	now = now.Add(MinRunInterval - time.Second)
	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("rate-limited request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if h.busy() {
		t.Error("a rate-limited request must release the turntable")
	}

	now = now.Add(2 * time.Second)
	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusAccepted {
		t.Errorf("after the interval: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitIdle(t, h)
}

func TestHandleRun_FailureIsBroadcast(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()
	h := newTestHandlers(Deps{
		Broadcaster: b,
		RunCapture: func(_ context.Context, _ config.Overrides) error {
			return errors.New("relay cooldown")
		},
	})

	if w := post(h.HandleRun, "/run", nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	evt := recvEvent(t, ch)
	if evt.Level != "error" || !strings.Contains(evt.Msg, "relay cooldown") {
		t.Errorf("event = %+v", evt)
	}
	waitIdle(t, h)
}

// ---------- HandleRotate ----------

func TestHandleRotate_Success(t *testing.T) {
	var gotDeg float64
	h := newTestHandlers(Deps{Rotate: func(_ context.Context, deg float64) (string, error) {
		gotDeg = deg
		return "static/photos/photo_1.jpg", nil
	}})

	w := post(h.HandleRotate, "/rotate", []byte(`{"degrees": -30}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["status"] != "success" || resp["photo"] != "static/photos/photo_1.jpg" {
		t.Errorf("response = %v", resp)
	}
	if gotDeg != -30 {
		t.Errorf("degrees passed = %v, want -30", gotDeg)
	}
	if h.busy() {
		t.Error("turntable should be released after the rotation")
	}
}

func TestHandleRotate_BadRequests(t *testing.T) {
	calls := 0
	h := newTestHandlers(Deps{Rotate: func(_ context.Context, _ float64) (string, error) {
		calls++
		return "", nil
	}})
	for _, body := range []string{``, `{}`, `{"degrees": "ten"}`, `{"degrees": 361}`, `{"degrees": -720}`} {
		if w := post(h.HandleRotate, "/rotate", []byte(body)); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
	if calls != 0 {
		t.Errorf("invalid requests reached the controller %d times", calls)
	}
}

func TestHandleRotate_FailureReturns500(t *testing.T) {
	h := newTestHandlers(Deps{Rotate: func(_ context.Context, _ float64) (string, error) {
		return "", errors.New("motor on: not connected")
	}})
	w := post(h.HandleRotate, "/rotate", []byte(`{"degrees": 15}`))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if resp := decodeMap(t, w); resp["status"] != "error" || !strings.Contains(resp["message"].(string), "not connected") {
		t.Errorf("response = %v", resp)
	}
}

func TestHandleRotate_NotConfigured(t *testing.T) {
	h := newTestHandlers(Deps{})
	if w := post(h.HandleRotate, "/rotate", []byte(`{"degrees": 15}`)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandleRotate_MethodNotAllowed(t *testing.T) {
	h := newTestHandlers(Deps{})
	w := httptest.NewRecorder()
	h.HandleRotate(w, httptest.NewRequest(http.MethodGet, "/rotate", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// ---------- devices ----------

func sampleSnapshot() discovery.Snapshot {
	return discovery.Snapshot{
		Webcams:          []string{"/dev/video2"},
		Gphoto2Cameras:   []discovery.Gphoto2Camera{{Model: "Nikon DSC D90", Port: "usb:001,004"}},
		SerialCandidates: []discovery.SerialCandidate{{Port: "/dev/ttyACM1", Description: "Arduino Uno", VID: "2341", PID: "0043", USB: true}},
	}
}

func TestHandleDevices(t *testing.T) {
	scanner := &fakeScanner{snap: sampleSnapshot()}
	h := newTestHandlers(Deps{Devices: scanner})

	w := httptest.NewRecorder()
	h.HandleDevices(w, httptest.NewRequest(http.MethodGet, "/devices", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap discovery.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.SerialCandidates) != 1 || snap.SerialCandidates[0].Port != "/dev/ttyACM1" {
		t.Errorf("serial = %+v", snap.SerialCandidates)
	}
	if len(snap.Webcams) != 1 || len(snap.Gphoto2Cameras) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if scanner.scans != 0 {
		t.Error("GET /devices must not trigger a scan")
	}
}

func TestHandleDevicesRefresh(t *testing.T) {
	scanner := &fakeScanner{snap: sampleSnapshot()}
	h := newTestHandlers(Deps{Devices: scanner})

	w := post(h.HandleDevicesRefresh, "/devices/refresh", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if scanner.scans != 1 {
		t.Errorf("scans = %d, want 1", scanner.scans)
	}
	var snap discovery.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.ScannedAt.IsZero() {
		t.Error("refreshed snapshot should carry its scan time")
	}
}

func TestHandleDevices_NotConfigured(t *testing.T) {
	h := newTestHandlers(Deps{})
	w := httptest.NewRecorder()
	h.HandleDevices(w, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /devices = %d, want 503", w.Code)
	}
	if w := post(h.HandleDevicesApply, "/devices/apply", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /devices/apply = %d, want 503", w.Code)
	}
}

func TestHandleDevicesApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turntable.yaml")
	store := config.NewStore(config.Default(), path)
	h := newTestHandlers(Deps{Devices: &fakeScanner{snap: sampleSnapshot()}, Config: store})

	w := post(h.HandleDevicesApply, "/devices/apply", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["restart_required"] != true {
		t.Errorf("response = %v", resp)
	}

	cfg := store.Get()
	if cfg.Serial.Port != "/dev/ttyACM1" {
		t.Errorf("serial.port = %q", cfg.Serial.Port)
	}
	if cfg.Camera.Type != config.CameraWebcam || cfg.Camera.DevicePath != "/dev/video2" {
		t.Errorf("camera = %s %s", cfg.Camera.Type, cfg.Camera.DevicePath)
	}
	if cfg.Simulator() {
		t.Error("simulator should be turned off once devices are found")
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("persisted config: %v", err)
	}
	if saved.Serial.Port != "/dev/ttyACM1" {
		t.Errorf("persisted serial.port = %q", saved.Serial.Port)
	}

	// a second apply with the same snapshot changes nothing
	resp = decodeMap(t, post(h.HandleDevicesApply, "/devices/apply", nil))
	if resp["restart_required"] != false {
		t.Errorf("second apply = %v", resp)
	}
}

func TestApplySnapshot(t *testing.T) {
	t.Run("empty_snapshot", func(t *testing.T) {
		cfg := config.Default()
		if changed := ApplySnapshot(cfg, discovery.Snapshot{}); len(changed) != 0 {
			t.Errorf("changed = %v", changed)
		}
		if !cfg.Simulator() || cfg.Camera.Type != config.CameraSimulated {
			t.Error("nothing found should leave the config untouched")
		}
	})
	t.Run("gphoto2_only", func(t *testing.T) {
		cfg := config.Default()
		snap := discovery.Snapshot{Gphoto2Cameras: []discovery.Gphoto2Camera{{Model: "Canon EOS 700D", Port: "usb:001,007"}}}
		changed := ApplySnapshot(cfg, snap)
		if cfg.Camera.Type != config.CameraGphoto2 {
			t.Errorf("camera type = %q", cfg.Camera.Type)
		}
		if strings.Join(changed, ",") != "camera,defaults.simulator" {
			t.Errorf("changed = %v", changed)
		}
		if cfg.Serial.Port != "" {
			t.Errorf("serial.port = %q, want untouched", cfg.Serial.Port)
		}
	})
	t.Run("webcam_preferred", func(t *testing.T) {
		cfg := config.Default()
		ApplySnapshot(cfg, sampleSnapshot())
		if cfg.Camera.Type != config.CameraWebcam {
			t.Errorf("camera type = %q, want webcam", cfg.Camera.Type)
		}
	})
}

// ---------- status / config / index ----------

func TestHandleStatus(t *testing.T) {
	link := fakeLink{st: relay.Status{
		State:     relay.ErrorCooldown,
		StateName: relay.ErrorCooldown.String(),
		Port:      "/dev/ttyACM0",
		BaudRate:  9600,
	}}
	h := newTestHandlers(Deps{Link: link, Devices: &fakeScanner{}})

	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Simulator bool `json:"simulator"`
		Busy      bool `json:"busy"`
		Link      struct {
			State    string `json:"state"`
			Port     string `json:"port"`
			BaudRate int    `json:"baudrate"`
		} `json:"link"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Link.State != relay.ErrorCooldown.String() || resp.Link.Port != "/dev/ttyACM0" || resp.Link.BaudRate != 9600 {
		t.Errorf("link = %+v", resp.Link)
	}
	if !resp.Simulator || resp.Busy {
		t.Errorf("status = %+v", resp)
	}
}

func TestHandleStatus_WithoutLink(t *testing.T) {
	h := newTestHandlers(Deps{})
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if strings.Contains(w.Body.String(), `"link"`) {
		t.Errorf("body = %s, link should be omitted", w.Body.String())
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(Deps{})
	w := httptest.NewRecorder()
	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var fc FormConfig
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.StepDegrees != 15 || fc.Steps != 24 {
		t.Errorf("form = %+v", fc)
	}
	if math.Abs(fc.CalibratedSpeed-0.8) > 1e-9 || fc.FocalLengthMm != 35 {
		t.Errorf("form = %+v", fc)
	}
}

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(Deps{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "turntable") {
		t.Error("body should contain the page")
	}
}

func TestHandleStatusStream(t *testing.T) {
	b := NewStatusBroadcaster()
	b.Broadcast("live", "Photo 1/24 taken")
	h := newTestHandlers(Deps{Broadcaster: b})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/status/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.HandleStatusStream(w, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := w.Body.String(); !strings.Contains(body, "Photo 1/24 taken") {
		t.Errorf("stream = %q, want the replayed event", body)
	}
}

// ---------- server routes ----------

func TestServer_Routes(t *testing.T) {
	photos := t.TempDir()
	srv, err := NewServer(":0", photos, Deps{
		Link:    fakeLink{st: relay.Status{StateName: "Disconnected"}},
		Devices: &fakeScanner{},
	})
	if err != nil {
		t.Fatal(err)
	}
	mux := srv.Mux()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/devices", http.StatusOK},
		{http.MethodGet, "/rotate", http.StatusMethodNotAllowed},
		{http.MethodGet, "/missing", http.StatusNotFound},
		{http.MethodGet, "/static/app.js", http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, w.Code, tc.want)
		}
	}
}
