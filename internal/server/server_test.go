package server

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/powerlab/protorec/internal/config"
	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/session"
)

// fakeController scripts the responses the handlers see.
type fakeController struct {
	snap     session.Snapshot
	startErr error
	stopErr  error
	workers  []*device.Worker
}

func (f *fakeController) Start() (session.Snapshot, error) { return f.snap, f.startErr }
func (f *fakeController) Stop() (session.Snapshot, error)  { return f.snap, f.stopErr }
func (f *fakeController) Query() session.Snapshot          { return f.snap }
func (f *fakeController) Workers() []*device.Worker        { return f.workers }

func testConfig() *config.Config {
	return &config.Config{
		Devices: []config.DeviceConfig{
			{ID: "cam0", Kind: config.DeviceKindCamera, Element: "videotestsrc", Width: 320, Height: 240},
		},
		Preview: config.PreviewConfig{Device: "cam0"},
	}
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetState(t *testing.T) {
	fake := &fakeController{snap: session.Snapshot{State: session.StateIdle}}
	s := New(fake, nil, testConfig(), "5000")

	rec := doRequest(t, s, http.MethodGet, "/get_state")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var resp StateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if resp.State != session.StateIdle || resp.IsRecording {
		t.Errorf("Unexpected state payload: %+v", resp)
	}
	if resp.Error != "" {
		t.Errorf("Expected no error field, got %q", resp.Error)
	}
}

func TestGetStateWrongMethod(t *testing.T) {
	s := New(&fakeController{}, nil, testConfig(), "5000")
	if rec := doRequest(t, s, http.MethodPost, "/get_state"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestStartRecording(t *testing.T) {
	dur := 0.0
	fake := &fakeController{snap: session.Snapshot{
		State:             session.StateRecording,
		IsRecording:       true,
		RecordingDuration: &dur,
		Session:           &session.Record{SessionID: "abc", StartTime: time.Now(), Dir: "/tmp/x"},
	}}
	s := New(fake, nil, testConfig(), "5000")

	rec := doRequest(t, s, http.MethodPost, "/start_recording")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp StateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if !resp.IsRecording || resp.Session == nil || resp.Session.SessionID != "abc" {
		t.Errorf("Unexpected payload: %+v", resp)
	}
}

func TestStartRecordingConflict(t *testing.T) {
	fake := &fakeController{
		snap:     session.Snapshot{State: session.StateRecording, IsRecording: true},
		startErr: session.ErrAlreadyRecording,
	}
	s := New(fake, nil, testConfig(), "5000")

	rec := doRequest(t, s, http.MethodPost, "/start_recording")
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", rec.Code)
	}

	var resp StateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if resp.Error == "" {
		t.Error("Expected error message in conflict response")
	}
	if resp.State != session.StateRecording {
		t.Errorf("Conflict response must still carry the snapshot, got %+v", resp)
	}
}

func TestStopRecordingNotRecording(t *testing.T) {
	fake := &fakeController{
		snap:    session.Snapshot{State: session.StateIdle},
		stopErr: session.ErrNotRecording,
	}
	s := New(fake, nil, testConfig(), "5000")

	if rec := doRequest(t, s, http.MethodPost, "/stop_recording"); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rec.Code)
	}
}

func TestStartRecordingWrongMethod(t *testing.T) {
	s := New(&fakeController{}, nil, testConfig(), "5000")
	if rec := doRequest(t, s, http.MethodGet, "/start_recording"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET start, got %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodGet, "/stop_recording"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET stop, got %d", rec.Code)
	}
}

func TestFramePlaceholder(t *testing.T) {
	// No tap configured: /frame serves a placeholder sized like the
	// preview camera.
	s := New(&fakeController{}, nil, testConfig(), "5000")

	rec := doRequest(t, s, http.MethodGet, "/frame")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", ct)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Placeholder is not a decodable JPEG: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 240 {
		t.Errorf("Expected 320x240 placeholder, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestDevices(t *testing.T) {
	cam := device.NewSim("cam0", device.KindCamera, time.Millisecond)
	fake := &fakeController{workers: []*device.Worker{device.NewWorker(cam, nil)}}
	s := New(fake, nil, testConfig(), "5000")

	rec := doRequest(t, s, http.MethodGet, "/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp DevicesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Response not JSON: %v", err)
	}
	if len(resp.Devices) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(resp.Devices))
	}
	d := resp.Devices[0]
	if d.ID != "cam0" || d.Kind != "camera" {
		t.Errorf("Unexpected device entry: %+v", d)
	}
	if d.Health != string(device.HealthDead) {
		t.Errorf("Expected DEAD for an unopened device, got %s", d.Health)
	}
}

func TestIndexPage(t *testing.T) {
	s := New(&fakeController{}, nil, testConfig(), "5000")

	rec := doRequest(t, s, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected text/html, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "<html") {
		t.Error("Index page does not look like HTML")
	}
}

func TestIndexUnknownPath(t *testing.T) {
	s := New(&fakeController{}, nil, testConfig(), "5000")
	if rec := doRequest(t, s, http.MethodGet, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", rec.Code)
	}
}
