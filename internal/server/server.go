package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/powerlab/protorec/internal/config"
	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/preview"
	"github.com/powerlab/protorec/internal/session"
)

// Controller is the slice of the session controller the web server needs.
type Controller interface {
	Start() (session.Snapshot, error)
	Stop() (session.Snapshot, error)
	Query() session.Snapshot
	Workers() []*device.Worker
}

// Server is the web control surface for one recording controller.
type Server struct {
	controller Controller
	tap        *preview.Tap
	cfg        *config.Config
	port       string
	mux        *http.ServeMux
}

// StateResponse is the JSON shape of /get_state, /start_recording and
// /stop_recording. Field names follow the dashboard's polling contract.
type StateResponse struct {
	session.Snapshot
	Error string `json:"error,omitempty"`
}

// DeviceInfo describes one configured device for the /devices endpoint.
type DeviceInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Health  string `json:"health"`
	Samples uint64 `json:"samples"`
}

// DevicesResponse is the JSON shape of /devices.
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// New creates a web server. tap may be nil when no preview camera is
// configured; /frame then always serves the placeholder.
func New(controller Controller, tap *preview.Tap, cfg *config.Config, port string) *Server {
	s := &Server{
		controller: controller,
		tap:        tap,
		cfg:        cfg,
		port:       port,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/get_state", s.handleGetState)
	s.mux.HandleFunc("/start_recording", s.handleStartRecording)
	s.mux.HandleFunc("/stop_recording", s.handleStopRecording)
	s.mux.HandleFunc("/frame", s.handleFrame)
	s.mux.HandleFunc("/devices", s.handleDevices)

	return s
}

// Handler exposes the route table; tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the web server. Blocks until the listener fails.
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting protorec web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, s.mux)
}

// handleIndex serves the dashboard page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Try to read the HTML file directly
	htmlContent, err := os.ReadFile("web/static/index.html")
	if err != nil {
		// Fallback to inline HTML if file not found
		htmlContent = []byte(defaultHTML)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(htmlContent)
}

// handleGetState returns the current snapshot
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.sendSnapshot(w, http.StatusOK, s.controller.Query(), "")
}

// handleStartRecording starts a session and returns the post-transition
// snapshot. A duplicate click lands on AlreadyRecording/Busy, never on a
// second session.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap, err := s.controller.Start()
	if err != nil {
		slog.Error("Start recording failed", "error", err)
		s.sendSnapshot(w, statusFor(err), snap, err.Error())
		return
	}

	s.sendSnapshot(w, http.StatusOK, snap, "")
}

// handleStopRecording stops the session and returns the post-transition
// snapshot.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap, err := s.controller.Stop()
	if err != nil {
		slog.Error("Stop recording failed", "error", err)
		s.sendSnapshot(w, statusFor(err), snap, err.Error())
		return
	}

	s.sendSnapshot(w, http.StatusOK, snap, "")
}

// handleFrame serves the latest preview frame as JPEG, or a placeholder
// when no frame has arrived yet.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data := s.previewFrame()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func (s *Server) previewFrame() []byte {
	if s.tap != nil {
		frame, err := s.tap.Frame()
		if err == nil {
			return frame.Data
		}
		if !errors.Is(err, preview.ErrNoFrameYet) {
			slog.Warn("Preview frame unavailable", "error", err)
		}
	}

	width, height := 1280, 720
	if s.cfg != nil && s.cfg.Preview.Device != "" {
		if dev := s.cfg.DeviceByID(s.cfg.Preview.Device); dev != nil {
			width, height = dev.Width, dev.Height
		}
	}
	return preview.Placeholder(width, height)
}

// handleDevices lists configured devices with their current health
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	workers := s.controller.Workers()
	resp := DevicesResponse{Devices: make([]DeviceInfo, 0, len(workers))}
	for _, worker := range workers {
		h := worker.Handle()
		resp.Devices = append(resp.Devices, DeviceInfo{
			ID:      h.ID(),
			Kind:    string(h.Kind()),
			Health:  string(h.Health()),
			Samples: worker.Bus().Published(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotRecording):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendSnapshot(w http.ResponseWriter, status int, snap session.Snapshot, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(StateResponse{Snapshot: snap, Error: errMsg})
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// getLocalIP returns the non-loopback address used for outbound traffic.
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
