// Package session implements the recording session controller: a single
// state machine owning the recording lifecycle, supervising the capture
// pipeline and the device workers, and exposing consistent snapshots to the
// control surface.
package session

import (
	"errors"
	"time"

	"github.com/powerlab/protorec/internal/storage"
)

// State is the authoritative recording state. Exactly one instance exists
// per process, owned by the Controller.
type State string

const (
	StateIdle      State = "IDLE"
	StateStarting  State = "STARTING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
	StateFaulted   State = "FAULTED"
)

// Controller errors surfaced synchronously to start/stop callers.
var (
	// ErrAlreadyRecording rejects a start while a session is recording.
	ErrAlreadyRecording = errors.New("session: already recording")
	// ErrBusy rejects a request while a transition is in flight.
	ErrBusy = errors.New("session: transition in progress")
	// ErrSetupTimeout marks a start whose devices did not come up in time.
	ErrSetupTimeout = errors.New("session: device setup timed out")
	// ErrNotRecording rejects a stop with no session to stop.
	ErrNotRecording = errors.New("session: no recording in progress")
	// ErrCanceled marks a start superseded by a stop during setup.
	ErrCanceled = errors.New("session: start canceled")
)

// Record describes one recording session. It is created on the transition
// into Recording and finalized when the controller re-enters Idle; no other
// actor mutates it.
type Record struct {
	SessionID   string              `json:"session_id" yaml:"session_id"`
	StartTime   time.Time           `json:"start_time" yaml:"start_time"`
	EndTime     time.Time           `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Dir         string              `json:"dir" yaml:"dir"`
	OutputPaths map[string][]string `json:"output_paths" yaml:"output_paths"`
	ByteCounts  map[string]int64    `json:"byte_counts,omitempty" yaml:"byte_counts,omitempty"`
	Fault       string              `json:"fault,omitempty" yaml:"fault,omitempty"`
}

// clone returns a deep copy safe to hand to snapshot readers.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.OutputPaths = make(map[string][]string, len(r.OutputPaths))
	for k, v := range r.OutputPaths {
		paths := make([]string, len(v))
		copy(paths, v)
		cp.OutputPaths[k] = paths
	}
	if r.ByteCounts != nil {
		cp.ByteCounts = make(map[string]int64, len(r.ByteCounts))
		for k, v := range r.ByteCounts {
			cp.ByteCounts[k] = v
		}
	}
	return &cp
}

// Snapshot is the read-only projection of controller state handed to
// callers. Readers always receive copies, never live structures.
type Snapshot struct {
	State             State            `json:"state"`
	IsRecording       bool             `json:"is_recording"`
	RecordingDuration *float64         `json:"recording_duration"` // seconds, nil unless Recording
	SecondsToFull     *float64         `json:"seconds_to_full"`    // projected fill time, nil without a measured write rate
	Disk              *storage.UsageGB `json:"disk_usage"`         // nil when the mount is unavailable
	LastFault         string           `json:"last_fault,omitempty"`
	Session           *Record          `json:"session,omitempty"`
}
