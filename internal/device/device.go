package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes the two sensor families the controller records from.
type Kind string

const (
	KindCamera Kind = "camera"
	KindIMU    Kind = "imu"
)

// Health represents the liveness of a device as last observed by its worker.
type Health string

const (
	HealthLive     Health = "LIVE"
	HealthDegraded Health = "DEGRADED"
	HealthDead     Health = "DEAD"
)

// Reason classifies a device failure.
type Reason string

const (
	ReasonDisconnected   Reason = "disconnected"
	ReasonTimeout        Reason = "timeout"
	ReasonFormatMismatch Reason = "format_mismatch"
)

// Error is the typed error surfaced for all hardware faults. Nothing below
// the pipeline boundary panics; every fault becomes one of these.
type Error struct {
	Device string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("device %s: %s", e.Device, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a typed device error.
func NewError(deviceID string, reason Reason, err error) *Error {
	return &Error{Device: deviceID, Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from an error chain, or "" if the
// error is not a device error.
func ReasonOf(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// Sample is one unit of captured data. For cameras Data holds one
// JPEG-encoded frame; for IMUs one line of comma-separated readings.
// CapturedAt comes from the monotonic clock so samples from different
// devices in one session can be re-aligned by timestamp.
type Sample struct {
	DeviceID   string
	Kind       Kind
	Seq        uint64
	CapturedAt time.Time
	Data       []byte
}

// Handle wraps one physical sensor behind a uniform capability set.
//
// Implementations must guarantee:
//   - Open() and Close() are idempotent (Close on a closed handle is a no-op)
//   - Read() never panics past the caller; faults surface as *Error
//   - Read() respects ctx cancellation and the device's own read timeout
//   - Health() is safe to call from any goroutine
type Handle interface {
	ID() string
	Kind() Kind
	Open() error
	Read(ctx context.Context) (Sample, error)
	Health() Health
	Close() error
}
