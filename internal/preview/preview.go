// Package preview serves the most recent frame from one camera for the
// dashboard, decoupled from recording state. It is a latest-value
// subscriber on the camera worker's bus, so it never contends with the
// capture pipeline for a device read.
package preview

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/framebus"
)

// ErrNoFrameYet is returned before the camera has produced its first frame.
var ErrNoFrameYet = errors.New("preview: no frame yet")

// Frame is a copy of the newest camera frame; Data is JPEG-encoded.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Tap holds the latest frame of one camera device.
type Tap struct {
	deviceID string
	recv     *framebus.LatestReceiver[device.Sample]
}

// NewTap subscribes to the worker's bus with latest-value semantics.
func NewTap(w *device.Worker) (*Tap, error) {
	recv, err := w.Bus().SubscribeLatest("preview")
	if err != nil {
		return nil, err
	}
	return &Tap{deviceID: w.Handle().ID(), recv: recv}, nil
}

// DeviceID names the tapped camera.
func (t *Tap) DeviceID() string { return t.deviceID }

// Frame returns a copy of the newest frame without blocking, or
// ErrNoFrameYet before the first frame arrives.
func (t *Tap) Frame() (Frame, error) {
	sample, ok := t.recv.TryReceive()
	if !ok {
		return Frame{}, ErrNoFrameYet
	}

	data := make([]byte, len(sample.Data))
	copy(data, sample.Data)

	return Frame{Data: data, CapturedAt: sample.CapturedAt}, nil
}

// Close releases the bus subscription.
func (t *Tap) Close() {
	t.recv.Close()
}

// Placeholder renders the black frame served while no camera frame exists.
func Placeholder(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	black := color.RGBA{A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, black)
		}
	}

	var buf bytes.Buffer
	// Encoding a flat image into a buffer cannot fail.
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75})
	return buf.Bytes()
}
