package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/powerlab/protorec/internal/config"
)

// Camera pulls JPEG-encoded frames from a GStreamer capture pipeline:
//
//	<source element> → videorate → capsfilter → videoconvert → jpegenc → appsink
//
// The appsink keeps only the newest buffer (max-buffers=1, drop=true), so a
// slow reader sees the latest frame rather than a backlog.
type Camera struct {
	cfg         config.DeviceConfig
	readTimeout time.Duration

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	opened   bool

	seq      uint64
	timeouts uint32
	dead     uint32
}

// NewCamera creates a camera handle from configuration. No hardware is
// touched until Open.
func NewCamera(cfg config.DeviceConfig, readTimeout time.Duration) *Camera {
	return &Camera{cfg: cfg, readTimeout: readTimeout}
}

func (c *Camera) ID() string { return c.cfg.ID }

func (c *Camera) Kind() Kind { return KindCamera }

// Open builds the capture pipeline and sets it playing. Idempotent.
func (c *Camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return nil
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("capture-" + c.cfg.ID)
	if err != nil {
		return NewError(c.cfg.ID, ReasonDisconnected, fmt.Errorf("create pipeline: %w", err))
	}

	src, err := gst.NewElement(c.cfg.Element)
	if err != nil {
		return NewError(c.cfg.ID, ReasonDisconnected, fmt.Errorf("create %s: %w", c.cfg.Element, err))
	}
	for key, value := range c.cfg.Properties {
		src.SetProperty(key, value)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("create videorate: %w", err))
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("create capsfilter: %w", err))
	}
	capsStr := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
		c.cfg.Width, c.cfg.Height, c.cfg.Framerate)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("create videoconvert: %w", err))
	}

	jpegenc, err := gst.NewElement("jpegenc")
	if err != nil {
		return NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("create jpegenc: %w", err))
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("create appsink: %w", err))
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, videorate, capsfilter, converter, jpegenc, sink.Element)
	if err := gst.ElementLinkMany(src, videorate, capsfilter, converter, jpegenc, sink.Element); err != nil {
		return NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("link pipeline: %w", err))
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return NewError(c.cfg.ID, ReasonDisconnected, fmt.Errorf("start pipeline: %w", err))
	}

	c.pipeline = pipeline
	c.sink = sink
	c.opened = true
	atomic.StoreUint32(&c.dead, 0)
	atomic.StoreUint32(&c.timeouts, 0)

	slog.Info("Camera opened", "device", c.cfg.ID, "element", c.cfg.Element, "caps", capsStr)
	return nil
}

// Read pulls the next encoded frame. A pull past the read timeout surfaces
// as a Timeout error; end-of-stream as Disconnected.
func (c *Camera) Read(ctx context.Context) (Sample, error) {
	c.mu.Lock()
	sink := c.sink
	opened := c.opened
	c.mu.Unlock()

	if !opened {
		return Sample{}, NewError(c.cfg.ID, ReasonDisconnected, fmt.Errorf("handle not open"))
	}

	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	sample := sink.TryPullSample(gst.ClockTime(c.readTimeout.Nanoseconds()))
	if sample == nil {
		if sink.IsEOS() {
			atomic.StoreUint32(&c.dead, 1)
			return Sample{}, NewError(c.cfg.ID, ReasonDisconnected, fmt.Errorf("end of stream"))
		}
		atomic.AddUint32(&c.timeouts, 1)
		return Sample{}, NewError(c.cfg.ID, ReasonTimeout, fmt.Errorf("no frame within %s", c.readTimeout))
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return Sample{}, NewError(c.cfg.ID, ReasonFormatMismatch, fmt.Errorf("sample without buffer"))
	}

	// Copy out of the mapped GStreamer buffer; the mapping is only valid
	// until the sample is released.
	mapped := buffer.Map(gst.MapRead)
	data := make([]byte, len(mapped.Bytes()))
	copy(data, mapped.Bytes())
	buffer.Unmap()

	atomic.StoreUint32(&c.timeouts, 0)

	return Sample{
		DeviceID:   c.cfg.ID,
		Kind:       KindCamera,
		Seq:        atomic.AddUint64(&c.seq, 1),
		CapturedAt: time.Now(),
		Data:       data,
	}, nil
}

// Health reports liveness from the read-path counters.
func (c *Camera) Health() Health {
	if atomic.LoadUint32(&c.dead) == 1 {
		return HealthDead
	}
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		return HealthDead
	}
	if atomic.LoadUint32(&c.timeouts) >= degradedTimeoutCount {
		return HealthDegraded
	}
	return HealthLive
}

// Close tears down the pipeline. Close on a closed handle is a no-op.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil
	}
	c.opened = false

	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return NewError(c.cfg.ID, ReasonDisconnected, fmt.Errorf("stop pipeline: %w", err))
	}
	c.pipeline = nil
	c.sink = nil

	slog.Info("Camera closed", "device", c.cfg.ID)
	return nil
}
