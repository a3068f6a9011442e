package device

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/powerlab/protorec/internal/config"
)

// degradedTimeoutCount is how many consecutive read timeouts a device can
// accumulate before its health drops to Degraded.
const degradedTimeoutCount = 3

// IMU reads inertial samples from a line-oriented device node at a fixed
// polling rate. Each line is expected to carry comma-separated float
// readings (e.g. "ax,ay,az,gx,gy,gz").
type IMU struct {
	cfg         config.DeviceConfig
	readTimeout time.Duration
	interval    time.Duration

	mu     sync.Mutex
	file   *os.File
	reader *bufio.Reader
	opened bool

	seq      uint64
	timeouts uint32
	dead     uint32
	lastRead time.Time
}

// NewIMU creates an IMU handle from configuration. No hardware is touched
// until Open.
func NewIMU(cfg config.DeviceConfig, readTimeout time.Duration) *IMU {
	return &IMU{
		cfg:         cfg,
		readTimeout: readTimeout,
		interval:    time.Second / time.Duration(cfg.SampleRate),
	}
}

func (m *IMU) ID() string { return m.cfg.ID }

func (m *IMU) Kind() Kind { return KindIMU }

// Open opens the device node. Idempotent.
func (m *IMU) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return nil
	}

	file, err := os.Open(m.cfg.Path)
	if err != nil {
		return NewError(m.cfg.ID, ReasonDisconnected, fmt.Errorf("open %s: %w", m.cfg.Path, err))
	}

	m.file = file
	m.reader = bufio.NewReader(file)
	m.opened = true
	atomic.StoreUint32(&m.dead, 0)
	atomic.StoreUint32(&m.timeouts, 0)

	slog.Info("IMU opened", "device", m.cfg.ID, "path", m.cfg.Path, "sample_rate", m.cfg.SampleRate)
	return nil
}

// Read returns the next sample, pacing reads to the configured rate. The
// raw line is validated but stored verbatim so the sink keeps exactly what
// the hardware produced.
func (m *IMU) Read(ctx context.Context) (Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return Sample{}, NewError(m.cfg.ID, ReasonDisconnected, fmt.Errorf("handle not open"))
	}

	// Pace to the sampling rate.
	if !m.lastRead.IsZero() {
		wait := m.interval - time.Since(m.lastRead)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return Sample{}, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	if err := m.file.SetReadDeadline(time.Now().Add(m.readTimeout)); err != nil {
		// Regular files don't support deadlines; reads on them return
		// immediately anyway.
		slog.Debug("IMU read deadline unsupported", "device", m.cfg.ID, "error", err)
	}

	line, err := m.reader.ReadString('\n')
	if err != nil {
		if os.IsTimeout(err) {
			atomic.AddUint32(&m.timeouts, 1)
			return Sample{}, NewError(m.cfg.ID, ReasonTimeout, err)
		}
		atomic.StoreUint32(&m.dead, 1)
		return Sample{}, NewError(m.cfg.ID, ReasonDisconnected, err)
	}

	line = strings.TrimSpace(line)
	if err := validateIMULine(line); err != nil {
		return Sample{}, NewError(m.cfg.ID, ReasonFormatMismatch, err)
	}

	atomic.StoreUint32(&m.timeouts, 0)
	m.lastRead = time.Now()

	return Sample{
		DeviceID:   m.cfg.ID,
		Kind:       KindIMU,
		Seq:        atomic.AddUint64(&m.seq, 1),
		CapturedAt: m.lastRead,
		Data:       []byte(line),
	}, nil
}

// Health reports liveness from the read-path counters.
func (m *IMU) Health() Health {
	if atomic.LoadUint32(&m.dead) == 1 {
		return HealthDead
	}
	m.mu.Lock()
	opened := m.opened
	m.mu.Unlock()
	if !opened {
		return HealthDead
	}
	if atomic.LoadUint32(&m.timeouts) >= degradedTimeoutCount {
		return HealthDegraded
	}
	return HealthLive
}

// Close closes the device node. Close on a closed handle is a no-op.
func (m *IMU) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return nil
	}
	m.opened = false

	err := m.file.Close()
	m.file = nil
	m.reader = nil
	if err != nil {
		return NewError(m.cfg.ID, ReasonDisconnected, err)
	}

	slog.Info("IMU closed", "device", m.cfg.ID)
	return nil
}

// validateIMULine checks that a line is comma-separated floats.
func validateIMULine(line string) error {
	if line == "" {
		return fmt.Errorf("empty sample line")
	}
	for _, field := range strings.Split(line, ",") {
		if _, err := strconv.ParseFloat(strings.TrimSpace(field), 64); err != nil {
			return fmt.Errorf("malformed sample field %q: %w", field, err)
		}
	}
	return nil
}
