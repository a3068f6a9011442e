package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/powerlab/protorec/internal/config"
	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/pipeline"
	"github.com/powerlab/protorec/internal/storage"
)

// manifestName is the per-session manifest written next to the output
// files, so session boundaries can be recovered from the filesystem alone.
const manifestName = "session.yaml"

// sessionDirFormat names session directories by start time; rapid
// successive sessions therefore never collide on the same directory.
const sessionDirFormat = "2006-01-02-15-04-05"

const (
	healthPollInterval  = 100 * time.Millisecond
	storagePollInterval = time.Second
)

// Controller owns the session state machine. All transitions funnel through
// its mutex; start, stop and fault callbacks are serialized, while Query
// copies state without entering the write path.
type Controller struct {
	cfg     config.RecordingConfig
	statFn  storage.StatFunc
	workers []*device.Worker
	byID    map[string]*device.Worker

	mu        sync.Mutex
	state     State
	record    *Record
	lastFault string
	stopFault string // fault that arrived while Stopping, consumed by Stop
	pipe      *pipeline.Pipeline

	setupCancel context.CancelFunc
	setupDone   chan struct{}

	monitorStop chan struct{}
	monitorDone chan struct{}
	fillEta     *float64 // seconds until the mount fills at the current write rate

	cleanupDone chan struct{} // non-nil while a fault cleanup is in flight
}

// New creates a controller supervising the given device handles. Each
// handle gets its own long-lived worker whose faults feed back into the
// state machine.
func New(cfg config.RecordingConfig, handles []device.Handle) *Controller {
	c := &Controller{
		cfg:    cfg,
		statFn: storage.Stat,
		state:  StateIdle,
		byID:   make(map[string]*device.Worker, len(handles)),
	}
	for _, h := range handles {
		w := device.NewWorker(h, c.deviceFault)
		c.workers = append(c.workers, w)
		c.byID[h.ID()] = w
	}
	return c
}

// SetStatFunc replaces the storage probe. Tests use this to simulate
// shrinking and vanishing mounts.
func (c *Controller) SetStatFunc(fn storage.StatFunc) {
	c.statFn = fn
}

// Workers returns the supervised worker set.
func (c *Controller) Workers() []*device.Worker {
	return c.workers
}

// Worker returns the worker owning the named device, or nil.
func (c *Controller) Worker(id string) *device.Worker {
	return c.byID[id]
}

// StartWorkers opens every device and begins pulling samples. Workers run
// for the process lifetime, independent of session state, so the preview
// tap has frames whether or not a session is recording.
func (c *Controller) StartWorkers() error {
	for _, w := range c.workers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start worker for %s: %w", w.Handle().ID(), err)
		}
	}
	return nil
}

// Shutdown stops any active session and all workers.
func (c *Controller) Shutdown() {
	if _, err := c.Stop(); err != nil &&
		err != ErrNotRecording && err != ErrBusy {
		slog.Warn("Stop during shutdown failed", "error", err)
	}

	// An in-flight fault cleanup still owns the pipeline; let it finish
	// before the workers go away underneath it.
	c.mu.Lock()
	cleanup := c.cleanupDone
	c.mu.Unlock()
	if cleanup != nil {
		<-cleanup
	}

	for _, w := range c.workers {
		if err := w.Shutdown(); err != nil {
			slog.Warn("Worker shutdown failed", "device", w.Handle().ID(), "error", err)
		}
	}
}

// Start begins a new session: Idle → Starting → Recording. It blocks until
// every device reports live and all sinks are open, bounded by the
// configured setup timeout; on timeout it fails into Faulted (releasing any
// partially-opened sinks) rather than hanging. A start while not Idle is
// rejected and does not queue.
func (c *Controller) Start() (Snapshot, error) {
	c.mu.Lock()
	switch c.state {
	case StateRecording:
		c.mu.Unlock()
		return c.Query(), ErrAlreadyRecording
	case StateStarting, StateStopping, StateFaulted:
		c.mu.Unlock()
		return c.Query(), ErrBusy
	}

	startTime := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c.state = StateStarting
	c.setupCancel = cancel
	c.setupDone = make(chan struct{})
	c.mu.Unlock()

	err := c.setup(ctx, startTime)

	c.mu.Lock()
	c.setupCancel = nil
	done := c.setupDone
	c.setupDone = nil
	c.mu.Unlock()
	close(done)

	return c.Query(), err
}

// setup runs the Starting phase: wait for device health, open sinks,
// transition to Recording. Runs with state == Starting, outside the lock.
func (c *Controller) setup(ctx context.Context, startTime time.Time) error {
	ctx, cancelTimeout := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancelTimeout()

	if err := c.awaitDevicesLive(ctx); err != nil {
		return c.failSetup(err)
	}

	dir := filepath.Join(c.cfg.Directory, startTime.Format(sessionDirFormat))
	pipe := pipeline.New(dir, c.workers, c.pipelineFault)
	if err := pipe.Open(); err != nil {
		return c.failSetup(err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		// Stop arrived while we were opening sinks; release them and
		// land back in Idle as if the start never happened.
		c.mu.Unlock()
		pipe.Close()
		return c.failSetup(ctx.Err())
	}

	c.pipe = pipe
	c.record = &Record{
		SessionID:   uuid.NewString(),
		StartTime:   startTime,
		Dir:         dir,
		OutputPaths: pipe.OutputPaths(),
	}
	c.state = StateRecording
	c.mu.Unlock()

	c.startStorageMonitor()

	slog.Info("Recording started",
		"session_id", c.record.SessionID, "dir", dir, "devices", len(c.workers))
	return nil
}

// failSetup resolves a failed or canceled Starting phase. Cancellation
// (stop during Starting) returns quietly to Idle; a timeout or device
// failure passes through Faulted and retains the reason.
func (c *Controller) failSetup(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if errors.Is(cause, context.Canceled) {
		c.state = StateIdle
		slog.Info("Start canceled during setup")
		return ErrCanceled
	}

	reason := cause
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = fmt.Errorf("%w after %s", ErrSetupTimeout, c.cfg.SetupTimeout)
	}

	c.state = StateFaulted
	c.lastFault = reason.Error()
	// Nothing else to clean up before a record exists, so the fault
	// resolves to Idle immediately.
	c.state = StateIdle

	slog.Error("Session setup failed", "error", reason)
	return reason
}

// awaitDevicesLive polls device health until every handle is live,
// restarting workers whose devices went dead since the last session.
func (c *Controller) awaitDevicesLive(ctx context.Context) error {
	for _, w := range c.workers {
		if w.Handle().Health() == device.HealthDead {
			slog.Info("Restarting dead device before session", "device", w.Handle().ID())
			if err := w.Restart(); err != nil {
				slog.Warn("Device restart failed", "device", w.Handle().ID(), "error", err)
			}
		}
	}

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		allLive := true
		for _, w := range c.workers {
			if w.Handle().Health() != device.HealthLive {
				allLive = false
				break
			}
		}
		if allLive {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop ends the active session: Recording → Stopping → Idle. During
// Starting it cancels the in-flight setup instead, releasing any opened
// sinks and returning to Idle.
func (c *Controller) Stop() (Snapshot, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return c.Query(), ErrNotRecording
	case StateStopping, StateFaulted:
		c.mu.Unlock()
		return c.Query(), ErrBusy
	case StateStarting:
		cancel := c.setupCancel
		done := c.setupDone
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		// Setup may have committed Recording before it observed the
		// cancellation; that session still has to be stopped.
		c.mu.Lock()
		if c.state != StateRecording {
			c.mu.Unlock()
			return c.Query(), nil
		}
	}

	// Recording.
	c.state = StateStopping
	pipe := c.pipe
	c.mu.Unlock()

	c.stopStorageMonitor()

	counts, err := pipe.Close()

	c.mu.Lock()
	fault := c.stopFault
	c.stopFault = ""
	if fault == "" && err != nil {
		fault = fmt.Sprintf("failed to close sinks: %v", err)
	}
	c.finalizeLocked(counts, fault)
	if fault == "" {
		c.lastFault = "" // a clean stop clears the previous fault
	} else {
		// A write failure during the drain passes through Faulted;
		// with the sinks already closed it resolves to Idle at once,
		// reason retained.
		c.state = StateFaulted
		c.lastFault = fault
	}
	c.state = StateIdle
	c.pipe = nil
	c.mu.Unlock()

	if fault != "" {
		slog.Error("Recording stopped with a sink fault", "fault", fault)
	} else {
		slog.Info("Recording stopped")
	}
	return c.Query(), nil
}

// finalizeLocked closes the open record and writes the session manifest.
// Caller holds the mutex.
func (c *Controller) finalizeLocked(counts map[string]int64, fault string) {
	if c.record == nil {
		return
	}

	c.record.EndTime = time.Now()
	c.record.ByteCounts = counts
	c.record.Fault = fault

	if data, err := yaml.Marshal(c.record); err != nil {
		slog.Warn("Failed to marshal session manifest", "error", err)
	} else if err := os.WriteFile(filepath.Join(c.record.Dir, manifestName), data, 0644); err != nil {
		slog.Warn("Failed to write session manifest", "error", err)
	}

	c.record = nil
}

// Query returns a consistent copy of the current state. It never enters a
// transition and never blocks on hardware; the disk probe is a statfs on
// the recording root.
func (c *Controller) Query() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:       c.state,
		IsRecording: c.state == StateRecording,
		LastFault:   c.lastFault,
		Session:     c.record.clone(),
	}
	if c.state == StateRecording && c.record != nil {
		d := time.Since(c.record.StartTime).Seconds()
		snap.RecordingDuration = &d
	}
	if c.fillEta != nil {
		eta := *c.fillEta
		snap.SecondsToFull = &eta
	}
	c.mu.Unlock()

	if fs, err := c.statFn(c.cfg.Directory); err == nil {
		gb := fs.GB()
		snap.Disk = &gb
	}

	return snap
}

// deviceFault is the worker callback: a device went dead mid-pull.
func (c *Controller) deviceFault(deviceID string, err error) {
	c.fault(fmt.Sprintf("device %s failed: %v", deviceID, err))
}

// pipelineFault is the sink callback: a write failed irrecoverably.
func (c *Controller) pipelineFault(deviceID string, err error) {
	c.fault(fmt.Sprintf("sink for %s failed: %v", deviceID, err))
}

// fault drives Recording → Faulted and schedules cleanup. The sink is
// closed with whatever was flushed, the record finalized with the reason,
// and the controller returns to Idle exposing the reason on snapshots.
// During Stopping the reason is handed to the in-flight Stop instead;
// other faults outside Recording are recorded but cause no transition,
// and the Starting path surfaces its own failures.
func (c *Controller) fault(reason string) {
	c.mu.Lock()
	if c.state == StateStopping {
		// The stop drain is already closing the sinks; hand the reason
		// to Stop so it finalizes as a fault, not a clean stop.
		if c.stopFault == "" {
			c.stopFault = reason
		}
		c.mu.Unlock()
		return
	}
	if c.state != StateRecording {
		if c.lastFault == "" {
			c.lastFault = reason
		}
		c.mu.Unlock()
		return
	}

	c.state = StateFaulted
	c.lastFault = reason
	pipe := c.pipe
	c.pipe = nil
	done := make(chan struct{})
	c.cleanupDone = done
	c.mu.Unlock()

	slog.Error("Session faulted", "reason", reason)

	go func() {
		defer close(done)

		c.stopStorageMonitor()
		counts, err := pipe.Close()
		if err != nil {
			slog.Warn("Pipeline close after fault reported an error", "error", err)
		}

		c.mu.Lock()
		c.finalizeLocked(counts, reason)
		c.state = StateIdle
		c.cleanupDone = nil
		c.mu.Unlock()

		slog.Info("Fault cleanup complete, controller idle", "reason", reason)
	}()
}

// startStorageMonitor watches free space while Recording and converts
// space exhaustion into an operator-equivalent stop.
func (c *Controller) startStorageMonitor() {
	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.monitorStop = stop
	c.monitorDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(storagePollInterval)
		defer ticker.Stop()

		var prev storage.Snapshot
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fs, err := c.statFn(c.cfg.Directory)
				if err != nil {
					slog.Warn("Storage probe failed during recording", "error", err)
					continue
				}

				// Project time-to-full from the free-space delta since
				// the previous probe.
				if eta, ok := storage.TimeToFull(prev, fs); ok {
					secs := eta.Seconds()
					c.mu.Lock()
					c.fillEta = &secs
					c.mu.Unlock()
				}
				prev = fs

				if fs.FreeBytes < c.cfg.MinFreeBytes() {
					slog.Warn("Free space below safety margin, stopping recording",
						"free_bytes", fs.FreeBytes, "min_free_bytes", c.cfg.MinFreeBytes())
					go c.Stop()
					return
				}
			}
		}
	}()
}

func (c *Controller) stopStorageMonitor() {
	c.mu.Lock()
	stop := c.monitorStop
	done := c.monitorDone
	c.monitorStop = nil
	c.monitorDone = nil
	c.fillEta = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
