package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/powerlab/protorec/internal/framebus"
)

// FaultFunc is invoked from the worker goroutine when its device goes dead.
type FaultFunc func(deviceID string, err error)

// Worker is the long-lived goroutine that exclusively owns one device
// handle. No other component calls Read directly; the capture pipeline and
// the preview tap both subscribe to the worker's bus instead of issuing
// competing reads.
type Worker struct {
	handle  Handle
	bus     *framebus.Bus[Sample]
	onFault FaultFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWorker wires a handle to a fresh bus. The worker is not started yet.
func NewWorker(handle Handle, onFault FaultFunc) *Worker {
	return &Worker{
		handle:  handle,
		bus:     framebus.New[Sample](),
		onFault: onFault,
	}
}

// Handle returns the owned device handle. Callers may inspect identity and
// health through it but must not call Read.
func (w *Worker) Handle() Handle { return w.handle }

// Bus returns the fan-out bus carrying this worker's samples.
func (w *Worker) Bus() *framebus.Bus[Sample] { return w.bus }

// Start opens the device and begins the pull loop. Idempotent while running.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := w.handle.Open(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx)

	slog.Info("Device worker started", "device", w.handle.ID(), "kind", w.handle.Kind())
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		sample, err := w.handle.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			var de *Error
			if errors.As(err, &de) {
				switch de.Reason {
				case ReasonTimeout:
					// Recoverable; the health counters already note it.
					slog.Debug("Device read timed out", "device", w.handle.ID())
					continue
				default:
					slog.Error("Device fault", "device", w.handle.ID(), "reason", de.Reason, "error", err)
					if w.onFault != nil {
						w.onFault(w.handle.ID(), err)
					}
					return
				}
			}

			slog.Error("Device read failed", "device", w.handle.ID(), "error", err)
			if w.onFault != nil {
				w.onFault(w.handle.ID(), err)
			}
			return
		}

		w.bus.Publish(sample)
	}
}

// Stop ends the pull loop and closes the device. Safe to call repeatedly.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done

	if err := w.handle.Close(); err != nil {
		return err
	}

	slog.Info("Device worker stopped", "device", w.handle.ID())
	return nil
}

// Restart reopens a device after a fault and resumes pulling. The bus is
// kept, so existing subscriptions (preview, pipeline) stay valid across
// recovery; handles are otherwise reused as-is between sessions.
func (w *Worker) Restart() error {
	if err := w.Stop(); err != nil {
		slog.Warn("Close before restart failed", "device", w.handle.ID(), "error", err)
	}
	return w.Start()
}

// Shutdown stops the worker and closes its bus, waking any blocked
// subscribers. Called once at process exit.
func (w *Worker) Shutdown() error {
	err := w.Stop()
	w.bus.Close()
	return err
}
