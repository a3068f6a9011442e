// Package pipeline moves samples from device workers to on-disk sinks for
// the duration of one session. It owns the write path: one sink per device
// under the session directory, each written unit tagged with its capture
// timestamp so multiple devices can be re-synchronized afterwards.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/powerlab/protorec/internal/device"
)

// ErrStorageFull marks an irrecoverable write failure caused by the target
// filesystem running out of space.
var ErrStorageFull = errors.New("pipeline: storage full")

// FaultFunc is invoked from a writer goroutine on an irrecoverable sink
// failure.
type FaultFunc func(deviceID string, err error)

const subscriberBuffer = 16

// Pipeline binds an active device set to one output sink per device.
type Pipeline struct {
	dir     string
	workers []*device.Worker
	onFault FaultFunc

	mu     sync.Mutex
	sinks  map[string]sink
	chans  map[string]chan device.Sample
	wg     sync.WaitGroup
	opened bool

	// faulted lives outside the mutex: writer goroutines flip it while
	// Open or Close may be holding mu and waiting on them.
	faulted atomic.Bool
}

// New creates a pipeline targeting dir. Nothing is written until Open.
func New(dir string, workers []*device.Worker, onFault FaultFunc) *Pipeline {
	return &Pipeline{
		dir:     dir,
		workers: workers,
		onFault: onFault,
	}
}

// Open creates the session directory and one sink per device, then
// subscribes to every worker bus and starts the writer goroutines. On any
// failure the sinks opened so far are released.
func (p *Pipeline) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opened {
		return fmt.Errorf("pipeline already open on %s", p.dir)
	}

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	p.sinks = make(map[string]sink)
	p.chans = make(map[string]chan device.Sample)

	for _, w := range p.workers {
		h := w.Handle()

		var s sink
		var err error
		switch h.Kind() {
		case device.KindCamera:
			s, err = newFrameSink(p.dir, h.ID())
		case device.KindIMU:
			s, err = newSampleSink(p.dir, h.ID())
		default:
			err = fmt.Errorf("unknown device kind %q", h.Kind())
		}
		if err != nil {
			p.releaseLocked()
			return fmt.Errorf("failed to open sink for %s: %w", h.ID(), err)
		}
		p.sinks[h.ID()] = s

		ch := make(chan device.Sample, subscriberBuffer)
		if err := w.Bus().Subscribe("pipeline", ch); err != nil {
			p.releaseLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", h.ID(), err)
		}
		p.chans[h.ID()] = ch

		p.wg.Add(1)
		go p.writeLoop(h.ID(), ch, s)
	}

	p.opened = true
	slog.Info("Capture pipeline opened", "dir", p.dir, "devices", len(p.workers))
	return nil
}

// writeLoop drains one device's subscription into its sink until the
// channel is closed.
func (p *Pipeline) writeLoop(deviceID string, ch <-chan device.Sample, s sink) {
	defer p.wg.Done()

	for sample := range ch {
		if err := s.Write(sample); err != nil {
			err = classifyWriteError(err)
			slog.Error("Sink write failed", "device", deviceID, "error", err)

			// Whatever was flushed stays on disk; partial footage is
			// still operator-valuable.
			if !p.faulted.Swap(true) && p.onFault != nil {
				p.onFault(deviceID, err)
			}
			return
		}
	}
}

// Close unsubscribes from every bus, drains in-flight samples, flushes and
// closes all sinks, and reports final byte counts per device. Idempotent.
func (p *Pipeline) Close() (map[string]int64, error) {
	p.mu.Lock()
	if !p.opened {
		p.mu.Unlock()
		return nil, nil
	}
	p.opened = false
	p.mu.Unlock()

	// After Unsubscribe returns no publisher can reach the channel, so
	// closing it lets the writer drain what is already buffered.
	for _, w := range p.workers {
		if err := w.Bus().Unsubscribe("pipeline"); err != nil {
			slog.Debug("Pipeline unsubscribe", "device", w.Handle().ID(), "error", err)
		}
	}
	for _, ch := range p.chans {
		close(ch)
	}
	p.wg.Wait()

	counts := make(map[string]int64, len(p.sinks))
	var firstErr error
	for id, s := range p.sinks {
		n, err := s.Close()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close sink for %s: %w", id, err)
		}
		counts[id] = n
	}

	slog.Info("Capture pipeline closed", "dir", p.dir, "byte_counts", counts)
	return counts, firstErr
}

// OutputPaths lists every file the pipeline writes, keyed by device.
func (p *Pipeline) OutputPaths() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	paths := make(map[string][]string, len(p.sinks))
	for id, s := range p.sinks {
		paths[id] = s.Paths()
	}
	return paths
}

// releaseLocked closes partially-opened sinks after a failed Open. Data
// files already created are left in place.
func (p *Pipeline) releaseLocked() {
	for _, w := range p.workers {
		if _, ok := p.chans[w.Handle().ID()]; ok {
			w.Bus().Unsubscribe("pipeline")
		}
	}
	for _, ch := range p.chans {
		close(ch)
	}
	p.wg.Wait()
	for _, s := range p.sinks {
		s.Close()
	}
	p.sinks = nil
	p.chans = nil
}

// classifyWriteError maps ENOSPC onto ErrStorageFull so the controller can
// report the fault as storage exhaustion rather than a generic I/O error.
func classifyWriteError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}
