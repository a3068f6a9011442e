package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/powerlab/protorec/internal/device"
)

func testWorkers(t *testing.T) (*device.Sim, *device.Sim, []*device.Worker) {
	t.Helper()
	cam := device.NewSim("cam0", device.KindCamera, time.Millisecond)
	imu := device.NewSim("imu0", device.KindIMU, time.Millisecond)

	workers := []*device.Worker{
		device.NewWorker(cam, nil),
		device.NewWorker(imu, nil),
	}
	for _, w := range workers {
		if err := w.Start(); err != nil {
			t.Fatalf("Worker start failed: %v", err)
		}
	}
	t.Cleanup(func() {
		for _, w := range workers {
			w.Shutdown()
		}
	})
	return cam, imu, workers
}

func TestPipelineWritesAllDevices(t *testing.T) {
	_, _, workers := testWorkers(t)
	dir := filepath.Join(t.TempDir(), "session")

	p := New(dir, workers, nil)
	if err := p.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	paths := p.OutputPaths()
	if len(paths["cam0"]) != 2 {
		t.Errorf("Expected 2 camera output paths, got %v", paths["cam0"])
	}
	if len(paths["imu0"]) != 1 {
		t.Errorf("Expected 1 imu output path, got %v", paths["imu0"])
	}

	time.Sleep(100 * time.Millisecond)

	counts, err := p.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if counts["cam0"] == 0 {
		t.Error("Expected camera bytes written")
	}
	if counts["imu0"] == 0 {
		t.Error("Expected imu bytes written")
	}

	// Camera byte count is payload only and must match the data file size.
	info, err := os.Stat(filepath.Join(dir, "cam0.mjpeg"))
	if err != nil {
		t.Fatalf("Camera data file missing: %v", err)
	}
	if info.Size() != counts["cam0"] {
		t.Errorf("Camera file size %d does not match reported count %d", info.Size(), counts["cam0"])
	}

	// IMU byte count includes the CSV header.
	info, err = os.Stat(filepath.Join(dir, "imu0.csv"))
	if err != nil {
		t.Fatalf("IMU data file missing: %v", err)
	}
	if info.Size() != counts["imu0"] {
		t.Errorf("IMU file size %d does not match reported count %d", info.Size(), counts["imu0"])
	}
}

func TestPipelineIndexMatchesData(t *testing.T) {
	_, _, workers := testWorkers(t)
	dir := filepath.Join(t.TempDir(), "session")

	p := New(dir, workers, nil)
	if err := p.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	counts, err := p.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "cam0.index.csv"))
	if err != nil {
		t.Fatalf("Index file missing: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if lines[0] != "seq,timestamp_ns,offset,size" {
		t.Fatalf("Unexpected index header: %q", lines[0])
	}
	if len(lines) < 2 {
		t.Fatal("Expected at least one indexed frame")
	}

	// Offsets and sizes must tile the data file exactly.
	var nextOffset int64
	for _, line := range lines[1:] {
		var seq uint64
		var ts, offset, size int64
		if _, err := fmt.Sscanf(line, "%d,%d,%d,%d", &seq, &ts, &offset, &size); err != nil {
			t.Fatalf("Unparseable index row %q: %v", line, err)
		}
		if offset != nextOffset {
			t.Errorf("Frame %d at offset %d, expected %d", seq, offset, nextOffset)
		}
		if ts <= 0 {
			t.Errorf("Frame %d has non-positive timestamp %d", seq, ts)
		}
		nextOffset = offset + size
	}
	if nextOffset != counts["cam0"] {
		t.Errorf("Index covers %d bytes, data file has %d", nextOffset, counts["cam0"])
	}
}

func TestPipelineCloseIdempotent(t *testing.T) {
	_, _, workers := testWorkers(t)
	dir := filepath.Join(t.TempDir(), "session")

	p := New(dir, workers, nil)
	if err := p.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	counts, err := p.Close()
	if err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}
	if counts != nil {
		t.Errorf("Second Close returned counts: %v", counts)
	}
}

func TestPipelineDoubleOpen(t *testing.T) {
	_, _, workers := testWorkers(t)
	dir := filepath.Join(t.TempDir(), "session")

	p := New(dir, workers, nil)
	if err := p.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if err := p.Open(); err == nil {
		t.Error("Expected error opening an already-open pipeline")
	}
}

func TestPipelineOpenFailureReleasesSinks(t *testing.T) {
	_, _, workers := testWorkers(t)

	// A regular file where the session directory should go makes
	// MkdirAll fail.
	parent := t.TempDir()
	blocker := filepath.Join(parent, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create blocking file: %v", err)
	}

	p := New(filepath.Join(blocker, "session"), workers, nil)
	if err := p.Open(); err == nil {
		t.Fatal("Expected Open to fail under a file")
	}

	// The worker buses must be clean for the next session.
	dir := filepath.Join(parent, "session")
	p2 := New(dir, workers, nil)
	if err := p2.Open(); err != nil {
		t.Fatalf("Open after failed open: %v", err)
	}
	p2.Close()
}

func TestSequentialSessionsReuseWorkers(t *testing.T) {
	_, _, workers := testWorkers(t)
	root := t.TempDir()

	for i := 0; i < 2; i++ {
		dir := filepath.Join(root, fmt.Sprintf("session-%d", i))
		p := New(dir, workers, nil)
		if err := p.Open(); err != nil {
			t.Fatalf("Open session %d failed: %v", i, err)
		}
		time.Sleep(50 * time.Millisecond)
		counts, err := p.Close()
		if err != nil {
			t.Fatalf("Close session %d failed: %v", i, err)
		}
		if counts["cam0"] == 0 {
			t.Errorf("Session %d wrote no camera data", i)
		}
	}
}

// enospcSink fails every write the way a full filesystem would.
type enospcSink struct{}

func (enospcSink) Write(device.Sample) error {
	return &os.PathError{Op: "write", Path: "cam0.mjpeg", Err: syscall.ENOSPC}
}
func (enospcSink) Close() (int64, error) { return 0, nil }
func (enospcSink) Paths() []string       { return nil }

func TestWriterFaultWhilePipelineLocked(t *testing.T) {
	var faultErr error
	p := New(t.TempDir(), nil, func(_ string, err error) { faultErr = err })

	ch := make(chan device.Sample, 1)
	ch <- device.Sample{DeviceID: "cam0", Kind: device.KindCamera, Seq: 1, Data: []byte{0xff}}
	close(ch)

	// Open and Close wait on the writers while holding the pipeline
	// lock; a failing writer must be able to exit without taking it.
	p.mu.Lock()
	p.wg.Add(1)
	go p.writeLoop("cam0", ch, enospcSink{})

	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Writer did not exit while the pipeline lock was held")
	}
	p.mu.Unlock()

	if !p.faulted.Load() {
		t.Error("Expected the pipeline marked faulted")
	}
	if !errors.Is(faultErr, ErrStorageFull) {
		t.Errorf("Expected ErrStorageFull fault, got %v", faultErr)
	}
}

func TestClassifyWriteError(t *testing.T) {
	err := classifyWriteError(&os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC})
	if !errors.Is(err, ErrStorageFull) {
		t.Errorf("Expected ErrStorageFull for ENOSPC, got %v", err)
	}

	plain := errors.New("io problem")
	if got := classifyWriteError(plain); got != plain {
		t.Errorf("Expected plain error passed through, got %v", got)
	}
}

func TestFrameSinkOffsets(t *testing.T) {
	dir := t.TempDir()
	s, err := newFrameSink(dir, "cam0")
	if err != nil {
		t.Fatalf("newFrameSink failed: %v", err)
	}

	frames := [][]byte{
		{0xff, 0xd8, 0x01, 0xff, 0xd9},
		{0xff, 0xd8, 0x02, 0x03, 0x04, 0xff, 0xd9},
	}
	for i, data := range frames {
		sample := device.Sample{
			DeviceID: "cam0", Kind: device.KindCamera,
			Seq: uint64(i + 1), CapturedAt: time.Now(), Data: data,
		}
		if err := s.Write(sample); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	n, err := s.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if want := int64(len(frames[0]) + len(frames[1])); n != want {
		t.Errorf("Expected %d payload bytes, got %d", want, n)
	}

	data, err := os.ReadFile(filepath.Join(dir, "cam0.mjpeg"))
	if err != nil {
		t.Fatalf("Data file missing: %v", err)
	}
	if int64(len(data)) != n {
		t.Errorf("Data file has %d bytes, sink reported %d", len(data), n)
	}

	// Close again reports the same count.
	n2, err := s.Close()
	if err != nil || n2 != n {
		t.Errorf("Second Close returned (%d, %v), expected (%d, nil)", n2, err, n)
	}
}

func TestSampleSinkRows(t *testing.T) {
	dir := t.TempDir()
	s, err := newSampleSink(dir, "imu0")
	if err != nil {
		t.Fatalf("newSampleSink failed: %v", err)
	}

	sample := device.Sample{
		DeviceID: "imu0", Kind: device.KindIMU,
		Seq: 1, CapturedAt: time.Now(), Data: []byte("0.1,0.2,9.8"),
	}
	if err := s.Write(sample); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "imu0.csv"))
	if err != nil {
		t.Fatalf("Data file missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if lines[0] != "seq,timestamp_ns,values" {
		t.Errorf("Unexpected header: %q", lines[0])
	}
	if len(lines) != 2 {
		t.Fatalf("Expected 1 data row, got %d", len(lines)-1)
	}
	if !strings.HasSuffix(lines[1], ",0.1,0.2,9.8") {
		t.Errorf("Row does not end with sample values: %q", lines[1])
	}
}
