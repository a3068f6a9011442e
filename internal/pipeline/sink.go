package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/powerlab/protorec/internal/device"
)

// sink is one device's write target for a session.
type sink interface {
	Write(device.Sample) error
	// Close flushes and closes the sink, returning total payload bytes
	// written. Idempotent.
	Close() (int64, error)
	Paths() []string
}

// frameSink stores camera output as a concatenated JPEG stream plus a CSV
// index mapping each frame to its capture timestamp and byte range. The
// index is what makes post-hoc cross-device alignment possible.
type frameSink struct {
	dataPath  string
	indexPath string
	data      *os.File
	index     *os.File
	dataBuf   *bufio.Writer
	indexBuf  *bufio.Writer
	offset    int64
	closed    bool
}

func newFrameSink(dir, deviceID string) (*frameSink, error) {
	dataPath := filepath.Join(dir, deviceID+".mjpeg")
	indexPath := filepath.Join(dir, deviceID+".index.csv")

	data, err := os.Create(dataPath)
	if err != nil {
		return nil, err
	}
	index, err := os.Create(indexPath)
	if err != nil {
		data.Close()
		return nil, err
	}

	s := &frameSink{
		dataPath:  dataPath,
		indexPath: indexPath,
		data:      data,
		index:     index,
		dataBuf:   bufio.NewWriter(data),
		indexBuf:  bufio.NewWriter(index),
	}

	if _, err := s.indexBuf.WriteString("seq,timestamp_ns,offset,size\n"); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *frameSink) Write(sample device.Sample) error {
	n, err := s.dataBuf.Write(sample.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.indexBuf, "%d,%d,%d,%d\n",
		sample.Seq, sample.CapturedAt.UnixNano(), s.offset, n); err != nil {
		return err
	}
	s.offset += int64(n)
	return nil
}

func (s *frameSink) Close() (int64, error) {
	if s.closed {
		return s.offset, nil
	}
	s.closed = true

	var firstErr error
	for _, f := range []func() error{
		s.dataBuf.Flush, s.indexBuf.Flush, s.data.Close, s.index.Close,
	} {
		if err := f(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return s.offset, firstErr
}

func (s *frameSink) Paths() []string {
	return []string{s.dataPath, s.indexPath}
}

// sampleSink stores IMU output as CSV rows, one per sample, timestamped.
type sampleSink struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	bytes  int64
	closed bool
}

func newSampleSink(dir, deviceID string) (*sampleSink, error) {
	path := filepath.Join(dir, deviceID+".csv")
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	s := &sampleSink{path: path, file: file, buf: bufio.NewWriter(file)}
	n, err := s.buf.WriteString("seq,timestamp_ns,values\n")
	if err != nil {
		s.Close()
		return nil, err
	}
	s.bytes += int64(n)
	return s, nil
}

func (s *sampleSink) Write(sample device.Sample) error {
	n, err := fmt.Fprintf(s.buf, "%d,%d,%s\n",
		sample.Seq, sample.CapturedAt.UnixNano(), sample.Data)
	if err != nil {
		return err
	}
	s.bytes += int64(n)
	return nil
}

func (s *sampleSink) Close() (int64, error) {
	if s.closed {
		return s.bytes, nil
	}
	s.closed = true

	var firstErr error
	if err := s.buf.Flush(); err != nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return s.bytes, firstErr
}

func (s *sampleSink) Paths() []string {
	return []string{s.path}
}
