package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sim is a synthetic device handle producing deterministic samples at a
// fixed interval. It backs --simulate runs on hardware-less hosts and the
// controller tests, which script failures through FailNextRead and Kill.
type Sim struct {
	id       string
	kind     Kind
	interval time.Duration

	mu       sync.Mutex
	opened   bool
	closes   int
	opens    int
	failNext *Error

	seq  uint64
	dead uint32
}

// NewSim creates a synthetic handle of the given kind emitting one sample
// per interval.
func NewSim(id string, kind Kind, interval time.Duration) *Sim {
	return &Sim{id: id, kind: kind, interval: interval}
}

func (s *Sim) ID() string { return s.id }

func (s *Sim) Kind() Kind { return s.kind }

func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.opened = true
	atomic.StoreUint32(&s.dead, 0)
	return nil
}

func (s *Sim) Read(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return Sample{}, NewError(s.id, ReasonDisconnected, fmt.Errorf("handle not open"))
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		if err.Reason == ReasonDisconnected {
			atomic.StoreUint32(&s.dead, 1)
		}
		s.mu.Unlock()
		return Sample{}, err
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case <-time.After(s.interval):
	}

	seq := atomic.AddUint64(&s.seq, 1)
	var data []byte
	if s.kind == KindCamera {
		// Minimal JPEG-shaped payload: SOI marker, filler, EOI marker.
		data = []byte{0xff, 0xd8, byte(seq), byte(seq >> 8), 0xff, 0xd9}
	} else {
		data = []byte(fmt.Sprintf("%d.0,%d.0,%d.0", seq, seq+1, seq+2))
	}

	return Sample{
		DeviceID:   s.id,
		Kind:       s.kind,
		Seq:        seq,
		CapturedAt: time.Now(),
		Data:       data,
	}, nil
}

func (s *Sim) Health() Health {
	if atomic.LoadUint32(&s.dead) == 1 {
		return HealthDead
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return HealthDead
	}
	return HealthLive
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	s.closes++
	return nil
}

// FailNextRead makes the next Read return the given fault.
func (s *Sim) FailNextRead(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = NewError(s.id, reason, fmt.Errorf("injected fault"))
}

// Kill marks the device dead, as a yanked cable would.
func (s *Sim) Kill() {
	atomic.StoreUint32(&s.dead, 1)
}

// CloseCount reports how many Close calls actually closed the handle.
func (s *Sim) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
