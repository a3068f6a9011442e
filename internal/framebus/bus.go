// Package framebus distributes one device worker's samples to multiple
// consumers without competing reads. Consumers never block the producer:
// a full channel drops the incoming sample, and latest-value subscribers
// always hold exactly the newest sample.
package framebus

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("framebus: bus closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already registered")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
	ErrNilChannel         = errors.New("framebus: nil channel")
)

// SubscriberStats tracks per-subscriber distribution counters.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber[T any] struct {
	id    string
	stats SubscriberStats

	// channel subscriber (drop-new)
	ch chan<- T

	// latest-value subscriber
	latest *LatestReceiver[T]
}

// Bus fans out samples from a single publisher to any number of subscribers.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]
	published   uint64
	closed      bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subscribers: make(map[string]*subscriber[T])}
}

// Subscribe registers a channel consumer. If the channel buffer is full when
// a sample arrives, that sample is dropped for this subscriber.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber[T]{id: id, ch: ch}
	return nil
}

// SubscribeLatest registers a latest-value consumer. Every published sample
// replaces the held one; the receiver never sees a backlog.
func (b *Bus[T]) SubscribeLatest(id string) (*LatestReceiver[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	r := newLatestReceiver[T]()
	b.subscribers[id] = &subscriber[T]{id: id, latest: r}
	return r, nil
}

// Publish distributes one sample to every subscriber. Never blocks.
func (b *Bus[T]) Publish(s T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.published, 1)

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.set(s)
			atomic.AddUint64(&sub.stats.Sent, 1)
			continue
		}
		select {
		case sub.ch <- s:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Unsubscribe removes a subscriber and closes its latest-value receiver.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns the counters for one subscriber.
func (b *Bus[T]) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Published returns the total number of samples published on this bus.
func (b *Bus[T]) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}

// Close shuts down the bus. Publishing after Close is a no-op; Close is
// idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}

// LatestReceiver holds the single most recent sample for one subscriber.
// Readers get a value copy, never the live slot.
type LatestReceiver[T any] struct {
	mu     sync.RWMutex
	cond   *sync.Cond
	sample *T
	closed bool
}

func newLatestReceiver[T any]() *LatestReceiver[T] {
	r := &LatestReceiver[T]{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *LatestReceiver[T]) set(s T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.sample = &s
	r.cond.Broadcast()
}

// Receive blocks until a sample is available or the receiver is closed.
func (r *LatestReceiver[T]) Receive() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.sample == nil && !r.closed {
		r.cond.Wait()
	}
	if r.sample == nil {
		var zero T
		return zero, false
	}
	return *r.sample, true
}

// TryReceive returns the latest sample without blocking.
func (r *LatestReceiver[T]) TryReceive() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.sample == nil {
		var zero T
		return zero, false
	}
	return *r.sample, true
}

// Close wakes any blocked Receive callers. Idempotent.
func (r *LatestReceiver[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}
