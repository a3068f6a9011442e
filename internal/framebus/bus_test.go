package framebus_test

import (
	"testing"
	"time"

	"github.com/powerlab/protorec/internal/device"
	"github.com/powerlab/protorec/internal/framebus"
)

func sampleN(seq uint64) device.Sample {
	return device.Sample{
		DeviceID:   "cam0",
		Kind:       device.KindCamera,
		Seq:        seq,
		CapturedAt: time.Now(),
		Data:       []byte{byte(seq)},
	}
}

func TestSubscribePublish(t *testing.T) {
	b := framebus.New[device.Sample]()
	ch := make(chan device.Sample, 4)
	if err := b.Subscribe("pipeline", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(sampleN(1))
	b.Publish(sampleN(2))

	if got := len(ch); got != 2 {
		t.Fatalf("Expected 2 buffered samples, got %d", got)
	}
	s := <-ch
	if s.Seq != 1 {
		t.Errorf("Expected seq 1 first, got %d", s.Seq)
	}
	if b.Published() != 2 {
		t.Errorf("Expected published count 2, got %d", b.Published())
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := framebus.New[device.Sample]()
	ch := make(chan device.Sample, 1)
	if err := b.Subscribe("slow", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Second and third publishes find the buffer full and must not block.
	b.Publish(sampleN(1))
	b.Publish(sampleN(2))
	b.Publish(sampleN(3))

	stats, err := b.Stats("slow")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Sent != 1 || stats.Dropped != 2 {
		t.Errorf("Expected sent=1 dropped=2, got sent=%d dropped=%d", stats.Sent, stats.Dropped)
	}

	// The sample that made it through is the oldest, not the newest.
	s := <-ch
	if s.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", s.Seq)
	}
}

func TestSubscribeLatestKeepsNewest(t *testing.T) {
	b := framebus.New[device.Sample]()
	recv, err := b.SubscribeLatest("preview")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}

	if _, ok := recv.TryReceive(); ok {
		t.Error("Expected no sample before first publish")
	}

	b.Publish(sampleN(1))
	b.Publish(sampleN(2))
	b.Publish(sampleN(3))

	s, ok := recv.TryReceive()
	if !ok {
		t.Fatal("Expected a sample after publish")
	}
	if s.Seq != 3 {
		t.Errorf("Expected latest seq 3, got %d", s.Seq)
	}

	// Reading does not consume; the slot still holds the newest.
	s, ok = recv.TryReceive()
	if !ok || s.Seq != 3 {
		t.Errorf("Expected repeated read to see seq 3, got %d ok=%v", s.Seq, ok)
	}
}

func TestReceiveBlocksUntilSample(t *testing.T) {
	b := framebus.New[device.Sample]()
	recv, err := b.SubscribeLatest("preview")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}

	got := make(chan device.Sample, 1)
	go func() {
		s, ok := recv.Receive()
		if ok {
			got <- s
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Publish(sampleN(7))

	select {
	case s, ok := <-got:
		if !ok {
			t.Fatal("Receive returned closed before a sample arrived")
		}
		if s.Seq != 7 {
			t.Errorf("Expected seq 7, got %d", s.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake after publish")
	}
}

func TestDuplicateSubscriber(t *testing.T) {
	b := framebus.New[device.Sample]()
	ch := make(chan device.Sample, 1)
	if err := b.Subscribe("x", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Subscribe("x", ch); err != framebus.ErrSubscriberExists {
		t.Errorf("Expected framebus.ErrSubscriberExists, got %v", err)
	}
	if _, err := b.SubscribeLatest("x"); err != framebus.ErrSubscriberExists {
		t.Errorf("Expected framebus.ErrSubscriberExists for latest, got %v", err)
	}
	if err := b.Subscribe("nil", nil); err != framebus.ErrNilChannel {
		t.Errorf("Expected framebus.ErrNilChannel, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := framebus.New[device.Sample]()
	ch := make(chan device.Sample, 4)
	if err := b.Subscribe("pipeline", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(sampleN(1))
	if err := b.Unsubscribe("pipeline"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	b.Publish(sampleN(2))

	if got := len(ch); got != 1 {
		t.Errorf("Expected 1 sample delivered before unsubscribe, got %d", got)
	}
	if err := b.Unsubscribe("pipeline"); err != framebus.ErrSubscriberNotFound {
		t.Errorf("Expected framebus.ErrSubscriberNotFound, got %v", err)
	}
}

func TestCloseWakesBlockedReceive(t *testing.T) {
	b := framebus.New[device.Sample]()
	recv, err := b.SubscribeLatest("preview")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		_, ok := recv.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected Receive to report closed, got a sample")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake after Close")
	}
}

func TestClosedBusRejectsAndDropsQuietly(t *testing.T) {
	b := framebus.New[device.Sample]()
	b.Close()
	b.Close() // idempotent

	if err := b.Subscribe("x", make(chan device.Sample, 1)); err != framebus.ErrBusClosed {
		t.Errorf("Expected framebus.ErrBusClosed on Subscribe, got %v", err)
	}
	if _, err := b.SubscribeLatest("x"); err != framebus.ErrBusClosed {
		t.Errorf("Expected framebus.ErrBusClosed on SubscribeLatest, got %v", err)
	}

	// Publishing into a closed bus is a silent no-op.
	b.Publish(sampleN(1))
	if b.Published() != 0 {
		t.Errorf("Expected published count 0 after close, got %d", b.Published())
	}
}
