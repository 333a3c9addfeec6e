package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/biotronics/ecosim/runner"
	"github.com/biotronics/ecosim/world"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSource) GetState(forceFull, allowDelta bool) (*runner.Payload, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	typ := "delta"
	if forceFull {
		typ = "full"
	}
	return &runner.Payload{Type: typ, Frame: int64(n)}, nil
}

func (f *fakeSource) SerializeState(p *runner.Payload) ([]byte, error) {
	return []byte(p.Type), nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	received [][]byte
	closed   bool
	failNext bool
}

func (s *fakeSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return errClosed
	}
	cp := append([]byte(nil), data...)
	s.received = append(s.received, cp)
	return nil
}

func (s *fakeSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errClosed = sentinelErr("send on closed subscriber")

func TestSubscribeSendsImmediateFullPayload(t *testing.T) {
	h := New(20*time.Millisecond, 5)
	src := &fakeSource{}
	sub := &fakeSubscriber{}

	if err := h.Subscribe(world.WorldId("w1"), src, "client-a", sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("expected exactly one immediate payload, got %d", sub.count())
	}
	if string(sub.received[0]) != "full" {
		t.Fatalf("expected full payload on connect, got %q", sub.received[0])
	}
}

func TestTickTaskEmitsDeltaFramesToSubscribers(t *testing.T) {
	h := New(10*time.Millisecond, 5)
	src := &fakeSource{}
	sub := &fakeSubscriber{}

	if err := h.Subscribe(world.WorldId("w1"), src, "client-a", sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for sub.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sub.count() < 3 {
		t.Fatalf("expected at least 3 emitted frames, got %d", sub.count())
	}
}

func TestTickTaskStopsAtZeroSubscribers(t *testing.T) {
	h := New(10*time.Millisecond, 5)
	src := &fakeSource{}
	sub := &fakeSubscriber{}

	h.Subscribe(world.WorldId("w1"), src, "client-a", sub)
	h.Unsubscribe(world.WorldId("w1"), "client-a")

	if !sub.isClosed() {
		t.Fatal("expected subscriber to be closed on unsubscribe")
	}
	if h.SubscriberCount(world.WorldId("w1")) != 0 {
		t.Fatal("expected zero subscribers after unsubscribe")
	}
}

func TestSubscriberRemovedOnSendError(t *testing.T) {
	h := New(10*time.Millisecond, 5)
	src := &fakeSource{}
	sub := &fakeSubscriber{}

	h.Subscribe(world.WorldId("w1"), src, "client-a", sub)
	sub.mu.Lock()
	sub.failNext = true
	sub.mu.Unlock()

	deadline := time.Now().Add(500 * time.Millisecond)
	for h.SubscriberCount(world.WorldId("w1")) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.SubscriberCount(world.WorldId("w1")) != 0 {
		t.Fatal("expected failing subscriber to be removed")
	}
}

func TestPerSourceConcurrentSubscriptionCapIsEnforced(t *testing.T) {
	h := New(time.Second, 2)
	src := &fakeSource{}

	if err := h.Subscribe(world.WorldId("w1"), src, "client-a", &fakeSubscriber{}); err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	if err := h.Subscribe(world.WorldId("w2"), src, "client-a", &fakeSubscriber{}); err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}
	if err := h.Subscribe(world.WorldId("w3"), src, "client-a", &fakeSubscriber{}); err == nil {
		t.Fatal("expected third concurrent subscription from the same client to be rejected")
	}
}

func TestDropTearsDownWorldEntirely(t *testing.T) {
	h := New(10*time.Millisecond, 5)
	src := &fakeSource{}
	sub := &fakeSubscriber{}

	h.Subscribe(world.WorldId("w1"), src, "client-a", sub)
	h.Drop(world.WorldId("w1"))

	if !sub.isClosed() {
		t.Fatal("expected subscriber to be closed on Drop")
	}
	if h.SubscriberCount(world.WorldId("w1")) != 0 {
		t.Fatal("expected zero subscribers after Drop")
	}
}
