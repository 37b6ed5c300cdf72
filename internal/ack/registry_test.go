package ack

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

type eventSink struct {
	mu     sync.Mutex
	events []wire.InMessage
}

func (s *eventSink) emit(msg wire.InMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg)
}

func (s *eventSink) failed() []wire.AckFailed {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.AckFailed
	for _, e := range s.events {
		if f, ok := e.(wire.AckFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

func TestResolveBeforeTimeout(t *testing.T) {
	sink := &eventSink{}
	r := New(sink.emit)

	acked := make(chan bool, 1)
	id := r.Track(wire.TextMessage{Content: "x"}, time.Second, func(ok bool) { acked <- ok })

	r.Resolve(id)

	select {
	case ok := <-acked:
		if !ok {
			t.Fatal("expected acked=true")
		}
	case <-time.After(time.Second):
		t.Fatal("done callback never fired")
	}
	if len(sink.failed()) != 0 {
		t.Errorf("unexpected AckFailed: %v", sink.failed())
	}
	if r.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", r.Pending())
	}
}

func TestTimeoutEmitsAckFailed(t *testing.T) {
	sink := &eventSink{}
	r := New(sink.emit)

	acked := make(chan bool, 1)
	r.Track(wire.TextMessage{Content: "y"}, 50*time.Millisecond, func(ok bool) { acked <- ok })

	select {
	case ok := <-acked:
		if ok {
			t.Fatal("expected acked=false on timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	failed := sink.failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 AckFailed, got %d", len(failed))
	}
	inner, ok := failed[0].Inner.(wire.TextMessage)
	if !ok || inner.Content != "y" {
		t.Errorf("AckFailed carries wrong inner: %#v", failed[0].Inner)
	}
}

func TestDuplicateAckIgnored(t *testing.T) {
	sink := &eventSink{}
	r := New(sink.emit)

	var calls int
	var mu sync.Mutex
	id := r.Track(wire.TextMessage{Content: "z"}, time.Second, func(bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	r.Resolve(id)
	r.Resolve(id)
	r.Resolve(9999)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("done fired %d times, expected 1", calls)
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	r := New(func(wire.InMessage) {})
	var last uint64
	for i := 0; i < 5; i++ {
		id := r.Track(wire.TextMessage{Content: "m"}, time.Minute, func(bool) {})
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestClearSettlesPendingWithoutAckFailed(t *testing.T) {
	sink := &eventSink{}
	r := New(sink.emit)

	acked := make(chan bool, 1)
	r.Track(wire.TextMessage{Content: "w"}, time.Minute, func(ok bool) { acked <- ok })

	r.Clear()

	select {
	case ok := <-acked:
		if ok {
			t.Fatal("cleared entry must settle unacked")
		}
	case <-time.After(time.Second):
		t.Fatal("done callback never fired on Clear")
	}
	if len(sink.failed()) != 0 {
		t.Errorf("Clear must not emit AckFailed, got %v", sink.failed())
	}
}
