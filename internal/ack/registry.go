// Package ack correlates ack-requiring outbound messages with the Ack
// frames the peer sends back, enforcing a per-message timeout.
package ack

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

// Registry tracks in-flight ack requests. IDs are monotonically increasing
// and scoped to one connection; Clear drops everything when the connection
// is closed for good.
type Registry struct {
	emit func(wire.InMessage)

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*entry
}

type entry struct {
	inner wire.Message
	timer *time.Timer
	done  func(acked bool)
}

// New builds a registry. emit receives AckFailed events for the application
// stream when a timer fires.
func New(emit func(wire.InMessage)) *Registry {
	return &Registry{
		emit:    emit,
		pending: make(map[uint64]*entry),
	}
}

// Track assigns the next request ID, arms the timeout, and returns the ID to
// stamp on the outgoing AckRequest. done fires exactly once: with true when
// the matching Ack arrives, with false on timeout or Clear.
func (r *Registry) Track(inner wire.Message, timeout time.Duration, done func(acked bool)) uint64 {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	e := &entry{inner: inner, done: done}
	e.timer = time.AfterFunc(timeout, func() { r.expire(id) })
	r.pending[id] = e
	r.mu.Unlock()
	return id
}

// Resolve handles an inbound Ack. Unknown or duplicate IDs are ignored.
func (r *Registry) Resolve(id uint64) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		e.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		slog.Debug("ack for unknown or already-settled id", "id", id)
		return
	}
	e.done(true)
}

func (r *Registry) expire(id uint64) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.emit(wire.AckFailed{Inner: e.inner})
	e.done(false)
}

// Clear cancels every pending timer and settles the senders as unacked.
// AckFailed is not emitted for cleared entries; the connection is going away
// and the lifecycle events cover it.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := r.pending
	r.pending = make(map[uint64]*entry)
	r.nextID = 0
	r.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.done(false)
	}
}

// Pending reports the number of unsettled ack requests.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
