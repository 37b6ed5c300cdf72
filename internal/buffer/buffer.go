// Package buffer holds outbound messages queued while the connection is
// down, for FIFO replay once it comes back.
package buffer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

// Buffer is a FIFO of outbound messages. Writes are accepted in any
// connection phase; Drain replays everything in write order. Open and Close
// are idempotent.
type Buffer interface {
	Open() error
	Close() error
	Write(msg wire.OutMessage) error
	// Drain emits buffered entries to sink in FIFO order, including entries
	// written while the drain is running. It returns once the buffer is empty
	// and the last entry has been accepted by the sink.
	Drain(ctx context.Context, sink func(wire.OutMessage) error) error
}

// Memory is an in-process Buffer. Contents do not survive a restart.
type Memory struct {
	limit int

	mu      sync.Mutex
	entries []wire.OutMessage
}

// NewMemory builds an in-process buffer holding at most limit entries;
// zero means unbounded. When the cap is hit the oldest entries are dropped.
func NewMemory(limit int) *Memory { return &Memory{limit: limit} }

func (m *Memory) Open() error  { return nil }
func (m *Memory) Close() error { return nil }

func (m *Memory) Write(msg wire.OutMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, msg)
	if m.limit > 0 && len(m.entries) > m.limit {
		dropped := len(m.entries) - m.limit
		m.entries = m.entries[dropped:]
		slog.Warn("backup buffer full, dropping oldest", "dropped", dropped, "limit", m.limit)
	}
	return nil
}

func (m *Memory) Drain(ctx context.Context, sink func(wire.OutMessage) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		if len(m.entries) == 0 {
			m.mu.Unlock()
			return nil
		}
		msg := m.entries[0]
		m.entries = m.entries[1:]
		m.mu.Unlock()

		if err := sink(msg); err != nil {
			return err
		}
	}
}

// Len reports the number of queued entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
