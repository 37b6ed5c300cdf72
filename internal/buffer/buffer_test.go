package buffer

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

func TestMemoryDrainFIFO(t *testing.T) {
	b := NewMemory(0)
	if err := b.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, s := range []string{"a", "b", "c"} {
		if err := b.Write(wire.TextMessage{Content: s}); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}

	var got []string
	err := b.Drain(context.Background(), func(msg wire.OutMessage) error {
		got = append(got, msg.(wire.TextMessage).Content)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected [a b c], got %v", got)
	}
	if b.Len() != 0 {
		t.Errorf("buffer not empty after drain: %d", b.Len())
	}
}

func TestMemoryWriteBeforeOpen(t *testing.T) {
	b := NewMemory(0)
	if err := b.Write(wire.TextMessage{Content: "early"}); err != nil {
		t.Fatalf("write before open: %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", b.Len())
	}
}

func TestMemoryDrainPicksUpConcurrentWrites(t *testing.T) {
	b := NewMemory(0)
	b.Write(wire.TextMessage{Content: "first"})

	var got []string
	err := b.Drain(context.Background(), func(msg wire.OutMessage) error {
		got = append(got, msg.(wire.TextMessage).Content)
		if len(got) == 1 {
			// Arrives mid-drain; must still be replayed before Drain returns.
			b.Write(wire.TextMessage{Content: "second"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[1] != "second" {
		t.Errorf("expected mid-drain write to be drained, got %v", got)
	}
}

func TestMemoryLimitDropsOldest(t *testing.T) {
	b := NewMemory(2)
	for _, s := range []string{"a", "b", "c"} {
		if err := b.Write(wire.TextMessage{Content: s}); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 entries after overflow, got %d", b.Len())
	}

	var got []string
	if err := b.Drain(context.Background(), func(msg wire.OutMessage) error {
		got = append(got, msg.(wire.TextMessage).Content)
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected oldest dropped, got %v", got)
	}
}

func TestMemoryOpenCloseIdempotent(t *testing.T) {
	b := NewMemory(0)
	for i := 0; i < 2; i++ {
		if err := b.Open(); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := b.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
}
