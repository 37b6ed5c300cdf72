package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

// SQLite is a Buffer persisted to a SQLite database, so messages queued
// while disconnected survive a process restart.
type SQLite struct {
	path   string
	format wire.Format
	limit  int

	mu     sync.Mutex
	db     *sql.DB
	opened bool
}

// NewSQLite builds a disk-backed buffer at path holding at most limit
// entries; zero means unbounded. Messages are stored through format's text
// envelope, binary payloads included; when the cap is hit the oldest rows
// are dropped.
func NewSQLite(path string, format wire.Format, limit int) *SQLite {
	return &SQLite{path: path, format: format, limit: limit}
}

func (s *SQLite) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open buffer db: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("migrate buffer db: %w", err)
	}

	s.db = db
	s.opened = true
	slog.Debug("backup buffer opened", "path", s.path)
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLite) Write(msg wire.OutMessage) error {
	payload, err := s.format.Render(msg)
	if err != nil {
		return fmt.Errorf("render buffered message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		if err := s.openLocked(); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(`INSERT INTO outbox (payload) VALUES (?)`, payload); err != nil {
		return fmt.Errorf("enqueue buffered message: %w", err)
	}
	if s.limit > 0 {
		res, err := s.db.Exec(
			`DELETE FROM outbox WHERE id NOT IN (SELECT id FROM outbox ORDER BY id DESC LIMIT ?)`,
			s.limit)
		if err != nil {
			return fmt.Errorf("trim buffered messages: %w", err)
		}
		if dropped, _ := res.RowsAffected(); dropped > 0 {
			slog.Warn("backup buffer full, dropping oldest", "dropped", dropped, "limit", s.limit)
		}
	}
	return nil
}

// openLocked re-opens the database for writes that arrive before Open or
// after Close. Callers hold s.mu.
func (s *SQLite) openLocked() error {
	s.mu.Unlock()
	err := s.Open()
	s.mu.Lock()
	return err
}

func (s *SQLite) Drain(ctx context.Context, sink func(wire.OutMessage) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if !s.opened {
			s.mu.Unlock()
			return nil
		}
		var (
			id      int64
			payload string
		)
		err := s.db.QueryRowContext(ctx, `SELECT id, payload FROM outbox ORDER BY id LIMIT 1`).Scan(&id, &payload)
		if err == sql.ErrNoRows {
			s.mu.Unlock()
			return nil
		}
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("read buffered message: %w", err)
		}
		s.mu.Unlock()

		in := s.format.ParseInMessage(payload)
		if msg, ok := in.(wire.OutMessage); ok {
			// Row is deleted only after the sink accepts it, so an aborted
			// drain replays the message on the next attempt.
			if err := sink(msg); err != nil {
				return err
			}
		} else {
			slog.Warn("buffered payload is not replayable, dropping", "payload_len", len(payload))
		}

		s.mu.Lock()
		if s.opened {
			_, err = s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("dequeue buffered message: %w", err)
		}
	}
}
