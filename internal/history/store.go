package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store is the optional sqlite audit trail behind the in-memory ring.
// Writes go through a buffered queue and a single writer goroutine; a
// failed insert logs and is dropped, never failing a dispatch.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	queue  chan Entry
	closed atomic.Bool
	done   chan struct{}
}

// OpenStore opens (creating if needed) the audit database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "history"),
		queue:  make(chan Entry, 256),
		done:   make(chan struct{}),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	go s.writeLoop()
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			raw_name TEXT NOT NULL,
			qualified_name TEXT NOT NULL,
			params TEXT,
			success INTEGER NOT NULL,
			error_kind TEXT,
			duration_ms INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tool_calls table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_calls_created ON tool_calls(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Append enqueues an entry for the writer goroutine. When the queue is
// full the entry is dropped with a warning; dispatch latency is never
// coupled to disk.
func (s *Store) Append(e Entry) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("audit queue full, dropping entry",
			"request_id", e.RequestID, "tool", e.Qualified)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for e := range s.queue {
		s.insert(e)
	}
}

func (s *Store) insert(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls
			(request_id, session_id, provider, raw_name, qualified_name,
			 params, success, error_kind, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.RequestID, e.SessionID, e.Provider, e.RawName, e.Qualified,
		e.Params, e.Success, e.ErrorKind, e.Duration.Milliseconds(), e.At)
	if err != nil {
		s.logger.Warn("audit insert failed", "error", err, "tool", e.Qualified)
	}
}

// Recent returns the latest audit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, session_id, provider, raw_name, qualified_name,
		       COALESCE(params, ''), success, COALESCE(error_kind, ''),
		       duration_ms, created_at
		FROM tool_calls
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(&e.RequestID, &e.SessionID, &e.Provider, &e.RawName,
			&e.Qualified, &e.Params, &e.Success, &e.ErrorKind, &durationMS, &e.At); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.queue)
	<-s.done
	return s.db.Close()
}
