// Package runlog journals finished agent runs in SQLite so outcomes survive
// daemon restarts.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// tsLayout is fixed-width so timestamps sort correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore appends one row per finished run.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the journal and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("run journal: open: %w", err)
	}

	// WAL lets the API read while the supervisor appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run journal: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run journal: busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			ticket_id       TEXT NOT NULL,
			phase           TEXT NOT NULL,
			exit_code       INTEGER NOT NULL DEFAULT 0,
			iteration_count INTEGER NOT NULL DEFAULT 0,
			port            INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT '',
			started_at      TEXT NOT NULL,
			ended_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_id, started_at);
	`)
	if err != nil {
		return fmt.Errorf("run journal: migrate: %w", err)
	}
	return nil
}

// Record stores rec. Recording the same run id twice keeps the latest outcome.
func (s *SQLiteStore) Record(ctx context.Context, rec protocol.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, ticket_id, phase, exit_code, iteration_count, port, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase=excluded.phase, exit_code=excluded.exit_code, iteration_count=excluded.iteration_count,
			error=excluded.error, ended_at=excluded.ended_at
	`, rec.ID, rec.TicketID, string(rec.Phase), rec.ExitCode, rec.IterationCount, rec.Port, rec.Error,
		rec.StartedAt.UTC().Format(tsLayout), rec.EndedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("run journal: record: %w", err)
	}
	return nil
}

// List returns a ticket's runs, newest first. limit <= 0 returns all.
func (s *SQLiteStore) List(ctx context.Context, ticketID string, limit int) ([]protocol.RunRecord, error) {
	query := `SELECT id, ticket_id, phase, exit_code, iteration_count, port, error, started_at, ended_at
		FROM runs WHERE ticket_id = ? ORDER BY started_at DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("run journal: list: %w", err)
	}
	defer rows.Close()

	recs := []protocol.RunRecord{}
	for rows.Next() {
		var r protocol.RunRecord
		var phase, started, ended string
		if err := rows.Scan(&r.ID, &r.TicketID, &phase, &r.ExitCode, &r.IterationCount, &r.Port, &r.Error, &started, &ended); err != nil {
			return nil, fmt.Errorf("run journal: list scan: %w", err)
		}
		r.Phase = protocol.RunPhase(phase)
		r.StartedAt, _ = time.Parse(tsLayout, started)
		r.EndedAt, _ = time.Parse(tsLayout, ended)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Count returns the number of journaled runs for a ticket, or all runs when
// ticketID is empty.
func (s *SQLiteStore) Count(ctx context.Context, ticketID string) (int, error) {
	query := "SELECT COUNT(*) FROM runs"
	var args []any
	if ticketID != "" {
		query += " WHERE ticket_id = ?"
		args = append(args, ticketID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("run journal: count: %w", err)
	}
	return n, nil
}

// Prune deletes runs that ended before cutoff and returns how many went.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE ended_at < ?", cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("run journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
