// Package history provides SQLite-backed storage for each machine's
// recent raw cycle timestamps.
//
// The monitor core only records instants here; aggregation (cycle-time
// averages and the like) is left to external consumers reading through
// Timestamps. Rows older than the retention window are pruned on every
// write, but the two most recent rows are always kept so a consumer can
// compute the last cycle duration even on a quiet line.
//
// Writes from the recorder are best effort: a history failure is logged
// and never blocks event recording.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Retention is how long raw timestamps are kept.
const Retention = 2 * time.Hour

// minKept rows survive pruning regardless of age.
const minKept = 2

// Store holds recent cycle-event timestamps per machine.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path.
//
// The database is configured with WAL mode for concurrent reads (the
// status command reads while the monitor writes), NORMAL synchronous
// mode, and a 5-second busy timeout. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to history database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY on the write path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one event timestamp for machineID and prunes rows that
// fell out of the retention window.
func (s *Store) Record(ctx context.Context, machineID string, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycle_events (id, machine_id, recorded_at)
		VALUES (?, ?, ?)
	`, uuid.NewString(), machineID, ts.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record history event: %w", err)
	}

	cutoff := ts.Add(-Retention).UTC().UnixNano()
	_, err = tx.ExecContext(ctx, `
		DELETE FROM cycle_events
		WHERE machine_id = ?
		  AND recorded_at < ?
		  AND id NOT IN (
			SELECT id FROM cycle_events
			WHERE machine_id = ?
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		  )
	`, machineID, cutoff, machineID, minKept)
	if err != nil {
		return fmt.Errorf("prune history events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	return nil
}

// Timestamps returns machineID's retained event instants in ascending
// order, for external aggregation.
func (s *Store) Timestamps(ctx context.Context, machineID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at FROM cycle_events
		WHERE machine_id = ?
		ORDER BY recorded_at ASC, id ASC
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("read history events: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var nanos int64
		if err := rows.Scan(&nanos); err != nil {
			return nil, fmt.Errorf("read history events: %w", err)
		}
		out = append(out, time.Unix(0, nanos).UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history events: %w", err)
	}
	return out, nil
}

// Clear removes all history rows for machineID. Used when a machine is
// retired.
func (s *Store) Clear(ctx context.Context, machineID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM cycle_events WHERE machine_id = ?
	`, machineID); err != nil {
		return fmt.Errorf("clear history for %s: %w", machineID, err)
	}
	return nil
}
