// Package ledger implements the append-only cycle-event log for one
// machine.
//
// The ledger is a CSV file with a single column: the event timestamp in
// RFC 3339 form. Legacy files written by earlier releases carried two
// or three columns with the timestamp last; Prepare migrates those in
// place to the single-column layout exactly once.
//
// Durability model: appends are a single write syscall for the whole
// batch, and the migration rewrite goes through a temp file + atomic
// rename. That keeps the file safe to share with other processes (the
// manual test-event path runs in its own process), without any
// in-process locking.
package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fstre/cyclemon/internal/counter"
)

// File permissions are group-shared so operators and the GUI process
// can read the output written by the service account.
const (
	FileMode = os.FileMode(0o664)
	DirMode  = os.FileMode(0o775)
)

// Row is one ledger entry: the instant a cycle event was recorded.
type Row struct {
	Timestamp time.Time
}

// Seed carries the recovery state derived from the ledger file: the
// last committed timestamp and the row count at that point.
type Seed struct {
	Reference time.Time
	Count     int
}

// Ledger appends cycle-event rows to a single machine's CSV file.
type Ledger struct {
	path      string
	resetHour int
}

// New creates a ledger backed by the file at path. The reset hour is
// used when replaying migrated rows to recover the cycle count.
func New(path string, resetHour int) *Ledger {
	return &Ledger{path: path, resetHour: resetHour}
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// Prepare ensures the backing file exists with shared permissions,
// migrates legacy layouts, and returns a Seed recovered from the file
// tail. A nil Seed means the file is empty and the caller should seed
// the counter itself.
//
// Prepare is idempotent: running it against an already-migrated file
// changes nothing.
func (l *Ledger) Prepare() (*Seed, error) {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}
	if err := EnsureSharedPermissions(dir, DirMode); err != nil {
		slog.Debug("unable to adjust ledger directory permissions", "dir", dir, "error", err)
	}

	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, FileMode)
		if err != nil {
			return nil, fmt.Errorf("initialize ledger file %s: %w", l.path, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("initialize ledger file %s: %w", l.path, err)
		}
		l.fixPermissions()
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat ledger file %s: %w", l.path, err)
	}

	if seed, migrated, err := l.migrate(); err != nil {
		return nil, err
	} else if migrated {
		// The replayed seed covers exactly the rows that survived into
		// the rewritten file; rows dropped as unparseable are absent
		// from both, so the seed's reference is the new file's tail.
		l.fixPermissions()
		return seed, nil
	}

	seed, err := l.TailState()
	if err != nil {
		return nil, err
	}
	l.fixPermissions()
	return seed, nil
}

// Append writes one or more rows to the ledger in a single write call,
// then restores shared permissions. An error leaves the file without
// any partial row: either the whole batch landed or none of it did.
func (l *Ledger) Append(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range rows {
		if err := w.Write([]string{FormatTimestamp(r.Timestamp)}); err != nil {
			return fmt.Errorf("encode ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode ledger rows: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FileMode)
	if err != nil {
		return fmt.Errorf("open ledger %s for append: %w", l.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append to ledger %s: %w", l.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger %s: %w", l.path, err)
	}

	l.fixPermissions()
	return nil
}

// TailState scans the whole file and returns the last timestamp and the
// parseable row count. This is the O(n) recovery fallback used when no
// persisted state is available; it only runs at startup.
func (l *Ledger) TailState() (*Seed, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	seed := &Seed{}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("ledger scan stopped on malformed data", "path", l.path, "error", err)
			break
		}
		if len(record) < 1 {
			continue
		}
		ts, err := ParseTimestamp(record[0])
		if err != nil {
			continue
		}
		seed.Reference = ts
		seed.Count++
	}

	if seed.Count == 0 {
		return nil, nil
	}
	return seed, nil
}

// migrate rewrites a legacy 2-3 column file to the single-column
// layout. Rows that fail to parse are dropped with a warning; the
// migrated rows are replayed through a fresh cycle counter so the
// recovered count matches what the machine would have reached.
//
// Returns (seed, true, nil) when a migration happened.
func (l *Ledger) migrate() (*Seed, bool, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, false, fmt.Errorf("open ledger %s for migration: %w", l.path, err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	f.Close()
	if err != nil {
		return nil, false, fmt.Errorf("read ledger %s for migration: %w", l.path, err)
	}

	if len(records) == 0 {
		return nil, false, nil
	}
	if n := len(records[0]); n != 2 && n != 3 {
		// Single-column files are already migrated; anything else is an
		// unknown layout we leave untouched.
		return nil, false, nil
	}

	slog.Info("migrating ledger to timestamp-only format", "path", l.path, "rows", len(records))

	c := counter.New(l.resetHour)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	seed := &Seed{}
	for _, record := range records {
		if len(record) < 1 {
			continue
		}
		// The timestamp is the last column in every legacy layout.
		ts, err := ParseTimestamp(record[len(record)-1])
		if err != nil {
			slog.Warn("dropping unparseable ledger row during migration",
				"path", l.path, "value", record[len(record)-1])
			continue
		}
		seed.Count = c.Record(ts)
		seed.Reference = ts
		if err := w.Write([]string{FormatTimestamp(ts)}); err != nil {
			return nil, false, fmt.Errorf("encode migrated row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, false, fmt.Errorf("encode migrated rows: %w", err)
	}

	if err := WriteFileAtomic(l.path, buf.Bytes(), FileMode); err != nil {
		return nil, false, fmt.Errorf("rewrite ledger %s: %w", l.path, err)
	}

	if seed.Count == 0 {
		return nil, true, nil
	}
	return seed, true, nil
}

// fixPermissions restores group-shared permissions, best effort.
func (l *Ledger) fixPermissions() {
	if err := EnsureSharedPermissions(l.path, FileMode); err != nil {
		slog.Debug("unable to adjust ledger permissions", "path", l.path, "error", err)
	}
}

// EnsureSharedPermissions chmods path to mode when it differs. Returns
// the failure instead of suppressing it so callers can decide whether
// the miss is worth logging.
func EnsureSharedPermissions(path string, mode os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() == mode.Perm() {
		return nil
	}
	return os.Chmod(path, mode)
}

// WriteFileAtomic writes data to a temp file in the target's directory
// and atomically renames it over the target. A crash mid-write leaves
// the original file intact. The state and spool files use the same
// replace semantics, which is what makes concurrent monitor processes
// safe without file locks.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
