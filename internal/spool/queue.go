// Package spool buffers ledger rows that have been accepted but not
// yet committed, and mirrors them to an on-disk spool file so they
// survive a crash between acceptance and ledger commit.
//
// A background worker flushes the queue into the ledger, waking on a
// fixed interval or immediately after an enqueue. Flush failures (the
// ledger directory is often on removable or network storage) keep the
// rows queued and durably spooled for retry; they are never fatal to
// the running monitor.
//
// Invariant: the spool file always reflects the exact set of rows not
// yet confirmed committed to the ledger. Present means unflushed rows
// exist; absent or empty means fully flushed.
package spool

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fstre/cyclemon/internal/ledger"
)

// Suffix is appended to the ledger path to form the spool file path.
const Suffix = ".pending"

// DefaultFlushInterval is the worker's periodic retry interval.
const DefaultFlushInterval = 5 * time.Second

// Appender commits rows to the ledger. Implemented by *ledger.Ledger.
type Appender interface {
	Append(rows []ledger.Row) error
}

// Queue is the durable write queue for one machine's ledger.
type Queue struct {
	appender Appender
	path     string

	// flushMu serializes Flush so at most one batch is in flight.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending []ledger.Row
	// inflight is the batch handed to the appender but not yet
	// confirmed committed. It stays in every spool rewrite until the
	// append returns, so rows enqueued during a slow or failing append
	// cannot erase it from disk.
	inflight []ledger.Row
	loaded   bool

	// signal coalesces enqueue wake-ups (buffered, size 1) so the
	// worker never blocks the event-producing path.
	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewQueue creates a queue spooling to <ledgerPath>.pending.
func NewQueue(ledgerPath string, appender Appender) *Queue {
	return &Queue{
		appender: appender,
		path:     ledgerPath + Suffix,
		signal:   make(chan struct{}, 1),
	}
}

// Path returns the spool file path.
func (q *Queue) Path() string {
	return q.path
}

// Len returns the number of rows not yet confirmed committed,
// including any batch currently in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight) + len(q.pending)
}

// LoadPending reads any pre-existing spool file into the queue. It must
// run before new events are accepted so crash-recovered rows are
// retried ahead of fresh ones. Calling it more than once is a no-op.
func (q *Queue) LoadPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loadLocked()
}

func (q *Queue) loadLocked() {
	if q.loaded {
		return
	}
	q.loaded = true

	f, err := os.Open(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read spool file", "path", q.path, "error", err)
		}
		return
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	recovered := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Warn("spool file is corrupt; keeping rows read so far", "path", q.path, "error", err)
			break
		}
		if len(record) < 1 {
			continue
		}
		ts, err := ledger.ParseTimestamp(record[0])
		if err != nil {
			slog.Warn("dropping unparseable spool row", "path", q.path, "value", record[0])
			continue
		}
		q.pending = append(q.pending, ledger.Row{Timestamp: ts})
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovered unflushed rows from spool", "path", q.path, "rows", recovered)
	}
}

// Enqueue appends a row to the pending list, persists the full list to
// the spool file, and wakes the flush worker. The row is durable once
// Enqueue returns, even if the ledger stays unreachable.
func (q *Queue) Enqueue(row ledger.Row) {
	q.mu.Lock()
	q.loadLocked()
	q.pending = append(q.pending, row)
	q.persistLocked()
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Flush attempts to append all pending rows to the ledger in one call.
// On success the in-memory list and the spool file are cleared; on
// failure the rows are restored as the retry set and the spool file
// stays in place.
func (q *Queue) Flush() error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	q.loadLocked()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.inflight = q.pending
	q.pending = nil
	batch := q.inflight
	q.mu.Unlock()

	if err := q.appender.Append(batch); err != nil {
		q.mu.Lock()
		// Rows enqueued during the failed attempt follow the batch so
		// ledger order matches arrival order.
		q.pending = append(q.inflight, q.pending...)
		q.inflight = nil
		q.persistLocked()
		q.mu.Unlock()
		return fmt.Errorf("flush %d spooled rows: %w", len(batch), err)
	}

	q.mu.Lock()
	q.inflight = nil
	q.persistLocked()
	q.mu.Unlock()
	slog.Debug("flushed spooled rows to ledger", "rows", len(batch))
	return nil
}

// persistLocked mirrors the unconfirmed rows (in-flight batch first,
// then pending) to the spool file. No unconfirmed rows removes the
// file. Persist failures are logged, not returned: the rows are still
// queued in memory and the next attempt rewrites the file.
func (q *Queue) persistLocked() {
	rows := make([]ledger.Row, 0, len(q.inflight)+len(q.pending))
	rows = append(rows, q.inflight...)
	rows = append(rows, q.pending...)
	if len(rows) == 0 {
		if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
			slog.Debug("unable to remove empty spool file", "path", q.path, "error", err)
		}
		return
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write([]string{ledger.FormatTimestamp(row.Timestamp)}); err != nil {
			slog.Warn("failed to encode spool row", "path", q.path, "error", err)
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		slog.Warn("failed to encode spool rows", "path", q.path, "error", err)
		return
	}
	if err := ledger.WriteFileAtomic(q.path, buf.Bytes(), ledger.FileMode); err != nil {
		slog.Warn("failed to persist spool file", "path", q.path, "error", err)
	}
}

// Start launches the background flush worker. The worker wakes on the
// enqueue signal or every interval (DefaultFlushInterval when zero) and
// performs one final flush on Stop.
func (q *Queue) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				// Final flush so a controlled shutdown loses nothing.
				if err := q.Flush(); err != nil {
					slog.Warn("final spool flush failed; rows remain spooled", "error", err)
				}
				return
			case <-q.signal:
			case <-ticker.C:
			}
			if err := q.Flush(); err != nil {
				slog.Warn("spool flush failed; will retry", "error", err)
			}
		}
	}()
}

// Stop signals the worker to flush once more and exit, waiting at most
// timeout for it to finish. Returns false when the wait timed out; the
// rows are still spooled on disk either way.
func (q *Queue) Stop(timeout time.Duration) bool {
	if q.stop == nil {
		return true
	}
	close(q.stop)
	select {
	case <-q.done:
		q.stop = nil
		return true
	case <-time.After(timeout):
		slog.Warn("spool worker did not stop in time", "timeout", timeout)
		q.stop = nil
		return false
	}
}
