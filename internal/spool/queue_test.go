package spool

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fstre/cyclemon/internal/ledger"
)

// fakeAppender records appended batches and can be told to fail.
type fakeAppender struct {
	mu      sync.Mutex
	rows    []ledger.Row
	batches int
	fail    bool
}

func (a *fakeAppender) Append(rows []ledger.Row) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("ledger unreachable")
	}
	a.rows = append(a.rows, rows...)
	a.batches++
	return nil
}

func (a *fakeAppender) setFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

func (a *fakeAppender) appended() []ledger.Row {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ledger.Row, len(a.rows))
	copy(out, a.rows)
	return out
}

func row(t *testing.T, s string) ledger.Row {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ledger.Row{Timestamp: ts}
}

func newTestQueue(t *testing.T) (*Queue, *fakeAppender) {
	t.Helper()
	a := &fakeAppender{}
	q := NewQueue(filepath.Join(t.TempDir(), "CM_M1.csv"), a)
	return q, a
}

func TestEnqueue_PersistsSpoolImmediately(t *testing.T) {
	q, _ := newTestQueue(t)

	// No worker running: the row must be durable anyway.
	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))

	data, err := os.ReadFile(q.Path())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T05:00:00Z\n", string(data))
}

func TestFlush_CommitsAndClearsSpool(t *testing.T) {
	q, a := newTestQueue(t)
	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))
	q.Enqueue(row(t, "2024-01-01T05:10:00Z"))

	require.NoError(t, q.Flush())

	assert.Len(t, a.appended(), 2)
	assert.Equal(t, 1, a.batches, "all pending rows go to the ledger in one call")
	assert.Equal(t, 0, q.Len())
	_, err := os.Stat(q.Path())
	assert.True(t, os.IsNotExist(err), "spool file removed after successful flush")
}

func TestFlush_FailureKeepsRowsSpooled(t *testing.T) {
	q, a := newTestQueue(t)
	a.setFail(true)

	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))
	err := q.Flush()
	require.Error(t, err)

	assert.Equal(t, 1, q.Len())
	_, statErr := os.Stat(q.Path())
	assert.NoError(t, statErr, "spool file stays in place on failure")

	// Storage recovers: the retry set flushes.
	a.setFail(false)
	require.NoError(t, q.Flush())
	assert.Len(t, a.appended(), 1)
	assert.Equal(t, 0, q.Len())
}

// blockingAppender parks every Append until the test releases it with
// an outcome, simulating a slow ledger on network or removable storage.
type blockingAppender struct {
	entered chan struct{}
	release chan error

	mu   sync.Mutex
	rows []ledger.Row
}

func newBlockingAppender() *blockingAppender {
	return &blockingAppender{
		entered: make(chan struct{}),
		release: make(chan error),
	}
}

func (a *blockingAppender) Append(rows []ledger.Row) error {
	a.entered <- struct{}{}
	err := <-a.release
	if err == nil {
		a.mu.Lock()
		a.rows = append(a.rows, rows...)
		a.mu.Unlock()
	}
	return err
}

func (a *blockingAppender) appended() []ledger.Row {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ledger.Row, len(a.rows))
	copy(out, a.rows)
	return out
}

func TestFlush_InFlightBatchStaysSpooled(t *testing.T) {
	a := newBlockingAppender()
	q := NewQueue(filepath.Join(t.TempDir(), "CM_M1.csv"), a)

	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))

	flushErr := make(chan error, 1)
	go func() { flushErr <- q.Flush() }()
	<-a.entered

	// A second event arrives while the first batch is still with the
	// (stalled) ledger. Its spool rewrite must not erase the batch.
	q.Enqueue(row(t, "2024-01-01T05:01:00Z"))

	data, err := os.ReadFile(q.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "2024-01-01T05:00:00Z",
		"unconfirmed batch stays durable during the append")
	assert.Contains(t, string(data), "2024-01-01T05:01:00Z")
	assert.Equal(t, 2, q.Len())

	// The stalled append finally fails: both rows are the retry set.
	a.release <- errors.New("ledger unreachable")
	require.Error(t, <-flushErr)
	assert.Equal(t, 2, q.Len())

	data, err = os.ReadFile(q.Path())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T05:00:00Z\n2024-01-01T05:01:00Z\n", string(data),
		"retry set keeps arrival order")

	// Storage recovers: one batch commits both rows in order.
	go func() { flushErr <- q.Flush() }()
	<-a.entered
	a.release <- nil
	require.NoError(t, <-flushErr)

	got := a.appended()
	require.Len(t, got, 2)
	assert.Equal(t, "2024-01-01T05:00:00Z", ledger.FormatTimestamp(got[0].Timestamp))
	assert.Equal(t, "2024-01-01T05:01:00Z", ledger.FormatTimestamp(got[1].Timestamp))
	assert.Equal(t, 0, q.Len())
	_, statErr := os.Stat(q.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestFlush_EmptyQueueIsNoOp(t *testing.T) {
	q, a := newTestQueue(t)
	require.NoError(t, q.Flush())
	assert.Equal(t, 0, a.batches)
}

func TestLoadPending_RecoversRowsBeforeFreshOnes(t *testing.T) {
	a := &fakeAppender{}
	ledgerPath := filepath.Join(t.TempDir(), "CM_M1.csv")

	// A prior process crashed with one row spooled.
	require.NoError(t, os.WriteFile(ledgerPath+Suffix,
		[]byte("2024-01-01T04:00:00Z\n"), 0o664))

	q := NewQueue(ledgerPath, a)
	q.LoadPending()
	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))
	require.NoError(t, q.Flush())

	got := a.appended()
	require.Len(t, got, 2)
	assert.Equal(t, "2024-01-01T04:00:00Z", ledger.FormatTimestamp(got[0].Timestamp),
		"crash-recovered row flushes ahead of the fresh one")
	assert.Equal(t, "2024-01-01T05:00:00Z", ledger.FormatTimestamp(got[1].Timestamp))
}

func TestLoadPending_DropsUnparseableRows(t *testing.T) {
	a := &fakeAppender{}
	ledgerPath := filepath.Join(t.TempDir(), "CM_M1.csv")
	require.NoError(t, os.WriteFile(ledgerPath+Suffix,
		[]byte("not-a-timestamp\n2024-01-01T05:00:00Z\n"), 0o664))

	q := NewQueue(ledgerPath, a)
	q.LoadPending()
	assert.Equal(t, 1, q.Len())
}

func TestWorker_FlushesOnEnqueueSignal(t *testing.T) {
	q, a := newTestQueue(t)
	q.Start(time.Hour) // interval long enough that only the signal can trigger
	defer q.Stop(time.Second)

	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))

	require.Eventually(t, func() bool {
		return len(a.appended()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_RetriesOnInterval(t *testing.T) {
	q, a := newTestQueue(t)
	a.setFail(true)
	q.Start(20 * time.Millisecond)
	defer q.Stop(time.Second)

	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))
	time.Sleep(50 * time.Millisecond)
	a.setFail(false)

	require.Eventually(t, func() bool {
		return len(a.appended()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStop_PerformsFinalFlush(t *testing.T) {
	q, a := newTestQueue(t)
	a.setFail(true)
	q.Start(time.Hour)

	q.Enqueue(row(t, "2024-01-01T05:00:00Z"))
	// Let the signal-driven attempt fail first.
	time.Sleep(30 * time.Millisecond)
	a.setFail(false)

	assert.True(t, q.Stop(time.Second))
	assert.Len(t, a.appended(), 1, "stop drains the queue before the worker exits")
}

func TestStop_WithoutStartIsANoOp(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.True(t, q.Stop(time.Second))
}
