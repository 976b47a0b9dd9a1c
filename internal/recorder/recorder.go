// Package recorder orchestrates cycle-event recording: it receives
// edge notifications from the sensor collaborator, applies the software
// latch on top of the driver's debounce, drives the cycle counter,
// queues ledger rows for the background flusher, and persists machine
// state at both store locations.
//
// Lifecycle: Stopped -> Starting -> Running -> Stopping -> Stopped.
// Start and Stop are idempotent. A failure during any start step
// reverts to Stopped and propagates.
//
// Concurrency: one mutex guards the counter, the running flag, the
// signal latch, and the stats. File I/O for the ledger and state stores
// happens outside the lock; the spool queue serializes its own
// pending-row hand-off. Cross-process safety (the manual test-event
// path runs a fresh recorder in its own process) comes from atomic
// renames and single-write appends, not from this mutex.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fstre/cyclemon/internal/config"
	"github.com/fstre/cyclemon/internal/counter"
	"github.com/fstre/cyclemon/internal/history"
	"github.com/fstre/cyclemon/internal/ledger"
	"github.com/fstre/cyclemon/internal/spool"
	"github.com/fstre/cyclemon/internal/state"
)

// ErrSensorUnavailable marks failures to arm the edge-detection
// collaborator. Fatal to Start and surfaced to the caller; the
// supervising layer decides whether to retry.
var ErrSensorUnavailable = errors.New("edge-detection sensor unavailable")

// stopTimeout bounds the wait for the flush worker during Stop.
const stopTimeout = 10 * time.Second

// Sensor is the edge-detection collaborator contract. Implementations
// invoke the subscribed callback on every level transition, after
// applying their own hardware/driver debounce.
type Sensor interface {
	CurrentLevel() (int, error)
	Subscribe(onTransition func()) error
	Unsubscribe() error
}

// Observer is notified with the event timestamp after all durability
// steps for that event have been attempted.
type Observer func(time.Time)

// Stats reports monitoring activity since construction.
type Stats struct {
	LastEventTime time.Time
	EventsLogged  int
}

// Recorder is the event-recording orchestrator for one machine.
type Recorder struct {
	cfg      config.Config
	sensor   Sensor
	observer Observer
	now      func() time.Time

	ledger *ledger.Ledger
	queue  *spool.Queue
	states *state.Store
	hist   *history.Store

	flushInterval time.Duration

	mu          sync.Mutex
	running     bool
	workerUp    bool
	signalHigh  bool
	counterInit bool
	ledgerReady bool
	counter     *counter.Counter
	stats       Stats
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithObserver sets the event observer callback.
func WithObserver(fn Observer) Option {
	return func(r *Recorder) { r.observer = fn }
}

// WithHistory attaches a history store; every recorded event is
// mirrored there best-effort.
func WithHistory(h *history.Store) Option {
	return func(r *Recorder) { r.hist = h }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithFlushInterval overrides the background flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) { r.flushInterval = d }
}

// New creates a recorder for the machine described by cfg, watching the
// given sensor. The primary state store lives in the configuration
// directory; the ledger, sidecar, and spool files live in cfg.DataDir.
func New(cfg config.Config, s Sensor, opts ...Option) *Recorder {
	ledgerPath := cfg.LedgerPath()
	r := &Recorder{
		cfg:           cfg,
		sensor:        s,
		now:           func() time.Time { return time.Now().Local() },
		ledger:        ledger.New(ledgerPath, cfg.ResetHour),
		states:        state.NewStore(config.StatePath(), ledgerPath, cfg.MachineID),
		counter:       counter.New(cfg.ResetHour),
		flushInterval: spool.DefaultFlushInterval,
	}
	r.queue = spool.NewQueue(ledgerPath, r.ledger)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsRunning reports whether the recorder is actively watching the
// sensor.
func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats returns a snapshot of monitoring statistics.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LedgerPath returns the ledger file the recorder writes to.
func (r *Recorder) LedgerPath() string {
	return r.ledger.Path()
}

// Start restores counter state, prepares the ledger, launches the
// background flush worker, and arms the sensor. No-op when already
// running. Any failure reverts to Stopped and propagates.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		slog.Debug("recorder already running", "machine", r.cfg.MachineID)
		return nil
	}
	r.running = true
	r.mu.Unlock()

	slog.Info("starting cycle monitor",
		"machine", r.cfg.MachineID, "pin", r.cfg.SensorPin, "ledger", r.ledger.Path())

	if err := r.prepare(); err != nil {
		r.setStopped()
		return err
	}

	r.queue.Start(r.flushInterval)
	r.mu.Lock()
	r.workerUp = true
	r.mu.Unlock()

	if err := r.armSensor(); err != nil {
		slog.Error("failed to arm sensor; stopping flush worker", "error", err)
		r.queue.Stop(stopTimeout)
		r.setStopped()
		return err
	}
	return nil
}

// Stop disarms the sensor and shuts the flush worker down with one
// final flush, waiting at most ten seconds before proceeding anyway.
// Idempotent.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	slog.Info("stopping cycle monitor", "machine", r.cfg.MachineID)
	if err := r.sensor.Unsubscribe(); err != nil {
		slog.Debug("sensor disarm failed", "error", err)
	}

	r.queue.Stop(stopTimeout)
	r.mu.Lock()
	r.workerUp = false
	r.mu.Unlock()

	// One more synchronous flush in case rows arrived after the
	// worker's final pass.
	if err := r.queue.Flush(); err != nil {
		slog.Warn("rows remain spooled after shutdown", "error", err)
	}
}

func (r *Recorder) setStopped() {
	r.mu.Lock()
	r.running = false
	r.workerUp = false
	r.mu.Unlock()
}

// prepare restores counter state and readies the storage files. Runs
// during Start, before any event can arrive.
func (r *Recorder) prepare() error {
	r.restoreCounterState()
	if err := r.prepareStorage(); err != nil {
		return err
	}
	r.queue.LoadPending()
	return nil
}

// restoreCounterState seeds the cycle counter from the reconciled
// persisted state, when any exists.
func (r *Recorder) restoreCounterState() {
	st := r.states.Load()
	if st == nil {
		slog.Debug("no persisted cycle state to restore", "machine", r.cfg.MachineID)
		return
	}

	slog.Info("initialising cycle counter from persisted state",
		"machine", r.cfg.MachineID, "last_cycle", st.LastCycle)
	r.mu.Lock()
	r.counter.Configure(st.LastTimestamp.Local(), st.LastCycle)
	r.counterInit = true
	r.mu.Unlock()
}

// prepareStorage ensures the ledger file exists and, when the counter
// is still unseeded, recovers it from the ledger tail. The ready flag
// short-circuits the per-event path, but a ledger file that vanished
// (ejected media) forces re-preparation.
func (r *Recorder) prepareStorage() error {
	r.mu.Lock()
	ready := r.ledgerReady
	r.mu.Unlock()

	if ready {
		if _, err := os.Stat(r.ledger.Path()); err == nil {
			return nil
		}
		slog.Warn("ledger file missing; reinitializing storage", "path", r.ledger.Path())
	}

	seed, err := r.ledger.Prepare()
	if err != nil {
		return fmt.Errorf("prepare ledger: %w", err)
	}

	r.mu.Lock()
	if !r.counterInit {
		if seed != nil {
			r.counter.Configure(seed.Reference.Local(), seed.Count)
		} else {
			r.counter.Configure(r.now(), 0)
		}
		r.counterInit = true
	}
	r.ledgerReady = true
	r.mu.Unlock()
	return nil
}

// armSensor latches the current line level and subscribes for
// transitions. Failures are wrapped as ErrSensorUnavailable.
func (r *Recorder) armSensor() error {
	level, err := r.sensor.CurrentLevel()
	if err != nil {
		slog.Debug("unable to read initial sensor level", "error", err)
		level = 0
	}
	r.mu.Lock()
	r.signalHigh = level == 1
	r.mu.Unlock()

	if err := r.sensor.Subscribe(r.handleTransition); err != nil {
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	return nil
}

// handleTransition is the sensor callback. A falling level clears the
// latch; a rising level records exactly one event until a low is
// observed again, collapsing duplicate callbacks while the line stays
// high.
func (r *Recorder) handleTransition() {
	level, err := r.sensor.CurrentLevel()
	if err != nil {
		slog.Debug("unable to read sensor level", "error", err)
		return
	}

	if level == 0 {
		r.mu.Lock()
		r.signalHigh = false
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if r.signalHigh {
		r.mu.Unlock()
		return
	}
	r.signalHigh = true
	r.mu.Unlock()

	ts := r.now()
	if _, ok := r.recordEvent(ts); !ok {
		// Recording failed before the row was accepted; release the
		// latch so the next edge can retry.
		r.mu.Lock()
		r.signalHigh = false
		r.mu.Unlock()
		return
	}

	r.noteEvent(ts)
	r.notifyObserver(ts)
}

// SimulateEvent records one event through the normal path without
// requiring a real edge. Safe to call whether or not the monitor is
// running; used by tests and the manual trigger command.
func (r *Recorder) SimulateEvent() (time.Time, error) {
	ts := r.now()

	r.mu.Lock()
	restored := r.counterInit
	r.signalHigh = false
	r.mu.Unlock()
	if !restored {
		r.restoreCounterState()
	}

	if _, ok := r.recordEvent(ts); !ok {
		return ts, fmt.Errorf("unable to record simulated event")
	}
	r.noteEvent(ts)
	r.notifyObserver(ts)
	return ts, nil
}

// ResetCycleCounter reseeds the counter to zero at reference (now when
// zero) and persists that as the new baseline, so the next event logs
// as cycle 1. Used for manual resets outside the automatic schedule.
func (r *Recorder) ResetCycleCounter(reference time.Time) {
	if reference.IsZero() {
		reference = r.now()
	}
	reference = reference.Local()

	r.mu.Lock()
	r.counter.Configure(reference, 0)
	r.counterInit = true
	r.mu.Unlock()

	if err := r.states.Save(0, reference); err != nil {
		slog.Error("failed to persist manual reset state",
			"machine", r.cfg.MachineID, "error", err)
	}
	slog.Info("cycle counter manually reset; next cycle starts at 1",
		"machine", r.cfg.MachineID, "reference", reference)
}

// recordEvent runs the durability pipeline for one event: counter
// increment, spool enqueue, state save, history mirror. Only a storage
// preparation failure rejects the event; everything downstream is
// queued or retried and must not lose the count.
func (r *Recorder) recordEvent(ts time.Time) (int, bool) {
	if err := r.prepareStorage(); err != nil {
		slog.Error("unable to prepare storage for cycle events", "error", err)
		return 0, false
	}

	r.mu.Lock()
	cycle := r.counter.Record(ts)
	workerUp := r.workerUp
	r.mu.Unlock()

	r.queue.Enqueue(ledger.Row{Timestamp: ts})
	if !workerUp {
		// No background worker to wake: flush synchronously so the
		// one-shot paths (simulate, manual reset tools) commit before
		// the process exits. Failure keeps the row spooled.
		if err := r.queue.Flush(); err != nil {
			slog.Warn("ledger is busy; event stays queued for retry",
				"timestamp", ts, "error", err)
		}
	}

	if err := r.states.Save(cycle, ts); err != nil {
		slog.Error("failed to persist cycle state",
			"machine", r.cfg.MachineID, "error", err)
	}

	if r.hist != nil {
		if err := r.hist.Record(context.Background(), r.cfg.MachineID, ts); err != nil {
			slog.Error("failed to update cycle history",
				"machine", r.cfg.MachineID, "error", err)
		}
	}
	return cycle, true
}

func (r *Recorder) noteEvent(ts time.Time) {
	r.mu.Lock()
	r.stats.LastEventTime = ts
	r.stats.EventsLogged++
	r.mu.Unlock()
}

// notifyObserver invokes the observer callback, containing any panic:
// a broken display layer must never take the monitor down.
func (r *Recorder) notifyObserver(ts time.Time) {
	if r.observer == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("cycle event observer panicked", "panic", p)
		}
	}()
	r.observer(ts)
}
