package recorder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fstre/cyclemon/internal/config"
	"github.com/fstre/cyclemon/internal/history"
	"github.com/fstre/cyclemon/internal/sensor"
	"github.com/fstre/cyclemon/internal/state"
	"github.com/fstre/cyclemon/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv(config.EnvConfigDir, t.TempDir())
	cfg := config.Default()
	cfg.MachineID = "M1"
	cfg.DataDir = t.TempDir()
	cfg.ResetHour = 4
	return cfg
}

func ledgerLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestStartStop_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	line := sensor.NewSim(0)
	r := New(cfg, line)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	require.NoError(t, r.Start(), "second Start is a no-op")

	r.Stop()
	assert.False(t, r.IsRunning())
	r.Stop() // second Stop is a no-op
}

func TestStart_SensorUnavailable(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, sensor.Disconnected{})

	err := r.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSensorUnavailable)
	assert.False(t, r.IsRunning(), "failed start reverts to stopped")

	// The ledger was still prepared before the arm attempt failed.
	_, statErr := os.Stat(r.LedgerPath())
	assert.NoError(t, statErr)
}

func TestLatch_CollapsesHighsUntilLow(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	line := sensor.NewSim(0)
	r := New(cfg, line, WithClock(clock.Now))

	require.NoError(t, r.Start())
	defer r.Stop()

	line.Rise()
	line.Rise() // duplicate high while latched: no second event
	clock.Advance(time.Second)
	line.Fall()
	line.Rise()

	r.Stop()
	assert.Equal(t, 2, r.Stats().EventsLogged)
	assert.Len(t, ledgerLines(t, r.LedgerPath()), 2)
}

func TestSimulateEvent_WritesLedgerAndState(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	r := New(cfg, sensor.NewSim(0), WithClock(clock.Now))

	ts, err := r.SimulateEvent()
	require.NoError(t, err)
	assert.True(t, ts.Equal(clock.Now()))

	// No worker is running, so the simulated event flushes synchronously.
	assert.Len(t, ledgerLines(t, r.LedgerPath()), 1)
	_, statErr := os.Stat(r.LedgerPath() + ".pending")
	assert.True(t, os.IsNotExist(statErr), "spool file is cleared after flush")

	st := state.NewStore(config.StatePath(), r.LedgerPath(), cfg.MachineID).Load()
	require.NotNil(t, st)
	assert.Equal(t, 1, st.LastCycle)
}

func TestEventsCarryCycleStateAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	r := New(cfg, sensor.NewSim(0), WithClock(clock.Now))
	_, err := r.SimulateEvent()
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = r.SimulateEvent()
	require.NoError(t, err)

	// A fresh recorder (new process, same machine) continues the count.
	clock.Advance(time.Minute)
	r2 := New(cfg, sensor.NewSim(0), WithClock(clock.Now))
	_, err = r2.SimulateEvent()
	require.NoError(t, err)

	st := state.NewStore(config.StatePath(), r2.LedgerPath(), cfg.MachineID).Load()
	require.NotNil(t, st)
	assert.Equal(t, 3, st.LastCycle)
}

func TestDailyResetBoundary(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 3, 0, 0, 0, time.Local))
	r := New(cfg, sensor.NewSim(0), WithClock(clock.Now))

	_, err := r.SimulateEvent() // 03:00, before the 04:00 boundary
	require.NoError(t, err)

	clock.Set(time.Date(2024, 3, 1, 5, 0, 0, 0, time.Local))
	_, err = r.SimulateEvent() // past the boundary: count restarts at 1
	require.NoError(t, err)

	clock.Set(time.Date(2024, 3, 1, 6, 0, 0, 0, time.Local))
	_, err = r.SimulateEvent()
	require.NoError(t, err)

	st := state.NewStore(config.StatePath(), r.LedgerPath(), cfg.MachineID).Load()
	require.NotNil(t, st)
	assert.Equal(t, 2, st.LastCycle, "post-boundary events count 1, 2")
	assert.Len(t, ledgerLines(t, r.LedgerPath()), 3, "the ledger keeps every event regardless of resets")
}

func TestResetCycleCounter(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	r := New(cfg, sensor.NewSim(0), WithClock(clock.Now))

	_, err := r.SimulateEvent()
	require.NoError(t, err)
	_, err = r.SimulateEvent()
	require.NoError(t, err)

	r.ResetCycleCounter(time.Time{})

	st := state.NewStore(config.StatePath(), r.LedgerPath(), cfg.MachineID).Load()
	require.NotNil(t, st)
	assert.Equal(t, 0, st.LastCycle, "reset baseline is persisted")

	_, err = r.SimulateEvent()
	require.NoError(t, err)
	st = state.NewStore(config.StatePath(), r.LedgerPath(), cfg.MachineID).Load()
	assert.Equal(t, 1, st.LastCycle, "next cycle after a manual reset is 1")
}

func TestObserverPanicIsContained(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, sensor.NewSim(0), WithObserver(func(time.Time) {
		panic("display layer exploded")
	}))

	_, err := r.SimulateEvent()
	require.NoError(t, err, "observer panic must not fail the event")
	assert.Equal(t, 1, r.Stats().EventsLogged)
}

func TestObserverReceivesTimestamp(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	var seen []time.Time
	r := New(cfg, sensor.NewSim(0),
		WithClock(clock.Now),
		WithObserver(func(ts time.Time) { seen = append(seen, ts) }))

	_, err := r.SimulateEvent()
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Equal(clock.Now()))
}

func TestHistoryMirrorsEvents(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	r := New(cfg, sensor.NewSim(0), WithClock(clock.Now), WithHistory(hist))
	_, err = r.SimulateEvent()
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = r.SimulateEvent()
	require.NoError(t, err)

	stamps, err := hist.Timestamps(context.Background(), cfg.MachineID)
	require.NoError(t, err)
	assert.Len(t, stamps, 2)
}

func TestSpoolRecoveryOnStart(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg, sensor.NewSim(0))

	// A crashed run left an unflushed row behind.
	ledgerPath := cfg.LedgerPath()
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0o775))
	require.NoError(t, os.WriteFile(ledgerPath+".pending",
		[]byte("2024-03-01T09:00:00Z\n"), 0o664))

	require.NoError(t, r.Start())
	r.Stop()

	lines := ledgerLines(t, ledgerPath)
	require.Len(t, lines, 1)
	assert.Equal(t, "2024-03-01T09:00:00Z", lines[0])
	_, statErr := os.Stat(ledgerPath + ".pending")
	assert.True(t, os.IsNotExist(statErr))
}

func TestWorkerFlushesSensorEvents(t *testing.T) {
	cfg := testConfig(t)
	line := sensor.NewSim(0)
	r := New(cfg, line, WithFlushInterval(10*time.Millisecond))

	require.NoError(t, r.Start())
	defer r.Stop()

	line.Pulse()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(r.LedgerPath())
		return err == nil && strings.TrimSpace(string(data)) != ""
	}, 2*time.Second, 10*time.Millisecond, "worker commits the event without an explicit flush")
}
