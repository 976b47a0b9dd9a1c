package config

import (
	"context"
	"log/slog"

	"github.com/fstre/cyclemon/internal/history"
	"github.com/fstre/cyclemon/internal/state"
)

// retireIfChanged cleans up state tied to a prior machine configuration
// once the machine id or ledger directory changes. Without this, a
// renamed machine would restore a counter that belongs to someone else.
//
// Every step is best effort: the new configuration is already saved and
// stale files only waste space.
func retireIfChanged(previous, current Config) {
	prevID := CanonicalMachineID(previous.MachineID)
	currID := CanonicalMachineID(current.MachineID)
	if prevID == "" {
		return
	}
	if prevID == currID && previous.DataDir == current.DataDir {
		return
	}

	slog.Info("retiring previous machine configuration",
		"machine", prevID, "data_dir", previous.DataDir)

	st := state.NewStore(StatePath(), previous.LedgerPath(), prevID)
	if err := st.Clear(); err != nil {
		slog.Warn("unable to clear stored state for retired machine",
			"machine", prevID, "error", err)
	}

	h, err := history.Open(HistoryPath())
	if err != nil {
		slog.Warn("unable to open history store for retirement cleanup",
			"machine", prevID, "error", err)
		return
	}
	defer h.Close()
	if err := h.Clear(context.Background(), prevID); err != nil {
		slog.Warn("unable to clear history for retired machine",
			"machine", prevID, "error", err)
	}
}
