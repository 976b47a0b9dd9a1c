package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fstre/cyclemon/internal/ledger"
)

// SidecarSuffix is appended to the ledger path to form the sidecar
// state file path.
const SidecarSuffix = ".state.json"

// SidecarStore keeps one machine's state in a flat JSON file next to
// its ledger:
//
//	{"last_cycle": 3, "last_timestamp": "..."}
//
// It exists so state survives even when the configuration directory and
// the ledger directory live on different volumes and one of them is
// temporarily unreachable.
type SidecarStore struct {
	path      string
	machineID string
}

// NewSidecarStore creates a sidecar store for the machine whose ledger
// lives at ledgerPath.
func NewSidecarStore(ledgerPath, machineID string) *SidecarStore {
	return &SidecarStore{path: ledgerPath + SidecarSuffix, machineID: machineID}
}

// Path returns the backing file path.
func (s *SidecarStore) Path() string {
	return s.path
}

// Load returns the sidecar state, or nil when the file is absent or
// unreadable.
func (s *SidecarStore) Load() *MachineState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read sidecar state", "path", s.path, "error", err)
		}
		return nil
	}
	var raw persistedState
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("sidecar state is corrupt; ignoring", "path", s.path, "error", err)
		return nil
	}
	ts, err := ledger.ParseTimestamp(raw.LastTimestamp)
	if err != nil {
		slog.Warn("sidecar state is invalid; ignoring", "path", s.path, "error", err)
		return nil
	}
	return &MachineState{MachineID: s.machineID, LastCycle: raw.LastCycle, LastTimestamp: ts}
}

// Save writes the sidecar state with atomic replace semantics.
func (s *SidecarStore) Save(st MachineState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), ledger.DirMode); err != nil {
		return fmt.Errorf("create sidecar directory: %w", err)
	}
	data, err := json.Marshal(persistedState{
		LastCycle:     st.LastCycle,
		LastTimestamp: ledger.FormatTimestamp(st.LastTimestamp),
	})
	if err != nil {
		return fmt.Errorf("encode sidecar state: %w", err)
	}
	if err := ledger.WriteFileAtomic(s.path, data, 0o660); err != nil {
		return fmt.Errorf("persist sidecar state %s: %w", s.path, err)
	}
	if err := ledger.EnsureSharedPermissions(s.path, 0o660); err != nil {
		slog.Debug("unable to adjust sidecar permissions", "path", s.path, "error", err)
	}
	return nil
}

// Delete removes the sidecar file. A missing file is not an error.
func (s *SidecarStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sidecar state %s: %w", s.path, err)
	}
	return nil
}
