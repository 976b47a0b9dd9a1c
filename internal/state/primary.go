package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fstre/cyclemon/internal/ledger"
)

// PrimaryStore keeps every machine's state in one JSON file under the
// configuration directory:
//
//	{"machines": {"M1": {"last_cycle": 3, "last_timestamp": "..."}}}
type PrimaryStore struct {
	path string
}

// NewPrimaryStore creates a primary store backed by the file at path.
func NewPrimaryStore(path string) *PrimaryStore {
	return &PrimaryStore{path: path}
}

// Path returns the backing file path.
func (p *PrimaryStore) Path() string {
	return p.path
}

type primaryBlob struct {
	Machines map[string]persistedState `json:"machines"`
}

// loadBlob reads the whole file. Missing or corrupt files yield an
// empty blob: state is recoverable from the sidecar or the ledger, so
// corruption here is a warning, never fatal.
func (p *PrimaryStore) loadBlob() primaryBlob {
	blob := primaryBlob{Machines: map[string]persistedState{}}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read state file", "path", p.path, "error", err)
		}
		return blob
	}
	if err := json.Unmarshal(data, &blob); err != nil {
		slog.Warn("state file is corrupt; ignoring", "path", p.path, "error", err)
		return primaryBlob{Machines: map[string]persistedState{}}
	}
	if blob.Machines == nil {
		blob.Machines = map[string]persistedState{}
	}
	return blob
}

func (p *PrimaryStore) saveBlob(blob primaryBlob) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	if err := ledger.WriteFileAtomic(p.path, data, 0o644); err != nil {
		return fmt.Errorf("persist state file %s: %w", p.path, err)
	}
	return nil
}

// Load returns the stored state for machineID, or nil when absent or
// unreadable.
func (p *PrimaryStore) Load(machineID string) *MachineState {
	blob := p.loadBlob()
	raw, ok := blob.Machines[machineID]
	if !ok {
		return nil
	}
	ts, err := ledger.ParseTimestamp(raw.LastTimestamp)
	if err != nil {
		slog.Warn("stored state is invalid; ignoring", "machine", machineID, "error", err)
		return nil
	}
	return &MachineState{MachineID: machineID, LastCycle: raw.LastCycle, LastTimestamp: ts}
}

// Save writes the latest cycle details for machineID, preserving the
// entries of other machines sharing the file.
func (p *PrimaryStore) Save(st MachineState) error {
	blob := p.loadBlob()
	blob.Machines[st.MachineID] = persistedState{
		LastCycle:     st.LastCycle,
		LastTimestamp: ledger.FormatTimestamp(st.LastTimestamp),
	}
	return p.saveBlob(blob)
}

// Clear removes the entry for machineID. Removing an absent entry is a
// no-op.
func (p *PrimaryStore) Clear(machineID string) error {
	blob := p.loadBlob()
	if _, ok := blob.Machines[machineID]; !ok {
		return nil
	}
	delete(blob.Machines, machineID)
	return p.saveBlob(blob)
}
