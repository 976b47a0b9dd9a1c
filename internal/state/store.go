package state

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fstre/cyclemon/internal/spool"
)

// Store is the two-location state store for one machine: a shared
// primary file plus a per-machine sidecar next to the ledger.
//
// The two locations are interchangeable backends with a last-writer-
// wins reconciliation strategy, not a primary/replica pair. Either one
// may be missing or stale; Load converges them.
type Store struct {
	primary   *PrimaryStore
	sidecar   *SidecarStore
	machineID string
	spoolPath string
}

// NewStore creates a Store for machineID whose ledger lives at
// ledgerPath and whose primary state file lives at primaryPath.
func NewStore(primaryPath, ledgerPath, machineID string) *Store {
	return &Store{
		primary:   NewPrimaryStore(primaryPath),
		sidecar:   NewSidecarStore(ledgerPath, machineID),
		machineID: machineID,
		spoolPath: ledgerPath + spool.Suffix,
	}
}

// Load reads both locations and reconciles them.
//
// Both present and disagreeing: the state with the later last_timestamp
// wins and is written back over the loser. Only one present: it is
// adopted and mirrored to the other location. Neither present: nil.
// Mirror-write failures are logged, never returned: the caller already
// has the authoritative state in hand.
func (s *Store) Load() *MachineState {
	primary := s.primary.Load(s.machineID)
	sidecar := s.sidecar.Load()

	switch {
	case primary == nil && sidecar == nil:
		return nil
	case primary == nil:
		slog.Info("adopting sidecar state", "machine", s.machineID, "last_cycle", sidecar.LastCycle)
		if err := s.primary.Save(*sidecar); err != nil {
			slog.Warn("failed to mirror sidecar state to primary store",
				"machine", s.machineID, "error", err)
		}
		return sidecar
	case sidecar == nil:
		if err := s.sidecar.Save(*primary); err != nil {
			slog.Warn("failed to mirror primary state to sidecar",
				"machine", s.machineID, "error", err)
		}
		return primary
	}

	if sidecar.LastTimestamp.After(primary.LastTimestamp) {
		slog.Info("sidecar state is newer than primary store; adopting it",
			"machine", s.machineID,
			"sidecar_ts", sidecar.LastTimestamp, "primary_ts", primary.LastTimestamp)
		if err := s.primary.Save(*sidecar); err != nil {
			slog.Warn("failed to sync sidecar state back to primary store",
				"machine", s.machineID, "error", err)
		}
		return sidecar
	}

	if err := s.sidecar.Save(*primary); err != nil {
		slog.Warn("failed to sync primary state to sidecar",
			"machine", s.machineID, "error", err)
	}
	return primary
}

// Save persists the latest cycle details at both locations. A failure
// on either side is returned for logging but must not abort the
// triggering event: the counter already advanced in memory and will be
// persisted on the next successful save.
func (s *Store) Save(lastCycle int, lastTimestamp time.Time) error {
	st := MachineState{
		MachineID:     s.machineID,
		LastCycle:     lastCycle,
		LastTimestamp: lastTimestamp,
	}
	return errors.Join(s.primary.Save(st), s.sidecar.Save(st))
}

// Clear removes the machine's entry from the primary store and deletes
// the sidecar and companion spool files. Used only when the machine is
// retired (machine id or ledger directory changed in configuration).
func (s *Store) Clear() error {
	errs := []error{
		s.primary.Clear(s.machineID),
		s.sidecar.Delete(),
	}
	if err := os.Remove(s.spoolPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove spool file %s: %w", s.spoolPath, err))
	}
	return errors.Join(errs...)
}
