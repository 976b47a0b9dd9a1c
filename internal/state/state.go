// Package state persists the latest (last_cycle, last_timestamp) pair
// for each machine at two independent locations and reconciles them.
//
// The primary store is a single JSON file in the configuration
// directory, keyed by machine id. The sidecar store is one flat JSON
// file per machine, living next to that machine's ledger. The two can
// diverge when one location is temporarily unreachable (the ledger
// directory is often on removable or network storage); Load converges
// them by adopting whichever carries the later last_timestamp and
// overwriting the other.
//
// All writes use temp-file + atomic-rename replace semantics so a crash
// mid-write never leaves a corrupt state file behind.
package state

import "time"

// MachineState is the persisted recovery state for one machine.
type MachineState struct {
	MachineID     string
	LastCycle     int
	LastTimestamp time.Time
}

// persistedState is the on-disk JSON shape shared by both stores.
type persistedState struct {
	LastCycle     int    `json:"last_cycle"`
	LastTimestamp string `json:"last_timestamp"`
}
